package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/httpx"
	"github.com/agri-market/api/internal/platform/jobs"
	"github.com/agri-market/api/internal/platform/pagination"
	"github.com/agri-market/api/internal/platform/requestctx"
	"github.com/agri-market/api/internal/services"
)

const maxPushBodySize = 64 * 1024

type notificationPayload struct {
	ID                string `json:"id"`
	Type              string `json:"type"`
	RelatedEntityID   string `json:"relatedEntityId,omitempty"`
	RelatedEntityType string `json:"relatedEntityType,omitempty"`
	SenderID          string `json:"senderId,omitempty"`
	SenderName        string `json:"senderName,omitempty"`
	Message           string `json:"message"`
	IsRead            bool   `json:"isRead"`
	CreatedAt         string `json:"createdAt"`
	ReadAt            string `json:"readAt,omitempty"`
}

type notificationListResponse struct {
	Items         []notificationPayload `json:"items"`
	NextPageToken string                `json:"nextPageToken,omitempty"`
}

// NotificationHandlers exposes the caller's notification feed.
type NotificationHandlers struct {
	authn         *auth.Authenticator
	notifications services.NotificationService
}

// NewNotificationHandlers constructs NotificationHandlers.
func NewNotificationHandlers(authn *auth.Authenticator, notifications services.NotificationService) *NotificationHandlers {
	return &NotificationHandlers{authn: authn, notifications: notifications}
}

// Routes registers the /notifications endpoints.
func (h *NotificationHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listNotifications)
	r.Post("/{notificationID}:read", h.markRead)
}

func (h *NotificationHandlers) listNotifications(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		writeNotificationError(ctx, w, services.ErrNotificationUnavailable)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	page, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	var unreadOnly bool
	if raw := strings.TrimSpace(query.Get("unread")); raw != "" {
		unreadOnly, err = strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unread must be a boolean", http.StatusBadRequest))
			return
		}
	}
	var types []services.NotificationType
	for _, value := range query["type"] {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				types = append(types, services.NotificationType(part))
			}
		}
	}

	result, err := h.notifications.ListNotifications(ctx, services.NotificationListFilter{
		RecipientID: identity.UID,
		UnreadOnly:  unreadOnly,
		Types:       types,
		Pagination:  services.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	items := make([]notificationPayload, 0, len(result.Items))
	for _, notification := range result.Items {
		items = append(items, buildNotificationPayload(notification))
	}
	httpx.WriteJSON(w, http.StatusOK, "", notificationListResponse{Items: items, NextPageToken: result.NextPageToken})
}

func (h *NotificationHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.notifications == nil {
		writeNotificationError(ctx, w, services.ErrNotificationUnavailable)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}
	notification, err := h.notifications.MarkRead(ctx, services.MarkNotificationReadCommand{
		RecipientID:    identity.UID,
		NotificationID: chi.URLParam(r, "notificationID"),
	})
	if err != nil {
		writeNotificationError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "notification read", buildNotificationPayload(notification))
}

// NotificationPushHandlers ingests notifications delivered by a Pub/Sub push subscription.
type NotificationPushHandlers struct {
	notifications services.NotificationService
}

// NewNotificationPushHandlers constructs NotificationPushHandlers.
func NewNotificationPushHandlers(notifications services.NotificationService) *NotificationPushHandlers {
	return &NotificationPushHandlers{notifications: notifications}
}

// Routes registers the push endpoint. Authentication is applied by the /internal group.
func (h *NotificationPushHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/notifications/push", h.push)
}

// push acknowledges payloads that can never be ingested so Pub/Sub stops redelivering them;
// other failures answer with an error status so the message is retried.
func (h *NotificationPushHandlers) push(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)
	if h.notifications == nil {
		writeNotificationError(ctx, w, services.ErrNotificationUnavailable)
		return
	}

	body := http.MaxBytesReader(w, r.Body, maxPushBodySize)
	envelope, data, err := jobs.DecodePushEnvelope(body)
	if err == nil {
		var cmd services.IngestNotificationCommand
		if cmd, err = jobs.DecodeNotification(data); err == nil {
			var notification services.Notification
			if notification, err = h.notifications.IngestNotification(ctx, cmd); err == nil {
				httpx.WriteJSON(w, http.StatusOK, "notification ingested", map[string]string{"id": notification.ID})
				return
			}
		}
	}

	fields := []zap.Field{zap.String("message_id", envelope.Message.MessageID), zap.Error(err)}
	if jobs.IsPermanent(err) {
		logger.Warn("dropping undeliverable notification", fields...)
		httpx.WriteJSON(w, http.StatusOK, "notification dropped", map[string]string{"reason": err.Error()})
		return
	}
	logger.Error("notification ingest failed", fields...)
	writeNotificationError(ctx, w, err)
}

func buildNotificationPayload(notification services.Notification) notificationPayload {
	payload := notificationPayload{
		ID:                notification.ID,
		Type:              string(notification.Type),
		RelatedEntityID:   notification.RelatedEntityID,
		RelatedEntityType: notification.RelatedEntityType,
		SenderID:          notification.SenderID,
		SenderName:        notification.SenderName,
		Message:           notification.Message,
		IsRead:            notification.IsRead,
		CreatedAt:         formatTime(notification.CreatedAt),
	}
	if notification.ReadAt != nil {
		payload.ReadAt = formatTime(*notification.ReadAt)
	}
	return payload
}

func writeNotificationError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrNotificationInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrNotificationNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("notification_not_found", "notification not found", http.StatusNotFound))
	case errors.Is(err, services.ErrNotificationUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("notification_unavailable", "notification store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("notification_error", "failed to process notification", http.StatusInternalServerError))
	}
}
