package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/repositories"
)

const (
	notificationIDPrefix     = "ntf_"
	maxNotificationMessage   = 2000
	maxNotificationTypesList = 10
)

// NotificationServiceDeps bundles collaborators required to construct the notification service.
type NotificationServiceDeps struct {
	Notifications repositories.NotificationRepository
	Clock         func() time.Time
	IDGenerator   func() string
	Logger        func(ctx context.Context, event string, fields map[string]any)
}

type notificationService struct {
	repo     repositories.NotificationRepository
	clock    func() time.Time
	newID    func() string
	sanitize *bluemonday.Policy
	logger   func(context.Context, string, map[string]any)
}

var _ NotificationService = (*notificationService)(nil)

// NewNotificationService constructs the notification feed service.
func NewNotificationService(deps NotificationServiceDeps) (NotificationService, error) {
	if deps.Notifications == nil {
		return nil, errors.New("notification service: notification repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationService{
		repo: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:    idGen,
		sanitize: bluemonday.StrictPolicy(),
		logger:   logger,
	}, nil
}

func (s *notificationService) ListNotifications(ctx context.Context, filter NotificationListFilter) (domain.CursorPage[Notification], error) {
	recipientID := strings.TrimSpace(filter.RecipientID)
	if recipientID == "" {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: recipient id is required", ErrNotificationInvalidInput)
	}
	if len(filter.Types) > maxNotificationTypesList {
		return domain.CursorPage[Notification]{}, fmt.Errorf("%w: at most %d types may be requested", ErrNotificationInvalidInput, maxNotificationTypesList)
	}
	types := make([]NotificationType, 0, len(filter.Types))
	for _, typ := range filter.Types {
		normalized := NotificationType(strings.ToLower(strings.TrimSpace(string(typ))))
		if !normalized.IsValid() {
			return domain.CursorPage[Notification]{}, fmt.Errorf("%w: unknown type %q", ErrNotificationInvalidInput, typ)
		}
		types = append(types, normalized)
	}

	pageSize := filter.Pagination.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultListPageSize
	case pageSize > maxListPageSize:
		pageSize = maxListPageSize
	}

	page, err := s.repo.ListByRecipient(ctx, repositories.NotificationListFilter{
		RecipientID: recipientID,
		UnreadOnly:  filter.UnreadOnly,
		Types:       types,
		Pagination:  Pagination{PageSize: pageSize, PageToken: strings.TrimSpace(filter.Pagination.PageToken)},
	})
	if err != nil {
		return domain.CursorPage[Notification]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *notificationService) GetNotification(ctx context.Context, recipientID, notificationID string) (Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	notificationID = strings.TrimSpace(notificationID)
	if recipientID == "" || notificationID == "" {
		return Notification{}, fmt.Errorf("%w: recipient and notification id are required", ErrNotificationInvalidInput)
	}
	notification, err := s.repo.FindByID(ctx, notificationID)
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	if notification.RecipientID != recipientID {
		return Notification{}, fmt.Errorf("%w: %s", ErrNotificationNotFound, notificationID)
	}
	return notification, nil
}

func (s *notificationService) MarkRead(ctx context.Context, cmd MarkNotificationReadCommand) (Notification, error) {
	notification, err := s.GetNotification(ctx, cmd.RecipientID, cmd.NotificationID)
	if err != nil {
		return Notification{}, err
	}
	if notification.IsRead {
		return notification, nil
	}
	updated, err := s.repo.MarkRead(ctx, notification.ID, s.clock())
	if err != nil {
		return Notification{}, s.mapRepositoryError(err)
	}
	return updated, nil
}

// IngestNotification stores a notification delivered by the feed. Markup is stripped from free
// text. Redelivery of a payload carrying an id returns the stored notification.
func (s *notificationService) IngestNotification(ctx context.Context, cmd IngestNotificationCommand) (Notification, error) {
	notificationType := NotificationType(strings.ToLower(strings.TrimSpace(cmd.Type)))
	if !notificationType.IsValid() {
		return Notification{}, fmt.Errorf("%w: unknown type %q", ErrNotificationInvalidInput, cmd.Type)
	}
	recipientID := strings.TrimSpace(cmd.RecipientID)
	if recipientID == "" {
		return Notification{}, fmt.Errorf("%w: recipient id is required", ErrNotificationInvalidInput)
	}
	message := s.clean(cmd.Message)
	if message == "" {
		return Notification{}, fmt.Errorf("%w: message is required", ErrNotificationInvalidInput)
	}
	if runes := []rune(message); len(runes) > maxNotificationMessage {
		message = string(runes[:maxNotificationMessage])
	}

	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		id = notificationIDPrefix + s.newID()
	}
	createdAt := cmd.CreatedAt.UTC()
	if cmd.CreatedAt.IsZero() {
		createdAt = s.clock()
	}

	notification := Notification{
		ID:                id,
		Type:              notificationType,
		RecipientID:       recipientID,
		RelatedEntityID:   strings.TrimSpace(cmd.RelatedEntityID),
		RelatedEntityType: strings.TrimSpace(cmd.RelatedEntityType),
		SenderID:          strings.TrimSpace(cmd.SenderID),
		SenderName:        s.clean(cmd.SenderName),
		Message:           message,
		CreatedAt:         createdAt,
	}

	if err := s.repo.Insert(ctx, notification); err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsConflict() {
			existing, findErr := s.repo.FindByID(ctx, id)
			if findErr == nil {
				return existing, nil
			}
		}
		return Notification{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "notification.ingested", map[string]any{
		"notificationId": notification.ID,
		"type":           string(notification.Type),
		"recipientId":    notification.RecipientID,
	})
	return notification, nil
}

const maxSanitizeRounds = 4

// clean decodes entities before stripping so encoded markup cannot survive, and repeats until
// the text is stable to catch nested encodings. Bare '&' and '<' in plain text are kept.
func (s *notificationService) clean(value string) string {
	for i := 0; i < maxSanitizeRounds; i++ {
		next := html.UnescapeString(s.sanitize.Sanitize(html.UnescapeString(value)))
		if next == value {
			break
		}
		value = next
	}
	return strings.TrimSpace(value)
}

func (s *notificationService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrNotificationNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrNotificationUnavailable, err)
		}
	}
	return err
}
