package handlers

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/services"
)

type stubNotificationService struct {
	services.NotificationService
	listFn   func(context.Context, services.NotificationListFilter) (domain.CursorPage[services.Notification], error)
	readFn   func(context.Context, services.MarkNotificationReadCommand) (services.Notification, error)
	ingestFn func(context.Context, services.IngestNotificationCommand) (services.Notification, error)
}

func (s *stubNotificationService) ListNotifications(ctx context.Context, f services.NotificationListFilter) (domain.CursorPage[services.Notification], error) {
	return s.listFn(ctx, f)
}

func (s *stubNotificationService) MarkRead(ctx context.Context, cmd services.MarkNotificationReadCommand) (services.Notification, error) {
	return s.readFn(ctx, cmd)
}

func (s *stubNotificationService) IngestNotification(ctx context.Context, cmd services.IngestNotificationCommand) (services.Notification, error) {
	return s.ingestFn(ctx, cmd)
}

func pushBody(payload string) string {
	data := base64.StdEncoding.EncodeToString([]byte(payload))
	return `{"message":{"data":"` + data + `","messageId":"m-1"},"subscription":"projects/p/subscriptions/notifications"}`
}

func TestNotificationHandlersListScopesToCaller(t *testing.T) {
	svc := &stubNotificationService{listFn: func(_ context.Context, f services.NotificationListFilter) (domain.CursorPage[services.Notification], error) {
		if f.RecipientID != "buyer-1" || !f.UnreadOnly || len(f.Types) != 1 || f.Types[0] != domain.NotificationTypeContactMessage {
			t.Fatalf("unexpected filter %+v", f)
		}
		return domain.CursorPage[services.Notification]{Items: []services.Notification{{
			ID: "n1", Type: domain.NotificationTypeContactMessage, RecipientID: "buyer-1", SenderID: "seller-1",
			SenderName: "Green Farm", Message: "I can supply 10t", CreatedAt: testNow,
		}}}, nil
	}}
	handlers := NewNotificationHandlers(nil, svc)

	rr := serve(t, handlers.Routes, buyer("buyer-1"), httptest.NewRequest(http.MethodGet, "/?unread=true&type=contact_message", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var body notificationListResponse
	decodeEnvelope(t, rr, &body)
	if len(body.Items) != 1 || body.Items[0].SenderName != "Green Farm" || body.Items[0].IsRead {
		t.Fatalf("unexpected items %+v", body.Items)
	}
}

func TestNotificationHandlersMarkRead(t *testing.T) {
	svc := &stubNotificationService{readFn: func(_ context.Context, cmd services.MarkNotificationReadCommand) (services.Notification, error) {
		if cmd.NotificationID != "n1" || cmd.RecipientID != "buyer-1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		readAt := testNow
		return services.Notification{ID: "n1", IsRead: true, ReadAt: &readAt}, nil
	}}
	handlers := NewNotificationHandlers(nil, svc)

	rr := serve(t, handlers.Routes, buyer("buyer-1"), httptest.NewRequest(http.MethodPost, "/n1:read", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var payload notificationPayload
	decodeEnvelope(t, rr, &payload)
	if !payload.IsRead || payload.ReadAt == "" {
		t.Fatalf("expected read notification, got %+v", payload)
	}
}

func TestNotificationHandlersMarkReadNotFound(t *testing.T) {
	svc := &stubNotificationService{readFn: func(context.Context, services.MarkNotificationReadCommand) (services.Notification, error) {
		return services.Notification{}, services.ErrNotificationNotFound
	}}
	handlers := NewNotificationHandlers(nil, svc)

	rr := serve(t, handlers.Routes, buyer("buyer-1"), httptest.NewRequest(http.MethodPost, "/n9:read", nil))
	if rr.Code != http.StatusNotFound || errorCode(t, rr) != "notification_not_found" {
		t.Fatalf("expected 404 notification_not_found, got %d", rr.Code)
	}
}

func TestNotificationPushHandlersIngest(t *testing.T) {
	svc := &stubNotificationService{ingestFn: func(_ context.Context, cmd services.IngestNotificationCommand) (services.Notification, error) {
		if cmd.RecipientID != "buyer-1" || cmd.SenderID != "seller-1" {
			t.Fatalf("unexpected command %+v", cmd)
		}
		return services.Notification{ID: "ntf_1"}, nil
	}}
	handlers := NewNotificationPushHandlers(svc)

	body := pushBody(`{"type":"contact_message","recipientId":"buyer-1","senderId":"seller-1","message":"hello"}`)
	rr := serve(t, handlers.Routes, nil, httptest.NewRequest(http.MethodPost, "/notifications/push", strings.NewReader(body)))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestNotificationPushHandlersAcknowledgesPermanentFailures(t *testing.T) {
	calls := 0
	svc := &stubNotificationService{ingestFn: func(context.Context, services.IngestNotificationCommand) (services.Notification, error) {
		calls++
		return services.Notification{}, services.ErrNotificationInvalidInput
	}}
	handlers := NewNotificationPushHandlers(svc)

	for _, body := range []string{`{"message":{}}`, pushBody(`not json`), pushBody(`{"type":"bogus"}`)} {
		rr := serve(t, handlers.Routes, nil, httptest.NewRequest(http.MethodPost, "/notifications/push", strings.NewReader(body)))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected permanent failure to be acknowledged, got %d for %s", rr.Code, body)
		}
		env := decodeEnvelope(t, rr, nil)
		if env.Message != "notification dropped" {
			t.Fatalf("expected dropped message, got %q", env.Message)
		}
	}
	if calls != 1 {
		t.Fatalf("expected only the decodable payload to reach the service, got %d", calls)
	}
}

func TestNotificationPushHandlersRetriesTransientFailures(t *testing.T) {
	svc := &stubNotificationService{ingestFn: func(context.Context, services.IngestNotificationCommand) (services.Notification, error) {
		return services.Notification{}, services.ErrNotificationUnavailable
	}}
	handlers := NewNotificationPushHandlers(svc)

	body := pushBody(`{"type":"buy_request","recipientId":"buyer-1","message":"new request"}`)
	rr := serve(t, handlers.Routes, nil, httptest.NewRequest(http.MethodPost, "/notifications/push", strings.NewReader(body)))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 so Pub/Sub retries, got %d", rr.Code)
	}
}
