package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/agri-market/api/internal/domain"
)

func newTestNotificationService(t *testing.T, repo *memoryNotificationRepo) NotificationService {
	t.Helper()
	svc, err := NewNotificationService(NotificationServiceDeps{
		Notifications: repo,
		Clock:         fixedClock,
		IDGenerator:   func() string { return "01NTF" },
	})
	require.NoError(t, err)
	return svc
}

func TestNotificationServiceIngestSanitises(t *testing.T) {
	repo := newMemoryNotificationRepo()
	svc := newTestNotificationService(t, repo)

	n, err := svc.IngestNotification(context.Background(), IngestNotificationCommand{
		Type:        "Buy_Request",
		RecipientID: "buyer-1",
		SenderID:    "seller-1",
		SenderName:  "<b>Green & Sons</b>",
		Message:     `I can supply <script>alert(1)</script>10t of maize`,
	})
	require.NoError(t, err)
	assert.Equal(t, "ntf_01NTF", n.ID)
	assert.Equal(t, domain.NotificationTypeBuyRequest, n.Type)
	assert.Equal(t, "Green & Sons", n.SenderName)
	assert.Equal(t, "I can supply 10t of maize", n.Message)
	assert.Equal(t, fixedNow, n.CreatedAt)
	assert.False(t, n.IsRead)
}

func TestNotificationServiceIngestStripsEncodedMarkup(t *testing.T) {
	svc := newTestNotificationService(t, newMemoryNotificationRepo())
	cases := []struct {
		name    string
		message string
		want    string
	}{
		{"entity encoded", `&lt;script&gt;alert(1)&lt;/script&gt;Ready to ship`, "Ready to ship"},
		{"double encoded", `&amp;lt;b&amp;gt;Ready&amp;lt;/b&amp;gt; to ship`, "Ready to ship"},
		{"plain text", `Fish & chips, 3 < 5`, "Fish & chips, 3 < 5"},
	}
	for i, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := svc.IngestNotification(context.Background(), IngestNotificationCommand{
				ID:          fmt.Sprintf("ntf_enc_%d", i),
				Type:        "contact_message",
				RecipientID: "buyer-1",
				Message:     tc.message,
			})
			require.NoError(t, err)
			assert.Equal(t, tc.want, n.Message)
		})
	}
}

func TestNotificationServiceIngestRedeliveryIsIdempotent(t *testing.T) {
	existing := domain.Notification{ID: "ntf_1", Type: domain.NotificationTypeContactMessage, RecipientID: "buyer-1", Message: "hello"}
	repo := newMemoryNotificationRepo(existing)
	svc := newTestNotificationService(t, repo)

	got, err := svc.IngestNotification(context.Background(), IngestNotificationCommand{
		ID: "ntf_1", Type: "contact_message", RecipientID: "buyer-1", Message: "hello again",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Message)
}

func TestNotificationServiceIngestValidation(t *testing.T) {
	svc := newTestNotificationService(t, newMemoryNotificationRepo())
	cases := []IngestNotificationCommand{
		{Type: "promo", RecipientID: "buyer-1", Message: "x"},
		{Type: "order_status", Message: "x"},
		{Type: "order_status", RecipientID: "buyer-1", Message: "<p></p>"},
	}
	for _, cmd := range cases {
		_, err := svc.IngestNotification(context.Background(), cmd)
		assert.ErrorIs(t, err, ErrNotificationInvalidInput)
	}
}

func TestNotificationServiceMarkRead(t *testing.T) {
	repo := newMemoryNotificationRepo(domain.Notification{ID: "ntf_1", RecipientID: "buyer-1", Type: domain.NotificationTypeOrderStatus})
	svc := newTestNotificationService(t, repo)
	ctx := context.Background()

	_, err := svc.MarkRead(ctx, MarkNotificationReadCommand{RecipientID: "buyer-2", NotificationID: "ntf_1"})
	require.True(t, errors.Is(err, ErrNotificationNotFound))

	n, err := svc.MarkRead(ctx, MarkNotificationReadCommand{RecipientID: "buyer-1", NotificationID: "ntf_1"})
	require.NoError(t, err)
	assert.True(t, n.IsRead)
	require.NotNil(t, n.ReadAt)

	_, err = svc.MarkRead(ctx, MarkNotificationReadCommand{RecipientID: "buyer-1", NotificationID: "ntf_1"})
	require.NoError(t, err)
	assert.Equal(t, 1, repo.reads)
}

func TestNotificationServiceList(t *testing.T) {
	repo := newMemoryNotificationRepo(
		domain.Notification{ID: "a", RecipientID: "buyer-1", IsRead: true},
		domain.Notification{ID: "b", RecipientID: "buyer-1"},
		domain.Notification{ID: "c", RecipientID: "buyer-2"},
	)
	svc := newTestNotificationService(t, repo)

	page, err := svc.ListNotifications(context.Background(), NotificationListFilter{RecipientID: "buyer-1", UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "b", page.Items[0].ID)

	_, err = svc.ListNotifications(context.Background(), NotificationListFilter{RecipientID: "buyer-1", Types: []NotificationType{"spam"}})
	assert.ErrorIs(t, err, ErrNotificationInvalidInput)
}
