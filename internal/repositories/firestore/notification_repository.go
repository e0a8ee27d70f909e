package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/agri-market/api/internal/domain"
	pfirestore "github.com/agri-market/api/internal/platform/firestore"
	"github.com/agri-market/api/internal/platform/pagination"
	"github.com/agri-market/api/internal/repositories"
)

const notificationsCollection = "notifications"

// NotificationRepository stores the notification feed in Firestore.
type NotificationRepository struct {
	base *pfirestore.BaseRepository[notificationDocument]
}

var _ repositories.NotificationRepository = (*NotificationRepository)(nil)

// NewNotificationRepository constructs a Firestore-backed notification repository.
func NewNotificationRepository(provider *pfirestore.Provider) (*NotificationRepository, error) {
	if provider == nil {
		return nil, errors.New("notification repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[notificationDocument](provider, notificationsCollection, nil, nil)
	return &NotificationRepository{base: base}, nil
}

func (r *NotificationRepository) Insert(ctx context.Context, notification domain.Notification) error {
	if r == nil || r.base == nil {
		return errors.New("notification repository not initialised")
	}
	id := strings.TrimSpace(notification.ID)
	if id == "" {
		return errors.New("notification repository: id is required")
	}
	return r.base.Create(ctx, id, encodeNotificationDocument(notification))
}

func (r *NotificationRepository) FindByID(ctx context.Context, notificationID string) (domain.Notification, error) {
	if r == nil || r.base == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(notificationID))
	if err != nil {
		return domain.Notification{}, err
	}
	return decodeNotificationDocument(doc.ID, doc.Data, doc.CreateTime), nil
}

// ListByRecipient returns a recipient's feed newest first.
func (r *NotificationRepository) ListByRecipient(ctx context.Context, filter repositories.NotificationListFilter) (domain.CursorPage[domain.Notification], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository not initialised")
	}
	recipientID := strings.TrimSpace(filter.RecipientID)
	if recipientID == "" {
		return domain.CursorPage[domain.Notification]{}, errors.New("notification repository: recipient id is required")
	}
	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, fmt.Errorf("notification repository: %w", err)
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	types := make([]string, 0, len(filter.Types))
	for _, typ := range filter.Types {
		if value := strings.TrimSpace(string(typ)); value != "" {
			types = append(types, value)
		}
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("recipientId", "==", recipientID)
		if filter.UnreadOnly {
			q = q.Where("isRead", "==", false)
		}
		switch {
		case len(types) == 1:
			q = q.Where("type", "==", types[0])
		case len(types) > 1:
			q = q.Where("type", "in", types)
		}
		q = q.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Desc)
		if cursor.ID != "" {
			q = q.StartAfter(cursor.CreatedAt, cursor.ID)
		}
		if fetchLimit > 0 {
			q = q.Limit(fetchLimit)
		}
		return q
	})
	if err != nil {
		return domain.CursorPage[domain.Notification]{}, err
	}

	nextToken := ""
	if limit > 0 && len(docs) == fetchLimit {
		docs = docs[:limit]
		last := docs[len(docs)-1]
		nextToken = pagination.EncodeToken(pagination.Cursor{
			CreatedAt: chooseTime(last.Data.CreatedAt, last.CreateTime),
			ID:        last.ID,
		})
	}

	items := make([]domain.Notification, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeNotificationDocument(doc.ID, doc.Data, doc.CreateTime))
	}
	return domain.CursorPage[domain.Notification]{Items: items, NextPageToken: nextToken}, nil
}

// MarkRead flags the notification as read. Already-read notifications keep their original readAt.
func (r *NotificationRepository) MarkRead(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error) {
	if r == nil || r.base == nil {
		return domain.Notification{}, errors.New("notification repository not initialised")
	}
	ref, err := r.base.DocumentRef(ctx, strings.TrimSpace(notificationID))
	if err != nil {
		return domain.Notification{}, err
	}

	var result domain.Notification
	err = r.base.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.base.TxGet(tx, ref)
		if err != nil {
			return err
		}
		if doc.Data.IsRead {
			result = decodeNotificationDocument(doc.ID, doc.Data, doc.CreateTime)
			return nil
		}
		data := doc.Data
		data.IsRead = true
		ts := readAt.UTC()
		data.ReadAt = &ts
		if err := r.base.TxSet(tx, ref, data); err != nil {
			return err
		}
		result = decodeNotificationDocument(doc.ID, data, doc.CreateTime)
		return nil
	}, pfirestore.WithTxAttempts(3))
	if err != nil {
		return domain.Notification{}, err
	}
	return result, nil
}

type notificationDocument struct {
	Type              string     `firestore:"type"`
	RecipientID       string     `firestore:"recipientId"`
	RelatedEntityID   string     `firestore:"relatedEntityId"`
	RelatedEntityType string     `firestore:"relatedEntityType"`
	SenderID          string     `firestore:"senderId"`
	SenderName        string     `firestore:"senderName"`
	Message           string     `firestore:"message"`
	IsRead            bool       `firestore:"isRead"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	ReadAt            *time.Time `firestore:"readAt,omitempty"`
}

func encodeNotificationDocument(n domain.Notification) notificationDocument {
	return notificationDocument{
		Type:              string(n.Type),
		RecipientID:       n.RecipientID,
		RelatedEntityID:   n.RelatedEntityID,
		RelatedEntityType: n.RelatedEntityType,
		SenderID:          n.SenderID,
		SenderName:        n.SenderName,
		Message:           n.Message,
		IsRead:            n.IsRead,
		CreatedAt:         n.CreatedAt.UTC(),
		ReadAt:            normalizeTimePointer(n.ReadAt),
	}
}

func decodeNotificationDocument(id string, doc notificationDocument, createTime time.Time) domain.Notification {
	return domain.Notification{
		ID:                id,
		Type:              domain.NotificationType(doc.Type),
		RecipientID:       doc.RecipientID,
		RelatedEntityID:   doc.RelatedEntityID,
		RelatedEntityType: doc.RelatedEntityType,
		SenderID:          doc.SenderID,
		SenderName:        doc.SenderName,
		Message:           doc.Message,
		IsRead:            doc.IsRead,
		CreatedAt:         chooseTime(doc.CreatedAt, createTime),
		ReadAt:            normalizeTimePointer(doc.ReadAt),
	}
}
