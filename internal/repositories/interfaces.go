package repositories

import (
	"context"
	"time"

	domain "github.com/agri-market/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	BuyRequests() BuyRequestRepository
	Notifications() NotificationRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// BuyRequestMutation inspects the current stored request and applies changes in place. Returning
// false skips the write so idempotent calls perform no mutation.
type BuyRequestMutation func(current *domain.BuyRequest) (bool, error)

// BuyRequestRepository persists buy requests. Mutate runs as a single atomic read-check-write.
type BuyRequestRepository interface {
	FindByID(ctx context.Context, requestID string) (domain.BuyRequest, error)
	ListByBuyer(ctx context.Context, filter BuyRequestListFilter) (domain.CursorPage[domain.BuyRequest], error)
	Mutate(ctx context.Context, requestID string, fn BuyRequestMutation) (domain.BuyRequest, error)
}

// BuyRequestListFilter narrows buyer-scoped listings.
type BuyRequestListFilter struct {
	BuyerID        string
	Statuses       []domain.BuyRequestStatus
	OnlyGeneral    bool
	IncludeDeleted bool
	Pagination     domain.Pagination
}

// NotificationRepository stores the per-recipient notification feed.
type NotificationRepository interface {
	Insert(ctx context.Context, notification domain.Notification) error
	FindByID(ctx context.Context, notificationID string) (domain.Notification, error)
	ListByRecipient(ctx context.Context, filter NotificationListFilter) (domain.CursorPage[domain.Notification], error)
	MarkRead(ctx context.Context, notificationID string, readAt time.Time) (domain.Notification, error)
}

// NotificationListFilter narrows feed listings.
type NotificationListFilter struct {
	RecipientID string
	UnreadOnly  bool
	Types       []domain.NotificationType
	Pagination  domain.Pagination
}
