package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/agri-market/api/internal/platform/firestore"
	"github.com/agri-market/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories sharing one provider.
type Registry struct {
	provider      *pfirestore.Provider
	buyRequests   *BuyRequestRepository
	notifications *NotificationRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry wires every repository to the supplied provider.
func NewRegistry(provider *pfirestore.Provider) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry: provider is required")
	}
	buyRequests, err := NewBuyRequestRepository(provider)
	if err != nil {
		return nil, err
	}
	notifications, err := NewNotificationRepository(provider)
	if err != nil {
		return nil, err
	}
	return &Registry{
		provider:      provider,
		buyRequests:   buyRequests,
		notifications: notifications,
	}, nil
}

func (r *Registry) BuyRequests() repositories.BuyRequestRepository {
	return r.buyRequests
}

func (r *Registry) Notifications() repositories.NotificationRepository {
	return r.notifications
}

// Close releases the shared Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}
