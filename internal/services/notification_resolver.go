package services

import (
	"context"
	"errors"
	"strings"

	domain "github.com/agri-market/api/internal/domain"
)

// BuyRequestFetcher is the single remote lookup the resolver may perform.
type BuyRequestFetcher interface {
	GetBuyRequest(ctx context.Context, query GetBuyRequestQuery) (BuyRequest, error)
}

// NotificationResolverDeps bundles collaborators required to construct the resolver.
type NotificationResolverDeps struct {
	Fetcher BuyRequestFetcher
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

type notificationResolver struct {
	fetcher BuyRequestFetcher
	logger  func(context.Context, string, map[string]any)
}

var _ NotificationResolver = (*notificationResolver)(nil)

// NewNotificationResolver constructs a resolver backed by fetcher.
func NewNotificationResolver(deps NotificationResolverDeps) (NotificationResolver, error) {
	if deps.Fetcher == nil {
		return nil, errors.New("notification resolver: fetcher is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &notificationResolver{fetcher: deps.Fetcher, logger: logger}, nil
}

// Resolve ties notification to one of the caller's buy requests.
//
// With a related entity id the request is looked up locally and, failing that, fetched once.
// Without one the candidates are open general requests plus requests already assigned to the
// sender that still lack a document. Exactly one candidate resolves; otherwise a *ResolutionError
// reports NotFound or Ambiguous. Soft-deleted requests never match.
func (r *notificationResolver) Resolve(ctx context.Context, actor Actor, notification Notification, myRequests []BuyRequest) (BuyRequest, error) {
	if relatedID := strings.TrimSpace(notification.RelatedEntityID); relatedID != "" {
		return r.resolveByID(ctx, actor, notification, relatedID, myRequests)
	}

	senderID := strings.TrimSpace(notification.SenderID)
	var candidates []BuyRequest
	for _, request := range myRequests {
		if request.Deleted {
			continue
		}
		if isOpenGeneralRequest(request) || (senderID != "" && request.IsAssignedTo(senderID) && request.PurchaseOrderDoc == nil) {
			candidates = append(candidates, request)
		}
	}

	switch len(candidates) {
	case 1:
		return candidates[0], nil
	case 0:
		return BuyRequest{}, r.fail(ctx, notification, ErrResolutionNotFound, 0)
	default:
		return BuyRequest{}, r.fail(ctx, notification, ErrResolutionAmbiguous, len(candidates))
	}
}

func (r *notificationResolver) resolveByID(ctx context.Context, actor Actor, notification Notification, relatedID string, myRequests []BuyRequest) (BuyRequest, error) {
	for _, request := range myRequests {
		if request.ID == relatedID && !request.Deleted {
			return request, nil
		}
	}

	request, err := r.fetcher.GetBuyRequest(ctx, GetBuyRequestQuery{Actor: actor, RequestID: relatedID})
	switch {
	case err == nil:
		return request, nil
	case errors.Is(err, ErrBuyRequestNotFound):
		return BuyRequest{}, r.fail(ctx, notification, ErrResolutionNotFound, 0)
	default:
		r.logger(ctx, "notification.resolve_failed", map[string]any{
			"notificationId": notification.ID,
			"buyRequestId":   relatedID,
			"error":          err.Error(),
		})
		return BuyRequest{}, err
	}
}

func (r *notificationResolver) fail(ctx context.Context, notification Notification, kind error, candidates int) error {
	r.logger(ctx, "notification.resolve_failed", map[string]any{
		"notificationId": notification.ID,
		"reason":         kind.Error(),
		"candidates":     candidates,
	})
	return &ResolutionError{Kind: kind, NotificationID: notification.ID, Candidates: candidates}
}

func isOpenGeneralRequest(request BuyRequest) bool {
	if !request.IsGeneral || request.Seller != nil {
		return false
	}
	return request.Status == domain.BuyRequestStatusPending || request.Status == domain.BuyRequestStatusAccepted
}
