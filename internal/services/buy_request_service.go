package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/platform/auth"
	pstorage "github.com/agri-market/api/internal/platform/storage"
	"github.com/agri-market/api/internal/repositories"
)

const (
	buyRequestEventSellerAssigned   = "buy_request.seller_assigned"
	buyRequestEventDocumentAttached = "buy_request.document_attached"
	buyRequestEventOrderState       = "buy_request.order_state_updated"
	buyRequestEventStatusUpdated    = "buy_request.status_updated"
	buyRequestEventDeleted          = "buy_request.deleted"

	documentIDPrefix = "doc_"

	defaultListPageSize = 20
	maxListPageSize     = 100
)

// BuyRequestServiceDeps bundles collaborators required to construct the gateway.
type BuyRequestServiceDeps struct {
	BuyRequests repositories.BuyRequestRepository
	Documents   DocumentStore
	Events      BuyRequestEventPublisher
	Clock       func() time.Time
	IDGenerator func() string
	// StrictOrderState restricts order state changes to forward moves along domain.OrderStateProgression.
	StrictOrderState bool
	Logger           func(ctx context.Context, event string, fields map[string]any)
}

type buyRequestService struct {
	repo        repositories.BuyRequestRepository
	documents   DocumentStore
	events      BuyRequestEventPublisher
	clock       func() time.Time
	newID       func() string
	strictState bool
	logger      func(context.Context, string, map[string]any)
}

var _ BuyRequestGateway = (*buyRequestService)(nil)

// NewBuyRequestService constructs the order state transition gateway.
func NewBuyRequestService(deps BuyRequestServiceDeps) (BuyRequestGateway, error) {
	if deps.BuyRequests == nil {
		return nil, errors.New("buy request service: buy request repository is required")
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
	return &buyRequestService{
		repo:      deps.BuyRequests,
		documents: deps.Documents,
		events:    deps.Events,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:       idGen,
		strictState: deps.StrictOrderState,
		logger:      logger,
	}, nil
}

func (s *buyRequestService) GetBuyRequest(ctx context.Context, query GetBuyRequestQuery) (BuyRequest, error) {
	actorID, err := requireActor(query.Actor)
	if err != nil {
		return BuyRequest{}, err
	}
	requestID, err := requireRequestID(query.RequestID)
	if err != nil {
		return BuyRequest{}, err
	}

	request, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return BuyRequest{}, s.mapRepositoryError(err)
	}
	if !canView(query.Actor, actorID, request) {
		return BuyRequest{}, fmt.Errorf("%w: %s", ErrBuyRequestNotFound, requestID)
	}
	return request, nil
}

func (s *buyRequestService) ListMyRequests(ctx context.Context, filter BuyRequestListFilter) (domain.CursorPage[BuyRequest], error) {
	actorID, err := requireActor(filter.Actor)
	if err != nil {
		return domain.CursorPage[BuyRequest]{}, err
	}

	buyerID := actorID
	if override := strings.TrimSpace(filter.BuyerID); override != "" && override != actorID {
		if !filter.Actor.HasRole(auth.RoleOperator) {
			return domain.CursorPage[BuyRequest]{}, fmt.Errorf("%w: cannot list another buyer's requests", ErrBuyRequestForbidden)
		}
		buyerID = override
	}

	statuses := make([]BuyRequestStatus, 0, len(filter.Statuses))
	for _, status := range filter.Statuses {
		normalized := BuyRequestStatus(strings.ToLower(strings.TrimSpace(string(status))))
		if !normalized.IsValid() {
			return domain.CursorPage[BuyRequest]{}, fmt.Errorf("%w: unknown status %q", ErrBuyRequestInvalidInput, status)
		}
		statuses = append(statuses, normalized)
	}

	pageSize := filter.Pagination.PageSize
	switch {
	case pageSize <= 0:
		pageSize = defaultListPageSize
	case pageSize > maxListPageSize:
		pageSize = maxListPageSize
	}

	page, err := s.repo.ListByBuyer(ctx, repositories.BuyRequestListFilter{
		BuyerID:     buyerID,
		Statuses:    statuses,
		OnlyGeneral: filter.OnlyGeneral,
		Pagination: Pagination{
			PageSize:  pageSize,
			PageToken: strings.TrimSpace(filter.Pagination.PageToken),
		},
	})
	if err != nil {
		return domain.CursorPage[BuyRequest]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

func (s *buyRequestService) AssignSeller(ctx context.Context, cmd AssignSellerCommand) (BuyRequest, error) {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return BuyRequest{}, err
	}
	requestID, err := requireRequestID(cmd.RequestID)
	if err != nil {
		return BuyRequest{}, err
	}
	seller := Counterparty{ID: strings.TrimSpace(cmd.Seller.ID), Name: strings.TrimSpace(cmd.Seller.Name)}
	if seller.ID == "" {
		return BuyRequest{}, fmt.Errorf("%w: seller id is required", ErrBuyRequestInvalidInput)
	}

	var wrote bool
	updated, err := s.repo.Mutate(ctx, requestID, func(current *BuyRequest) (bool, error) {
		if err := authorizeOwner(cmd.Actor, actorID, *current); err != nil {
			return false, err
		}
		if current.Seller != nil && current.Seller.ID != "" {
			if current.Seller.ID == seller.ID {
				return false, nil
			}
			return false, fmt.Errorf("%w: request %s is already assigned to another seller", ErrBuyRequestConflict, requestID)
		}
		if current.Status.IsTerminal() {
			return false, fmt.Errorf("%w: request %s is %s", ErrBuyRequestConflict, requestID, current.Status)
		}

		current.Seller = &seller
		current.IsGeneral = false
		current.UpdatedAt = s.clock()
		wrote = true
		return true, nil
	})
	if err != nil {
		return BuyRequest{}, s.mapMutationError(err)
	}

	if wrote {
		s.logger(ctx, buyRequestEventSellerAssigned, map[string]any{
			"buyRequestId": requestID,
			"sellerId":     seller.ID,
		})
		s.publishEvent(ctx, s.newEvent(buyRequestEventSellerAssigned, updated, actorID, ""))
	}
	return updated, nil
}

func (s *buyRequestService) AttachDocument(ctx context.Context, cmd AttachDocumentCommand) (BuyRequest, error) {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return BuyRequest{}, err
	}
	requestID, err := requireRequestID(cmd.RequestID)
	if err != nil {
		return BuyRequest{}, err
	}
	if s.documents == nil {
		return BuyRequest{}, fmt.Errorf("%w: document store not configured", ErrBuyRequestUnavailable)
	}

	upload, contentType, err := DecodeDocument(cmd.Document)
	if err != nil {
		return BuyRequest{}, err
	}

	current, err := s.repo.FindByID(ctx, requestID)
	if err != nil {
		return BuyRequest{}, s.mapRepositoryError(err)
	}
	if err := authorizeOwner(cmd.Actor, actorID, current); err != nil {
		return BuyRequest{}, err
	}

	documentID := documentIDPrefix + s.newID()
	objectPath, err := pstorage.BuildObjectPath(pstorage.KindPurchaseOrder, pstorage.PathParams{
		BuyRequestID: requestID,
		DocumentID:   documentID,
		FileName:     upload.FileName,
	})
	if err != nil {
		return BuyRequest{}, fmt.Errorf("%w: %v", ErrBuyRequestInvalidInput, err)
	}
	stored, err := s.documents.Put(ctx, objectPath, contentType, upload.Data)
	if err != nil {
		return BuyRequest{}, fmt.Errorf("%w: store document: %v", ErrBuyRequestUnavailable, err)
	}

	now := s.clock()
	document := &PurchaseOrderDocument{
		ID:         documentID,
		URL:        stored.URL,
		ObjectPath: stored.Object,
		FileName:   upload.FileName,
		MimeType:   contentType,
		Size:       stored.Size,
		UploadedAt: now,
	}

	updated, err := s.repo.Mutate(ctx, requestID, func(current *BuyRequest) (bool, error) {
		if err := authorizeOwner(cmd.Actor, actorID, *current); err != nil {
			return false, err
		}
		current.PurchaseOrderDoc = document
		current.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		s.logger(ctx, "buy_request.document_orphaned", map[string]any{
			"buyRequestId": requestID,
			"object":       stored.Object,
			"error":        err.Error(),
		})
		return BuyRequest{}, s.mapMutationError(err)
	}

	s.logger(ctx, buyRequestEventDocumentAttached, map[string]any{
		"buyRequestId": requestID,
		"documentId":   documentID,
		"size":         stored.Size,
	})
	s.publishEvent(ctx, s.newEvent(buyRequestEventDocumentAttached, updated, actorID, ""))
	return updated, nil
}

func (s *buyRequestService) UpdateOrderState(ctx context.Context, cmd UpdateOrderStateCommand) (BuyRequest, error) {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return BuyRequest{}, err
	}
	requestID, err := requireRequestID(cmd.RequestID)
	if err != nil {
		return BuyRequest{}, err
	}
	next := OrderState(strings.ToLower(strings.TrimSpace(string(cmd.OrderState))))
	if !next.IsValid() {
		return BuyRequest{}, fmt.Errorf("%w: unknown order state %q", ErrBuyRequestInvalidInput, cmd.OrderState)
	}

	var wrote bool
	updated, err := s.repo.Mutate(ctx, requestID, func(current *BuyRequest) (bool, error) {
		if err := authorizeParticipant(cmd.Actor, actorID, *current); err != nil {
			return false, err
		}
		if current.Status != domain.BuyRequestStatusAccepted {
			return false, fmt.Errorf("%w: order state requires an accepted request, got %s", ErrBuyRequestConflict, current.Status)
		}
		if current.OrderState != nil && *current.OrderState == next {
			return false, nil
		}
		if s.strictState && current.OrderState != nil && next.Rank() < current.OrderState.Rank() {
			return false, fmt.Errorf("%w: order state cannot move from %s back to %s", ErrBuyRequestConflict, *current.OrderState, next)
		}
		state := next
		current.OrderState = &state
		current.UpdatedAt = s.clock()
		wrote = true
		return true, nil
	})
	if err != nil {
		return BuyRequest{}, s.mapMutationError(err)
	}

	if wrote {
		s.logger(ctx, buyRequestEventOrderState, map[string]any{
			"buyRequestId": requestID,
			"orderState":   string(next),
		})
		s.publishEvent(ctx, s.newEvent(buyRequestEventOrderState, updated, actorID, ""))
	}
	return updated, nil
}

func (s *buyRequestService) UpdateStatus(ctx context.Context, cmd UpdateStatusCommand) (BuyRequest, error) {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return BuyRequest{}, err
	}
	requestID, err := requireRequestID(cmd.RequestID)
	if err != nil {
		return BuyRequest{}, err
	}
	next := BuyRequestStatus(strings.ToLower(strings.TrimSpace(string(cmd.Status))))
	if !next.IsValid() {
		return BuyRequest{}, fmt.Errorf("%w: unknown status %q", ErrBuyRequestInvalidInput, cmd.Status)
	}

	var (
		wrote    bool
		previous BuyRequestStatus
	)
	updated, err := s.repo.Mutate(ctx, requestID, func(current *BuyRequest) (bool, error) {
		if err := authorizeParticipant(cmd.Actor, actorID, *current); err != nil {
			return false, err
		}
		if current.IsGeneral {
			return false, fmt.Errorf("%w: general requests change status only through seller assignment", ErrBuyRequestConflict)
		}
		if current.Status == next {
			return false, nil
		}
		previous = current.Status
		current.Status = next
		current.UpdatedAt = s.clock()
		wrote = true
		return true, nil
	})
	if err != nil {
		return BuyRequest{}, s.mapMutationError(err)
	}

	if wrote {
		s.logger(ctx, buyRequestEventStatusUpdated, map[string]any{
			"buyRequestId": requestID,
			"from":         string(previous),
			"to":           string(next),
		})
		s.publishEvent(ctx, s.newEvent(buyRequestEventStatusUpdated, updated, actorID, previous))
	}
	return updated, nil
}

func (s *buyRequestService) DeleteBuyRequest(ctx context.Context, cmd DeleteBuyRequestCommand) error {
	actorID, err := requireActor(cmd.Actor)
	if err != nil {
		return err
	}
	requestID, err := requireRequestID(cmd.RequestID)
	if err != nil {
		return err
	}

	deleted, err := s.repo.Mutate(ctx, requestID, func(current *BuyRequest) (bool, error) {
		if err := authorizeOwner(cmd.Actor, actorID, *current); err != nil {
			return false, err
		}
		if !current.IsGeneral && current.Status != domain.BuyRequestStatusPending {
			return false, fmt.Errorf("%w: only pending or general requests can be deleted", ErrBuyRequestConflict)
		}
		now := s.clock()
		current.Deleted = true
		current.DeletedAt = &now
		current.UpdatedAt = now
		return true, nil
	})
	if err != nil {
		return s.mapMutationError(err)
	}

	s.logger(ctx, buyRequestEventDeleted, map[string]any{"buyRequestId": requestID})
	s.publishEvent(ctx, s.newEvent(buyRequestEventDeleted, deleted, actorID, ""))
	return nil
}

func (s *buyRequestService) DocumentDownloadURL(ctx context.Context, query DocumentDownloadQuery) (DocumentDownload, error) {
	if s.documents == nil {
		return DocumentDownload{}, fmt.Errorf("%w: document store not configured", ErrBuyRequestUnavailable)
	}
	request, err := s.GetBuyRequest(ctx, GetBuyRequestQuery(query))
	if err != nil {
		return DocumentDownload{}, err
	}
	sellerID := ""
	if request.Seller != nil {
		sellerID = request.Seller.ID
	}
	if err := pstorage.AuthorizeDocumentAccess(query.Actor, request.Buyer.ID, sellerID); err != nil {
		return DocumentDownload{}, fmt.Errorf("%w: %v", ErrBuyRequestForbidden, err)
	}
	doc := request.PurchaseOrderDoc
	if doc == nil || strings.TrimSpace(doc.ObjectPath) == "" {
		return DocumentDownload{}, fmt.Errorf("%w: request %s has no document", ErrBuyRequestNotFound, request.ID)
	}

	signed, err := s.documents.SignedDownloadURL(ctx, doc.ObjectPath, doc.FileName)
	if err != nil {
		return DocumentDownload{}, fmt.Errorf("%w: sign document url: %v", ErrBuyRequestUnavailable, err)
	}
	return DocumentDownload{
		URL:       signed.URL,
		FileName:  doc.FileName,
		MimeType:  doc.MimeType,
		ExpiresAt: signed.ExpiresAt,
	}, nil
}

func (s *buyRequestService) newEvent(eventType string, request BuyRequest, actorID string, previous BuyRequestStatus) BuyRequestEvent {
	derived := DeriveBuyRequestStatus(request, BuyerView)
	event := BuyRequestEvent{
		Type:           eventType,
		BuyRequestID:   request.ID,
		RequestNumber:  request.RequestNumber,
		BuyerID:        request.Buyer.ID,
		Status:         string(request.Status),
		PreviousStatus: string(previous),
		DerivedStatus:  DerivedStatusRecord{Label: derived.Label, Category: string(derived.Category)},
		ActorID:        actorID,
		OccurredAt:     s.clock(),
	}
	if request.Seller != nil {
		event.SellerID = request.Seller.ID
	}
	if request.OrderState != nil {
		event.OrderState = string(*request.OrderState)
	}
	return event
}

func (s *buyRequestService) publishEvent(ctx context.Context, event BuyRequestEvent) {
	if s.events == nil {
		return
	}
	if err := s.events.PublishBuyRequestEvent(ctx, event); err != nil {
		s.logger(ctx, "buy_request.event.publish.failed", map[string]any{
			"type":         event.Type,
			"buyRequestId": event.BuyRequestID,
			"error":        err.Error(),
		})
	}
}

// mapMutationError keeps sentinel errors raised inside a mutation and classifies the rest.
func (s *buyRequestService) mapMutationError(err error) error {
	for _, sentinel := range []error{ErrBuyRequestConflict, ErrBuyRequestForbidden, ErrBuyRequestNotFound, ErrBuyRequestInvalidInput} {
		if errors.Is(err, sentinel) {
			return err
		}
	}
	return s.mapRepositoryError(err)
}

func (s *buyRequestService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrBuyRequestNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrBuyRequestConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrBuyRequestUnavailable, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrBuyRequestUnavailable, err)
	}
	return err
}

func requireActor(actor Actor) (string, error) {
	if actor == nil || strings.TrimSpace(actor.UID) == "" {
		return "", fmt.Errorf("%w: actor is required", ErrBuyRequestForbidden)
	}
	return strings.TrimSpace(actor.UID), nil
}

func requireRequestID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: request id is required", ErrBuyRequestInvalidInput)
	}
	return id, nil
}

// canView lets the buyer, the assigned seller and operators read a request. Sellers may also read
// general requests open to any of them.
func canView(actor Actor, actorID string, request BuyRequest) bool {
	switch {
	case request.Buyer.ID == actorID, request.IsAssignedTo(actorID):
		return true
	case actor.HasRole(auth.RoleOperator):
		return true
	case request.IsGeneral && actor.HasRole(auth.RoleSeller):
		return true
	}
	return false
}

func authorizeOwner(actor Actor, actorID string, request BuyRequest) error {
	if request.Buyer.ID == actorID || actor.HasRole(auth.RoleOperator) {
		return nil
	}
	if canView(actor, actorID, request) {
		return fmt.Errorf("%w: only the buyer may change request %s", ErrBuyRequestForbidden, request.ID)
	}
	return fmt.Errorf("%w: %s", ErrBuyRequestNotFound, request.ID)
}

func authorizeParticipant(actor Actor, actorID string, request BuyRequest) error {
	if request.Buyer.ID == actorID || request.IsAssignedTo(actorID) || actor.HasRole(auth.RoleOperator) {
		return nil
	}
	if canView(actor, actorID, request) {
		return fmt.Errorf("%w: only participants may change request %s", ErrBuyRequestForbidden, request.ID)
	}
	return fmt.Errorf("%w: %s", ErrBuyRequestNotFound, request.ID)
}
