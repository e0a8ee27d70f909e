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

const buyRequestsCollection = "buyRequests"

// BuyRequestRepository persists buy requests in Firestore.
type BuyRequestRepository struct {
	base *pfirestore.BaseRepository[buyRequestDocument]
}

var _ repositories.BuyRequestRepository = (*BuyRequestRepository)(nil)

// NewBuyRequestRepository constructs a Firestore-backed buy request repository.
func NewBuyRequestRepository(provider *pfirestore.Provider) (*BuyRequestRepository, error) {
	if provider == nil {
		return nil, errors.New("buy request repository: firestore provider is required")
	}
	base := pfirestore.NewBaseRepository[buyRequestDocument](provider, buyRequestsCollection, nil, nil)
	return &BuyRequestRepository{base: base}, nil
}

// Insert creates a new buy request document. Requests are created by the marketplace listing
// flow, outside this service; Insert is the seeding path for fixtures and emulator tests.
func (r *BuyRequestRepository) Insert(ctx context.Context, request domain.BuyRequest) error {
	if r == nil || r.base == nil {
		return errors.New("buy request repository not initialised")
	}
	requestID := strings.TrimSpace(request.ID)
	if requestID == "" {
		return errors.New("buy request repository: id is required")
	}
	return r.base.Create(ctx, requestID, encodeBuyRequestDocument(request))
}

// FindByID returns the buy request. Soft-deleted documents are reported as not found.
func (r *BuyRequestRepository) FindByID(ctx context.Context, requestID string) (domain.BuyRequest, error) {
	if r == nil || r.base == nil {
		return domain.BuyRequest{}, errors.New("buy request repository not initialised")
	}
	doc, err := r.base.Get(ctx, strings.TrimSpace(requestID))
	if err != nil {
		return domain.BuyRequest{}, err
	}
	if doc.Data.Deleted {
		return domain.BuyRequest{}, pfirestore.NotFound(buyRequestsCollection+".get", fmt.Errorf("buy request %s deleted", requestID))
	}
	return decodeBuyRequestDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime), nil
}

// ListByBuyer lists the buyer's requests newest first.
func (r *BuyRequestRepository) ListByBuyer(ctx context.Context, filter repositories.BuyRequestListFilter) (domain.CursorPage[domain.BuyRequest], error) {
	if r == nil || r.base == nil {
		return domain.CursorPage[domain.BuyRequest]{}, errors.New("buy request repository not initialised")
	}
	buyerID := strings.TrimSpace(filter.BuyerID)
	if buyerID == "" {
		return domain.CursorPage[domain.BuyRequest]{}, errors.New("buy request repository: buyer id is required")
	}

	cursor, err := pagination.DecodeToken(filter.Pagination.PageToken)
	if err != nil {
		return domain.CursorPage[domain.BuyRequest]{}, fmt.Errorf("buy request repository: %w", err)
	}

	limit := filter.Pagination.PageSize
	if limit < 0 {
		limit = 0
	}
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1
	}

	statuses := normaliseStatuses(filter.Statuses)

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where("buyer.id", "==", buyerID)
		if !filter.IncludeDeleted {
			q = q.Where("deleted", "==", false)
		}
		if filter.OnlyGeneral {
			q = q.Where("isGeneral", "==", true)
		}
		switch {
		case len(statuses) == 1:
			q = q.Where("status", "==", statuses[0])
		case len(statuses) > 1:
			q = q.Where("status", "in", statuses)
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
		return domain.CursorPage[domain.BuyRequest]{}, err
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

	items := make([]domain.BuyRequest, 0, len(docs))
	for _, doc := range docs {
		items = append(items, decodeBuyRequestDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime))
	}
	return domain.CursorPage[domain.BuyRequest]{Items: items, NextPageToken: nextToken}, nil
}

// Mutate loads the request, lets fn inspect and modify it, and writes it back in one transaction.
// Errors returned by fn are passed through unchanged.
func (r *BuyRequestRepository) Mutate(ctx context.Context, requestID string, fn repositories.BuyRequestMutation) (domain.BuyRequest, error) {
	if r == nil || r.base == nil {
		return domain.BuyRequest{}, errors.New("buy request repository not initialised")
	}
	if fn == nil {
		return domain.BuyRequest{}, errors.New("buy request repository: mutation is required")
	}
	requestID = strings.TrimSpace(requestID)
	ref, err := r.base.DocumentRef(ctx, requestID)
	if err != nil {
		return domain.BuyRequest{}, err
	}

	var result domain.BuyRequest
	var callbackErr error
	err = r.base.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, err := r.base.TxGet(tx, ref)
		if err != nil {
			return err
		}
		if doc.Data.Deleted {
			return pfirestore.NotFound(buyRequestsCollection+".mutate", fmt.Errorf("buy request %s deleted", requestID))
		}

		current := decodeBuyRequestDocument(doc.ID, doc.Data, doc.CreateTime, doc.UpdateTime)
		write, err := fn(&current)
		if err != nil {
			callbackErr = err
			return err
		}
		result = current
		if !write {
			return nil
		}
		return r.base.TxSet(tx, ref, encodeBuyRequestDocument(current))
	})
	if callbackErr != nil {
		return domain.BuyRequest{}, callbackErr
	}
	if err != nil {
		return domain.BuyRequest{}, err
	}
	return result, nil
}

type buyRequestDocument struct {
	RequestNumber         int64                  `firestore:"requestNumber"`
	Status                string                 `firestore:"status"`
	OrderState            *string                `firestore:"orderState"`
	IsGeneral             bool                   `firestore:"isGeneral"`
	Seller                *counterpartyDocument  `firestore:"seller"`
	Buyer                 counterpartyDocument   `firestore:"buyer"`
	PurchaseOrderDoc      *purchaseOrderDocument `firestore:"purchaseOrderDoc"`
	CropType              string                 `firestore:"cropType"`
	QuantityValue         float64                `firestore:"quantityValue"`
	QuantityUnit          string                 `firestore:"quantityUnit"`
	PriceOfferAmount      int64                  `firestore:"priceOfferAmount"`
	PriceOfferCurrency    string                 `firestore:"priceOfferCurrency"`
	DeliveryLocation      string                 `firestore:"deliveryLocation"`
	EstimatedDeliveryDate *time.Time             `firestore:"estimatedDeliveryDate,omitempty"`
	CreatedAt             time.Time              `firestore:"createdAt"`
	UpdatedAt             time.Time              `firestore:"updatedAt"`
	Deleted               bool                   `firestore:"deleted"`
	DeletedAt             *time.Time             `firestore:"deletedAt,omitempty"`
}

type counterpartyDocument struct {
	ID   string `firestore:"id"`
	Name string `firestore:"name"`
}

type purchaseOrderDocument struct {
	ID         string    `firestore:"id"`
	URL        string    `firestore:"url"`
	ObjectPath string    `firestore:"objectPath"`
	FileName   string    `firestore:"fileName"`
	MimeType   string    `firestore:"mimeType"`
	Size       int64     `firestore:"size"`
	UploadedAt time.Time `firestore:"uploadedAt"`
}

func encodeBuyRequestDocument(request domain.BuyRequest) buyRequestDocument {
	doc := buyRequestDocument{
		RequestNumber:         request.RequestNumber,
		Status:                string(request.Status),
		IsGeneral:             request.IsGeneral,
		Buyer:                 counterpartyDocument{ID: request.Buyer.ID, Name: request.Buyer.Name},
		CropType:              request.CropType,
		QuantityValue:         request.Quantity.Value,
		QuantityUnit:          request.Quantity.Unit,
		PriceOfferAmount:      request.PriceOffer.Amount,
		PriceOfferCurrency:    request.PriceOffer.Currency,
		DeliveryLocation:      request.DeliveryLocation,
		EstimatedDeliveryDate: normalizeTimePointer(request.EstimatedDeliveryDate),
		CreatedAt:             request.CreatedAt.UTC(),
		UpdatedAt:             request.UpdatedAt.UTC(),
		Deleted:               request.Deleted,
		DeletedAt:             normalizeTimePointer(request.DeletedAt),
	}
	if request.OrderState != nil {
		value := string(*request.OrderState)
		doc.OrderState = &value
	}
	if request.Seller != nil {
		doc.Seller = &counterpartyDocument{ID: request.Seller.ID, Name: request.Seller.Name}
	}
	if d := request.PurchaseOrderDoc; d != nil {
		doc.PurchaseOrderDoc = &purchaseOrderDocument{
			ID:         d.ID,
			URL:        d.URL,
			ObjectPath: d.ObjectPath,
			FileName:   d.FileName,
			MimeType:   d.MimeType,
			Size:       d.Size,
			UploadedAt: d.UploadedAt.UTC(),
		}
	}
	return doc
}

func decodeBuyRequestDocument(id string, doc buyRequestDocument, createTime, updateTime time.Time) domain.BuyRequest {
	request := domain.BuyRequest{
		ID:                    id,
		RequestNumber:         doc.RequestNumber,
		Status:                domain.BuyRequestStatus(doc.Status),
		IsGeneral:             doc.IsGeneral,
		Buyer:                 domain.Counterparty{ID: doc.Buyer.ID, Name: doc.Buyer.Name},
		CropType:              doc.CropType,
		Quantity:              domain.Quantity{Value: doc.QuantityValue, Unit: doc.QuantityUnit},
		PriceOffer:            domain.Money{Amount: doc.PriceOfferAmount, Currency: doc.PriceOfferCurrency},
		DeliveryLocation:      doc.DeliveryLocation,
		EstimatedDeliveryDate: normalizeTimePointer(doc.EstimatedDeliveryDate),
		CreatedAt:             chooseTime(doc.CreatedAt, createTime),
		UpdatedAt:             chooseTime(doc.UpdatedAt, updateTime),
		Deleted:               doc.Deleted,
		DeletedAt:             normalizeTimePointer(doc.DeletedAt),
	}
	if doc.OrderState != nil && strings.TrimSpace(*doc.OrderState) != "" {
		state := domain.OrderState(strings.TrimSpace(*doc.OrderState))
		request.OrderState = &state
	}
	if doc.Seller != nil && strings.TrimSpace(doc.Seller.ID) != "" {
		request.Seller = &domain.Counterparty{ID: doc.Seller.ID, Name: doc.Seller.Name}
	}
	if d := doc.PurchaseOrderDoc; d != nil && strings.TrimSpace(d.URL) != "" {
		request.PurchaseOrderDoc = &domain.PurchaseOrderDocument{
			ID:         d.ID,
			URL:        d.URL,
			ObjectPath: d.ObjectPath,
			FileName:   d.FileName,
			MimeType:   d.MimeType,
			Size:       d.Size,
			UploadedAt: d.UploadedAt.UTC(),
		}
	}
	return request
}

func normaliseStatuses(statuses []domain.BuyRequestStatus) []string {
	if len(statuses) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(statuses))
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		value := strings.ToLower(strings.TrimSpace(string(status)))
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	// Firestore "in" filters accept at most 10 values.
	if len(out) > 10 {
		out = out[:10]
	}
	return out
}

func chooseTime(primary time.Time, fallback time.Time) time.Time {
	if !primary.IsZero() {
		return primary.UTC()
	}
	if !fallback.IsZero() {
		return fallback.UTC()
	}
	return time.Time{}
}

func normalizeTimePointer(value *time.Time) *time.Time {
	if value == nil || value.IsZero() {
		return nil
	}
	ts := value.UTC()
	return &ts
}
