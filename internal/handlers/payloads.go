package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/httpx"
	"github.com/agri-market/api/internal/services"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

type counterpartyPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type quantityPayload struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

type moneyPayload struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type derivedStatusPayload struct {
	Label    string `json:"label"`
	Category string `json:"category"`
}

type documentPayload struct {
	ID         string `json:"id"`
	URL        string `json:"url,omitempty"`
	FileName   string `json:"fileName"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	UploadedAt string `json:"uploadedAt,omitempty"`
}

type buyRequestPayload struct {
	ID                    string               `json:"id"`
	RequestNumber         int64                `json:"requestNumber"`
	Status                string               `json:"status"`
	OrderState            *string              `json:"orderState"`
	IsGeneral             bool                 `json:"isGeneral"`
	DerivedStatus         derivedStatusPayload `json:"derivedStatus"`
	Buyer                 counterpartyPayload  `json:"buyer"`
	Seller                *counterpartyPayload `json:"seller"`
	PurchaseOrderDoc      *documentPayload     `json:"purchaseOrderDoc"`
	CropType              string               `json:"cropType,omitempty"`
	Quantity              quantityPayload      `json:"quantity"`
	PriceOffer            moneyPayload         `json:"priceOffer"`
	DeliveryLocation      string               `json:"deliveryLocation,omitempty"`
	EstimatedDeliveryDate string               `json:"estimatedDeliveryDate,omitempty"`
	CreatedAt             string               `json:"createdAt"`
	UpdatedAt             string               `json:"updatedAt"`
}

// buildBuyRequestPayload renders request for identity. The derived label follows the caller's
// side of the trade.
func buildBuyRequestPayload(request services.BuyRequest, identity *auth.Identity) buyRequestPayload {
	view := services.BuyerView
	if identity != nil && identity.UID != request.Buyer.ID && identity.HasRole(auth.RoleSeller) {
		view = services.SellerView
	}
	derived := services.DeriveBuyRequestStatus(request, view)

	payload := buyRequestPayload{
		ID:               request.ID,
		RequestNumber:    request.RequestNumber,
		Status:           string(request.Status),
		IsGeneral:        request.IsGeneral,
		DerivedStatus:    derivedStatusPayload{Label: derived.Label, Category: string(derived.Category)},
		Buyer:            counterpartyPayload{ID: request.Buyer.ID, Name: request.Buyer.Name},
		CropType:         request.CropType,
		Quantity:         quantityPayload{Value: request.Quantity.Value, Unit: request.Quantity.Unit},
		PriceOffer:       moneyPayload{Amount: request.PriceOffer.Amount, Currency: request.PriceOffer.Currency},
		DeliveryLocation: request.DeliveryLocation,
		CreatedAt:        formatTime(request.CreatedAt),
		UpdatedAt:        formatTime(request.UpdatedAt),
	}
	if request.OrderState != nil {
		state := string(*request.OrderState)
		payload.OrderState = &state
	}
	if request.Seller != nil {
		payload.Seller = &counterpartyPayload{ID: request.Seller.ID, Name: request.Seller.Name}
	}
	if request.PurchaseOrderDoc != nil {
		doc := buildDocumentPayload(*request.PurchaseOrderDoc)
		payload.PurchaseOrderDoc = &doc
	}
	if request.EstimatedDeliveryDate != nil {
		payload.EstimatedDeliveryDate = formatTime(*request.EstimatedDeliveryDate)
	}
	return payload
}

func buildDocumentPayload(doc services.PurchaseOrderDocument) documentPayload {
	return documentPayload{
		ID:         doc.ID,
		URL:        doc.URL,
		FileName:   doc.FileName,
		MimeType:   doc.MimeType,
		Size:       doc.Size,
		UploadedAt: formatTime(doc.UploadedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// requireIdentity writes 401 and returns false when the request carries no authenticated user.
func requireIdentity(ctx context.Context, w http.ResponseWriter) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return nil, false
	}
	return identity, true
}

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
	}
}

func writeBuyRequestError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var validation *services.ValidationError
	switch {
	case errors.As(err, &validation):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest).
			WithDetails(map[string]any{"field": validation.Field}))
	case errors.Is(err, services.ErrBuyRequestInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrBuyRequestForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this buy request", http.StatusForbidden))
	case errors.Is(err, services.ErrBuyRequestNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("buy_request_not_found", "buy request not found", http.StatusNotFound))
	case errors.Is(err, services.ErrBuyRequestConflict):
		httpx.WriteError(ctx, w, httpx.NewError("buy_request_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrBuyRequestUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("buy_request_unavailable", "buy request store unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("buy_request_error", "failed to process buy request", http.StatusInternalServerError))
	}
}
