package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/httpx"
	"github.com/agri-market/api/internal/platform/pagination"
	"github.com/agri-market/api/internal/services"
)

const (
	maxBuyRequestBodySize = 4 * 1024
	// Base64 inflates by 4/3; the margin covers the data-URI prefix and JSON framing.
	maxDocumentBodySize = services.MaxDocumentSize*4/3 + 64*1024
)

type assignSellerRequest struct {
	SellerID   string `json:"sellerId"`
	SellerName string `json:"sellerName"`
}

type attachDocumentRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

type updateOrderStateRequest struct {
	OrderState string `json:"orderState"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type buyRequestListResponse struct {
	Items         []buyRequestPayload `json:"items"`
	NextPageToken string              `json:"nextPageToken,omitempty"`
}

type documentDownloadResponse struct {
	URL       string `json:"url"`
	FileName  string `json:"fileName"`
	MimeType  string `json:"mimeType"`
	ExpiresAt string `json:"expiresAt"`
}

// BuyRequestHandlers exposes the buy request gateway over HTTP.
type BuyRequestHandlers struct {
	authn   *auth.Authenticator
	gateway services.BuyRequestGateway
}

// NewBuyRequestHandlers constructs BuyRequestHandlers.
func NewBuyRequestHandlers(authn *auth.Authenticator, gateway services.BuyRequestGateway) *BuyRequestHandlers {
	return &BuyRequestHandlers{authn: authn, gateway: gateway}
}

// Routes registers the /buy-requests endpoints.
func (h *BuyRequestHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth(auth.RoleBuyer, auth.RoleSeller, auth.RoleOperator))
	}
	r.Get("/", h.listBuyRequests)
	r.Get("/{requestID}", h.getBuyRequest)
	r.Delete("/{requestID}", h.deleteBuyRequest)
	r.Post("/{requestID}:assign-seller", h.assignSeller)
	r.Patch("/{requestID}/document", h.attachDocument)
	r.Get("/{requestID}/document", h.documentDownload)
	r.Patch("/{requestID}/order-state", h.updateOrderState)
	r.Patch("/{requestID}/status", h.updateStatus)
}

func (h *BuyRequestHandlers) listBuyRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateway == nil {
		writeBuyRequestError(ctx, w, services.ErrBuyRequestUnavailable)
		return
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return
	}

	page, err := pagination.FromRequest(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	var onlyGeneral bool
	if raw := strings.TrimSpace(query.Get("general")); raw != "" {
		onlyGeneral, err = strconv.ParseBool(raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "general must be a boolean", http.StatusBadRequest))
			return
		}
	}

	result, err := h.gateway.ListMyRequests(ctx, services.BuyRequestListFilter{
		Actor:       identity,
		BuyerID:     strings.TrimSpace(query.Get("buyerId")),
		Statuses:    parseStatusFilters(query["status"]),
		OnlyGeneral: onlyGeneral,
		Pagination:  services.Pagination{PageSize: page.PageSize, PageToken: page.PageToken},
	})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}

	items := make([]buyRequestPayload, 0, len(result.Items))
	for _, request := range result.Items {
		items = append(items, buildBuyRequestPayload(request, identity))
	}
	httpx.WriteJSON(w, http.StatusOK, "", buyRequestListResponse{
		Items:         items,
		NextPageToken: result.NextPageToken,
	})
}

func (h *BuyRequestHandlers) getBuyRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	request, err := h.gateway.GetBuyRequest(ctx, services.GetBuyRequestQuery{Actor: identity, RequestID: requestID})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "", buildBuyRequestPayload(request, identity))
}

func (h *BuyRequestHandlers) assignSeller(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req assignSellerRequest
	if !decodeBody(w, r, maxBuyRequestBodySize, &req) {
		return
	}
	request, err := h.gateway.AssignSeller(ctx, services.AssignSellerCommand{
		Actor:     identity,
		RequestID: requestID,
		Seller:    services.Counterparty{ID: req.SellerID, Name: req.SellerName},
	})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "seller assigned", buildBuyRequestPayload(request, identity))
}

func (h *BuyRequestHandlers) attachDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req attachDocumentRequest
	if !decodeBody(w, r, maxDocumentBodySize, &req) {
		return
	}
	request, err := h.gateway.AttachDocument(ctx, services.AttachDocumentCommand{
		Actor:     identity,
		RequestID: requestID,
		Document: services.EncodedDocument{
			FileName: req.FileName,
			MimeType: req.MimeType,
			Content:  req.Content,
		},
	})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "document attached", buildBuyRequestPayload(request, identity))
}

func (h *BuyRequestHandlers) documentDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	download, err := h.gateway.DocumentDownloadURL(ctx, services.DocumentDownloadQuery{Actor: identity, RequestID: requestID})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "", documentDownloadResponse{
		URL:       download.URL,
		FileName:  download.FileName,
		MimeType:  download.MimeType,
		ExpiresAt: formatTime(download.ExpiresAt),
	})
}

func (h *BuyRequestHandlers) updateOrderState(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req updateOrderStateRequest
	if !decodeBody(w, r, maxBuyRequestBodySize, &req) {
		return
	}
	request, err := h.gateway.UpdateOrderState(ctx, services.UpdateOrderStateCommand{
		Actor:      identity,
		RequestID:  requestID,
		OrderState: services.OrderState(strings.ToLower(strings.TrimSpace(req.OrderState))),
	})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "order state updated", buildBuyRequestPayload(request, identity))
}

func (h *BuyRequestHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decodeBody(w, r, maxBuyRequestBodySize, &req) {
		return
	}
	request, err := h.gateway.UpdateStatus(ctx, services.UpdateStatusCommand{
		Actor:     identity,
		RequestID: requestID,
		Status:    services.BuyRequestStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	})
	if err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "status updated", buildBuyRequestPayload(request, identity))
}

func (h *BuyRequestHandlers) deleteBuyRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	identity, requestID, ok := h.prepare(w, r)
	if !ok {
		return
	}
	if err := h.gateway.DeleteBuyRequest(ctx, services.DeleteBuyRequestCommand{Actor: identity, RequestID: requestID}); err != nil {
		writeBuyRequestError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, "buy request deleted", map[string]string{"id": requestID})
}

// prepare performs the checks shared by every single-request route.
func (h *BuyRequestHandlers) prepare(w http.ResponseWriter, r *http.Request) (*auth.Identity, string, bool) {
	ctx := r.Context()
	if h.gateway == nil {
		writeBuyRequestError(ctx, w, services.ErrBuyRequestUnavailable)
		return nil, "", false
	}
	identity, ok := requireIdentity(ctx, w)
	if !ok {
		return nil, "", false
	}
	requestID := strings.TrimSpace(chi.URLParam(r, "requestID"))
	if requestID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "buy request id is required", http.StatusBadRequest))
		return nil, "", false
	}
	return identity, requestID, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, limit int64, dst any) bool {
	ctx := r.Context()
	body, err := readLimitedBody(r, limit)
	if err != nil {
		writeBodyError(ctx, w, err)
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		var syntaxErr *json.SyntaxError
		message := "invalid JSON body"
		if errors.As(err, &syntaxErr) {
			message = "malformed JSON body"
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", message, http.StatusBadRequest))
		return false
	}
	return true
}

func parseStatusFilters(values []string) []services.BuyRequestStatus {
	var out []services.BuyRequestStatus
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, services.BuyRequestStatus(part))
			}
		}
	}
	return out
}
