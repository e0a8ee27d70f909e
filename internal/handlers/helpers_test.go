package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/services"
)

var testNow = time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)

type envelope struct {
	StatusCode int             `json:"statusCode"`
	Message    string          `json:"message"`
	Data       json.RawMessage `json:"data"`
}

func withIdentity(identity *auth.Identity) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if identity != nil {
				r = r.WithContext(auth.WithIdentity(r.Context(), identity))
			}
			next.ServeHTTP(w, r)
		})
	}
}

func serve(t *testing.T, routes RouteRegistrar, identity *auth.Identity, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Use(withIdentity(identity))
	routes(r)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	return rr
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder, data any) envelope {
	t.Helper()
	var env envelope
	if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rr.Body.String())
	}
	if env.StatusCode != rr.Code {
		t.Fatalf("envelope status %d does not match response %d", env.StatusCode, rr.Code)
	}
	if data != nil {
		if err := json.Unmarshal(env.Data, data); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
	return env
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var data struct {
		Error string `json:"error"`
	}
	decodeEnvelope(t, rr, &data)
	return data.Error
}

func jsonRequest(method, target, body string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func buyer(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleBuyer}}
}

func seller(uid string) *auth.Identity {
	return &auth.Identity{UID: uid, Roles: []string{auth.RoleSeller}}
}

func sampleRequest() services.BuyRequest {
	state := domain.OrderStateInTransit
	return services.BuyRequest{
		ID:            "br_1",
		RequestNumber: 7,
		Status:        domain.BuyRequestStatusAccepted,
		OrderState:    &state,
		Buyer:         services.Counterparty{ID: "buyer-1", Name: "Mill Co"},
		Seller:        &services.Counterparty{ID: "seller-1", Name: "Green Farm"},
		CropType:      "maize",
		Quantity:      domain.Quantity{Value: 10, Unit: "t"},
		PriceOffer:    domain.Money{Amount: 125000, Currency: "USD"},
		CreatedAt:     testNow.Add(-time.Hour),
		UpdatedAt:     testNow,
	}
}

type stubGateway struct {
	services.BuyRequestGateway
	getFn      func(context.Context, services.GetBuyRequestQuery) (services.BuyRequest, error)
	listFn     func(context.Context, services.BuyRequestListFilter) (domain.CursorPage[services.BuyRequest], error)
	assignFn   func(context.Context, services.AssignSellerCommand) (services.BuyRequest, error)
	attachFn   func(context.Context, services.AttachDocumentCommand) (services.BuyRequest, error)
	orderFn    func(context.Context, services.UpdateOrderStateCommand) (services.BuyRequest, error)
	statusFn   func(context.Context, services.UpdateStatusCommand) (services.BuyRequest, error)
	deleteFn   func(context.Context, services.DeleteBuyRequestCommand) error
	downloadFn func(context.Context, services.DocumentDownloadQuery) (services.DocumentDownload, error)
}

func (s *stubGateway) GetBuyRequest(ctx context.Context, q services.GetBuyRequestQuery) (services.BuyRequest, error) {
	return s.getFn(ctx, q)
}

func (s *stubGateway) ListMyRequests(ctx context.Context, f services.BuyRequestListFilter) (domain.CursorPage[services.BuyRequest], error) {
	return s.listFn(ctx, f)
}

func (s *stubGateway) AssignSeller(ctx context.Context, cmd services.AssignSellerCommand) (services.BuyRequest, error) {
	return s.assignFn(ctx, cmd)
}

func (s *stubGateway) AttachDocument(ctx context.Context, cmd services.AttachDocumentCommand) (services.BuyRequest, error) {
	return s.attachFn(ctx, cmd)
}

func (s *stubGateway) UpdateOrderState(ctx context.Context, cmd services.UpdateOrderStateCommand) (services.BuyRequest, error) {
	return s.orderFn(ctx, cmd)
}

func (s *stubGateway) UpdateStatus(ctx context.Context, cmd services.UpdateStatusCommand) (services.BuyRequest, error) {
	return s.statusFn(ctx, cmd)
}

func (s *stubGateway) DeleteBuyRequest(ctx context.Context, cmd services.DeleteBuyRequestCommand) error {
	return s.deleteFn(ctx, cmd)
}

func (s *stubGateway) DocumentDownloadURL(ctx context.Context, q services.DocumentDownloadQuery) (services.DocumentDownload, error) {
	return s.downloadFn(ctx, q)
}
