package di

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	domain "github.com/agri-market/api/internal/domain"
	"github.com/agri-market/api/internal/handlers"
	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/config"
	"github.com/agri-market/api/internal/repositories"
)

type memoryBuyRequests struct {
	repositories.BuyRequestRepository
	items map[string]domain.BuyRequest
}

func (m *memoryBuyRequests) FindByID(_ context.Context, id string) (domain.BuyRequest, error) {
	request, ok := m.items[id]
	if !ok {
		return domain.BuyRequest{}, notFoundError{}
	}
	return request, nil
}

type memoryNotifications struct {
	repositories.NotificationRepository
}

type notFoundError struct{}

func (notFoundError) Error() string       { return "not found" }
func (notFoundError) IsNotFound() bool    { return true }
func (notFoundError) IsConflict() bool    { return false }
func (notFoundError) IsUnavailable() bool { return false }

type memoryRegistry struct {
	buyRequests *memoryBuyRequests
	closed      bool
}

func (r *memoryRegistry) BuyRequests() repositories.BuyRequestRepository {
	return r.buyRequests
}

func (r *memoryRegistry) Notifications() repositories.NotificationRepository {
	return &memoryNotifications{}
}

func (r *memoryRegistry) Close(context.Context) error {
	r.closed = true
	return nil
}

func newRegistry() *memoryRegistry {
	now := time.Date(2025, 3, 4, 10, 0, 0, 0, time.UTC)
	return &memoryRegistry{buyRequests: &memoryBuyRequests{items: map[string]domain.BuyRequest{
		"br_1": {
			ID:        "br_1",
			Status:    domain.BuyRequestStatusPending,
			IsGeneral: true,
			Buyer:     domain.Counterparty{ID: "buyer-1", Name: "Market Co"},
			CreatedAt: now,
			UpdatedAt: now,
		},
	}}}
}

func TestNewContainerRequiresRegistry(t *testing.T) {
	if _, err := NewContainer(context.Background(), config.Config{}, nil, Infrastructure{}); err == nil {
		t.Fatalf("expected error without registry")
	}
}

func TestContainerServesBuyRequests(t *testing.T) {
	reg := newRegistry()
	container, err := NewContainer(context.Background(), config.Config{}, reg, Infrastructure{})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if container.Services.System != nil {
		t.Fatalf("expected no system service without health checks")
	}

	identity := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := auth.WithIdentity(r.Context(), &auth.Identity{UID: "buyer-1", Roles: []string{auth.RoleBuyer}})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
	opts := append(container.RouterOptions(nil), handlers.WithMiddlewares(identity))
	router := handlers.NewRouter(opts...)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/buy-requests/br_1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/v1/buy-requests/missing", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}

	if err := container.Close(context.Background()); err != nil || !reg.closed {
		t.Fatalf("expected registry to close, err=%v", err)
	}
}

func TestContainerBuildsSystemServiceFromChecks(t *testing.T) {
	container, err := NewContainer(context.Background(), config.Config{}, newRegistry(), Infrastructure{
		HealthChecks: []repositories.DependencyCheck{
			{Name: "firestore", Check: func(context.Context) error { return nil }},
			{Name: "storage", Check: func(context.Context) error { return errors.New("bucket missing") }},
		},
	})
	if err != nil {
		t.Fatalf("NewContainer: %v", err)
	}
	if container.Services.System == nil {
		t.Fatalf("expected system service")
	}
	report, err := container.Services.System.HealthReport(context.Background())
	if err != nil {
		t.Fatalf("HealthReport: %v", err)
	}
	if report.Status == domain.HealthStatusOK {
		t.Fatalf("expected degraded report, got %+v", report)
	}
	if check := report.Checks["storage"]; check.Status != domain.HealthStatusError {
		t.Fatalf("expected storage failure, got %+v", check)
	}
}
