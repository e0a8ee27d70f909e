package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agri-market/api/internal/handlers"
	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/config"
	"github.com/agri-market/api/internal/platform/observability"
	"github.com/agri-market/api/internal/repositories"
	"github.com/agri-market/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon. Concrete implementations
// are assembled via dependency injection in NewContainer.
type Services struct {
	BuyRequests   services.BuyRequestGateway
	Notifications services.NotificationService
	Resolver      services.NotificationResolver
	Assignments   services.AssignmentSessionService
	System        services.SystemService
}

// Infrastructure carries the platform adapters built by the caller. Nil members disable the
// feature they back: no Documents means attach and download fail, no Events means lifecycle
// events are not published, no HealthChecks means readiness always reports ok.
type Infrastructure struct {
	Documents    services.DocumentStore
	Events       services.BuyRequestEventPublisher
	HealthChecks []repositories.DependencyCheck
	Logger       *zap.Logger
	Clock        func() time.Time
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring passes the Firestore
// registry, while tests can supply in-memory registries.
func NewContainer(ctx context.Context, cfg config.Config, reg repositories.Registry, infra Infrastructure) (*Container, error) {
	if reg == nil {
		return nil, errors.New("repositories registry is required")
	}

	svc, err := buildServices(ctx, reg, cfg, infra)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       cfg,
		Repositories: reg,
		Services:     svc,
	}, nil
}

// Close releases repository clients.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

// RouterOptions mounts the public API groups. authn may be nil in tests, in which case the
// routes trust whatever identity earlier middleware placed on the context.
func (c *Container) RouterOptions(authn *auth.Authenticator) []handlers.Option {
	buyRequests := handlers.NewBuyRequestHandlers(authn, c.Services.BuyRequests)
	notifications := handlers.NewNotificationHandlers(authn, c.Services.Notifications)
	assignments := handlers.NewAssignmentHandlers(authn, c.Services.Assignments)
	push := handlers.NewNotificationPushHandlers(c.Services.Notifications)

	return []handlers.Option{
		handlers.WithBuyRequestRoutes(buyRequests.Routes),
		handlers.WithNotificationRoutes(notifications.Routes),
		handlers.WithAssignmentRoutes(assignments.Routes),
		handlers.WithInternalRoutes(push.Routes),
	}
}

func buildServices(_ context.Context, reg repositories.Registry, cfg config.Config, infra Infrastructure) (Services, error) {
	clock := infra.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := infra.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var svc Services

	gateway, err := services.NewBuyRequestService(services.BuyRequestServiceDeps{
		BuyRequests:      reg.BuyRequests(),
		Documents:        infra.Documents,
		Events:           infra.Events,
		Clock:            clock,
		StrictOrderState: cfg.Features.StrictOrderStateProgression,
		Logger:           observability.EventLogger(logger.Named("buy_requests")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build buy request service: %w", err)
	}
	svc.BuyRequests = gateway

	notifications, err := services.NewNotificationService(services.NotificationServiceDeps{
		Notifications: reg.Notifications(),
		Clock:         clock,
		Logger:        observability.EventLogger(logger.Named("notifications")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification service: %w", err)
	}
	svc.Notifications = notifications

	resolver, err := services.NewNotificationResolver(services.NotificationResolverDeps{
		Fetcher: gateway,
		Logger:  observability.EventLogger(logger.Named("resolver")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build notification resolver: %w", err)
	}
	svc.Resolver = resolver

	assignments, err := services.NewAssignmentSessionService(services.AssignmentSessionServiceDeps{
		Gateway:       gateway,
		Resolver:      resolver,
		Notifications: notifications,
		CloseAfter:    cfg.Workflow.SuccessCloseAfter,
		IdleTimeout:   cfg.Workflow.SessionIdleTimeout,
		Clock:         clock,
		Logger:        observability.EventLogger(logger.Named("assignments")),
	})
	if err != nil {
		return Services{}, fmt.Errorf("build assignment session service: %w", err)
	}
	svc.Assignments = assignments

	if len(infra.HealthChecks) > 0 {
		healthRepo, err := repositories.NewDependencyHealthRepository(infra.HealthChecks, repositories.WithProbeClock(clock))
		if err != nil {
			return Services{}, fmt.Errorf("build health repository: %w", err)
		}
		system, err := services.NewSystemService(services.SystemServiceDeps{
			HealthRepository: healthRepo,
			Clock:            clock,
		})
		if err != nil {
			return Services{}, fmt.Errorf("build system service: %w", err)
		}
		svc.System = system
	}

	return svc, nil
}
