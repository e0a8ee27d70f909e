package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/api/option"

	"github.com/agri-market/api/internal/di"
	"github.com/agri-market/api/internal/handlers"
	"github.com/agri-market/api/internal/platform/auth"
	"github.com/agri-market/api/internal/platform/config"
	pfirestore "github.com/agri-market/api/internal/platform/firestore"
	"github.com/agri-market/api/internal/platform/jobs"
	"github.com/agri-market/api/internal/platform/observability"
	"github.com/agri-market/api/internal/platform/secrets"
	platformstorage "github.com/agri-market/api/internal/platform/storage"
	"github.com/agri-market/api/internal/repositories"
	firestoreRepo "github.com/agri-market/api/internal/repositories/firestore"
	"github.com/agri-market/api/internal/services"
)

const meterName = "github.com/agri-market/api"

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["API_LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")

	resolver, err := newSecretResolver(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret resolver", zap.Error(err))
	}
	defer func() {
		if err := resolver.Close(); err != nil {
			logger.Warn("secret resolver close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx, config.WithSecretResolver(resolver))
	if err != nil {
		var invalid *config.ValidationError
		if errors.As(err, &invalid) {
			logger.Fatal("invalid configuration", zap.Strings("fields", invalid.Fields()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, firestoreOptions(cfg)...)
	registry, err := firestoreRepo.NewRegistry(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise repositories", zap.Error(err))
	}

	storageClient, err := cloudstorage.NewClient(ctx, credentialOptions(cfg)...)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()

	documents, err := newDocumentStore(storageClient, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise document store", zap.Error(err))
	}

	events, closeEvents, err := newEventPublisher(ctx, cfg, logger.Named("events"))
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer closeEvents()

	container, err := di.NewContainer(ctx, cfg, registry, di.Infrastructure{
		Documents:    documents,
		Events:       events,
		HealthChecks: dependencyChecks(firestoreProvider, documents, resolver),
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("failed to initialise services", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := container.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	consumerCtx, consumerCancel := context.WithCancel(context.Background())
	var consumerWG sync.WaitGroup
	if consumer := newNotificationConsumer(cfg, container.Services.Notifications, logger); consumer != nil {
		consumerWG.Add(1)
		go func() {
			defer consumerWG.Done()
			if err := consumer.Run(consumerCtx); err != nil {
				logger.Error("notification consumer stopped", zap.Error(err))
			}
			if err := consumer.Close(); err != nil {
				logger.Warn("notification consumer close error", zap.Error(err))
			}
		}()
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if container.Services.System != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(container.Services.System))
	}

	opts := container.RouterOptions(authenticator)
	opts = append(opts,
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithInternalMiddlewares(buildOIDCMiddleware(logger.Named("auth"), cfg)),
	)

	router := handlers.NewRouter(opts...)
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("agri-market api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}

	consumerCancel()
	consumerWG.Wait()
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	return handlers.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: cfg.Security.Environment,
		StartedAt:   started,
	}
}

func credentialOptions(cfg config.Config) []option.ClientOption {
	if file := strings.TrimSpace(cfg.Firebase.CredentialsFile); file != "" {
		return []option.ClientOption{option.WithCredentialsFile(file)}
	}
	return nil
}

func firestoreOptions(cfg config.Config) []pfirestore.ProviderOption {
	if opts := credentialOptions(cfg); len(opts) > 0 {
		return []pfirestore.ProviderOption{pfirestore.WithClientOptions(opts...)}
	}
	return nil
}

func newDocumentStore(client *cloudstorage.Client, cfg config.Config, logger *zap.Logger) (*platformstorage.DocumentStore, error) {
	var urls *platformstorage.URLSigner
	if key := strings.TrimSpace(cfg.Storage.SignerKey); key != "" {
		signer, err := platformstorage.NewServiceAccountSigner([]byte(key))
		if err != nil {
			return nil, fmt.Errorf("parse storage signer key: %w", err)
		}
		urls, err = platformstorage.NewURLSigner(signer, cfg.Storage.SignedURLTTL)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("storage signer key not configured; document downloads are disabled")
	}
	return platformstorage.NewDocumentStore(client, cfg.Storage.DocumentsBucket, urls)
}

func newEventPublisher(ctx context.Context, cfg config.Config, logger *zap.Logger) (services.BuyRequestEventPublisher, func(), error) {
	noop := func() {}
	switch cfg.Events.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.Events.PubSub.ProjectID, credentialOptions(cfg)...)
		if err != nil {
			return nil, noop, fmt.Errorf("pubsub client: %w", err)
		}
		topic := client.Topic(cfg.Events.PubSub.Topic)
		publisher, err := jobs.NewPubSubEventPublisher(topic)
		if err != nil {
			_ = client.Close()
			return nil, noop, err
		}
		return publisher, func() {
			topic.Stop()
			if err := client.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}, nil
	case config.EventsBackendKafka:
		writer, err := jobs.NewKafkaWriter(kafkaConfig(cfg, cfg.Events.Kafka.Topic, logger))
		if err != nil {
			return nil, noop, err
		}
		publisher, err := jobs.NewKafkaEventPublisher(writer)
		if err != nil {
			return nil, noop, err
		}
		return publisher, func() {
			if err := publisher.Close(); err != nil {
				logger.Warn("kafka writer close error", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("buy request events disabled")
		return nil, noop, nil
	}
}

func newNotificationConsumer(cfg config.Config, notifications services.NotificationService, logger *zap.Logger) *jobs.NotificationConsumer {
	topic := strings.TrimSpace(cfg.Events.Kafka.NotificationsTopic)
	if topic == "" || len(cfg.Events.Kafka.Brokers) == 0 {
		return nil
	}
	reader, err := jobs.NewKafkaReader(kafkaConfig(cfg, topic, logger.Named("kafka")))
	if err != nil {
		logger.Warn("notification consumer disabled", zap.Error(err))
		return nil
	}
	consumer, err := jobs.NewNotificationConsumer(reader, notifications, logger)
	if err != nil {
		_ = reader.Close()
		logger.Warn("notification consumer disabled", zap.Error(err))
		return nil
	}
	return consumer
}

func kafkaConfig(cfg config.Config, topic string, logger *zap.Logger) jobs.KafkaConfig {
	return jobs.KafkaConfig{
		Brokers: cfg.Events.Kafka.Brokers,
		Topic:   topic,
		GroupID: cfg.Events.Kafka.GroupID,
		Logger:  observability.NewPrintfAdapter(logger, zapcore.DebugLevel),
		Errors:  observability.NewPrintfAdapter(logger, zapcore.WarnLevel),
	}
}

func dependencyChecks(provider *pfirestore.Provider, documents *platformstorage.DocumentStore, resolver *secrets.Resolver) []repositories.DependencyCheck {
	checks := []repositories.DependencyCheck{
		{Name: "firestore", Timeout: 1500 * time.Millisecond, Check: provider.Ping},
		{Name: "storage", Timeout: 1500 * time.Millisecond, Check: documents.Ping},
	}
	if resolver != nil {
		const secretHealthReference = "secret://system-healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:    "secretManager",
			Timeout: time.Second,
			Check: func(ctx context.Context) error {
				_, err := resolver.ResolveSecret(ctx, secretHealthReference)
				if err == nil || errors.Is(err, secrets.ErrNotFound) {
					return nil
				}
				return err
			},
		})
	}
	return checks
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL)
	validator := auth.NewOIDCValidator(cache, auth.WithOIDCMeter(otel.Meter(meterName)))
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretResolver(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Resolver, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallback := lookup("API_SECRET_FALLBACK_FILE")
	if fallback == "" {
		fallback = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithProject(project),
		secrets.WithFallbackFile(fallback),
		secrets.WithMeter(otel.Meter(meterName)),
	}
	if ttl, err := time.ParseDuration(lookup("API_SECRET_CACHE_TTL")); err == nil && ttl > 0 {
		opts = append(opts, secrets.WithCacheTTL(ttl))
	}
	if file := lookup("API_FIREBASE_CREDENTIALS_FILE"); file != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(file)))
	}
	return secrets.NewResolver(ctx, opts...)
}
