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
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
	"google.golang.org/api/option"

	"github.com/hanko-field/orders/internal/handlers"
	"github.com/hanko-field/orders/internal/payments"
	"github.com/hanko-field/orders/internal/platform/auth"
	"github.com/hanko-field/orders/internal/platform/cache"
	"github.com/hanko-field/orders/internal/platform/config"
	"github.com/hanko-field/orders/internal/platform/events"
	pfirestore "github.com/hanko-field/orders/internal/platform/firestore"
	"github.com/hanko-field/orders/internal/platform/idempotency"
	"github.com/hanko-field/orders/internal/platform/jobs"
	"github.com/hanko-field/orders/internal/platform/observability"
	"github.com/hanko-field/orders/internal/platform/requestctx"
	"github.com/hanko-field/orders/internal/platform/secrets"
	"github.com/hanko-field/orders/internal/repositories"
	firestoreRepo "github.com/hanko-field/orders/internal/repositories/firestore"
	"github.com/hanko-field/orders/internal/services"
)

const (
	defaultPollLimit  = 30
	defaultPollWindow = time.Minute
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("orders")
	ctx = requestctx.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(config.SecretResolverFunc(fetcher.Resolve)),
		config.WithRequiredSecrets(requiredSecretNames()...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(cfg, startedAt)

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore,
		pfirestore.WithDialTimeout(15*time.Second),
		// webhook retries and customer actions contend on the same order document
		pfirestore.WithTransactionAttempts(8),
	)
	if _, err := firestoreProvider.Client(ctx); err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	serviceOrderRepo, err := firestoreRepo.NewServiceOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise service order repository", zap.Error(err))
	}
	claimRepo, err := firestoreRepo.NewClaimRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise claim repository", zap.Error(err))
	}
	returnRepo, err := firestoreRepo.NewReturnRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise return repository", zap.Error(err))
	}
	ledgerRepo, err := firestoreRepo.NewCreditLedgerRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise credit ledger repository", zap.Error(err))
	}

	healthChecks := []repositories.DependencyCheck{
		{Name: "firestore", Check: firestoreProvider.Ping},
	}

	// Redis is advisory. Without it the status cache and webhook dedup are skipped and the
	// idempotency middleware falls back to process memory.
	var (
		statusCache *cache.Cache
		idemStore   idempotency.Store = idempotency.NewMemoryStore()
		redisClient *redis.Client
	)
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient = cache.NewClient(cfg.Redis)
		statusCache = cache.New(redisClient, cfg.Redis)
		idemStore = idempotency.NewRedisStore(redisClient)
		healthChecks = append(healthChecks, repositories.DependencyCheck{Name: "redis", Check: statusCache.Ping})
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	} else {
		logger.Warn("redis address not configured; status cache and webhook dedup disabled")
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	defer bgCancel()

	var eventPublisher services.EventPublisher
	var producer *events.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer = events.NewProducer(events.NewKafkaWriter(cfg.Kafka), cfg.Kafka.Buffer, observability.EventLogger(logger.Named("events")))
		producer.Start(bgCtx)
		eventPublisher = events.NewOrderEventPublisher(producer, "orders-api")
		healthChecks = append(healthChecks, repositories.DependencyCheck{Name: "kafka", Check: kafkaCheck(cfg.Kafka.Brokers)})
	} else {
		logger.Warn("kafka brokers not configured; order events disabled")
	}

	var notificationPublisher services.NotificationPublisher
	var notificationTopic *pubsub.Topic
	if projectID := strings.TrimSpace(cfg.PubSub.ProjectID); projectID != "" {
		var clientOpts []option.ClientOption
		if credentials := strings.TrimSpace(cfg.Firebase.CredentialsFile); credentials != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(credentials))
		}
		pubsubClient, err := pubsub.NewClient(ctx, projectID, clientOpts...)
		if err != nil {
			logger.Fatal("failed to initialise pubsub client", zap.Error(err))
		}
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logger.Warn("pubsub close error", zap.Error(err))
			}
		}()
		notificationTopic = pubsubClient.Topic(cfg.PubSub.NotificationsTopic)
		publisher, err := jobs.NewPubSubNotificationPublisher(notificationTopic)
		if err != nil {
			logger.Fatal("failed to initialise notification publisher", zap.Error(err))
		}
		notificationPublisher = publisher
		healthChecks = append(healthChecks, repositories.DependencyCheck{Name: "pubsub", Check: topicCheck(notificationTopic)})
	} else {
		logger.Warn("pubsub project not configured; order notifications disabled")
	}

	paymentManager, err := newPaymentManager(cfg, logger.Named("payments"))
	if err != nil {
		logger.Fatal("failed to initialise payment manager", zap.Error(err))
	}

	firebaseVerifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(firebaseVerifier)

	if strings.TrimSpace(cfg.Webhooks.SigningSecret) == "" {
		logger.Fatal("webhook signing secret is required")
	}
	signatureVerifier := auth.NewSignatureVerifier(cfg.Webhooks.SigningSecret)

	serviceLogger := observability.EventLogger(logger.Named("services"))

	creditService, err := services.NewCreditService(services.CreditServiceDeps{
		Ledger: ledgerRepo,
		Events: eventPublisher,
		Clock:  time.Now,
		Logger: serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise credit service", zap.Error(err))
	}

	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:            orderRepo,
		ServiceOrders:     serviceOrderRepo,
		Payments:          paymentManager,
		Events:            eventPublisher,
		DefaultCurrency:   cfg.Payments.DefaultCurrency,
		AdvancePercentage: cfg.Orders.AdvancePercentage,
		ReturnURL:         cfg.Payments.SuccessURL,
		CancelURL:         cfg.Payments.CancelURL,
		NotifyURL:         cfg.Payments.NotifyURL,
		Clock:             time.Now,
		Logger:            serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	// statusCache may be a nil *cache.Cache; its methods treat that as a miss.
	queryService, err := services.NewOrderQueryService(services.OrderQueryServiceDeps{
		Orders:        orderRepo,
		ServiceOrders: serviceOrderRepo,
		Cache:         statusCache,
		Logger:        serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order query service", zap.Error(err))
	}

	lifecycleService, err := services.NewOrderLifecycleService(services.OrderLifecycleServiceDeps{
		Orders:        orderRepo,
		ServiceOrders: serviceOrderRepo,
		Cache:         statusCache,
		Events:        eventPublisher,
		ReturnWindow:  cfg.Orders.ReturnWindow,
		Clock:         time.Now,
		Logger:        serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise lifecycle service", zap.Error(err))
	}

	webhookProcessor, err := services.NewWebhookProcessor(services.WebhookProcessorDeps{
		Orders:        orderRepo,
		ServiceOrders: serviceOrderRepo,
		Claims:        claimRepo,
		Verifier:      signatureVerifier,
		Dedup:         statusCache,
		Cache:         statusCache,
		Notifications: notificationPublisher,
		Events:        eventPublisher,
		ReturnWindow:  cfg.Orders.ReturnWindow,
		Clock:         time.Now,
		Logger:        observability.EventLogger(logger.Named("webhooks")),
	})
	if err != nil {
		logger.Fatal("failed to initialise webhook processor", zap.Error(err))
	}

	remainingService, err := services.NewRemainingPaymentService(services.RemainingPaymentServiceDeps{
		ServiceOrders: serviceOrderRepo,
		Payments:      paymentManager,
		Cache:         statusCache,
		Events:        eventPublisher,
		ReturnURL:     cfg.Payments.SuccessURL,
		CancelURL:     cfg.Payments.CancelURL,
		NotifyURL:     cfg.Payments.NotifyURL,
		Clock:         time.Now,
		Logger:        serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise remaining payment service", zap.Error(err))
	}

	verificationService, err := services.NewPaymentVerificationService(services.PaymentVerificationServiceDeps{
		ServiceOrders: serviceOrderRepo,
		Cache:         statusCache,
		Events:        eventPublisher,
		Clock:         time.Now,
		Logger:        serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise payment verification service", zap.Error(err))
	}

	returnService, err := services.NewReturnService(services.ReturnServiceDeps{
		Orders:          orderRepo,
		Returns:         returnRepo,
		Credits:         creditService,
		Cache:           statusCache,
		Events:          eventPublisher,
		ReturnWindow:    cfg.Orders.ReturnWindow,
		StoreCreditRate: cfg.Orders.StoreCreditRate,
		CreditExpiry:    cfg.Orders.CreditExpiry,
		Clock:           time.Now,
		Logger:          serviceLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise return service", zap.Error(err))
	}

	maintenanceService, err := services.NewMaintenanceService(services.MaintenanceServiceDeps{
		Orders:              orderRepo,
		ServiceOrders:       serviceOrderRepo,
		Credits:             creditService,
		Cache:               statusCache,
		Events:              eventPublisher,
		StalePendingTimeout: cfg.Orders.StalePendingTimeout,
		ReservationTimeout:  cfg.Orders.ReservationTimeout,
		Clock:               time.Now,
		Logger:              observability.EventLogger(logger.Named("maintenance")),
	})
	if err != nil {
		logger.Fatal("failed to initialise maintenance service", zap.Error(err))
	}

	var bgWG sync.WaitGroup
	bgWG.Add(1)
	go func() {
		defer bgWG.Done()
		maintenanceService.Run(bgCtx, cfg.Orders.SweepInterval)
	}()

	idempotencyMiddleware := idempotency.Middleware(
		idemStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.EventLogger(logger.Named("idempotency"))),
	)
	handlerOpts := []handlers.HandlerOption{
		handlers.WithIdempotency(idempotencyMiddleware, cfg.Idempotency.Header),
		handlers.WithPollRateLimit(defaultPollLimit, defaultPollWindow),
	}

	orderHandlers := handlers.NewOrderHandlers(authenticator, orderService, queryService, returnService, handlerOpts...)
	serviceOrderHandlers := handlers.NewServiceOrderHandlers(handlers.ServiceOrderHandlerDeps{
		Authenticator: authenticator,
		Orders:        orderService,
		Queries:       queryService,
		Remaining:     remainingService,
		Verification:  verificationService,
		Lifecycle:     lifecycleService,
	}, handlerOpts...)
	returnHandlers := handlers.NewReturnHandlers(authenticator, returnService)
	creditHandlers := handlers.NewCreditHandlers(authenticator, creditService)
	adminHandlers := handlers.NewAdminHandlers(handlers.AdminHandlerDeps{
		Authenticator: authenticator,
		Lifecycle:     lifecycleService,
		Returns:       returnService,
		Credits:       creditService,
	})
	webhookHandlers := handlers.NewPaymentWebhookHandlers(webhookProcessor,
		handlers.WithWebhookHeaders(cfg.Webhooks.SignatureHeader, cfg.Webhooks.TimestampHeader, cfg.Webhooks.IdempotencyHeader),
		handlers.WithWebhookMaxBody(cfg.Webhooks.MaxBodyBytes),
	)

	healthRepo, err := repositories.NewDependencyHealthRepository(healthChecks,
		repositories.WithBuildInfo(buildInfo.Version, buildInfo.Environment),
	)
	if err != nil {
		logger.Fatal("failed to initialise health repository", zap.Error(err))
	}
	healthHandlers := handlers.NewHealthHandlers(
		handlers.WithHealthBuildInfo(buildInfo),
		handlers.WithHealthRepository(healthRepo),
	)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	router := handlers.NewRouter(
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(healthHandlers),
		handlers.WithOrderRoutes(orderHandlers.Routes),
		handlers.WithServiceOrderRoutes(serviceOrderHandlers.Routes),
		handlers.WithReturnRoutes(returnHandlers.Routes),
		handlers.WithMeRoutes(creditHandlers.Routes),
		handlers.WithAdminRoutes(adminHandlers.Routes),
		handlers.WithWebhookRoutes(webhookHandlers.Routes),
	)
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
		serverLogger.Info("orders api listening", zap.String("version", buildInfo.Version), zap.String("environment", buildInfo.Environment))
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

	bgCancel()
	bgWG.Wait()
	if producer != nil {
		producer.Close()
	}
	if notificationTopic != nil {
		notificationTopic.Stop()
	}
}

func newPaymentManager(cfg config.Config, logger *zap.Logger) (*payments.Manager, error) {
	providerLogger := payments.ProviderLogger(observability.EventLogger(logger))
	providers := make(map[string]payments.Provider)

	if key := strings.TrimSpace(cfg.Payments.StripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: providerLogger,
			Clock:  time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("stripe provider: %w", err)
		}
		providers["stripe"] = stripeProvider
	}
	if key := strings.TrimSpace(cfg.Payments.MidtransServerKey); key != "" {
		midtransProvider, err := payments.NewMidtransProvider(payments.MidtransProviderConfig{
			ServerKey:  key,
			Production: cfg.Payments.MidtransProduction,
			Logger:     providerLogger,
			Clock:      time.Now,
		})
		if err != nil {
			return nil, fmt.Errorf("midtrans provider: %w", err)
		}
		providers["midtrans"] = midtransProvider
	}

	opts := []payments.ManagerOption{payments.WithCurrencyRoutes(cfg.Payments.CurrencyRoutes)}
	if _, ok := providers[cfg.Payments.DefaultProvider]; ok {
		opts = append(opts, payments.WithDefaultProvider(cfg.Payments.DefaultProvider))
	}
	return payments.NewManager(providers, opts...)
}

func kafkaCheck(brokers []string) func(context.Context) error {
	return func(ctx context.Context) error {
		var lastErr error
		for _, broker := range brokers {
			conn, err := kafka.DialContext(ctx, "tcp", strings.TrimSpace(broker))
			if err != nil {
				lastErr = err
				continue
			}
			_ = conn.Close()
			return nil
		}
		if lastErr == nil {
			lastErr = errors.New("no kafka brokers configured")
		}
		return lastErr
	}
}

func topicCheck(topic *pubsub.Topic) func(context.Context) error {
	return func(ctx context.Context) error {
		exists, err := topic.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("topic %s does not exist", topic.ID())
		}
		return nil
	}
}

func buildInfoFromEnv(cfg config.Config, started time.Time) handlers.BuildInfo {
	version := strings.TrimSpace(os.Getenv("API_BUILD_VERSION"))
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(os.Getenv("API_BUILD_COMMIT_SHA"))
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

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(os.Getenv(key))
	}

	project := lookup("API_SECRET_PROJECT_ID")
	if project == "" {
		project = lookup("API_FIREBASE_PROJECT_ID")
	}
	fallbackPath := lookup("API_SECRET_FALLBACK_FILE")
	if fallbackPath == "" {
		fallbackPath = ".secrets.local"
	}

	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
		secrets.WithFallbackFile(fallbackPath),
	}
	if project != "" {
		opts = append(opts, secrets.WithProject(project))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames lists secrets whose absence should stop startup. Gateway keys are
// optional individually; the payment manager fails when neither is present.
func requiredSecretNames() []string {
	return []string{"Webhooks.SigningSecret"}
}
