package main

import (
	"context"
	"time"

	"quickrevert/api_automation/internal/dedup"
	"quickrevert/api_automation/internal/dispatch"
	"quickrevert/api_automation/internal/handlers"
	"quickrevert/api_automation/internal/identity"
	"quickrevert/api_automation/internal/outcome"
	"quickrevert/api_automation/internal/pipeline"
	"quickrevert/api_automation/internal/routes"
	"quickrevert/api_automation/internal/store"
	"quickrevert/api_automation/internal/trigger"
	"quickrevert/pkg/cache"
	"quickrevert/pkg/clients"
	"quickrevert/pkg/config"
	"quickrevert/pkg/database"
	dbsql "quickrevert/pkg/database/sql"
	"quickrevert/pkg/kafka"
	"quickrevert/pkg/logging"
	"quickrevert/pkg/middleware"
	"quickrevert/pkg/monitoring"
	"quickrevert/pkg/redis"
	"quickrevert/pkg/server"
	"quickrevert/pkg/version"

	"github.com/prometheus/client_golang/prometheus"
)

func main() {
	logger := logging.NewLoggerWithService("bosun")
	config.LoadEnv(logger)

	logger.WithFields(version.LogFields()).Info("Starting Bosun (Automation Routing API)")

	// Required config
	dbURL := config.RequireEnv("DATABASE_URL")
	engineURL := config.RequireEnv("WORKFLOW_ENGINE_URL")
	engineToken := config.GetEnv("WORKFLOW_ENGINE_TOKEN", "")

	redisURL := config.GetEnv("REDIS_URL", "")
	kafkaBrokers := config.GetEnvList("KAFKA_BROKERS")
	outcomeTopic := config.GetEnv("KAFKA_OUTCOME_TOPIC", "automation_outcomes")
	serviceToken := config.GetEnv("SERVICE_TOKEN", "")

	dedupWindow := config.GetEnvDuration("DEDUP_WINDOW", 10*time.Minute)
	dispatchTimeout := config.GetEnvDuration("DISPATCH_TIMEOUT", 3*time.Second)
	pipelineTimeout := config.GetEnvDuration("PIPELINE_TIMEOUT", 8*time.Second)
	recordWait := config.GetEnvDuration("RECORD_WAIT", 500*time.Millisecond)
	accountCacheTTL := config.GetEnvDuration("ACCOUNT_CACHE_TTL", 0)
	noRoutePolicy := config.GetEnv("NO_ROUTE_POLICY", pipeline.NoRoutePolicyIgnore)
	eventConcurrency := config.GetEnvInt("EVENT_CONCURRENCY", 4)

	verifyToken := config.GetEnv("WEBHOOK_VERIFY_TOKEN", "")
	appSecret := config.GetEnv("WEBHOOK_APP_SECRET", "")
	accountEventsPerMin := config.GetEnvInt("ACCOUNT_EVENTS_PER_MIN", 600)

	httpPort := config.GetEnv("BOSUN_PORT", "18020")

	if appSecret == "" {
		logger.Warn("WEBHOOK_APP_SECRET not set; webhook signatures are not verified")
	}
	if noRoutePolicy != pipeline.NoRoutePolicyIgnore && noRoutePolicy != pipeline.NoRoutePolicyFail {
		logger.WithField("policy", noRoutePolicy).Fatal("NO_ROUTE_POLICY must be ignore or fail")
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bosun", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bosun", version.Version, version.GitCommit)

	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":        dbURL,
		"WORKFLOW_ENGINE_URL": engineURL,
	}))

	handlerMetrics := &handlers.Metrics{
		WebhooksReceived: metricsCollector.NewCounter("webhooks_received_total", "Webhook deliveries accepted", []string{"object"}),
		WebhooksRejected: metricsCollector.NewCounter("webhooks_rejected_total", "Webhook deliveries rejected before processing", []string{"reason"}),
	}
	eventsTotal := metricsCollector.NewCounter("events_total", "Normalized events processed", []string{"category", "subtype"})
	outcomesTotal := metricsCollector.NewCounter("outcomes_total", "Event and route outcomes", []string{"outcome", "reason"})
	dispatchDuration := metricsCollector.NewHistogram("dispatch_duration_seconds", "Workflow engine call duration", []string{"status"}, prometheus.DefBuckets)
	duplicateRoutes := metricsCollector.NewCounter("duplicate_routes_total", "Lookups that found more than one active route", []string{"category", "subtype"})
	recordWrites := metricsCollector.NewCounter("record_write_total", "Outcome record writes", []string{"kind", "status"})
	cacheEvents := metricsCollector.NewCounter("account_cache_events_total", "Identity cache lookups", []string{"cache", "result"})
	dedupClaims := metricsCollector.NewCounter("dedup_claims_total", "Dispatch claim attempts", []string{"result"})

	// Database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer func() { _ = db.Close() }()
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))

	if config.GetEnvBool("BOSUN_BOOTSTRAP_SCHEMA", false) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := database.ApplySchema(ctx, db, dbsql.Content, "schema/bosun.sql", logger)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to bootstrap schema")
		}
	}

	st := store.NewStore(db)

	// Dedup claims: Redis when configured, PostgreSQL otherwise
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()

	var claimer dedup.Claimer
	if redisURL != "" {
		redisCfg, err := redis.ConfigFromURL(redisURL)
		if err != nil {
			logger.WithError(err).Fatal("Invalid REDIS_URL")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisClient, err := redis.NewUniversalClient(ctx, redisCfg)
		cancel()
		if err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer func() { _ = redisClient.Close() }()
		healthChecker.AddCheck("redis", monitoring.RedisHealthCheck(redisClient))
		claimer = dedup.NewRedisClaimer(redisClient, "bosun:dedup:", dedupWindow)
		logger.Info("Using Redis for dispatch deduplication")
	} else {
		pgClaimer := dedup.NewPostgresClaimer(st, dedupWindow, logger)
		go pgClaimer.RunJanitor(janitorCtx, dedupWindow)
		claimer = pgClaimer
		logger.Info("REDIS_URL not set; using PostgreSQL for dispatch deduplication")
	}

	claimer = dedup.WithObserver(claimer, func(result string) { dedupClaims.WithLabelValues(result).Inc() })

	// Optional outcome stream
	var sink outcome.Sink
	if len(kafkaBrokers) > 0 {
		producer, err := kafka.NewProducer(kafkaBrokers, "bosun", logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		defer func() { _ = producer.Close() }()
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer))
		sink = outcome.NewKafkaSink(producer, outcomeTopic)
		logger.WithField("topic", outcomeTopic).Info("Publishing outcomes to Kafka")
	}

	// Dispatcher with circuit breaker
	breakerMetrics := clients.NewCircuitBreakerMetrics(metricsCollector.Registry())
	breakerConfig := clients.DefaultCircuitBreakerConfig()
	breakerConfig.Name = "workflow-engine"
	breakerConfig.Timeout = config.GetEnvDuration("CIRCUIT_BREAKER_TIMEOUT", breakerConfig.Timeout)
	breakerConfig.MinRequests = uint32(config.GetEnvInt("CIRCUIT_BREAKER_MIN_REQUESTS", int(breakerConfig.MinRequests)))
	breakerConfig.MaxRequests = uint32(config.GetEnvInt("CIRCUIT_BREAKER_HALF_OPEN_REQUESTS", int(breakerConfig.MaxRequests)))
	breakerConfig.Logger = logger
	breakerConfig.OnStateChange = breakerMetrics.Callback()

	dispatcher, err := dispatch.New(dispatch.Config{
		BaseURL: engineURL,
		Token:   engineToken,
		Timeout: dispatchTimeout,
		Breaker: clients.NewHTTPCircuitBreaker(breakerConfig),
		Logger:  logger,
		Observe: func(status string, elapsed time.Duration) {
			dispatchDuration.WithLabelValues(status).Observe(elapsed.Seconds())
		},
	})
	if err != nil {
		logger.WithError(err).Fatal("Invalid workflow engine configuration")
	}
	healthChecker.AddCheck("workflow_engine", monitoring.CircuitBreakerHealthCheck("Workflow engine", func() string {
		return dispatcher.BreakerState().String()
	}))

	recorder := outcome.NewRecorder(outcome.Config{
		Store:   st,
		Sink:    sink,
		Wait:    recordWait,
		Logger:  logger,
		OnWrite: func(kind, status string) { recordWrites.WithLabelValues(kind, status).Inc() },
	})

	resolver := identity.NewResolver(st, accountCacheTTL, cache.MetricsHooks{
		OnHit:  func(name string) { cacheEvents.WithLabelValues(name, "hit").Inc() },
		OnMiss: func(name string) { cacheEvents.WithLabelValues(name, "miss").Inc() },
	})

	routeTable := routes.NewTable(st, logger, func(key routes.Key, _ int) {
		duplicateRoutes.WithLabelValues(key.Category, key.Subtype).Inc()
	})

	engine := pipeline.NewEngine(pipeline.Config{
		Accounts:      resolver,
		Routes:        routeTable,
		Triggers:      trigger.Default(),
		Claims:        claimer,
		Dispatcher:    dispatcher,
		Recorder:      recorder,
		Logger:        logger,
		NoRoutePolicy: noRoutePolicy,
		Timeout:       pipelineTimeout,
		Concurrency:   eventConcurrency,
		OnEvent: func(category, subtype string) {
			eventsTotal.WithLabelValues(category, subtype).Inc()
		},
		OnOutcome: func(result string, reason pipeline.Reason) {
			outcomesTotal.WithLabelValues(result, string(reason)).Inc()
		},
	})

	var accountLimiter *handlers.AccountLimiter
	if accountEventsPerMin > 0 {
		accountLimiter = handlers.NewAccountLimiter(accountEventsPerMin, 10*time.Minute)
	}

	handlers.Init(handlers.Dependencies{
		Logger:      logger,
		Metrics:     handlerMetrics,
		Pipeline:    engine,
		Diagnostics: st,
		Limiter:     accountLimiter,
		VerifyToken: verifyToken,
		AppSecret:   appSecret,
	})

	// Setup HTTP router (SetupServiceRouter adds /health and /metrics)
	router := server.SetupServiceRouter(logger, "bosun", healthChecker, metricsCollector)

	// Webhook routes (no auth - the platform signs deliveries instead)
	webhooks := router.Group("/webhooks")
	{
		webhooks.GET("/instagram", handlers.HandleWebhookVerify)
		webhooks.POST("/instagram", handlers.HandleWebhook)
	}

	// Diagnostic reads (service token)
	if serviceToken != "" {
		admin := router.Group("/admin", middleware.ServiceAuthMiddleware(serviceToken))
		{
			admin.GET("/failures", handlers.HandleListFailures)
			admin.GET("/activity", handlers.HandleListActivity)
			admin.GET("/routes", handlers.HandleListRoutes)
		}
	} else {
		logger.Info("SERVICE_TOKEN not set; diagnostic endpoints disabled")
	}

	// Start HTTP server with graceful shutdown
	serverConfig := server.DefaultConfig("bosun", httpPort)
	serveErr := server.Start(serverConfig, router, logger)

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := recorder.Close(drainCtx); err != nil {
		logger.WithError(err).Warn("Outcome writes still pending at shutdown")
	}

	if serveErr != nil {
		logger.WithError(serveErr).Fatal("HTTP server failed")
	}
}
