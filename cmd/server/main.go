package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinisafe/compliance-engine/internal/audit"
	"github.com/clinisafe/compliance-engine/internal/config"
	"github.com/clinisafe/compliance-engine/internal/database"
	"github.com/clinisafe/compliance-engine/internal/engine"
	"github.com/clinisafe/compliance-engine/internal/handlers"
	"github.com/clinisafe/compliance-engine/internal/kafka"
	"github.com/clinisafe/compliance-engine/internal/lifecycle"
	"github.com/clinisafe/compliance-engine/internal/metrics"
	"github.com/clinisafe/compliance-engine/internal/notification"
	"github.com/clinisafe/compliance-engine/internal/scheduler"
)

const (
	serviceName = "compliance-engine"
	version     = "1.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogging(cfg)
	logger.Info("Starting Compliance Alert Engine",
		"service", serviceName,
		"version", version,
		"environment", cfg.Environment)

	db, err := database.Connect(cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close database connection", "error", err)
		}
	}()

	if err := database.RunMigrations(cfg.Database); err != nil {
		logger.Error("Failed to run database migrations", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repositories
	ruleRepo := database.NewRuleRepository(db, logger)
	alertTypeRepo := database.NewAlertTypeRepository(db, logger)
	alertRepo := database.NewAlertRepository(db, logger)
	notificationRepo := database.NewNotificationRepository(db, logger)
	auditRepo := database.NewAuditRepository(db, logger)

	if err := database.SeedDefaults(ctx, alertTypeRepo, ruleRepo, logger); err != nil {
		logger.Error("Failed to seed catalog data", "error", err)
		os.Exit(1)
	}

	// Audit recorder sits on the synchronous event path.
	recorder := audit.NewRecorder(cfg.Audit, auditRepo, logger)

	// Rule catalog with periodic hot reload.
	catalog := engine.NewCatalog(ruleRepo, cfg.Detection.RuleReloadInterval, logger)
	if err := catalog.Start(ctx); err != nil {
		logger.Error("Failed to load rule catalog", "error", err)
		os.Exit(1)
	}
	defer catalog.Stop()

	// Prometheus metrics. Counters are fed by the components below,
	// gauges polled from the repositories.
	collector := metrics.NewCollector(alertRepo, catalog, notificationRepo, logger)
	collector.Start(ctx, 30*time.Second)
	defer collector.Stop()
	recorder.SetObserver(collector)

	// Rolling window counters: Redis when shared state across replicas
	// is needed, in-process otherwise.
	var counter engine.WindowCounter
	if cfg.Redis.Enabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		counter = engine.NewRedisWindowCounter(redisClient)
		logger.Info("Using Redis window counters", "host", cfg.Redis.Host)
	} else {
		counter = engine.NewMemoryWindowCounter(cfg.Detection.CounterCleanupEvery)
	}

	// Notification fan-out and delivery.
	notificationMgr := notification.NewManager(cfg.Notifications, notificationRepo, alertRepo, logger)
	notificationMgr.SetObserver(collector)
	notificationMgr.Start(ctx)
	defer notificationMgr.Stop()

	// Alert lifecycle.
	lifecycleMgr := lifecycle.NewManager(cfg.Lifecycle, alertRepo, recorder, notificationMgr, logger)
	lifecycleMgr.SetObserver(collector)

	// Websocket stream.
	hub := handlers.NewHub(logger)
	defer hub.Close()
	lifecycleMgr.AddPublisher(hub)

	// Kafka: inbound medical events, outbound alert announcements.
	var (
		consumer *kafka.Consumer
		producer *kafka.Producer
	)
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka, logger)
		producer.Start(ctx)
		defer producer.Stop()
		lifecycleMgr.AddPublisher(producer)
	}

	lifecycleMgr.Start(ctx)
	defer lifecycleMgr.Stop()

	// Violation detector.
	defaultWindow := time.Duration(cfg.Detection.DefaultWindowMinutes) * time.Minute
	detector := engine.NewDetector(catalog, counter, recorder, lifecycleMgr, defaultWindow, logger)

	if cfg.Kafka.Enabled {
		consumer = kafka.NewConsumer(cfg.Kafka, detector, logger)
		consumer.Start(ctx)
		defer consumer.Stop()
	}

	// Periodic surveillance tasks.
	var taskScheduler *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		taskScheduler, err = scheduler.New(cfg.Scheduler, logger,
			scheduler.NewSurveillanceHandler(cfg.Scheduler, auditRepo, catalog, lifecycleMgr, logger),
			scheduler.NewRetrySweepHandler(notificationRepo, notificationMgr, logger),
			scheduler.NewDeadlineEscalationHandler(cfg.Scheduler, alertRepo, lifecycleMgr, logger),
		)
		if err != nil {
			logger.Error("Failed to build scheduler", "error", err)
			os.Exit(1)
		}
		taskScheduler.Start()
		defer taskScheduler.Stop()
	}

	// HTTP server.
	httpHandler := handlers.NewHTTPHandler(
		detector,
		catalog,
		lifecycleMgr,
		alertRepo,
		ruleRepo,
		alertTypeRepo,
		notificationRepo,
		auditRepo,
		taskScheduler,
		collector,
		hub,
		logger,
	)

	router := mux.NewRouter()
	router.Use(httpHandler.MetricsMiddleware)
	httpHandler.RegisterRoutes(router)
	router.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.HTTPPort),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server failed", "error", err)
			cancel()
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", "signal", sig)
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown HTTP server gracefully", "error", err)
	}

	logger.Info("Service shutdown complete")
}

func setupLogging(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.Debug,
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler).With("service", serviceName)
	slog.SetDefault(logger)
	return logger
}
