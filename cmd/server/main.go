package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	sentryfiber "github.com/getsentry/sentry-go/fiber"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/config"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/database"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/handlers"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/logging"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/middleware"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/routes"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/services"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/store"
	"github.com/ahmetcoskunkizilkaya/subscription-manager/internal/tenant"
	"github.com/gofiber/fiber/v2"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
)

func main() {
	// Structured logging (JSON to stdout)
	logging.Setup()

	cfg := config.Load()

	if cfg.JWTSecret == "" {
		slog.Error("JWT_SECRET environment variable is required")
		os.Exit(1)
	}
	if cfg.DBDriver != "sqlite" && cfg.DBPassword == "" {
		slog.Error("DB_PASSWORD environment variable is required")
		os.Exit(1)
	}
	if cfg.Validator != services.ValidatorLocal && cfg.Validator != services.ValidatorAppStore {
		slog.Error("VALIDATOR must be local or appstore", "validator", cfg.Validator)
		os.Exit(1)
	}

	// App registry
	registry, err := tenant.LoadFromFile(cfg.AppsConfigPath)
	if err != nil {
		slog.Error("failed to load app registry", "path", cfg.AppsConfigPath, "error", err)
		os.Exit(1)
	}
	slog.Info("app registry loaded", "apps", len(registry.All()))

	// Database
	db, err := database.Connect(cfg)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := database.Migrate(db); err != nil {
		slog.Error("migration failed", "error", err)
		os.Exit(1)
	}

	// DB log handler (ERROR+ async batch)
	dbLogHandler := logging.SetupWithDB(db, os.Stdout)

	// Log cleanup
	cleanupDone := make(chan struct{})
	logging.StartCleanup(db, cfg.LogRetention, cleanupDone)

	// Key-value store: Redis when configured, the database otherwise
	var kv store.Store
	var kvPinger handlers.Pinger
	var redisStore *store.RedisStore
	if cfg.RedisAddr != "" {
		redisStore, err = store.NewRedisStore(context.Background(), store.RedisConfig{
			Address:  cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			slog.Error("redis connection failed", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		kv, kvPinger = redisStore, redisStore
		slog.Info("key-value store: redis", "addr", cfg.RedisAddr)
	} else {
		kv = store.NewDBStore(db)
		slog.Info("key-value store: database")
	}

	// Services
	events := services.NewEventBus()
	pool := services.NewManagerPool(services.PoolConfig{
		DB:         db,
		KV:         kv,
		Registry:   registry,
		Validator:  cfg.Validator,
		HTTPClient: &http.Client{Timeout: cfg.VerifyTimeout},
		Events:     events,
		Metrics:    services.GetMetrics(),
		Logger:     slog.Default(),

		StartTimeout: cfg.VerifyTimeout,
		IdleTTL:      cfg.ManagerIdleTTL,
	})

	// NATS forwarding
	var forwarder *services.NATSForwarder
	if cfg.NATSURL != "" {
		conn, err := services.ConnectNATS(cfg.NATSURL)
		if err != nil {
			slog.Error("nats connection failed", "url", cfg.NATSURL, "error", err)
			os.Exit(1)
		}
		defer conn.Close()
		forwarder = services.NewNATSForwarder(conn, cfg.NATSSubjectPrefix, events)
		slog.Info("forwarding state changes to NATS", "prefix", cfg.NATSSubjectPrefix)
	}

	// Finish what an earlier process left pending, then keep retrying
	warmCtx, cancelWarm := context.WithTimeout(context.Background(), 2*time.Minute)
	if err := pool.Warm(warmCtx); err != nil {
		slog.Error("manager warm-up failed", "error", err)
	}
	cancelWarm()
	refreshDone := make(chan struct{})
	pool.StartRefresh(cfg.RefreshInterval, refreshDone)

	// Handlers
	healthHandler := handlers.NewHealthHandler(db, kvPinger, registry)
	subscriptionHandler := handlers.NewSubscriptionHandler(pool, cfg.VerifyTimeout)
	webhookHandler := handlers.NewWebhookHandler(pool, registry, cfg.VerifyTimeout)

	// Sentry error tracking
	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Env,
		}); err != nil {
			slog.Error("sentry init failed", "error", err)
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	// Fiber app
	app := fiber.New(fiber.Config{
		BodyLimit:    1 * 1024 * 1024,
		ErrorHandler: customErrorHandler,
	})

	// Sentry middleware
	app.Use(sentryfiber.New(sentryfiber.Options{
		Repanic:         true,
		WaitForDelivery: false,
	}))

	// Global middleware
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(fiberlogger.New(fiberlogger.Config{
		Format: "${time} | ${status} | ${latency} | ${ip} | ${method} | ${path}\n",
	}))
	app.Use(middleware.CORS(cfg))
	app.Use(func(c *fiber.Ctx) error {
		c.Set("X-Content-Type-Options", "nosniff")
		c.Set("X-Frame-Options", "DENY")
		return c.Next()
	})

	// Routes
	routes.Setup(app, cfg, registry, prometheus.DefaultGatherer, healthHandler, subscriptionHandler, webhookHandler)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "port", cfg.Port, "validator", cfg.Validator)
		if err := app.Listen(":" + cfg.Port); err != nil {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	<-quit
	slog.Info("shutting down server...")

	if err := app.Shutdown(); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	close(refreshDone)
	close(cleanupDone)
	if forwarder != nil {
		forwarder.Stop()
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			slog.Error("redis close error", "error", err)
		}
	}
	dbLogHandler.Stop()
	sentry.Flush(2 * time.Second)

	// Close database connections
	if sqlDB, err := db.DB(); err == nil {
		if err := sqlDB.Close(); err != nil {
			slog.Error("database close error", "error", err)
		}
	}

	slog.Info("server stopped")
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal server error"
	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	// Only expose error details for client errors (4xx), not server errors (5xx)
	if code >= 500 {
		slog.Error("unhandled server error", "method", c.Method(), "path", c.Path(), "error", err.Error())
		message = "Internal server error"
	}

	return c.Status(code).JSON(fiber.Map{
		"error":   true,
		"message": message,
	})
}
