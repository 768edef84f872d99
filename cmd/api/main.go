package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/digest-dispatch/internal/auth"
	"github.com/kursadbilgin/digest-dispatch/internal/config"
	"github.com/kursadbilgin/digest-dispatch/internal/content"
	"github.com/kursadbilgin/digest-dispatch/internal/dispatch"
	"github.com/kursadbilgin/digest-dispatch/internal/handler"
	"github.com/kursadbilgin/digest-dispatch/internal/infra/postgresql"
	"github.com/kursadbilgin/digest-dispatch/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/digest-dispatch/internal/infra/redis"
	"github.com/kursadbilgin/digest-dispatch/internal/ledger"
	"github.com/kursadbilgin/digest-dispatch/internal/observability"
	"github.com/kursadbilgin/digest-dispatch/internal/provider"
	"github.com/kursadbilgin/digest-dispatch/internal/repository"
	"github.com/kursadbilgin/digest-dispatch/internal/retry"
	"github.com/kursadbilgin/digest-dispatch/internal/transport"
	"github.com/kursadbilgin/digest-dispatch/internal/trigger"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	metrics := observability.NewMetrics()

	markerStore, err := infraredis.NewMarkerStore(rdb)
	if err != nil {
		logger.Fatal("marker store initialization failed", zap.Error(err))
	}

	deliveryRepo := repository.NewGormDeliveryRepo(db)
	recipientRepo := repository.NewGormRecipientRepo(db)

	deliveryLedger, err := ledger.New(markerStore, deliveryRepo, logger)
	if err != nil {
		logger.Fatal("delivery ledger initialization failed", zap.Error(err))
	}
	deliveryLedger.SetMetrics(metrics)

	producer, err := content.NewTemplateProducer()
	if err != nil {
		logger.Fatal("content producer initialization failed", zap.Error(err))
	}

	webhook, err := provider.NewWebhookProvider(cfg.WebhookEndpoint)
	if err != nil {
		logger.Fatal("webhook provider initialization failed", zap.Error(err))
	}

	dispatcher, err := dispatch.NewDispatcher(
		recipientRepo,
		producer,
		webhook,
		deliveryLedger,
		retry.NewPolicy(retry.Options{}),
		dispatch.Options{
			BatchSize:   cfg.BatchSize,
			Concurrency: cfg.SendConcurrency,
			BatchDelay:  cfg.BatchDelay(),
			Timezone:    cfg.ScheduleTimezone,
		},
		logger,
	)
	if err != nil {
		logger.Fatal("dispatcher initialization failed", zap.Error(err))
	}
	dispatcher.SetMetrics(metrics)

	rateLimiter, err := infraredis.NewSlidingWindowLimiter(rdb, logger)
	if err != nil {
		logger.Fatal("rate limiter initialization failed", zap.Error(err))
	}
	rateLimiter.SetMetrics(metrics)

	authenticator := auth.New(cfg.AdminAPIToken, cfg.HMACSecret)

	dispatchHandler, err := handler.NewDispatchHandler(dispatcher, logger)
	if err != nil {
		logger.Fatal("dispatch handler initialization failed", zap.Error(err))
	}
	statsHandler := handler.NewStatsHandler(dispatcher, deliveryRepo, sqlDB, rdb, webhook, logger)

	app := fiber.New(fiber.Config{
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	handler.RegisterDispatchRoutes(app, dispatchHandler, statsHandler, authenticator, rateLimiter, cfg.TriggerRateLimit, logger)

	var schedule *trigger.Cron
	if cfg.CronEnabled {
		schedule, err = trigger.NewCron(dispatcher, logger)
		if err != nil {
			logger.Fatal("schedule initialization failed", zap.Error(err))
		}
		if err := schedule.Start(); err != nil {
			logger.Fatal("schedule start failed", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("digest-dispatch api started", zap.Int("port", cfg.APIPort))
		serveErr <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case err := <-serveErr:
		logger.Error("http server stopped", zap.Error(err))
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if schedule != nil {
		if err := schedule.Stop(shutdownCtx); err != nil {
			logger.Warn("schedule did not stop cleanly", zap.Error(err))
		}
	}
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http server did not stop cleanly", zap.Error(err))
	}

	logger.Info("digest-dispatch api stopped")
}
