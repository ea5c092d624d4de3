package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ordersettle/internal/app"
	"github.com/odyssey-erp/ordersettle/internal/ingest"
	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/observability"
	"github.com/odyssey-erp/ordersettle/internal/platform/cache"
	"github.com/odyssey-erp/ordersettle/internal/platform/db"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
	"github.com/odyssey-erp/ordersettle/jobs"
)

func main() {
	if app.SkipStartup() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.DB())
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	if _, err := app.Migrate(ctx, pool, cfg); err != nil {
		logger.Error("ensure schema", slog.Any("error", err))
		os.Exit(1)
	}

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	domainMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	jobClient := jobs.NewClient(cfg.Redis().AsynqOpt(), logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	services, err := app.BuildServices(ctx, app.ServiceDeps{
		Config:   cfg,
		Logger:   logger,
		Pool:     pool,
		Redis:    redisClient,
		Metrics:  domainMetrics,
		Notifier: jobClient,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(cfg.Redis().AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:            logger,
		Config:            cfg,
		IngestHandler:     ingest.NewHandler(logger, services.Ingest, cfg.ImportMaxFileBytes),
		SettlementHandler: settlement.NewHandler(logger, services.Settlement, services.Idempotency),
		JobHandler:        jobs.NewHandler(inspector, logger),
		Metrics:           metrics,
		Ready: func(ctx context.Context) error {
			if err := pool.Ping(ctx); err != nil {
				return err
			}
			return redisClient.Ping(ctx).Err()
		},
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
