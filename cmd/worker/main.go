package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ordersettle/internal/app"
	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/platform/cache"
	"github.com/odyssey-erp/ordersettle/internal/platform/db"
	"github.com/odyssey-erp/ordersettle/jobs"
)

func main() {
	if app.SkipStartup() {
		slog.Default().Info("test mode detected, skipping worker startup")
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

	loc, err := cfg.Location()
	if err != nil {
		logger.Error("settlement timezone", slog.Any("error", err))
		os.Exit(1)
	}

	pool, err := db.New(ctx, cfg.DB())
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

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

	metrics := jobmetrics.NewMetrics(nil)

	services, err := app.BuildServices(ctx, app.ServiceDeps{
		Config:  cfg,
		Logger:  logger,
		Pool:    pool,
		Redis:   redisClient,
		Metrics: metrics,
	})
	if err != nil {
		logger.Error("build services", slog.Any("error", err))
		os.Exit(1)
	}

	runJob := jobs.NewSettlementRunJob(services.Settlement, logger, metrics)
	commissionJob := jobs.NewCommissionNotifyJob(logger)

	nightlyTask, err := jobs.NewSettlementRunTask(jobs.SettlementRunPayload{})
	if err != nil {
		logger.Error("build settlement task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: cfg.WorkerConcurrency,
		Location:    loc,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskSettlementRun, Handler: runJob.Handle},
			{Type: jobs.TaskCommissionSettlementCreated, Handler: commissionJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.SettlementCron, Task: nightlyTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("cron", cfg.SettlementCron), slog.String("timezone", loc.String()))
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
