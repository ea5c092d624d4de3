package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/ordersettle/internal/ingest"
	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/orders"
	"github.com/odyssey-erp/ordersettle/internal/platform/db"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
	"github.com/odyssey-erp/ordersettle/internal/shard"
	"github.com/odyssey-erp/ordersettle/internal/shared"
)

// Services is the domain layer shared by the server, the worker and settlectl.
type Services struct {
	Orders      *orders.Repository
	Ingest      *ingest.Service
	Settlement  *settlement.Service
	Idempotency *shared.IdempotencyStore
}

// ServiceDeps carries the infrastructure the domain layer is built on. Redis
// and Notifier are optional; without Redis settlement dates are not locked.
type ServiceDeps struct {
	Config   *Config
	Logger   *slog.Logger
	Pool     *pgxpool.Pool
	Redis    redis.Cmdable
	Metrics  *jobmetrics.Metrics
	Notifier settlement.Notifier
}

// BuildServices resolves the partition count and assembles the services.
func BuildServices(ctx context.Context, deps ServiceDeps) (*Services, error) {
	cfg := deps.Config
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	router, err := shard.Load(ctx, deps.Pool, cfg.ShardCountDefault)
	if err != nil {
		return nil, fmt.Errorf("app: load shard count: %w", err)
	}
	repo := orders.NewRepository(deps.Pool, router)

	engine := ingest.NewEngine(ingest.NewRepositorySink(repo), router, deps.Logger, deps.Metrics)
	importer := ingest.NewService(
		ingest.NewParser(loc, cfg.ImportMaxRows),
		ingest.NewValidator(),
		engine,
		ingest.Limits{MaxRows: cfg.ImportMaxRows, MaxFileBytes: cfg.ImportMaxFileBytes},
		deps.Logger,
		deps.Metrics,
	)

	opts := []settlement.Option{
		settlement.WithAuditor(shared.NewAuditLogger(deps.Pool)),
		settlement.WithMetrics(deps.Metrics),
	}
	if deps.Redis != nil {
		opts = append(opts, settlement.WithLocker(shared.NewRedisLocker(deps.Redis, cfg.SettlementLockTTL)))
	}
	if deps.Notifier != nil {
		opts = append(opts, settlement.WithNotifier(deps.Notifier))
	}
	settler := settlement.NewService(
		settlement.NewRepository(deps.Pool, repo),
		settlement.Config{Location: loc, MaxSpanDays: cfg.SettlementMaxSpanDays},
		deps.Logger,
		opts...,
	)

	return &Services{
		Orders:      repo,
		Ingest:      importer,
		Settlement:  settler,
		Idempotency: shared.NewIdempotencyStore(deps.Pool),
	}, nil
}

// Migrate creates the schema for the configured partition count. A count
// persisted by an earlier migration wins over the configured default.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg *Config) (*shard.Router, error) {
	router, err := shard.Load(ctx, pool, cfg.ShardCountDefault)
	if db.IsUndefinedTable(err) {
		router, err = shard.NewRouter(cfg.ShardCountDefault)
	}
	if err != nil {
		return nil, fmt.Errorf("app: resolve shard count: %w", err)
	}
	if err := orders.EnsureSchema(ctx, pool, router); err != nil {
		return nil, err
	}
	return router, nil
}
