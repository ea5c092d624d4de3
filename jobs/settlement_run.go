package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
)

// Settler is the settlement surface the job drives.
type Settler interface {
	Settle(ctx context.Context, r settlement.Range, clientID *int64) (settlement.Stats, error)
	Yesterday() time.Time
	Location() *time.Location
}

// SettlementRunJob settles a closed date range, yesterday by default.
type SettlementRunJob struct {
	Service Settler
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSettlementRunJob initialises the settlement run handler.
func NewSettlementRunJob(service Settler, logger *slog.Logger, metrics *jobmetrics.Metrics) *SettlementRunJob {
	return &SettlementRunJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one settlement run.
func (j *SettlementRunJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("settlement run: handler not configured")
	}
	var payload SettlementRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskSettlementRun)
	defer func() {
		err = tracker.End(err)
	}()

	rng, err := j.rangeOf(payload)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	logger := j.logger().With(slog.String("range", rng.String()))
	if payload.ClientID != nil {
		logger = logger.With(slog.Int64("client_id", *payload.ClientID))
	}
	logger.Info("starting settlement run")
	start := time.Now()

	stats, err := j.Service.Settle(ctx, rng, payload.ClientID)
	if err != nil {
		logger.Error("settlement run failed", slog.Any("error", err))
		if settlement.IsValidation(err) {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		return err
	}
	logger.Info("completed settlement run",
		slog.Int("processed", stats.Processed),
		slog.Int("cancelled", stats.Cancelled),
		slog.Int("calculated", stats.Calculated),
		slog.Int("skipped", stats.Skipped),
		slog.Int("errors", stats.ErrorCount),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (j *SettlementRunJob) rangeOf(payload SettlementRunPayload) (settlement.Range, error) {
	if payload.Start == "" && payload.End == "" {
		return settlement.SingleDay(j.Service.Yesterday()), nil
	}
	end := payload.End
	if end == "" {
		end = payload.Start
	}
	start := payload.Start
	if start == "" {
		start = end
	}
	return settlement.ParseRange(start, end, j.Service.Location())
}

func (j *SettlementRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSettlementRun))
	}
	return slog.Default().With(slog.String("job", TaskSettlementRun))
}

func (j *SettlementRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
