package jobs

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/hibiken/asynq"
)

// CommissionNotifyJob receives settlement-created notifications. Commission
// accounting lives outside this service; the handler acknowledges receipt.
type CommissionNotifyJob struct {
	Logger *slog.Logger
}

// NewCommissionNotifyJob constructs the handler.
func NewCommissionNotifyJob(logger *slog.Logger) *CommissionNotifyJob {
	return &CommissionNotifyJob{Logger: logger}
}

// Handle logs the settlement record the commission module should consider.
func (j *CommissionNotifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload CommissionPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.RecordID == "" {
		return asynq.SkipRetry
	}
	logger := slog.Default()
	if j != nil && j.Logger != nil {
		logger = j.Logger
	}
	logger.Info("settlement record ready for commission",
		slog.String("job", TaskCommissionSettlementCreated),
		slog.String("record_id", payload.RecordID),
		slog.Int64("client_id", payload.ClientID),
		slog.String("total_amount", payload.TotalAmount),
		slog.Int("orders", payload.OrderCount),
	)
	return nil
}
