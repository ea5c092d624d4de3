package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ordersettle/internal/settlement"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskSettlementRun prices waiting orders for a closed date range.
	TaskSettlementRun = "settlement:run"
	// TaskCommissionSettlementCreated tells the commission module about a new record.
	TaskCommissionSettlementCreated = "commission:settlement_created"
)

// SettlementRunPayload selects the dates to settle. Empty dates mean yesterday.
type SettlementRunPayload struct {
	Start    string `json:"start,omitempty"`
	End      string `json:"end,omitempty"`
	ClientID *int64 `json:"client_id,omitempty"`
}

// NewSettlementRunTask constructs an Asynq task for a settlement run.
func NewSettlementRunTask(payload SettlementRunPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSettlementRun, body, asynq.Queue(QueueDefault)), nil
}

// CommissionPayload describes a committed settlement record.
type CommissionPayload struct {
	RecordID    string    `json:"record_id"`
	ClientID    int64     `json:"client_id"`
	StartDate   string    `json:"start_date"`
	EndDate     string    `json:"end_date"`
	TotalAmount string    `json:"total_amount"`
	OrderCount  int       `json:"order_count"`
	CreatedBy   string    `json:"created_by"`
	CreatedAt   time.Time `json:"created_at"`
}

// NewCommissionTask constructs the post-settlement commission notification.
func NewCommissionTask(rec settlement.Record) (*asynq.Task, error) {
	body, err := json.Marshal(CommissionPayload{
		RecordID:    rec.ID,
		ClientID:    rec.ClientID,
		StartDate:   rec.StartDate.Format("2006-01-02"),
		EndDate:     rec.EndDate.Format("2006-01-02"),
		TotalAmount: rec.TotalAmount.String(),
		OrderCount:  rec.OrderCount,
		CreatedBy:   rec.CreatedBy,
		CreatedAt:   rec.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskCommissionSettlementCreated, body, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}
