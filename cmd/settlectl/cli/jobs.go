package cli

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/ordersettle/jobs"
)

// JobsCLI wraps manual management helpers for the task queue.
type JobsCLI struct {
	client    *jobs.Client
	inspector *asynq.Inspector
}

// NewJobsCLI initialises the CLI helpers against the queue's Redis.
func NewJobsCLI(opts asynq.RedisClientOpt) *JobsCLI {
	return &JobsCLI{
		client:    jobs.NewClient(opts, nil),
		inspector: asynq.NewInspector(opts),
	}
}

// Close releases underlying resources.
func (c *JobsCLI) Close() error {
	var err error
	if c.inspector != nil {
		if closeErr := c.inspector.Close(); closeErr != nil {
			err = closeErr
		}
	}
	if c.client != nil {
		if closeErr := c.client.Close(); closeErr != nil {
			err = closeErr
		}
	}
	return err
}

// EnqueueSettlement submits an asynchronous settlement run.
func (c *JobsCLI) EnqueueSettlement(ctx context.Context, payload jobs.SettlementRunPayload) (*asynq.TaskInfo, error) {
	if c == nil || c.client == nil {
		return nil, errors.New("jobs cli: client not configured")
	}
	return c.client.EnqueueSettlementRun(ctx, payload)
}

// QueueStats summarises the current queue state.
type QueueStats struct {
	Queue     string `json:"queue"`
	Pending   int    `json:"pending"`
	Active    int    `json:"active"`
	Scheduled int    `json:"scheduled"`
	Retry     int    `json:"retry"`
	Archived  int    `json:"archived"`
}

// InspectQueue reports the queue metrics for the default queue.
func (c *JobsCLI) InspectQueue(ctx context.Context) (QueueStats, error) {
	if c == nil || c.inspector == nil {
		return QueueStats{}, errors.New("jobs cli: inspector not configured")
	}
	info, err := c.inspector.GetQueueInfo(jobs.QueueDefault)
	if err != nil {
		return QueueStats{}, err
	}
	stats := QueueStats{Queue: jobs.QueueDefault}
	if info != nil {
		stats.Pending = info.Pending
		stats.Active = info.Active
		stats.Scheduled = info.Scheduled
		stats.Retry = info.Retry
		stats.Archived = info.Archived
	}
	return stats, nil
}
