package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	jobmetrics "github.com/odyssey-erp/ordersettle/internal/jobs"
	"github.com/odyssey-erp/ordersettle/internal/settlement"
)

type fakeSettler struct {
	ranges  []settlement.Range
	clients []*int64
	err     error
}

func (f *fakeSettler) Settle(_ context.Context, r settlement.Range, clientID *int64) (settlement.Stats, error) {
	f.ranges = append(f.ranges, r)
	f.clients = append(f.clients, clientID)
	return settlement.Stats{Processed: 1, Calculated: 1}, f.err
}

func (f *fakeSettler) Yesterday() time.Time {
	return time.Date(2024, 5, 11, 0, 0, 0, 0, time.UTC)
}

func (f *fakeSettler) Location() *time.Location {
	return time.UTC
}

func newJob(s Settler) *SettlementRunJob {
	return NewSettlementRunJob(s, nil, jobmetrics.NewMetrics(prometheus.NewRegistry()))
}

func TestSettlementRunDefaultsToYesterday(t *testing.T) {
	settler := &fakeSettler{}
	task, err := NewSettlementRunTask(SettlementRunPayload{})
	require.NoError(t, err)

	require.NoError(t, newJob(settler).Handle(context.Background(), task))
	require.Len(t, settler.ranges, 1)
	require.Equal(t, settler.Yesterday(), settler.ranges[0].Start)
	require.Equal(t, settler.Yesterday(), settler.ranges[0].End)
	require.Nil(t, settler.clients[0])
}

func TestSettlementRunExplicitRange(t *testing.T) {
	settler := &fakeSettler{}
	client := int64(42)
	task, err := NewSettlementRunTask(SettlementRunPayload{Start: "2024-05-01", End: "2024-05-03", ClientID: &client})
	require.NoError(t, err)

	require.NoError(t, newJob(settler).Handle(context.Background(), task))
	require.Equal(t, 3, settler.ranges[0].Days())
	require.Equal(t, int64(42), *settler.clients[0])
}

func TestSettlementRunSkipsRetryOnBadInput(t *testing.T) {
	job := newJob(&fakeSettler{})
	err := job.Handle(context.Background(), asynq.NewTask(TaskSettlementRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	task, _ := NewSettlementRunTask(SettlementRunPayload{Start: "yesterday"})
	require.ErrorIs(t, job.Handle(context.Background(), task), asynq.SkipRetry)

	invalid := newJob(&fakeSettler{err: settlement.ErrSameDaySettlement})
	task, _ = NewSettlementRunTask(SettlementRunPayload{})
	require.ErrorIs(t, invalid.Handle(context.Background(), task), asynq.SkipRetry)
}

func TestSettlementRunRetriesWhenLocked(t *testing.T) {
	job := newJob(&fakeSettler{err: settlement.ErrLocked})
	task, _ := NewSettlementRunTask(SettlementRunPayload{})
	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, settlement.ErrLocked)
	require.False(t, errors.Is(err, asynq.SkipRetry))
}

func TestCommissionTaskPayload(t *testing.T) {
	rec := settlement.Record{
		ID:          "ST20240510ABCDEF12",
		ClientID:    42,
		StartDate:   time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		EndDate:     time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC),
		TotalAmount: decimal.RequireFromString("48.50"),
		OrderCount:  2,
		CreatedBy:   "admin-7",
	}
	task, err := NewCommissionTask(rec)
	require.NoError(t, err)
	require.Equal(t, TaskCommissionSettlementCreated, task.Type())

	var payload CommissionPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.Equal(t, "48.5", payload.TotalAmount)
	require.Equal(t, "2024-05-10", payload.EndDate)

	require.NoError(t, NewCommissionNotifyJob(nil).Handle(context.Background(), task))
	require.ErrorIs(t, NewCommissionNotifyJob(nil).Handle(context.Background(), asynq.NewTask(TaskCommissionSettlementCreated, []byte(`{}`))), asynq.SkipRetry)
}

func TestHealthWithoutInspector(t *testing.T) {
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(nil, nil).MountRoutes)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"queue":"default","pending":0}`, rr.Body.String())
}
