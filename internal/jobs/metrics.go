package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for imports, settlement runs and
// background jobs.
type Metrics struct {
	runs       *prometheus.CounterVec
	failures   *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	ingested   *prometheus.CounterVec
	settlement *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the collectors against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddIngested counts imported order rows by outcome (stored, abnormal, failed).
func (m *Metrics) AddIngested(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.ingested.WithLabelValues(outcome).Add(float64(count))
}

// AddSettled counts orders leaving a settlement run by outcome (cancelled,
// calculated, skipped, settled).
func (m *Metrics) AddSettled(outcome string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.settlement.WithLabelValues(outcome).Add(float64(count))
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersettle_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersettle_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ordersettle_job_duration_seconds",
		Help:    "Duration in seconds of job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	ingested := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersettle_orders_ingested_total",
		Help: "Imported order rows grouped by outcome.",
	}, []string{"outcome"})
	settlement := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ordersettle_settlement_orders_total",
		Help: "Orders processed by settlement grouped by outcome.",
	}, []string{"outcome"})
	registerer.MustRegister(runs, failures, duration, ingested, settlement)
	return &Metrics{runs: runs, failures: failures, duration: duration, ingested: ingested, settlement: settlement}
}
