// Package metrics exposes the controller's Prometheus collectors: a
// package-level set of Gauge/Counter/Histogram vars registered in
// init(), plus a small Timer helper for histogram observation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	JobsByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobrunner_jobs_by_state",
			Help: "Number of Jobs currently in each (state, status_code) pair",
		},
		[]string{"state", "status_code"},
	)

	RunLoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_run_loop_tick_duration_seconds",
			Help:    "Time taken to process one run loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	RunLoopTicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_run_loop_ticks_total",
			Help: "Total number of run loop ticks completed",
		},
	)

	SyncLoopTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_sync_loop_tick_duration_seconds",
			Help:    "Time taken to process one sync loop tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	SyncLoopRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_sync_loop_requests_total",
			Help: "Coordination server HTTP requests by verb and outcome",
		},
		[]string{"verb", "outcome"},
	)

	WorkerBudgetInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "jobrunner_worker_budget_in_use",
			Help: "Sum of active-Job weights currently counted against MAX_WORKERS",
		},
	)

	JobTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobrunner_job_transitions_total",
			Help: "Total Job status_code transitions, by the status being left",
		},
		[]string{"from_status_code"},
	)

	ExecutorRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobrunner_executor_retries_total",
			Help: "Total transient ExecutorRetry conditions observed",
		},
	)

	ExpansionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "jobrunner_expansion_duration_seconds",
			Help:    "Time taken by CreateOrUpdateJobs per JobRequest",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsByState,
		RunLoopTickDuration,
		RunLoopTicksTotal,
		SyncLoopTickDuration,
		SyncLoopRequestsTotal,
		WorkerBudgetInUse,
		JobTransitionsTotal,
		ExecutorRetriesTotal,
		ExpansionDuration,
	)
}

// Handler returns the Prometheus HTTP handler for mounting on the
// controller's health/metrics server.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
