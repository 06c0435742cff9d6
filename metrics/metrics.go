// Package metrics bundles the Prometheus collectors shared by every pipeline stage.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the analysis pipeline.
type Metrics struct {
	Registry             *prometheus.Registry
	RequestsTotal        *prometheus.CounterVec
	RequestDuration      *prometheus.HistogramVec
	ErrorsTotal          *prometheus.CounterVec
	RunsTotal            *prometheus.CounterVec
	CommentFailuresTotal prometheus.Counter
	PoolTasksTotal       prometheus.Counter
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_remote_requests_total",
			Help: "Total remote calls issued, by source.",
		},
		[]string{"source"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "insights_remote_request_duration_seconds",
			Help:    "Remote call latency, by source.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"source"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_errors_total",
			Help: "Total remote call errors by source and type.",
		},
		[]string{"source", "error_type"},
	)
	runs := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "insights_runs_total",
			Help: "Analysis requests by outcome.",
		},
		[]string{"outcome"},
	)
	commentFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_comment_fetch_failures_total",
			Help: "Posts whose comment fetch degraded to an empty list.",
		},
	)
	poolTasks := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "insights_pool_tasks_total",
			Help: "Tasks executed by the shared enrichment pool.",
		},
	)

	registry.MustRegister(requests, requestDuration, errorsTotal, runs, commentFailures, poolTasks)

	return &Metrics{
		Registry:             registry,
		RequestsTotal:        requests,
		RequestDuration:      requestDuration,
		ErrorsTotal:          errorsTotal,
		RunsTotal:            runs,
		CommentFailuresTotal: commentFailures,
		PoolTasksTotal:       poolTasks,
	}
}

// ObserveRequest counts one remote call and records its duration.
func (m *Metrics) ObserveRequest(source string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(source).Inc()
	m.RequestDuration.WithLabelValues(source).Observe(d.Seconds())
}

// IncError increments the errors counter for a source and type label.
func (m *Metrics) IncError(source, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(source, errorType).Inc()
}

// IncRun increments the runs counter for an outcome.
func (m *Metrics) IncRun(outcome string) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(outcome).Inc()
}

// IncCommentFailure increments the degraded comment fetch counter.
func (m *Metrics) IncCommentFailure() {
	if m == nil {
		return
	}
	m.CommentFailuresTotal.Inc()
}

// IncPoolTask increments the executed pool task counter.
func (m *Metrics) IncPoolTask() {
	if m == nil {
		return
	}
	m.PoolTasksTotal.Inc()
}
