// Package metrics defines the Prometheus collectors exported by the
// coordinator and the HTTP layer.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "infusion"

// Outcome label values for OperationsTotal.
const (
	OutcomeOK         = "ok"
	OutcomeNotFound   = "not_found"
	OutcomeConflict   = "conflict"
	OutcomeBadRequest = "bad_request"
	OutcomeError      = "error"
)

// Metrics groups every collector so it can be passed around as one value
// and registered against a test registry.
type Metrics struct {
	OperationsTotal   *prometheus.CounterVec
	StockAlertsTotal  *prometheus.CounterVec
	TxRetriesTotal    *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	HTTPRequestsTotal *prometheus.CounterVec
	HTTPDuration      *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		OperationsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coordinator_operations_total",
			Help:      "Coordinator operations by name and outcome.",
		}, []string{"operation", "outcome"}),
		StockAlertsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_alerts_total",
			Help:      "Administrations that left a medication at or below its minimum stock.",
		}, []string{"medication"}),
		TxRetriesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transaction_retries_total",
			Help:      "Transactions re-run after a transient lock failure.",
		}, []string{"operation"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_minutes",
			Help:      "Duration of finished chair sessions.",
			Buckets:   []float64{15, 30, 45, 60, 90, 120, 180, 240, 360},
		}),
		HTTPRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// NewUnregistered is a convenience for callers that do not export metrics.
func NewUnregistered() *Metrics { return New(prometheus.NewRegistry()) }
