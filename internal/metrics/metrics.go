// Package metrics defines the Prometheus collectors for the scan service and
// exposes the scrape endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for both binaries.
type Metrics struct {
	ScansSubmittedTotal    *prometheus.CounterVec
	RequestsCompletedTotal *prometheus.CounterVec
	RecognitionCallsTotal  *prometheus.CounterVec
	ComputationCacheHits   prometheus.Counter
	ComputationCacheMisses prometheus.Counter
	ReconcileRunsTotal     *prometheus.CounterVec
	FanoutRequests         prometheus.Histogram
	StaleComputations      prometheus.Gauge
}

// New creates and registers all collectors on reg (or the default registerer
// when reg is nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		ScansSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_submissions_total",
				Help: "Scan submissions by outcome (accepted, rejected, completed_inline).",
			},
			[]string{"outcome"},
		),
		RequestsCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scan_requests_completed_total",
				Help: "Scan requests completed, by match result.",
			},
			[]string{"matched"},
		),
		RecognitionCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "recognition_calls_total",
				Help: "External recognition invocations by status (ok, error).",
			},
			[]string{"status"},
		),
		ComputationCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "computation_cache_hits_total",
				Help: "Triggers resolved from an already-completed computation.",
			},
		),
		ComputationCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "computation_cache_misses_total",
				Help: "Triggers that had to create a new computation.",
			},
		),
		ReconcileRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_runs_total",
				Help: "Reconciliation runs by outcome (computed, cached, race_loss, error).",
			},
			[]string{"outcome"},
		),
		FanoutRequests: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "reconcile_fanout_requests",
				Help:    "Pending requests completed per reconciliation fan-out.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
			},
		),
		StaleComputations: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "stale_computations",
				Help: "Computations stuck in processing beyond the stale threshold.",
			},
		),
	}

	reg.MustRegister(
		m.ScansSubmittedTotal,
		m.RequestsCompletedTotal,
		m.RecognitionCallsTotal,
		m.ComputationCacheHits,
		m.ComputationCacheMisses,
		m.ReconcileRunsTotal,
		m.FanoutRequests,
		m.StaleComputations,
	)
	return m
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
