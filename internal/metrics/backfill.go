package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric exported by the backfill worker.
const Namespace = "backfill"

// Backfill pipeline Prometheus metrics.
var (
	PassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "passes_total",
			Help:      "Backfill passes by result",
		},
		[]string{"result"}, // "ok" / "error" / "cancelled"
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "pass_duration_seconds",
			Help:      "Duration of one backfill pass",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
	)

	DocumentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "documents_total",
			Help:      "Documents handled by outcome",
		},
		// completed / skipped_empty / skipped_ineligible / generation_failed / commit_failed / marked_failed / panic
		[]string{"outcome"},
	)

	DiscoveryErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "discovery_errors_total",
			Help:      "Discovery queries that failed and were treated as an empty batch",
		},
	)

	CommitFallbackFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "commit_fallback_failures_total",
			Help:      "Failed attempts to mark a document failed after its vector update failed",
		},
	)

	PassErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "pass_errors_total",
			Help:      "Errors and panics escaping a pass in continuous mode",
		},
	)

	LastPassTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "last_pass_timestamp_seconds",
			Help:      "Unix time of the last finished pass",
		},
	)
)

var backfillMetricsOnce sync.Once

// RegisterBackfillMetrics registers the pipeline metrics. Safe to call more than once.
func RegisterBackfillMetrics() {
	backfillMetricsOnce.Do(func() {
		prometheus.MustRegister(
			PassesTotal,
			PassDuration,
			DocumentsTotal,
			DiscoveryErrorsTotal,
			CommitFallbackFailuresTotal,
			PassErrorsTotal,
			LastPassTimestamp,
		)
	})
}
