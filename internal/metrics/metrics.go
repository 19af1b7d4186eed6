package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Terminal decisions applied to candidate reports.
	ReconcileDecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_report_decisions_total",
			Help: "Total number of reconciliation decisions applied",
		},
		[]string{"decision", "reason"},
	)

	ReconcileAnomalyCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_report_anomalies_total",
			Help: "Total number of reconciliation anomalies flagged for review",
		},
		[]string{"kind"},
	)

	// Messages left unconsumed because no report could be extracted.
	ExtractionFailureCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pos_report_extraction_failures_total",
			Help: "Total number of messages whose report could not be extracted",
		},
		[]string{"cause"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pos_report_batch_duration_seconds",
			Help:    "Batch run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"status"},
	)

	SheetSyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pos_report_sheet_sync_duration_seconds",
			Help:    "Sheet projection push duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "path", "status"},
	)
)

func IncrementDecision(decision, reason string) {
	ReconcileDecisionCount.WithLabelValues(decision, reason).Inc()
}

func IncrementAnomaly(kind string) {
	ReconcileAnomalyCount.WithLabelValues(kind).Inc()
}

func IncrementExtractionFailure(cause string) {
	ExtractionFailureCount.WithLabelValues(cause).Inc()
}

func RecordBatchDuration(status string, duration time.Duration) {
	BatchDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func RecordSheetSyncDuration(status string, duration time.Duration) {
	SheetSyncDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordHTTPRequestDuration records one served request.
func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}
