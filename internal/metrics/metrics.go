// Package metrics defines the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Scans
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_scans_total",
			Help: "Total number of sharing detection scans",
		},
		[]string{"scan_type", "result"}, // manual|automatic, success|failed|rejected
	)

	ScanDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sharing_scan_duration_seconds",
			Help:    "Duration of sharing detection scans",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"scan_type"},
	)

	ScanRunning = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharing_scan_running",
			Help: "1 while a scan is in progress",
		},
	)

	DetectionsSaved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_detections_saved_total",
			Help: "Detection records persisted to history",
		},
		[]string{"suspicion_level"},
	)

	SessionsAnalyzed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sharing_sessions_analyzed",
			Help: "Sessions analyzed by the most recent live analysis",
		},
	)

	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sharing_history_retention_deleted_total",
			Help: "History records removed by the retention sweep",
		},
	)

	// NAS
	NasQueryFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_nas_query_failures_total",
			Help: "Failed session queries per NAS",
		},
		[]string{"nas"},
	)

	RuleOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_ttl_rule_operations_total",
			Help: "TTL mangle rule operations",
		},
		[]string{"operation", "result"}, // generate|remove, success|partial|failed
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mikrotik_circuit_breaker_state",
			Help: "Circuit breaker state per NAS (0=closed, 1=half-open, 2=open)",
		},
		[]string{"nas"},
	)

	// HTTP
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sharing_http_requests_total",
			Help: "HTTP requests by route and status",
		},
		[]string{"method", "route", "status"},
	)
)
