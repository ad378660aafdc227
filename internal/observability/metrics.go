// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Task metrics
	TasksStarted    prometheus.Counter
	TasksTerminated *prometheus.CounterVec
	TaskDuration    *prometheus.HistogramVec
	EarlyExits      *prometheus.CounterVec

	// Filter chain metrics
	FilterEvaluations *prometheus.CounterVec
	FilterExclusions  *prometheus.CounterVec
	ChainDuration     prometheus.Histogram
	ValidTrades       prometheus.Counter

	// Coordinator metrics
	SymbolAdditions   *prometheus.CounterVec
	TasksMaterialized prometheus.Counter
	ActiveExecutions  prometheus.Gauge

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Progress store metrics
	ProgressWriteLatency prometheus.Histogram
	ProgressLockWaits    prometheus.Counter

	// Notification metrics
	WebhookDeliveries *prometheus.CounterVec

	// Health metrics
	LastSuccessfulExecution prometheus.Gauge
	UptimeSeconds           prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "leverage_lab"
	}

	return &Metrics{
		// Task metrics
		TasksStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "started_total",
			Help:      "Total number of analysis tasks started",
		}),
		TasksTerminated: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "terminated_total",
			Help:      "Total number of task terminal events by outcome",
		}, []string{"outcome"}),
		TaskDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"outcome"}),
		EarlyExits: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "early_exits_total",
			Help:      "Total number of early exits by stage and reason",
		}, []string{"stage", "reason"}),

		// Filter chain metrics
		FilterEvaluations: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filterchain",
			Name:      "evaluations_total",
			Help:      "Total number of filter executions by filter name",
		}, []string{"filter"}),
		FilterExclusions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filterchain",
			Name:      "exclusions_total",
			Help:      "Total number of evaluation points excluded by filter name",
		}, []string{"filter"}),
		ChainDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "filterchain",
			Name:      "batch_duration_seconds",
			Help:      "Filter chain batch execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ValidTrades: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "filterchain",
			Name:      "valid_trades_total",
			Help:      "Total number of evaluation points that passed every filter",
		}),

		// Coordinator metrics
		SymbolAdditions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "symbol_additions_total",
			Help:      "Total number of symbol-addition requests by mode and result",
		}, []string{"mode", "result"}),
		TasksMaterialized: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "tasks_materialized_total",
			Help:      "Total number of pending task rows pre-materialized",
		}),
		ActiveExecutions: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "coordinator",
			Name:      "active_executions",
			Help:      "Number of executions currently running",
		}),

		// Database metrics
		DBQueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Progress store metrics
		ProgressWriteLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "write_latency_seconds",
			Help:      "Progress record write latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ProgressLockWaits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "progress",
			Name:      "lock_waits_total",
			Help:      "Total number of contended progress record lock acquisitions",
		}),

		// Notification metrics
		WebhookDeliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook delivery attempts by result",
		}, []string{"result"}),

		// Health metrics
		LastSuccessfulExecution: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_execution_timestamp",
			Help:      "Unix timestamp of the last execution that settled SUCCESS",
		}),
		UptimeSeconds: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "uptime_seconds_total",
			Help:      "Total uptime in seconds",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordTaskStarted increments the tasks started counter.
func RecordTaskStarted() {
	DefaultMetrics.TasksStarted.Inc()
}

// RecordTaskTerminated records one task terminal event.
func RecordTaskTerminated(outcome string, durationSeconds float64) {
	DefaultMetrics.TasksTerminated.WithLabelValues(outcome).Inc()
	DefaultMetrics.TaskDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordEarlyExit records one early exit by stage and reason.
func RecordEarlyExit(stage, reason string) {
	DefaultMetrics.EarlyExits.WithLabelValues(stage, reason).Inc()
}

// RecordFilterResult records one filter execution and its verdict.
func RecordFilterResult(filter string, passed bool) {
	DefaultMetrics.FilterEvaluations.WithLabelValues(filter).Inc()
	if !passed {
		DefaultMetrics.FilterExclusions.WithLabelValues(filter).Inc()
	}
}

// RecordChainRun records one filter chain batch.
func RecordChainRun(durationSeconds float64, validTrades int) {
	DefaultMetrics.ChainDuration.Observe(durationSeconds)
	DefaultMetrics.ValidTrades.Add(float64(validTrades))
}

// RecordSymbolAddition records one symbol-addition request outcome.
func RecordSymbolAddition(mode, result string) {
	DefaultMetrics.SymbolAdditions.WithLabelValues(mode, result).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}

// RecordExecutionSuccess stamps the time of the last execution that
// settled SUCCESS.
func RecordExecutionSuccess() {
	DefaultMetrics.LastSuccessfulExecution.SetToCurrentTime()
}

// RecordUptime accumulates service uptime.
func RecordUptime(seconds float64) {
	DefaultMetrics.UptimeSeconds.Add(seconds)
}

// RecordProgressWrite records one progress record write.
func RecordProgressWrite(seconds float64) {
	DefaultMetrics.ProgressWriteLatency.Observe(seconds)
}

// RecordWebhookDelivery records one webhook delivery attempt.
func RecordWebhookDelivery(result string) {
	DefaultMetrics.WebhookDeliveries.WithLabelValues(result).Inc()
}
