// Package metrics provides Prometheus metrics for the bot host.
// Exports HTTP, bot lifecycle, container engine, and log streaming metrics.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bothost"

var (
	once     sync.Once
	instance *Metrics
)

// Metrics holds all Prometheus metric collectors
type Metrics struct {
	// HTTP Metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge
	HTTPResponseSize     *prometheus.HistogramVec

	// Bot Lifecycle Metrics
	BotOperationsTotal   *prometheus.CounterVec
	BotOperationDuration *prometheus.HistogramVec
	BotsByStatus         *prometheus.GaugeVec
	ReconcileTransitions *prometheus.CounterVec

	// Container Engine Metrics
	EngineOperationsTotal   *prometheus.CounterVec
	EngineOperationDuration *prometheus.HistogramVec
	BuildFailuresTotal      *prometheus.CounterVec
	EngineUp                prometheus.Gauge

	// Log Stream Metrics
	LogStreamsActive prometheus.Gauge
	LogLinesTotal    prometheus.Counter

	// Upload Metrics
	UploadsTotal *prometheus.CounterVec
	UploadBytes  *prometheus.HistogramVec

	// Database Metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// System Metrics
	BuildInfo    *prometheus.GaugeVec
	StartupTime  prometheus.Gauge
	GoroutineNum prometheus.Gauge
}

// Get returns the singleton Metrics instance
func Get() *Metrics {
	once.Do(func() {
		instance = newMetrics()
	})
	return instance
}

func newMetrics() *Metrics {
	m := &Metrics{}

	m.HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by endpoint, method, and status code",
		},
		[]string{"endpoint", "method", "status"},
	)

	m.HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "method"},
	)

	m.HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Current number of HTTP requests being processed",
		},
	)

	m.HTTPResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"endpoint"},
	)

	m.BotOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "operations_total",
			Help:      "Bot lifecycle operations by operation and result",
		},
		[]string{"operation", "result"},
	)

	m.BotOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "operation_duration_seconds",
			Help:      "Bot lifecycle operation duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"operation"},
	)

	m.BotsByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "by_status",
			Help:      "Number of bots in each recorded status",
		},
		[]string{"status"},
	)

	m.ReconcileTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bots",
			Name:      "reconcile_transitions_total",
			Help:      "Status corrections made by reconciliation",
		},
		[]string{"from", "to"},
	)

	m.EngineOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operations_total",
			Help:      "Container engine calls by operation and result",
		},
		[]string{"operation", "result"},
	)

	m.EngineOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "operation_duration_seconds",
			Help:      "Container engine call duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"operation"},
	)

	m.BuildFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "build_failures_total",
			Help:      "Build steps that exited non-zero, by runtime",
		},
		[]string{"runtime"},
	)

	m.EngineUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "up",
			Help:      "1 if the last container engine ping succeeded",
		},
	)

	m.LogStreamsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "streams_active",
			Help:      "Number of open log stream subscriptions",
		},
	)

	m.LogLinesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "lines_total",
			Help:      "Log lines delivered to subscribers",
		},
	)

	m.UploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "uploads_total",
			Help:      "Source uploads by kind and result",
		},
		[]string{"kind", "result"},
	)

	m.UploadBytes = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "upload_bytes",
			Help:      "Size of stored uploads in bytes",
			Buckets:   prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"kind"},
	)

	m.DBConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_active",
			Help:      "Database connections in use",
		},
	)

	m.DBConnectionsIdle = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "db",
			Name:      "connections_idle",
			Help:      "Idle database connections",
		},
	)

	m.BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "build_info",
			Help:      "Build information",
		},
		[]string{"version", "commit", "build_date"},
	)

	m.StartupTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "startup_time_seconds",
			Help:      "Unix timestamp of server startup",
		},
	)

	m.GoroutineNum = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "system",
			Name:      "goroutines",
			Help:      "Number of goroutines",
		},
	)

	m.StartupTime.Set(float64(time.Now().Unix()))

	return m
}

// RecordHTTPRequest records an HTTP request metric
func (m *Metrics) RecordHTTPRequest(endpoint, method string, statusCode int, duration time.Duration, responseSize int) {
	status := statusCodeToLabel(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(endpoint, method, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
	m.HTTPResponseSize.WithLabelValues(endpoint).Observe(float64(responseSize))
}

// RecordBotOperation records a lifecycle operation and its outcome
func (m *Metrics) RecordBotOperation(operation string, duration time.Duration, err error) {
	m.BotOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	m.BotOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordEngineOperation records a container engine call
func (m *Metrics) RecordEngineOperation(operation string, duration time.Duration, err error) {
	m.EngineOperationsTotal.WithLabelValues(operation, resultLabel(err)).Inc()
	m.EngineOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordBuildFailure counts a failed build step
func (m *Metrics) RecordBuildFailure(runtime string) {
	m.BuildFailuresTotal.WithLabelValues(runtime).Inc()
}

// RecordReconcileTransition counts a status correction
func (m *Metrics) RecordReconcileTransition(from, to string) {
	m.ReconcileTransitions.WithLabelValues(from, to).Inc()
}

// SetEngineUp records the outcome of an engine health check
func (m *Metrics) SetEngineUp(up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	m.EngineUp.Set(value)
}

// LogStreamOpened increments the active stream gauge
func (m *Metrics) LogStreamOpened() { m.LogStreamsActive.Inc() }

// LogStreamClosed decrements the active stream gauge
func (m *Metrics) LogStreamClosed() { m.LogStreamsActive.Dec() }

// RecordUpload records a stored upload
func (m *Metrics) RecordUpload(kind string, bytes int64, err error) {
	m.UploadsTotal.WithLabelValues(kind, resultLabel(err)).Inc()
	if err == nil {
		m.UploadBytes.WithLabelValues(kind).Observe(float64(bytes))
	}
}

// UpdateBotsByStatus sets the bot count for one status
func (m *Metrics) UpdateBotsByStatus(status string, count int64) {
	m.BotsByStatus.WithLabelValues(status).Set(float64(count))
}

// SetBuildInfo sets build information
func (m *Metrics) SetBuildInfo(version, commit, buildDate string) {
	m.BuildInfo.WithLabelValues(version, commit, buildDate).Set(1)
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// Helper function to convert status code to label
func statusCodeToLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
