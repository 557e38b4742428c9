// Package metrics exposes the telemetry pipeline's own operational metrics
// (distinct from the Event/PropertyValue telemetry the SDK collects on
// behalf of its host application). Two stores coexist:
//
//  1. The in-process Metrics struct (metrics.go) for a lightweight JSON
//     /metrics endpoint a host application can poll without standing up
//     Prometheus.
//  2. A Prometheus registry (this file) for scraping by external monitoring
//     systems.
//
// # Concurrency — hot path
//
// RecordStored/RecordDropped/RecordUploadAttempt run on the single pipeline
// goroutine and are not a contention hot path, but they still use the
// same atomic-counter-plus-Prometheus-bridge shape for consistency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps prometheus collectors for the telemetry pipeline.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	recordsStoredTotal    *prometheus.CounterVec
	recordsDroppedTotal   *prometheus.CounterVec
	recordsDeliveredTotal *prometheus.CounterVec
	uploadAttemptsTotal   *prometheus.CounterVec

	uploadDuration *prometheus.HistogramVec

	storageBytes        *prometheus.GaugeVec
	inflightUploads     prometheus.Gauge
	tenantBackoffSec    *prometheus.GaugeVec
	circuitBreakerState *prometheus.GaugeVec

	uptime prometheus.GaugeFunc
}

// Default histogram buckets for upload duration (in milliseconds).
var defaultBuckets = []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

var promMetrics *PrometheusMetrics

// InitPrometheus initializes the Prometheus metrics subsystem.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		recordsStoredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_stored_total",
				Help:      "Total events persisted to offline storage",
			},
			[]string{"tenant"},
		),

		recordsDroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_dropped_total",
				Help:      "Total records dropped before delivery (overflow eviction or retry exhaustion)",
			},
			[]string{"tenant", "reason"},
		),

		recordsDeliveredTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_delivered_total",
				Help:      "Total records acknowledged by a collector",
			},
			[]string{"tenant"},
		),

		uploadAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upload_attempts_total",
				Help:      "Total upload attempts by outcome",
			},
			[]string{"tenant", "result"},
		),

		uploadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upload_duration_milliseconds",
				Help:      "Duration of upload requests in milliseconds",
				Buckets:   buckets,
			},
			[]string{"tenant"},
		),

		storageBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "storage_bytes",
				Help:      "Current offline storage size in bytes by backend",
			},
			[]string{"backend"},
		),

		inflightUploads: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "inflight_uploads",
				Help:      "Number of uploads currently in flight across all tenants",
			},
		),

		tenantBackoffSec: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "tenant_backoff_seconds",
				Help:      "Current backoff interval for a tenant's next upload attempt",
			},
			[]string{"tenant"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Current circuit breaker state for a tenant (0=closed, 1=open, 2=half_open)",
			},
			[]string{"tenant"},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the telemetry pipeline started",
		},
		func() float64 {
			return time.Since(StartTime()).Seconds()
		},
	)

	registry.MustRegister(
		pm.recordsStoredTotal,
		pm.recordsDroppedTotal,
		pm.recordsDeliveredTotal,
		pm.uploadAttemptsTotal,
		pm.uploadDuration,
		pm.storageBytes,
		pm.inflightUploads,
		pm.tenantBackoffSec,
		pm.circuitBreakerState,
		pm.uptime,
	)

	promMetrics = pm
}

// RecordPrometheusStored records a record being persisted to offline storage.
func RecordPrometheusStored(tenant string) {
	if promMetrics == nil {
		return
	}
	promMetrics.recordsStoredTotal.WithLabelValues(tenant).Inc()
}

// RecordPrometheusDropped records records being dropped before delivery.
func RecordPrometheusDropped(tenant, reason string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.recordsDroppedTotal.WithLabelValues(tenant, reason).Add(float64(count))
}

// RecordPrometheusDelivered records records acknowledged by a collector.
func RecordPrometheusDelivered(tenant string, count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.recordsDeliveredTotal.WithLabelValues(tenant).Add(float64(count))
}

// RecordPrometheusUploadAttempt records the outcome and duration of one
// upload attempt.
func RecordPrometheusUploadAttempt(tenant, result string, durationMs int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.uploadAttemptsTotal.WithLabelValues(tenant, result).Inc()
	promMetrics.uploadDuration.WithLabelValues(tenant).Observe(float64(durationMs))
}

// SetStorageBytes sets the current offline storage size gauge for a backend.
func SetStorageBytes(backend string, bytes int64) {
	if promMetrics == nil {
		return
	}
	promMetrics.storageBytes.WithLabelValues(backend).Set(float64(bytes))
}

// SetInflightUploads sets the number of in-flight uploads across all tenants.
func SetInflightUploads(count int) {
	if promMetrics == nil {
		return
	}
	promMetrics.inflightUploads.Set(float64(count))
}

// SetTenantBackoffSeconds sets the current backoff interval for a tenant.
func SetTenantBackoffSeconds(tenant string, seconds float64) {
	if promMetrics == nil {
		return
	}
	promMetrics.tenantBackoffSec.WithLabelValues(tenant).Set(seconds)
}

// SetCircuitBreakerState sets the circuit breaker state gauge for a tenant.
// state: 0=closed, 1=open, 2=half_open.
func SetCircuitBreakerState(tenant string, state int) {
	if promMetrics == nil {
		return
	}
	promMetrics.circuitBreakerState.WithLabelValues(tenant).Set(float64(state))
}

// PrometheusHandler returns an HTTP handler for Prometheus metrics scraping.
func PrometheusHandler() http.Handler {
	if promMetrics == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("prometheus metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(promMetrics.registry, promhttp.HandlerOpts{})
}

// PrometheusRegistry returns the prometheus registry (for custom collectors).
func PrometheusRegistry() *prometheus.Registry {
	if promMetrics == nil {
		return nil
	}
	return promMetrics.registry
}
