package diag

import (
	"github.com/dipatid/cpp-client-telemetry/internal/metrics"
)

// MetricsObserver records every notification to the in-process + Prometheus
// metrics store.
type MetricsObserver struct {
	m *metrics.Metrics
}

// NewMetricsObserver wraps a *metrics.Metrics as an Observer. Passing
// metrics.Global() wires the default process-wide store.
func NewMetricsObserver(m *metrics.Metrics) *MetricsObserver {
	return &MetricsObserver{m: m}
}

func (o *MetricsObserver) OnStorageOpened(backend string) {
	// Storage size is reported separately via SetStorageBytes on each
	// write; opening a backend has nothing to count here.
}

func (o *MetricsObserver) OnStorageRecordsDropped(ids []string) {
	o.m.RecordDropped("", "storage_overflow", len(ids))
}

func (o *MetricsObserver) OnTransportError(tenant string, statusCode int, err error) {
	o.m.RecordUploadAttempt(tenant, "network_failure", 0, 0, false)
}

func (o *MetricsObserver) OnRetryExhausted(tenant string, ids []string) {
	o.m.RecordDropped(tenant, "retry_exhausted", len(ids))
}

func (o *MetricsObserver) OnRecordsPoisoned(tenant string, statusCode int, ids []string) {
	o.m.RecordDropped(tenant, "poisoned", len(ids))
}

func (o *MetricsObserver) OnTenantPaused(tenant string) {
	metrics.SetCircuitBreakerState(tenant, 1)
}

func (o *MetricsObserver) OnTenantResumed(tenant string) {
	metrics.SetCircuitBreakerState(tenant, 0)
}
