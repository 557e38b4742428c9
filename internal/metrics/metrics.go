// Package metrics collects and exposes telemetry pipeline observability
// data — how the SDK itself is behaving, not the Event data it is
// transporting on behalf of its host application.
//
// # Concurrency
//
// Every Record* call here runs on the single pipeline goroutine, so there
// is no cross-goroutine contention to avoid on the write side. The atomic
// counters remain so a concurrently-running JSONHandler/Snapshot call
// never races with them.
//
// # Invariants
//
//   - RecordsStored >= RecordsDelivered + records currently queued.
//   - The time-series ring buffer holds at most timeSeriesBucketCount
//     buckets (24 * 60 = 1440 for the last 24 hours at 1-minute
//     granularity).
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const (
	timeSeriesBucketDuration = time.Minute
	timeSeriesBucketCount    = 24 * 60
)

// TimeSeriesBucket stores delivery metrics for a single time bucket.
type TimeSeriesBucket struct {
	Timestamp      time.Time
	UploadAttempts int64
	UploadErrors   int64
	TotalLatency   int64
	Count          int64 // for calculating avg
}

// Metrics collects and exposes telemetry pipeline runtime metrics.
type Metrics struct {
	RecordsStored    atomic.Int64
	RecordsDropped   atomic.Int64
	RecordsDelivered atomic.Int64

	UploadAttempts atomic.Int64
	UploadSuccess  atomic.Int64
	UploadFailed   atomic.Int64

	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	// Per-tenant metrics.
	tenantMetrics sync.Map // tenant -> *TenantMetrics

	// Time-series data (minute buckets for last 24 hours).
	timeSeriesMu    sync.RWMutex
	timeSeries      []*TimeSeriesBucket
	tsChan          chan timeSeriesEvent
	tsDroppedEvents atomic.Int64

	startTime time.Time
}

// timeSeriesEvent is sent over a channel to avoid write-lock contention.
type timeSeriesEvent struct {
	durationMs int64
	isError    bool
}

// TenantMetrics tracks delivery metrics for a single tenant token.
type TenantMetrics struct {
	Stored    atomic.Int64
	Dropped   atomic.Int64
	Delivered atomic.Int64
	Attempts  atomic.Int64
	Failures  atomic.Int64
	TotalMs   atomic.Int64
	MinMs     atomic.Int64
	MaxMs     atomic.Int64
}

// Global metrics instance.
var global = &Metrics{startTime: time.Now()}

func init() {
	global.MinLatencyMs.Store(int64(^uint64(0) >> 1)) // max int64
	global.tsChan = make(chan timeSeriesEvent, 8192)
	global.initTimeSeries()
	go global.processTimeSeriesLoop()
}

// initTimeSeries initializes minute-level buckets for the last 24 hours.
func (m *Metrics) initTimeSeries() {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)
	m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
	for i := 0; i < timeSeriesBucketCount; i++ {
		m.timeSeries[i] = &TimeSeriesBucket{
			Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
		}
	}
}

// Global returns the global metrics instance.
func Global() *Metrics {
	return global
}

// StartTime returns the time the metrics system was initialized.
func StartTime() time.Time {
	return global.startTime
}

// RecordStored records an event being persisted to offline storage.
func (m *Metrics) RecordStored(tenant string) {
	m.RecordsStored.Add(1)
	m.getTenantMetrics(tenant).Stored.Add(1)
	RecordPrometheusStored(tenant)
}

// RecordDropped records records being dropped before delivery (overflow
// eviction or retry exhaustion).
func (m *Metrics) RecordDropped(tenant, reason string, count int) {
	m.RecordsDropped.Add(int64(count))
	m.getTenantMetrics(tenant).Dropped.Add(int64(count))
	RecordPrometheusDropped(tenant, reason, count)
}

// RecordUploadAttempt records the outcome and duration of one upload
// attempt against a tenant's collector.
func (m *Metrics) RecordUploadAttempt(tenant, result string, durationMs int64, recordCount int, success bool) {
	m.UploadAttempts.Add(1)
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	tm := m.getTenantMetrics(tenant)
	tm.Attempts.Add(1)
	tm.TotalMs.Add(durationMs)
	updateMin(&tm.MinMs, durationMs)
	updateMax(&tm.MaxMs, durationMs)

	if success {
		m.UploadSuccess.Add(1)
		m.RecordsDelivered.Add(int64(recordCount))
		tm.Delivered.Add(int64(recordCount))
		RecordPrometheusDelivered(tenant, recordCount)
	} else {
		m.UploadFailed.Add(1)
		tm.Failures.Add(1)
	}

	m.recordTimeSeries(durationMs, !success)
	RecordPrometheusUploadAttempt(tenant, result, durationMs)
}

// recordTimeSeries enqueues a time-series event for async processing,
// avoiding a write-lock on the calling goroutine.
func (m *Metrics) recordTimeSeries(durationMs int64, isError bool) {
	select {
	case m.tsChan <- timeSeriesEvent{durationMs: durationMs, isError: isError}:
	default:
		m.tsDroppedEvents.Add(1)
	}
}

// processTimeSeriesLoop drains tsChan and applies events under a write lock.
func (m *Metrics) processTimeSeriesLoop() {
	for evt := range m.tsChan {
		m.applyTimeSeriesEvent(evt.durationMs, evt.isError)
	}
}

// applyTimeSeriesEvent updates the time-series buckets. Must be called from
// a single goroutine (processTimeSeriesLoop).
func (m *Metrics) applyTimeSeriesEvent(durationMs int64, isError bool) {
	m.timeSeriesMu.Lock()
	defer m.timeSeriesMu.Unlock()

	now := time.Now().Truncate(timeSeriesBucketDuration)

	if len(m.timeSeries) > 0 {
		lastBucket := m.timeSeries[len(m.timeSeries)-1]
		bucketsDiff := int(now.Sub(lastBucket.Timestamp) / timeSeriesBucketDuration)

		if bucketsDiff > 0 {
			if bucketsDiff >= timeSeriesBucketCount {
				m.timeSeries = make([]*TimeSeriesBucket, timeSeriesBucketCount)
				for i := 0; i < timeSeriesBucketCount; i++ {
					m.timeSeries[i] = &TimeSeriesBucket{
						Timestamp: now.Add(time.Duration(i-(timeSeriesBucketCount-1)) * timeSeriesBucketDuration),
					}
				}
			} else {
				m.timeSeries = m.timeSeries[bucketsDiff:]
				for i := 0; i < bucketsDiff; i++ {
					m.timeSeries = append(m.timeSeries, &TimeSeriesBucket{
						Timestamp: lastBucket.Timestamp.Add(time.Duration(i+1) * timeSeriesBucketDuration),
					})
				}
			}
		}
	}

	if len(m.timeSeries) > 0 {
		bucket := m.timeSeries[len(m.timeSeries)-1]
		bucket.UploadAttempts++
		bucket.TotalLatency += durationMs
		bucket.Count++
		if isError {
			bucket.UploadErrors++
		}
	}
}

func (m *Metrics) getTenantMetrics(tenant string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenant); ok {
		return v.(*TenantMetrics)
	}
	tm := &TenantMetrics{}
	tm.MinMs.Store(int64(^uint64(0) >> 1))
	actual, _ := m.tenantMetrics.LoadOrStore(tenant, tm)
	return actual.(*TenantMetrics)
}

// GetTenantMetrics returns the metrics for a specific tenant (or nil if
// none recorded yet).
func (m *Metrics) GetTenantMetrics(tenant string) *TenantMetrics {
	if v, ok := m.tenantMetrics.Load(tenant); ok {
		return v.(*TenantMetrics)
	}
	return nil
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (m *Metrics) Snapshot() map[string]interface{} {
	attempts := m.UploadAttempts.Load()
	avgLatency := float64(0)
	if attempts > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(attempts)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == int64(^uint64(0)>>1) {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"records": map[string]interface{}{
			"stored":    m.RecordsStored.Load(),
			"dropped":   m.RecordsDropped.Load(),
			"delivered": m.RecordsDelivered.Load(),
		},
		"uploads": map[string]interface{}{
			"attempts": attempts,
			"success":  m.UploadSuccess.Load(),
			"failed":   m.UploadFailed.Load(),
		},
		"upload_latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
		"ts_dropped_events": m.tsDroppedEvents.Load(),
	}
}

// TenantStats returns per-tenant metrics.
func (m *Metrics) TenantStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.tenantMetrics.Range(func(key, value interface{}) bool {
		tenant := key.(string)
		tm := value.(*TenantMetrics)

		avgMs := float64(0)
		if attempts := tm.Attempts.Load(); attempts > 0 {
			avgMs = float64(tm.TotalMs.Load()) / float64(attempts)
		}

		minMs := tm.MinMs.Load()
		if minMs == int64(^uint64(0)>>1) {
			minMs = 0
		}

		result[tenant] = map[string]interface{}{
			"stored":    tm.Stored.Load(),
			"dropped":   tm.Dropped.Load(),
			"delivered": tm.Delivered.Load(),
			"attempts":  tm.Attempts.Load(),
			"failures":  tm.Failures.Load(),
			"avg_ms":    avgMs,
			"min_ms":    minMs,
			"max_ms":    tm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format.
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["tenants"] = m.TenantStats()
		json.NewEncoder(w).Encode(result)
	})
}

// TimeSeries returns minute-level upload time-series data for the last 24
// hours.
func (m *Metrics) TimeSeries() []map[string]interface{} {
	m.timeSeriesMu.RLock()
	defer m.timeSeriesMu.RUnlock()

	result := make([]map[string]interface{}, len(m.timeSeries))
	for i, bucket := range m.timeSeries {
		avgDuration := float64(0)
		if bucket.Count > 0 {
			avgDuration = float64(bucket.TotalLatency) / float64(bucket.Count)
		}
		result[i] = map[string]interface{}{
			"timestamp":       bucket.Timestamp.Format(time.RFC3339),
			"upload_attempts": bucket.UploadAttempts,
			"upload_errors":   bucket.UploadErrors,
			"avg_duration":    avgDuration,
		}
	}
	return result
}

// TimeSeriesHandler returns an HTTP handler for time-series metrics.
func (m *Metrics) TimeSeriesHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(m.TimeSeries())
	})
}

// Helper functions

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
