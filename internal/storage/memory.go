package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// MemoryStorage is the pure in-memory backend: identical contract to the
// persistent backends except the settings API is absent and
// IsLastReadFromMemory always reports true.
type MemoryStorage struct {
	mu        sync.Mutex
	clock     clock.Clock
	maxSizeB  int64
	records   map[string]*Record
	lastCount int
	observer  Observer
}

// NewMemoryStorage constructs a MemoryStorage with the given size budget.
func NewMemoryStorage(c clock.Clock, maxSizeBytes int64) *MemoryStorage {
	return &MemoryStorage{
		clock:    c,
		maxSizeB: maxSizeBytes,
		records:  make(map[string]*Record),
		observer: NoopObserver{},
	}
}

func (m *MemoryStorage) Initialize(_ context.Context, observer Observer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if observer != nil {
		m.observer = observer
	}
	now := m.clock.NowUnixMs()
	for _, r := range m.records {
		if r.ReservedUntil <= now {
			r.ReservedUntil = 0
		}
	}
	m.observer.OnStorageOpened("Memory")
	return nil
}

func (m *MemoryStorage) StoreRecords(_ context.Context, records []*Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		cp := *r
		m.records[r.ID] = &cp
	}
	m.evictLocked()
	return nil
}

// evictLocked applies the overflow policy: evict oldest records of the
// lowest latency/persistence class first until within the byte budget.
// Caller must hold m.mu.
func (m *MemoryStorage) evictLocked() {
	if m.maxSizeB <= 0 {
		return
	}
	var all []*Record
	for _, r := range m.records {
		all = append(all, r)
	}
	if totalSize(all) <= m.maxSizeB {
		return
	}
	evictionOrder(all)
	var dropped []string
	size := totalSize(all)
	for _, r := range all {
		if size <= m.maxSizeB {
			break
		}
		delete(m.records, r.ID)
		dropped = append(dropped, r.ID)
		size -= byteSize(r)
	}
	if len(dropped) > 0 {
		m.observer.OnStorageRecordsDropped(dropped)
	}
}

func (m *MemoryStorage) GetRecords(_ context.Context, shutdown bool, minLatency model.Latency, maxCount int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowUnixMs()
	var out []*Record
	for _, r := range m.records {
		if r.Latency < minLatency {
			continue
		}
		if !shutdown && r.ReservedUntil > now {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	sortRecords(out)
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}

func (m *MemoryStorage) GetAndReserveRecords(_ context.Context, acceptor Acceptor, reservationWindowMs int64, latencyFloor model.Latency, maxCount int) ([]*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowUnixMs()
	var candidates []*Record
	for _, r := range m.records {
		if r.Latency < latencyFloor {
			continue
		}
		if r.ReservedUntil > now {
			continue
		}
		candidates = append(candidates, r)
	}
	sortRecords(candidates)

	var accepted []*Record
	for _, r := range candidates {
		if maxCount > 0 && len(accepted) >= maxCount {
			break
		}
		if !acceptor(r) {
			break
		}
		r.ReservedUntil = now + reservationWindowMs
		cp := *r
		accepted = append(accepted, &cp)
	}
	m.lastCount = len(accepted)
	return accepted, nil
}

func (m *MemoryStorage) ReleaseRecords(_ context.Context, ids []string, incrementRetry bool, maxRetryCount uint16, responseHeaders map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if hint, ok := responseHeaders["Retry-After"]; ok && hint != "" {
		_ = hint // recorded by the controller's retry policy, not the storage layer
	}
	var dropped []string
	for _, id := range ids {
		r, ok := m.records[id]
		if !ok {
			continue
		}
		r.ReservedUntil = 0
		if incrementRetry {
			r.RetryCount++
			if r.RetryCount > maxRetryCount {
				delete(m.records, id)
				dropped = append(dropped, id)
			}
		}
	}
	if len(dropped) > 0 {
		m.observer.OnStorageRecordsDropped(dropped)
	}
	return nil
}

func (m *MemoryStorage) DeleteRecords(_ context.Context, ids []string, responseHeaders map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records, id)
	}
	return nil
}

func (m *MemoryStorage) GetRecordCount(_ context.Context, latency model.Latency) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.NowUnixMs()
	count := 0
	for _, r := range m.records {
		if r.ReservedUntil > now {
			continue
		}
		if latency != model.LatencyUnspecified && r.Latency != latency {
			continue
		}
		count++
	}
	return count, nil
}

func (m *MemoryStorage) StoreSetting(_ context.Context, name, value string) error {
	return fmt.Errorf("storage: settings API unavailable on memory backend")
}

func (m *MemoryStorage) GetSetting(_ context.Context, name string) (string, error) {
	return "", fmt.Errorf("storage: settings API unavailable on memory backend")
}

func (m *MemoryStorage) LastReadRecordCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCount
}

func (m *MemoryStorage) IsLastReadFromMemory() bool { return true }

func (m *MemoryStorage) Close() error { return nil }
