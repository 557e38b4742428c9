// Package storage implements the offline storage engine: a durable,
// crash-safe, priority-ordered queue of StorageRecords with reservation
// semantics, retry accounting, and a small settings side store.
//
// Three backends satisfy the same Storage interface: SQLiteStorage
// ("SQLite/Default"), BoltStorage ("Room/Init"), and MemoryStorage
// ("Memory") — see DESIGN.md for why the literal event names don't match
// the backend names one-to-one.
package storage

import (
	"context"
	"sort"

	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// Record is the persisted unit the offline storage engine manages.
type Record struct {
	ID            string
	TenantToken   string
	Latency       model.Latency
	Persistence   model.Persistence
	TimestampMs   int64
	Blob          []byte
	RetryCount    uint16
	ReservedUntil int64 // epoch ms, 0 = unreserved
}

// Observer receives storage lifecycle notifications. Implementations must
// not block the calling pipeline goroutine for long.
type Observer interface {
	OnStorageOpened(backend string)
	OnStorageRecordsDropped(ids []string)
}

// NoopObserver discards every notification.
type NoopObserver struct{}

func (NoopObserver) OnStorageOpened(string)        {}
func (NoopObserver) OnStorageRecordsDropped([]string) {}

// Acceptor decides, for a candidate record, whether to reserve it. It is
// invoked in priority order by GetAndReserveRecords.
type Acceptor func(r *Record) bool

// Storage is the offline storage engine contract. All methods are
// externally serialized by the caller's pipeline goroutine;
// implementations only need to protect their own internal index plus the
// single-threaded-per-instance persistent backend.
type Storage interface {
	// Initialize opens or creates the backing store, emitting exactly one
	// OnStorageOpened notification, and clears dangling reservations left
	// over from a prior process.
	Initialize(ctx context.Context, observer Observer) error

	// StoreRecords inserts or replaces records by id, atomically, then
	// evicts the oldest lowest-(latency,persistence) records if the store
	// now exceeds its configured byte budget.
	StoreRecords(ctx context.Context, records []*Record) error

	// GetRecords returns available records (or, when shutdown is true,
	// all records including reserved ones) with latency >= minLatency,
	// ordered by latency descending then timestamp ascending, without
	// reserving them.
	GetRecords(ctx context.Context, shutdown bool, minLatency model.Latency, maxCount int) ([]*Record, error)

	// GetAndReserveRecords iterates candidates in priority order, calling
	// acceptor for each; accepted records are reserved for
	// reservationWindowMs. Stops at the first candidate the acceptor
	// rejects (which stays available), once maxCount records are accepted,
	// or when candidates are exhausted.
	GetAndReserveRecords(ctx context.Context, acceptor Acceptor, reservationWindowMs int64, latencyFloor model.Latency, maxCount int) ([]*Record, error)

	// ReleaseRecords clears the reservation on each id still present. If
	// incrementRetry is true, retry_count is bumped; records exceeding
	// maxRetryCount are deleted and reported via OnStorageRecordsDropped.
	ReleaseRecords(ctx context.Context, ids []string, incrementRetry bool, maxRetryCount uint16, responseHeaders map[string]string) error

	// DeleteRecords unconditionally removes the given ids.
	DeleteRecords(ctx context.Context, ids []string, responseHeaders map[string]string) error

	// GetRecordCount returns the count of available records at the given
	// latency; LatencyUnspecified means "all latencies".
	GetRecordCount(ctx context.Context, latency model.Latency) (int, error)

	// StoreSetting/GetSetting implement the k/v side store. An empty value
	// deletes the key. Absent on memory-only backends.
	StoreSetting(ctx context.Context, name, value string) error
	GetSetting(ctx context.Context, name string) (string, error)

	// LastReadRecordCount and IsLastReadFromMemory report on the most
	// recent GetAndReserveRecords call.
	LastReadRecordCount() int
	IsLastReadFromMemory() bool

	// Close releases any held resources (file handles, connections).
	Close() error
}

// sortRecords orders candidates by latency descending, then timestamp
// ascending (oldest first within a class).
func sortRecords(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Latency != records[j].Latency {
			return records[i].Latency > records[j].Latency
		}
		return records[i].TimestampMs < records[j].TimestampMs
	})
}

// byteSize estimates a record's contribution to the storage byte budget.
func byteSize(r *Record) int64 {
	return int64(len(r.Blob)) + int64(len(r.ID)) + int64(len(r.TenantToken)) + 32
}

// totalSize sums byteSize across records.
func totalSize(records []*Record) int64 {
	var total int64
	for _, r := range records {
		total += byteSize(r)
	}
	return total
}

// evictionOrder sorts records lowest-priority-first for overflow eviction:
// lowest latency first, then lowest persistence, then oldest timestamp.
func evictionOrder(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Latency != records[j].Latency {
			return records[i].Latency < records[j].Latency
		}
		if records[i].Persistence != records[j].Persistence {
			return records[i].Persistence < records[j].Persistence
		}
		return records[i].TimestampMs < records[j].TimestampMs
	})
}
