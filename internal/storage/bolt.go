package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/boltdb/bolt"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

var (
	recordsBucket  = []byte("records")
	settingsBucket = []byte("settings")
)

// boltRecord is the on-disk encoding of a Record; JSON keeps the schema
// legible for an embedded single-writer KV store.
type boltRecord struct {
	ID            string `json:"id"`
	TenantToken   string `json:"tenant_token"`
	Latency       int    `json:"latency"`
	Persistence   int    `json:"persistence"`
	TimestampMs   int64  `json:"timestamp_ms"`
	Blob          []byte `json:"blob"`
	RetryCount    uint16 `json:"retry_count"`
	ReservedUntil int64  `json:"reserved_until"`
}

// BoltStorage is the alternate embedded storage engine. It emits the
// literal "Room/Init" open event for compatibility with the event-name
// convention the other backends share, even though the backend is BoltDB
// and not Room.
type BoltStorage struct {
	mu       sync.Mutex
	db       *bolt.DB
	clock    clock.Clock
	maxSizeB int64
	observer Observer

	lastCount   int
	lastFromMem bool
}

// NewBoltStorage opens (creating if absent) the bolt file at path.
func NewBoltStorage(path string, c clock.Clock, maxSizeBytes int64) (*BoltStorage, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open bolt: %w", err)
	}
	return &BoltStorage{db: db, clock: c, maxSizeB: maxSizeBytes, observer: NoopObserver{}}, nil
}

func (b *BoltStorage) Initialize(_ context.Context, observer Observer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if observer != nil {
		b.observer = observer
	}

	err := b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(recordsBucket); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(settingsBucket); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: bolt init buckets: %w", err)
	}

	now := b.clock.NowUnixMs()
	err = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		return bk.ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ReservedUntil <= now {
				r.ReservedUntil = 0
				data, err := json.Marshal(r)
				if err != nil {
					return err
				}
				return bk.Put(k, data)
			}
			return nil
		})
	})
	if err != nil {
		return fmt.Errorf("storage: bolt recover reservations: %w", err)
	}

	b.observer.OnStorageOpened("Room/Init")
	return nil
}

func toBoltRecord(r *Record) boltRecord {
	return boltRecord{
		ID: r.ID, TenantToken: r.TenantToken, Latency: int(r.Latency),
		Persistence: int(r.Persistence), TimestampMs: r.TimestampMs,
		Blob: r.Blob, RetryCount: r.RetryCount, ReservedUntil: r.ReservedUntil,
	}
}

func fromBoltRecord(r boltRecord) *Record {
	return &Record{
		ID: r.ID, TenantToken: r.TenantToken, Latency: model.Latency(r.Latency),
		Persistence: model.Persistence(r.Persistence), TimestampMs: r.TimestampMs,
		Blob: r.Blob, RetryCount: r.RetryCount, ReservedUntil: r.ReservedUntil,
	}
}

func (b *BoltStorage) StoreRecords(_ context.Context, records []*Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		for _, r := range records {
			data, err := json.Marshal(toBoltRecord(r))
			if err != nil {
				return err
			}
			if err := bk.Put([]byte(r.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("storage: bolt store_records: %w", err)
	}
	return b.evictIfNeeded()
}

func (b *BoltStorage) evictIfNeeded() error {
	if b.maxSizeB <= 0 {
		return nil
	}
	var all []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			all = append(all, fromBoltRecord(r))
			return nil
		})
	})
	if err != nil {
		return err
	}
	if totalSize(all) <= b.maxSizeB {
		return nil
	}
	evictionOrder(all)
	var dropped []string
	size := totalSize(all)
	for _, r := range all {
		if size <= b.maxSizeB {
			break
		}
		dropped = append(dropped, r.ID)
		size -= byteSize(r)
	}
	if len(dropped) == 0 {
		return nil
	}
	err = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		for _, id := range dropped {
			if err := bk.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	b.observer.OnStorageRecordsDropped(dropped)
	return nil
}

func (b *BoltStorage) GetRecords(_ context.Context, shutdown bool, minLatency model.Latency, maxCount int) ([]*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.NowUnixMs()
	var out []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if model.Latency(r.Latency) < minLatency {
				return nil
			}
			if !shutdown && r.ReservedUntil > now {
				return nil
			}
			out = append(out, fromBoltRecord(r))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	if maxCount > 0 && len(out) > maxCount {
		out = out[:maxCount]
	}
	return out, nil
}

func (b *BoltStorage) GetAndReserveRecords(_ context.Context, acceptor Acceptor, reservationWindowMs int64, latencyFloor model.Latency, maxCount int) ([]*Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.NowUnixMs()

	var candidates []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if model.Latency(r.Latency) < latencyFloor || r.ReservedUntil > now {
				return nil
			}
			candidates = append(candidates, fromBoltRecord(r))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(candidates)

	var accepted []*Record
	err = b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		for _, r := range candidates {
			if maxCount > 0 && len(accepted) >= maxCount {
				break
			}
			if !acceptor(r) {
				break
			}
			r.ReservedUntil = now + reservationWindowMs
			data, err := json.Marshal(toBoltRecord(r))
			if err != nil {
				return err
			}
			if err := bk.Put([]byte(r.ID), data); err != nil {
				return err
			}
			accepted = append(accepted, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.lastCount = len(accepted)
	b.lastFromMem = false
	return accepted, nil
}

func (b *BoltStorage) ReleaseRecords(_ context.Context, ids []string, incrementRetry bool, maxRetryCount uint16, responseHeaders map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	var dropped []string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		if hint, ok := responseHeaders["Retry-After"]; ok && hint != "" {
			if err := tx.Bucket(settingsBucket).Put([]byte("last_retry_after_ms"), []byte(hint)); err != nil {
				return err
			}
		}
		for _, id := range ids {
			data := bk.Get([]byte(id))
			if data == nil {
				continue
			}
			var r boltRecord
			if err := json.Unmarshal(data, &r); err != nil {
				return err
			}
			r.ReservedUntil = 0
			if incrementRetry {
				r.RetryCount++
				if r.RetryCount > maxRetryCount {
					dropped = append(dropped, id)
					if err := bk.Delete([]byte(id)); err != nil {
						return err
					}
					continue
				}
			}
			updated, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := bk.Put([]byte(id), updated); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(dropped) > 0 {
		b.observer.OnStorageRecordsDropped(dropped)
	}
	return nil
}

func (b *BoltStorage) DeleteRecords(_ context.Context, ids []string, responseHeaders map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(recordsBucket)
		for _, id := range ids {
			if err := bk.Delete([]byte(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltStorage) GetRecordCount(_ context.Context, latency model.Latency) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock.NowUnixMs()
	count := 0
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(recordsBucket).ForEach(func(k, v []byte) error {
			var r boltRecord
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.ReservedUntil > now {
				return nil
			}
			if latency != model.LatencyUnspecified && model.Latency(r.Latency) != latency {
				return nil
			}
			count++
			return nil
		})
	})
	return count, err
}

func (b *BoltStorage) StoreSetting(_ context.Context, name, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(settingsBucket)
		if value == "" {
			return bk.Delete([]byte(name))
		}
		return bk.Put([]byte(name), []byte(value))
	})
}

func (b *BoltStorage) GetSetting(_ context.Context, name string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var value string
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(settingsBucket).Get([]byte(name))
		if v != nil {
			value = string(v)
		}
		return nil
	})
	return value, err
}

func (b *BoltStorage) LastReadRecordCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastCount
}

func (b *BoltStorage) IsLastReadFromMemory() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFromMem
}

func (b *BoltStorage) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.db.Close()
}
