// Package batch groups reserved offline-storage records into upload
// batches: it pulls reserved records, groups them by (tenant_token,
// latency) up to a byte budget, and produces one UploadContext per group.
//
// Batcher owns no goroutine of its own — the backing store must only be
// touched from the single pipeline goroutine, so ProduceBatches is a
// synchronous call the pipeline controller makes on its own tick.
package batch

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/serializer"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
	"github.com/dipatid/cpp-client-telemetry/internal/transport"
)

const (
	DefaultMaxPayloadBytes     = 1 << 20 // 1 MiB
	DefaultReservationWindowMs = 60_000
	DefaultMaxConcurrentUploads = 4
)

// Config tunes the batcher's grouping and backpressure behavior.
type Config struct {
	Endpoint             string
	MaxPayloadBytes      int64
	ReservationWindowMs  int64
	MaxConcurrentUploads int
}

func (c Config) withDefaults() Config {
	if c.MaxPayloadBytes <= 0 {
		c.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if c.ReservationWindowMs <= 0 {
		c.ReservationWindowMs = DefaultReservationWindowMs
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = DefaultMaxConcurrentUploads
	}
	return c
}

type groupKey struct {
	tenant  string
	latency model.Latency
}

// Batcher groups reserved storage records into UploadContexts.
type Batcher struct {
	cfg        Config
	serializer serializer.Serializer
	sequences  map[string]int64 // tenant_token -> next package_id
}

// New constructs a Batcher.
func New(cfg Config, s serializer.Serializer) *Batcher {
	return &Batcher{cfg: cfg.withDefaults(), serializer: s, sequences: make(map[string]int64)}
}

// nextPackageID returns a monotonically increasing sequence number per
// tenant.
func (b *Batcher) nextPackageID(tenant string) int64 {
	b.sequences[tenant]++
	return b.sequences[tenant]
}

// ProduceBatches pulls available records from st via GetAndReserveRecords,
// groups accepted records by (tenant_token, latency) up to
// MaxPayloadBytes, and returns one UploadContext per group.
//
// activePair reports whether a (tenant, latency) pair already has an
// in-flight upload — the batcher rejects records for such pairs, enforcing
// the spec's "only one in-flight per (tenant, latency) pair" ordering
// rule. GetAndReserveRecords ends its scan at the first rejected record,
// so records after it wait for a later call. inFlightCount/maxCount
// enforce the max_concurrent_uploads backpressure halt.
func (b *Batcher) ProduceBatches(ctx context.Context, st storage.Storage, activePair func(tenant string, latency model.Latency) bool, inFlightCount int, maxCount int) ([]*transport.UploadContext, error) {
	if inFlightCount >= b.cfg.MaxConcurrentUploads {
		return nil, nil
	}
	budget := b.cfg.MaxConcurrentUploads - inFlightCount
	if maxCount > 0 && budget > maxCount {
		budget = maxCount
	}

	groups := make(map[groupKey][]*storage.Record)
	sizes := make(map[groupKey]int64)
	order := make([]groupKey, 0)

	acceptor := func(r *storage.Record) bool {
		key := groupKey{tenant: r.TenantToken, latency: r.Latency}
		if activePair != nil && activePair(key.tenant, key.latency) {
			return false
		}
		size := int64(len(r.Blob))
		if sizes[key]+size > b.cfg.MaxPayloadBytes && len(groups[key]) > 0 {
			return false
		}
		if _, ok := groups[key]; !ok {
			if len(order) >= budget {
				return false
			}
			order = append(order, key)
		}
		groups[key] = append(groups[key], r)
		sizes[key] += size
		return true
	}

	// maxCount 0: GetAndReserveRecords places no cap on accepted records;
	// the acceptor's per-group byte limit and group budget bound what is
	// reserved.
	_, err := st.GetAndReserveRecords(ctx, acceptor, b.cfg.ReservationWindowMs, model.LatencyUnspecified, 0)
	if err != nil {
		return nil, fmt.Errorf("batch: get_and_reserve_records: %w", err)
	}

	var contexts []*transport.UploadContext
	for i, key := range order {
		if i >= budget {
			break
		}
		records := groups[key]
		uc, err := b.buildUploadContext(key, records)
		if err != nil {
			return nil, err
		}
		contexts = append(contexts, uc)
	}
	return contexts, nil
}

func (b *Batcher) buildUploadContext(key groupKey, records []*storage.Record) (*transport.UploadContext, error) {
	sort.Slice(records, func(i, j int) bool { return records[i].TimestampMs < records[j].TimestampMs })

	blobs := make([][]byte, 0, len(records))
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
		blobs = append(blobs, r.Blob)
	}

	blob, contentType, err := b.serializer.SerializeBatch(blobs)
	if err != nil {
		return nil, fmt.Errorf("batch: serialize: %w", err)
	}

	uc := transport.NewUploadContext(uuid.NewString(), &transport.Request{
		Method:  "POST",
		URL:     b.cfg.Endpoint,
		Headers: map[string]string{"Content-Type": contentType},
		Body:    blob,
	}, ids, key.latency)
	uc.PackageIDs[key.tenant] = b.nextPackageID(key.tenant)
	return uc, nil
}
