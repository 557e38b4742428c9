package batch

import (
	"context"
	"testing"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/serializer"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
)

func storeRecords(t *testing.T, st storage.Storage, records ...*storage.Record) {
	t.Helper()
	if err := st.StoreRecords(context.Background(), records); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}
}

func TestBatcher_GroupsByTenantAndLatency(t *testing.T) {
	st := storage.NewMemoryStorage(clock.Real{}, 0)
	st.Initialize(context.Background(), storage.NoopObserver{})

	storeRecords(t, st,
		&storage.Record{ID: "a1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"a1"`)},
		&storage.Record{ID: "a2", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"a2"`)},
		&storage.Record{ID: "b1", TenantToken: "tenant-b", Latency: model.LatencyNormal, Blob: []byte(`"b1"`)},
	)

	b := New(Config{}, serializer.JSONSerializer{})
	contexts, err := b.ProduceBatches(context.Background(), st, nil, 0, 0)
	if err != nil {
		t.Fatalf("ProduceBatches: %v", err)
	}
	if len(contexts) != 2 {
		t.Fatalf("expected 2 upload contexts (one per tenant), got %d", len(contexts))
	}

	totalIDs := 0
	for _, uc := range contexts {
		totalIDs += len(uc.RecordIDs)
	}
	if totalIDs != 3 {
		t.Fatalf("expected 3 record ids across contexts, got %d", totalIDs)
	}
}

func TestBatcher_RequestsCarryConfiguredEndpoint(t *testing.T) {
	st := storage.NewMemoryStorage(clock.Real{}, 0)
	st.Initialize(context.Background(), storage.NoopObserver{})
	storeRecords(t, st, &storage.Record{ID: "a1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"a1"`)})

	b := New(Config{Endpoint: "https://collector.example/v1/upload"}, serializer.JSONSerializer{})
	contexts, err := b.ProduceBatches(context.Background(), st, nil, 0, 0)
	if err != nil {
		t.Fatalf("ProduceBatches: %v", err)
	}
	if len(contexts) != 1 {
		t.Fatalf("expected 1 upload context, got %d", len(contexts))
	}
	if got := contexts[0].Request.URL; got != "https://collector.example/v1/upload" {
		t.Fatalf("expected request URL to be the configured endpoint, got %q", got)
	}
}

func TestBatcher_SkipsActivePair(t *testing.T) {
	st := storage.NewMemoryStorage(clock.Real{}, 0)
	st.Initialize(context.Background(), storage.NoopObserver{})
	storeRecords(t, st, &storage.Record{ID: "a1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"a1"`)})

	b := New(Config{}, serializer.JSONSerializer{})
	activePair := func(tenant string, latency model.Latency) bool { return tenant == "tenant-a" }

	contexts, err := b.ProduceBatches(context.Background(), st, activePair, 0, 0)
	if err != nil {
		t.Fatalf("ProduceBatches: %v", err)
	}
	if len(contexts) != 0 {
		t.Fatalf("expected no upload contexts for an already in-flight pair, got %d", len(contexts))
	}
}

func TestBatcher_RespectsMaxConcurrentUploads(t *testing.T) {
	st := storage.NewMemoryStorage(clock.Real{}, 0)
	st.Initialize(context.Background(), storage.NoopObserver{})
	storeRecords(t, st,
		&storage.Record{ID: "a1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)},
		&storage.Record{ID: "b1", TenantToken: "tenant-b", Latency: model.LatencyNormal, Blob: []byte(`"y"`)},
	)

	b := New(Config{MaxConcurrentUploads: 2}, serializer.JSONSerializer{})
	contexts, err := b.ProduceBatches(context.Background(), st, nil, 2, 0)
	if err != nil {
		t.Fatalf("ProduceBatches: %v", err)
	}
	if len(contexts) != 0 {
		t.Fatalf("expected batcher to halt when in-flight count reaches max_concurrent_uploads, got %d", len(contexts))
	}
}
