package storage

import (
	"context"
	"testing"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

type fakeObserver struct {
	opened  []string
	dropped [][]string
}

func (f *fakeObserver) OnStorageOpened(backend string) { f.opened = append(f.opened, backend) }
func (f *fakeObserver) OnStorageRecordsDropped(ids []string) {
	f.dropped = append(f.dropped, append([]string(nil), ids...))
}

func TestMemoryStorage_InitializeEmitsOpenedEvent(t *testing.T) {
	obs := &fakeObserver{}
	s := NewMemoryStorage(clock.Real{}, 0)
	if err := s.Initialize(context.Background(), obs); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if len(obs.opened) != 1 || obs.opened[0] != "Memory" {
		t.Fatalf("expected one OnStorageOpened(\"Memory\"), got %v", obs.opened)
	}
}

func TestMemoryStorage_StoreAndReserve(t *testing.T) {
	s := NewMemoryStorage(clock.Real{}, 0)
	s.Initialize(context.Background(), &fakeObserver{})

	rec := &Record{ID: "r1", TenantToken: "t1", Latency: model.LatencyNormal, Blob: []byte("x")}
	if err := s.StoreRecords(context.Background(), []*Record{rec}); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}

	accepted, err := s.GetAndReserveRecords(context.Background(), func(*Record) bool { return true }, 5000, model.LatencyUnspecified, 10)
	if err != nil {
		t.Fatalf("GetAndReserveRecords: %v", err)
	}
	if len(accepted) != 1 || accepted[0].ID != "r1" {
		t.Fatalf("expected r1 reserved, got %v", accepted)
	}

	// A reserved record is invisible to a second reservation pass.
	again, err := s.GetAndReserveRecords(context.Background(), func(*Record) bool { return true }, 5000, model.LatencyUnspecified, 10)
	if err != nil {
		t.Fatalf("GetAndReserveRecords second pass: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("expected reserved record to be invisible, got %v", again)
	}
}

func TestMemoryStorage_AcceptorRejectionStopsScan(t *testing.T) {
	s := NewMemoryStorage(clock.Real{}, 0)
	s.Initialize(context.Background(), &fakeObserver{})

	records := make([]*Record, 0, 20)
	for i := 0; i < 10; i++ {
		records = append(records, &Record{ID: "rt" + string(rune('a'+i)), Latency: model.LatencyRealTime, Blob: []byte("x")})
	}
	for i := 0; i < 10; i++ {
		records = append(records, &Record{ID: "nm" + string(rune('a'+i)), Latency: model.LatencyNormal, Blob: []byte("x")})
	}
	if err := s.StoreRecords(context.Background(), records); err != nil {
		t.Fatalf("StoreRecords: %v", err)
	}

	calls := 0
	acceptor := func(r *Record) bool {
		calls++
		return r.Latency == model.LatencyRealTime
	}
	accepted, err := s.GetAndReserveRecords(context.Background(), acceptor, 5000, model.LatencyUnspecified, 0)
	if err != nil {
		t.Fatalf("GetAndReserveRecords: %v", err)
	}
	if len(accepted) != 10 {
		t.Fatalf("expected 10 accepted RealTime records, got %d", len(accepted))
	}
	if calls != 11 {
		t.Fatalf("expected the scan to stop at the first rejection (11 acceptor calls), got %d", calls)
	}
}

func TestMemoryStorage_ReleaseRetryExhaustion(t *testing.T) {
	obs := &fakeObserver{}
	s := NewMemoryStorage(clock.Real{}, 0)
	s.Initialize(context.Background(), obs)

	rec := &Record{ID: "r1", Latency: model.LatencyNormal, RetryCount: 2}
	s.StoreRecords(context.Background(), []*Record{rec})

	if err := s.ReleaseRecords(context.Background(), []string{"r1"}, true, 2, nil); err != nil {
		t.Fatalf("ReleaseRecords: %v", err)
	}

	count, _ := s.GetRecordCount(context.Background(), model.LatencyUnspecified)
	if count != 0 {
		t.Fatalf("expected record to be dropped after exceeding max retries, got count=%d", count)
	}
	if len(obs.dropped) != 1 || obs.dropped[0][0] != "r1" {
		t.Fatalf("expected OnStorageRecordsDropped([r1]), got %v", obs.dropped)
	}
}

func TestMemoryStorage_OverflowEvictsLowestPriorityFirst(t *testing.T) {
	obs := &fakeObserver{}
	s := NewMemoryStorage(clock.Real{}, 100)
	s.Initialize(context.Background(), obs)

	low := &Record{ID: "low", Latency: model.LatencyOff, TimestampMs: 1, Blob: make([]byte, 40)}
	high := &Record{ID: "high", Latency: model.LatencyRealTime, TimestampMs: 2, Blob: make([]byte, 40)}
	s.StoreRecords(context.Background(), []*Record{low, high})

	count, _ := s.GetRecordCount(context.Background(), model.LatencyUnspecified)
	if count != 1 {
		t.Fatalf("expected eviction to leave exactly one record, got %d", count)
	}
	if len(obs.dropped) != 1 || obs.dropped[0][0] != "low" {
		t.Fatalf("expected the lowest-latency record to be dropped, got %v", obs.dropped)
	}
}

func TestMemoryStorage_ReservationLapses(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	s := NewMemoryStorage(fc, 0)
	s.Initialize(context.Background(), &fakeObserver{})

	rec := &Record{ID: "r1", Latency: model.LatencyNormal}
	s.StoreRecords(context.Background(), []*Record{rec})

	s.GetAndReserveRecords(context.Background(), func(*Record) bool { return true }, 1000, model.LatencyUnspecified, 10)

	fc.Advance(2 * time.Second)
	again, err := s.GetAndReserveRecords(context.Background(), func(*Record) bool { return true }, 1000, model.LatencyUnspecified, 10)
	if err != nil {
		t.Fatalf("GetAndReserveRecords: %v", err)
	}
	if len(again) != 1 {
		t.Fatalf("expected lapsed reservation to become available again, got %v", again)
	}
}

func TestMemoryStorage_SettingsUnavailable(t *testing.T) {
	s := NewMemoryStorage(clock.Real{}, 0)
	if err := s.StoreSetting(context.Background(), "k", "v"); err == nil {
		t.Fatal("expected StoreSetting to fail on memory backend")
	}
	if _, err := s.GetSetting(context.Background(), "k"); err == nil {
		t.Fatal("expected GetSetting to fail on memory backend")
	}
}
