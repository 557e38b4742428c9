package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/batch"
	"github.com/dipatid/cpp-client-telemetry/internal/circuitbreaker"
	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/diag"
	"github.com/dipatid/cpp-client-telemetry/internal/metrics"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/retry"
	"github.com/dipatid/cpp-client-telemetry/internal/serializer"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
	"github.com/dipatid/cpp-client-telemetry/internal/transport"
)

// scriptedHTTPClient answers every SendRequestAsync call with the next
// response from a queue, or 200 OK if the queue is empty.
type scriptedHTTPClient struct {
	responses []*transport.Response
	sent      []string
}

func (f *scriptedHTTPClient) SendRequestAsync(_ context.Context, requestID string, _ *transport.Request, onResponse func(*transport.Response)) {
	f.sent = append(f.sent, requestID)
	var resp *transport.Response
	if len(f.responses) > 0 {
		resp = f.responses[0]
		f.responses = f.responses[1:]
	} else {
		resp = &transport.Response{StatusCode: 200}
	}
	go onResponse(resp)
}

func (f *scriptedHTTPClient) CancelRequestAsync(requestID string) {}

func newTestController(t *testing.T, cfg Config, client transport.HttpClient) (*Controller, storage.Storage) {
	t.Helper()
	st := storage.NewMemoryStorage(clock.Real{}, 0)
	b := batch.New(batch.Config{}, serializer.JSONSerializer{})
	cm := transport.NewClientManager(client, clock.Real{}, 8)
	c := New(cfg, clock.Real{}, st, b, cm, retry.NewRegistry(), circuitbreaker.NewRegistry(), diag.NewNoopObserver(), metrics.Global())
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(c.Stop)
	return c, st
}

func waitForCount(t *testing.T, st storage.Storage, want int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for record count %d", want)
		default:
		}
		n, err := st.GetRecordCount(context.Background(), model.LatencyUnspecified)
		if err != nil {
			t.Fatalf("GetRecordCount: %v", err)
		}
		if n == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_EnqueueStoresAndDeliversOnSuccess(t *testing.T) {
	client := &scriptedHTTPClient{}
	c, st := newTestController(t, Config{UploadIntervalMs: 50}, client)

	r := &storage.Record{ID: "r1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)}
	if err := c.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	waitForCount(t, st, 1)
	c.UploadNow()
	waitForCount(t, st, 0)
}

func TestController_ReleaseRetryOnServerError(t *testing.T) {
	client := &scriptedHTTPClient{responses: []*transport.Response{{StatusCode: 500}}}
	c, st := newTestController(t, Config{UploadIntervalMs: 50}, client)

	r := &storage.Record{ID: "r1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)}
	if err := c.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForCount(t, st, 1)
	c.UploadNow()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for backoff to be scheduled")
		default:
		}
		if c.inBackoff("tenant-a") {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestController_DeletePoisonedOn400(t *testing.T) {
	client := &scriptedHTTPClient{responses: []*transport.Response{{StatusCode: 400}}}
	c, st := newTestController(t, Config{UploadIntervalMs: 50}, client)

	r := &storage.Record{ID: "r1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)}
	if err := c.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForCount(t, st, 1)
	c.UploadNow()
	waitForCount(t, st, 0)
}

func TestController_PauseSuppressesNewBatches(t *testing.T) {
	client := &scriptedHTTPClient{}
	c, st := newTestController(t, Config{UploadIntervalMs: 50}, client)
	c.PauseTransmission()

	r := &storage.Record{ID: "r1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)}
	if err := c.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitForCount(t, st, 1)
	c.UploadNow()

	time.Sleep(100 * time.Millisecond)
	n, err := st.GetRecordCount(context.Background(), model.LatencyUnspecified)
	if err != nil {
		t.Fatalf("GetRecordCount: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected record to remain queued while paused, got count %d", n)
	}

	c.ResumeTransmission()
	waitForCount(t, st, 0)
}

func TestController_FlushWaitsForQuiescence(t *testing.T) {
	client := &scriptedHTTPClient{}
	c, _ := newTestController(t, Config{UploadIntervalMs: 1000}, client)

	r := &storage.Record{ID: "r1", TenantToken: "tenant-a", Latency: model.LatencyNormal, Blob: []byte(`"x"`)}
	if err := c.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func TestController_EnqueueRejectsWhenFullWithoutTimeout(t *testing.T) {
	client := &scriptedHTTPClient{}
	c, _ := newTestController(t, Config{MaxInboundEvents: 1, UploadIntervalMs: 1000}, client)
	c.PauseTransmission()

	if err := c.Enqueue(context.Background(), &storage.Record{ID: "r1", TenantToken: "t", Blob: []byte(`"x"`)}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	err := c.Enqueue(context.Background(), &storage.Record{ID: "r2", TenantToken: "t", Blob: []byte(`"y"`)})
	if err != ErrInboundQueueFull {
		t.Fatalf("expected ErrInboundQueueFull, got %v", err)
	}
}

func TestController_EnqueueDropsOldestWhenConfigured(t *testing.T) {
	client := &scriptedHTTPClient{}
	c, _ := newTestController(t, Config{MaxInboundEvents: 1, DropOldestOnFull: true, UploadIntervalMs: 1000}, client)
	c.PauseTransmission()

	if err := c.Enqueue(context.Background(), &storage.Record{ID: "r1", TenantToken: "t", Blob: []byte(`"x"`)}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}
	if err := c.Enqueue(context.Background(), &storage.Record{ID: "r2", TenantToken: "t", Blob: []byte(`"y"`)}); err != nil {
		t.Fatalf("second Enqueue: %v", err)
	}
}
