package transport

import (
	"context"
	"testing"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

type fakeHTTPClient struct {
	responses map[string]*Response
	cancelled []string
}

func (f *fakeHTTPClient) SendRequestAsync(_ context.Context, requestID string, _ *Request, onResponse func(*Response)) {
	resp := f.responses[requestID]
	go onResponse(resp)
}

func (f *fakeHTTPClient) CancelRequestAsync(requestID string) {
	f.cancelled = append(f.cancelled, requestID)
}

func TestClientManager_SendRequestDeliversCompletion(t *testing.T) {
	fc := &fakeHTTPClient{responses: map[string]*Response{
		"req-1": {StatusCode: 200},
	}}
	mgr := NewClientManager(fc, clock.Real{}, 4)

	uc := NewUploadContext("req-1", &Request{Method: "POST"}, []string{"r1"}, model.LatencyNormal)
	mgr.SendRequest(context.Background(), uc)

	select {
	case c := <-mgr.Completions():
		if c.Ctx.RequestID != "req-1" {
			t.Fatalf("expected completion for req-1, got %s", c.Ctx.RequestID)
		}
		if c.Ctx.State != StateCompleting {
			t.Fatalf("expected state Completing, got %v", c.Ctx.State)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestClientManager_CancelAllRequestsAsync(t *testing.T) {
	fc := &fakeHTTPClient{responses: map[string]*Response{
		"req-1": {Aborted: true},
	}}
	mgr := NewClientManager(fc, clock.Real{}, 4)

	uc := NewUploadContext("req-1", &Request{Method: "POST"}, []string{"r1"}, model.LatencyNormal)
	mgr.SendRequest(context.Background(), uc)
	mgr.CancelAllRequestsAsync()

	if len(fc.cancelled) != 1 || fc.cancelled[0] != "req-1" {
		t.Fatalf("expected CancelRequestAsync(req-1), got %v", fc.cancelled)
	}

	select {
	case c := <-mgr.Completions():
		if !c.Response.Aborted {
			t.Fatal("expected aborted response")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for aborted completion")
	}
}

func TestClientManager_DuplicateDeliveryIgnored(t *testing.T) {
	fc := &fakeHTTPClient{responses: map[string]*Response{"req-1": {StatusCode: 200}}}
	mgr := NewClientManager(fc, clock.Real{}, 4)
	uc := NewUploadContext("req-1", &Request{Method: "POST"}, []string{"r1"}, model.LatencyNormal)

	mgr.mu.Lock()
	mgr.inFlight[uc.RequestID] = uc
	mgr.mu.Unlock()

	mgr.onHTTPResponse(uc, &Response{StatusCode: 200})
	select {
	case <-mgr.Completions():
	case <-time.After(time.Second):
		t.Fatal("expected first delivery to produce a completion")
	}

	// Second delivery for the same (already-removed) id must be ignored.
	mgr.onHTTPResponse(uc, &Response{StatusCode: 200})
	select {
	case <-mgr.Completions():
		t.Fatal("expected duplicate delivery to be ignored, got a second completion")
	case <-time.After(50 * time.Millisecond):
	}
}
