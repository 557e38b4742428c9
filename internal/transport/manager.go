package transport

import (
	"context"
	"sync"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
)

// Completion is delivered on the manager's single-consumer channel when
// an UploadContext finishes (or is aborted then finishes).
type Completion struct {
	Ctx      *UploadContext
	Response *Response
}

// ClientManager bridges the asynchronous HttpClient back onto the single
// pipeline goroutine that owns the offline storage and batcher, adapted
// from the same single-consumer routing shape as pipeline.Notifier
// (here carrying a Completion instead of a struct{} signal).
type ClientManager struct {
	client HttpClient
	clock  clock.Clock

	mu       sync.Mutex
	inFlight map[string]*UploadContext

	done chan Completion
}

// NewClientManager constructs a ClientManager over the given HttpClient.
// bufferSize bounds the completion channel; it should be at least
// max_concurrent_uploads so a burst of responses never blocks transport
// goroutines.
func NewClientManager(client HttpClient, c clock.Clock, bufferSize int) *ClientManager {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	return &ClientManager{
		client:   client,
		clock:    c,
		inFlight: make(map[string]*UploadContext),
		done:     make(chan Completion, bufferSize),
	}
}

// Completions returns the channel the pipeline goroutine drains for
// finished uploads.
func (m *ClientManager) Completions() <-chan Completion {
	return m.done
}

// SendRequest transfers ownership of ctx.Request to the transport and
// records the submit time.
func (m *ClientManager) SendRequest(ctx context.Context, uc *UploadContext) {
	uc.Submit(m.clock.NowUnixMs())

	m.mu.Lock()
	m.inFlight[uc.RequestID] = uc
	m.mu.Unlock()

	m.client.SendRequestAsync(ctx, uc.RequestID, uc.Request, func(resp *Response) {
		m.onHTTPResponse(uc, resp)
	})
}

// onHTTPResponse runs on an arbitrary transport goroutine; it only
// prepares the Completion and enqueues it — all UploadContext state
// mutation that matters to the pipeline happens when the pipeline
// goroutine drains Completions().
func (m *ClientManager) onHTTPResponse(uc *UploadContext, resp *Response) {
	m.mu.Lock()
	_, known := m.inFlight[uc.RequestID]
	if known {
		delete(m.inFlight, uc.RequestID)
	}
	m.mu.Unlock()
	if !known {
		// Duplicate delivery for an id already completed: ignored.
		return
	}

	uc.Respond(resp, m.clock.NowUnixMs())
	m.done <- Completion{Ctx: uc, Response: resp}
}

// CancelAllRequestsAsync cancels every in-flight request. Any response
// that subsequently arrives for a cancelled id still produces a
// Completion (with Response.Aborted = true) so the pipeline can release
// the reservation.
func (m *ClientManager) CancelAllRequestsAsync() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.inFlight))
	for id, uc := range m.inFlight {
		uc.Cancel()
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.client.CancelRequestAsync(id)
	}
}

// InFlightCount reports the number of uploads currently awaiting a
// response, used by the batcher to enforce max_concurrent_uploads.
func (m *ClientManager) InFlightCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inFlight)
}
