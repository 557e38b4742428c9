package transport

import (
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// UploadState is the UploadContext state machine:
//
//	Created --submit--> InFlight --response--> Completing --done--> Terminal
//	                        |
//	                        +--cancel--> Aborted --response--> Completing --done--> Terminal
type UploadState int

const (
	StateCreated UploadState = iota
	StateInFlight
	StateAborted
	StateCompleting
	StateTerminal
)

// UploadContext tracks one in-flight batch upload from submission through
// completion.
type UploadContext struct {
	RequestID     string
	Request       *Request
	Response      *Response
	RecordIDs     []string
	Latency       model.Latency
	PackageIDs    map[string]int64 // tenant_token -> sequence number
	SubmitTimeMs  int64
	DurationMs    int64
	State         UploadState
}

// NewUploadContext constructs a Created UploadContext for a batch.
func NewUploadContext(requestID string, req *Request, recordIDs []string, latency model.Latency) *UploadContext {
	return &UploadContext{
		RequestID:  requestID,
		Request:    req,
		RecordIDs:  recordIDs,
		Latency:    latency,
		PackageIDs: make(map[string]int64),
		State:      StateCreated,
	}
}

// Submit transitions Created -> InFlight.
func (u *UploadContext) Submit(submitTimeMs int64) {
	u.SubmitTimeMs = submitTimeMs
	u.State = StateInFlight
}

// Cancel transitions InFlight -> Aborted.
func (u *UploadContext) Cancel() {
	if u.State == StateInFlight {
		u.State = StateAborted
	}
}

// Respond transitions InFlight or Aborted -> Completing, attaching the
// response and computing duration.
func (u *UploadContext) Respond(resp *Response, nowMs int64) {
	u.Response = resp
	u.DurationMs = nowMs - u.SubmitTimeMs
	if u.State == StateInFlight || u.State == StateAborted {
		u.State = StateCompleting
	}
}

// Done transitions Completing -> Terminal.
func (u *UploadContext) Done() {
	if u.State == StateCompleting {
		u.State = StateTerminal
	}
}
