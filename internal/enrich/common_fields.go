package enrich

import (
	"sync/atomic"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// CommonFields fills iKey from the tenant token, assigns a monotonically
// increasing sequence number, and sets timestamp_ms if it was left zero.
type CommonFields struct {
	TenantToken string
	Clock       clock.Clock
	sequence    atomic.Uint64
}

// NewCommonFields constructs a CommonFields decorator for a tenant.
func NewCommonFields(tenantToken string, c clock.Clock) *CommonFields {
	return &CommonFields{TenantToken: tenantToken, Clock: c}
}

func (cf *CommonFields) Decorate(e *model.Event) bool {
	if e.TimestampMs == 0 {
		e.TimestampMs = cf.Clock.NowUnixMs()
	}
	seq := cf.sequence.Add(1)
	e.SetString("iKey", cf.TenantToken)
	e.SetInt64("sequence_number", int64(seq))
	return true
}
