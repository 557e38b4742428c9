// Package retry implements the per-tenant retry and backoff decision: a
// decision table over (HttpResult, status_code), plus an exponential
// backoff timer per tenant with jitter and a Retry-After override
// (Policy.SetRetryAfter).
package retry

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Result is the outcome of an upload attempt, mirroring the original
// SDK's HttpResult enum.
type Result int

const (
	ResultOk Result = iota
	ResultLocalFailure
	ResultNetworkFailure
	ResultAborted
)

// Action tells the pipeline controller what to do with a batch's record
// ids after an upload attempt completes.
type Action int

const (
	// ActionDeleteSucceeded: delete_records(ids); reset tenant backoff.
	ActionDeleteSucceeded Action = iota
	// ActionReleaseRetry: release_records(ids, retry=true); schedule backoff.
	ActionReleaseRetry
	// ActionReleaseRetryPauseTenant: release_records(ids, retry=true);
	// raise auth error; pause tenant (401/403).
	ActionReleaseRetryPauseTenant
	// ActionDeletePoisoned: delete_records(ids); the batch is unrecoverable.
	ActionDeletePoisoned
	// ActionReleaseNoRetry: release_records(ids, retry=false); aborted.
	ActionReleaseNoRetry
)

// Decide maps an upload attempt's outcome onto what the pipeline should
// do with the batch's record ids next.
func Decide(result Result, statusCode int) Action {
	if result == ResultAborted {
		return ActionReleaseNoRetry
	}
	if result == ResultNetworkFailure {
		return ActionReleaseRetry
	}
	if result == ResultOk && statusCode >= 200 && statusCode <= 299 {
		return ActionDeleteSucceeded
	}
	switch statusCode {
	case 408, 429, 500, 503, 504:
		return ActionReleaseRetry
	case 401, 403:
		return ActionReleaseRetryPauseTenant
	}
	if statusCode >= 400 && statusCode < 500 {
		return ActionDeletePoisoned
	}
	// LocalFailure with no informative status: treat as retryable network
	// noise rather than silently dropping the batch.
	return ActionReleaseRetry
}

// PolicyConfig tunes a Policy's exponential curve. NewPolicyWithConfig
// replaces any field left at its zero value with the DefaultPolicyConfig
// value.
type PolicyConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultPolicyConfig is the default backoff curve: base=1s, factor=2,
// cap=30s, jitter=±20%.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		InitialInterval:     1 * time.Second,
		MaxInterval:         30 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

// Policy is a per-tenant exponential backoff timer. A Retry-After response
// header overrides the computed value for the tenant's very next attempt.
type Policy struct {
	mu           sync.Mutex
	backoff      *backoff.ExponentialBackOff
	overrideNext time.Duration
}

// NewPolicy constructs a Policy with the default backoff curve.
func NewPolicy() *Policy {
	return NewPolicyWithConfig(DefaultPolicyConfig())
}

// NewPolicyWithConfig constructs a Policy with a caller-supplied curve,
// falling back to the package default for any field left at its zero
// value so a partially-specified config.BackoffConfig can't produce a
// degenerate zero-interval backoff.
func NewPolicyWithConfig(cfg PolicyConfig) *Policy {
	def := DefaultPolicyConfig()
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.RandomizationFactor <= 0 {
		cfg.RandomizationFactor = def.RandomizationFactor
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.Multiplier = cfg.Multiplier
	b.MaxInterval = cfg.MaxInterval
	b.RandomizationFactor = cfg.RandomizationFactor
	return &Policy{backoff: b}
}

// NextBackOff returns how long to wait before the tenant's next upload
// attempt. If a Retry-After override was recorded via SetRetryAfter, it is
// consumed (used exactly once) in place of the exponential value.
func (p *Policy) NextBackOff() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.overrideNext > 0 {
		d := p.overrideNext
		p.overrideNext = 0
		return d
	}
	return p.backoff.NextBackOff()
}

// Reset clears the exponential backoff state after a successful upload.
func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.backoff.Reset()
	p.overrideNext = 0
}

// SetRetryAfter records a server Retry-After hint (seconds or HTTP-date)
// to override the next backoff computation for this tenant.
func (p *Policy) SetRetryAfter(header string) {
	if header == "" {
		return
	}
	d, ok := parseRetryAfter(header)
	if !ok {
		return
	}
	p.mu.Lock()
	p.overrideNext = d
	p.mu.Unlock()
}

// parseRetryAfter accepts either a delta-seconds value or an HTTP-date,
// per RFC 7231 §7.1.3.
func parseRetryAfter(header string) (time.Duration, bool) {
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// Registry holds per-tenant retry policies, created lazily on first use.
// Every tenant gets the same curve, set once at construction.
type Registry struct {
	mu       sync.RWMutex
	cfg      PolicyConfig
	policies map[string]*Policy
}

// NewRegistry constructs an empty Registry using the default backoff
// curve for every tenant.
func NewRegistry() *Registry {
	return NewRegistryWithConfig(DefaultPolicyConfig())
}

// NewRegistryWithConfig constructs an empty Registry whose tenant policies
// all share cfg (typically derived from config.Config.Backoff).
func NewRegistryWithConfig(cfg PolicyConfig) *Registry {
	return &Registry{cfg: cfg, policies: make(map[string]*Policy)}
}

// Get returns the Policy for a tenant, creating one if absent.
func (r *Registry) Get(tenant string) *Policy {
	r.mu.RLock()
	p, ok := r.policies[tenant]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.policies[tenant]; ok {
		return p
	}
	p = NewPolicyWithConfig(r.cfg)
	r.policies[tenant] = p
	return p
}
