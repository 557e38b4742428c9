package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/batch"
	"github.com/dipatid/cpp-client-telemetry/internal/circuitbreaker"
	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/diag"
	"github.com/dipatid/cpp-client-telemetry/internal/logging"
	"github.com/dipatid/cpp-client-telemetry/internal/metrics"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/observability"
	"github.com/dipatid/cpp-client-telemetry/internal/retry"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
	"github.com/dipatid/cpp-client-telemetry/internal/transport"
	"go.opentelemetry.io/otel/trace"
)

// ErrInboundQueueFull is returned by Enqueue when the inbound queue is full
// and the configured timeout elapses without room freeing up.
var ErrInboundQueueFull = errors.New("pipeline: inbound queue full")

const (
	DefaultMaxInboundEvents = 2048
	DefaultUploadIntervalMs = 30_000
	DefaultFlushTimeoutMs   = 5_000
	DefaultMaxRetryCount    = 5
)

// Config tunes one Controller instance.
type Config struct {
	MaxInboundEvents  int
	LogEventTimeoutMs int64 // 0 = fail fast when the inbound queue is full
	DropOldestOnFull  bool
	UploadIntervalMs  int64
	FlushTimeoutMs    int64
	MaxRetryCount     uint16
	BreakerConfig     circuitbreaker.Config

	// MaxConcurrentUploads seeds AdaptiveConcurrency's ceiling; it should
	// match the batcher's own Config.MaxConcurrentUploads, which remains
	// the hard cap the adaptive budget can only narrow, never exceed.
	MaxConcurrentUploads int
	Adaptive             AdaptiveConfig
}

func (c Config) withDefaults() Config {
	if c.MaxInboundEvents <= 0 {
		c.MaxInboundEvents = DefaultMaxInboundEvents
	}
	if c.UploadIntervalMs <= 0 {
		c.UploadIntervalMs = DefaultUploadIntervalMs
	}
	if c.FlushTimeoutMs <= 0 {
		c.FlushTimeoutMs = DefaultFlushTimeoutMs
	}
	if c.MaxRetryCount <= 0 {
		c.MaxRetryCount = DefaultMaxRetryCount
	}
	if c.MaxConcurrentUploads <= 0 {
		c.MaxConcurrentUploads = 4
	}
	if c.BreakerConfig.ErrorPct <= 0 || c.BreakerConfig.WindowDuration <= 0 || c.BreakerConfig.OpenDuration <= 0 {
		c.BreakerConfig = circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: 60 * time.Second,
			OpenDuration:   30 * time.Second,
			HalfOpenProbes: 1,
		}
	}
	return c
}

// Controller owns the pipeline goroutine: the offline storage handle, the
// batcher, and the upload/retry/backoff decisions, all serialized onto one
// goroutine. Every other method is a thread-safe façade that communicates
// with that goroutine by channel.
type Controller struct {
	cfg     Config
	clock   clock.Clock
	storage storage.Storage
	batcher *batch.Batcher
	client  *transport.ClientManager
	retries *retry.Registry
	breaker *circuitbreaker.Registry
	observer diag.Observer
	metrics *metrics.Metrics
	wake    *Notifier
	adaptive *AdaptiveConcurrency

	inbound chan *storage.Record
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu           sync.Mutex
	started      bool
	paused       bool
	activePairs  map[string]bool
	backoffUntil map[string]time.Time
	pausedTenant map[string]bool
	flushWaiters []chan struct{}
	uploadSpans  map[string]trace.Span
}

// New constructs a Controller. m may be nil to discard in-process metrics;
// the stored and upload-attempt counters then reach Prometheus neither,
// since they bridge through m. The in-flight and backoff gauges are set
// through internal/metrics's package functions regardless.
func New(cfg Config, c clock.Clock, st storage.Storage, b *batch.Batcher, cm *transport.ClientManager, retries *retry.Registry, breaker *circuitbreaker.Registry, observer diag.Observer, m *metrics.Metrics) *Controller {
	if observer == nil {
		observer = diag.NewNoopObserver()
	}
	full := cfg.withDefaults()
	return &Controller{
		cfg:          full,
		clock:        c,
		storage:      st,
		batcher:      b,
		client:       cm,
		retries:      retries,
		breaker:      breaker,
		observer:     observer,
		metrics:      m,
		wake:         NewNotifier(),
		adaptive:     newAdaptiveConcurrency(full.Adaptive, full.MaxConcurrentUploads),
		inbound:      make(chan *storage.Record, full.MaxInboundEvents),
		stopCh:       make(chan struct{}),
		activePairs:  make(map[string]bool),
		backoffUntil: make(map[string]time.Time),
		pausedTenant: make(map[string]bool),
		uploadSpans:  make(map[string]trace.Span),
	}
}

// Start opens the backing store and launches the pipeline goroutine.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.storage.Initialize(ctx, c.observer); err != nil {
		return fmt.Errorf("pipeline: storage initialize: %w", err)
	}

	if c.cfg.Adaptive.Enabled {
		c.adaptive.Start()
	}

	c.wg.Add(1)
	go c.run()
	logging.Op().Info("pipeline controller started")
	return nil
}

// Stop cancels any in-flight uploads and halts the pipeline goroutine.
// Callers that want queued records delivered first should call Flush
// before Stop — Stop itself does not wait for pending uploads to land.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	c.mu.Unlock()

	close(c.stopCh)
	c.wg.Wait()
	if c.cfg.Adaptive.Enabled {
		c.adaptive.Stop()
	}
	c.client.CancelAllRequestsAsync()
	c.wake.Close()
	if err := c.storage.Close(); err != nil {
		logging.Op().Error("pipeline: storage close failed", "error", err)
	}
	logging.Op().Info("pipeline controller stopped")
}

// Enqueue pushes an already-enriched, already-serialized record onto the
// bounded inbound queue. LogEvent blocks only here, either up to
// LogEventTimeoutMs or by dropping the oldest queued record, depending on
// configuration.
func (c *Controller) Enqueue(ctx context.Context, r *storage.Record) error {
	select {
	case c.inbound <- r:
		return nil
	default:
	}

	if c.cfg.DropOldestOnFull {
		select {
		case <-c.inbound:
		default:
		}
		select {
		case c.inbound <- r:
			return nil
		default:
			return ErrInboundQueueFull
		}
	}

	if c.cfg.LogEventTimeoutMs <= 0 {
		return ErrInboundQueueFull
	}
	timer := time.NewTimer(time.Duration(c.cfg.LogEventTimeoutMs) * time.Millisecond)
	defer timer.Stop()
	select {
	case c.inbound <- r:
		return nil
	case <-timer.C:
		return ErrInboundQueueFull
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PauseTransmission stops new batches from being produced; in-flight
// uploads still drain normally and queued records remain on disk.
func (c *Controller) PauseTransmission() {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()
	logging.Op().Info("pipeline transmission paused")
}

// ResumeTransmission re-enables batch production and wakes the pipeline
// goroutine immediately.
func (c *Controller) ResumeTransmission() {
	c.mu.Lock()
	c.paused = false
	c.mu.Unlock()
	logging.Op().Info("pipeline transmission resumed")
	c.wake.Notify()
}

// UploadNow signals the pipeline goroutine to run a batch-production pass
// even if the idle timer has not fired.
func (c *Controller) UploadNow() {
	c.wake.Notify()
}

// Flush waits up to FlushTimeoutMs for the in-flight set to empty and for
// storage to hold no more records.
func (c *Controller) Flush(ctx context.Context) error {
	ctx, span := observability.StartSpan(ctx, "telemetry.flush")
	defer span.End()

	done := make(chan struct{})
	c.mu.Lock()
	c.flushWaiters = append(c.flushWaiters, done)
	c.mu.Unlock()
	c.wake.Notify()

	timeout := time.Duration(c.cfg.FlushTimeoutMs) * time.Millisecond
	select {
	case <-done:
		observability.SetSpanOK(span)
		return nil
	case <-time.After(timeout):
		err := fmt.Errorf("pipeline: flush timed out after %s", timeout)
		observability.SetSpanError(span, err)
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the single pipeline goroutine. Storage is touched only here.
func (c *Controller) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(time.Duration(c.cfg.UploadIntervalMs) * time.Millisecond)
	defer ticker.Stop()
	wakeCh := c.wake.Subscribe()

	for {
		select {
		case <-c.stopCh:
			return
		case r := <-c.inbound:
			c.storeRecord(r)
		case comp := <-c.client.Completions():
			c.handleCompletion(comp)
		case <-ticker.C:
			c.maybeProduce()
			if c.cfg.Adaptive.Enabled {
				ticker.Reset(c.adaptive.PollInterval())
			}
		case <-wakeCh:
			c.maybeProduce()
		}
	}
}

func (c *Controller) storeRecord(r *storage.Record) {
	if err := c.storage.StoreRecords(context.Background(), []*storage.Record{r}); err != nil {
		logging.Op().Error("pipeline: store record failed", "error", err, "record_id", r.ID)
		return
	}
	if c.metrics != nil {
		c.metrics.RecordStored(r.TenantToken)
	}
	c.checkQuiescence()
}

func (c *Controller) maybeProduce() {
	c.mu.Lock()
	paused := c.paused
	c.mu.Unlock()
	if paused {
		return
	}

	breakerSkip := make(map[string]bool)
	activePair := func(tenant string, latency model.Latency) bool {
		if c.isPairActive(tenant, latency) {
			return true
		}
		if c.inBackoff(tenant) {
			return true
		}
		if skip, ok := breakerSkip[tenant]; ok {
			return skip
		}
		skip := false
		if b := c.breaker.Get(tenant, c.cfg.BreakerConfig); b != nil {
			allowed := b.Allow()
			skip = !allowed
			c.noteBreakerAllowed(tenant, allowed)
		}
		breakerSkip[tenant] = skip
		return skip
	}

	inFlight := c.client.InFlightCount()
	budget := 0
	if c.cfg.Adaptive.Enabled {
		budget = c.adaptive.Budget()
	}
	contexts, err := c.batcher.ProduceBatches(context.Background(), c.storage, activePair, inFlight, budget)
	if err != nil {
		logging.Op().Error("pipeline: produce batches failed", "error", err)
		return
	}

	if c.cfg.Adaptive.Enabled {
		if depth, err := c.storage.GetRecordCount(context.Background(), model.LatencyUnspecified); err == nil {
			c.adaptive.SetQueueDepth(int64(depth))
		}
	}

	for _, uc := range contexts {
		tenant := soleTenant(uc)
		c.markPairActive(tenant, uc.Latency)
		_, span := observability.StartSpan(context.Background(), "telemetry.upload",
			observability.AttrTenant.String(tenant),
			observability.AttrLatency.Int(int(uc.Latency)),
			observability.AttrRecordCount.Int(len(uc.RecordIDs)),
		)
		c.mu.Lock()
		c.uploadSpans[uc.RequestID] = span
		c.mu.Unlock()
		c.client.SendRequest(context.Background(), uc)
	}
	if len(contexts) > 0 {
		metrics.SetInflightUploads(c.client.InFlightCount())
	}
	c.checkQuiescence()
}

func (c *Controller) handleCompletion(comp transport.Completion) {
	uc := comp.Ctx
	uc.Done()
	tenant := soleTenant(uc)
	c.clearPairActive(tenant, uc.Latency)
	metrics.SetInflightUploads(c.client.InFlightCount())
	if c.cfg.Adaptive.Enabled {
		c.adaptive.RecordCompleted(1)
	}

	result, statusCode := classifyResponse(comp.Response)
	action := retry.Decide(result, statusCode)

	var headers map[string]string
	var respErr error
	if comp.Response != nil {
		headers = comp.Response.Headers
		respErr = comp.Response.Err
	}

	c.mu.Lock()
	span := c.uploadSpans[uc.RequestID]
	delete(c.uploadSpans, uc.RequestID)
	c.mu.Unlock()
	if span != nil {
		span.SetAttributes(observability.AttrStatusCode.Int(statusCode), observability.AttrAction.Int(int(action)))
		if action == retry.ActionDeleteSucceeded {
			observability.SetSpanOK(span)
		} else if respErr != nil {
			observability.SetSpanError(span, respErr)
		}
		span.End()
	}

	switch action {
	case retry.ActionDeleteSucceeded:
		if err := c.storage.DeleteRecords(context.Background(), uc.RecordIDs, headers); err != nil {
			logging.Op().Error("pipeline: delete succeeded records failed", "error", err)
		}
		c.retries.Get(tenant).Reset()
		if b := c.breaker.Get(tenant, c.cfg.BreakerConfig); b != nil {
			b.RecordSuccess()
			c.noteBreakerAllowed(tenant, b.Allow())
		}
		if c.metrics != nil {
			c.metrics.RecordUploadAttempt(tenant, "ok", uc.DurationMs, len(uc.RecordIDs), true)
		}

	case retry.ActionReleaseRetry:
		if err := c.storage.ReleaseRecords(context.Background(), uc.RecordIDs, true, c.cfg.MaxRetryCount, headers); err != nil {
			logging.Op().Error("pipeline: release records failed", "error", err)
		}
		c.scheduleBackoff(tenant, headers["Retry-After"])
		if b := c.breaker.Get(tenant, c.cfg.BreakerConfig); b != nil {
			b.RecordFailure()
		}
		c.observer.OnTransportError(tenant, statusCode, respErr)
		if c.metrics != nil {
			c.metrics.RecordUploadAttempt(tenant, "retry", uc.DurationMs, 0, false)
		}

	case retry.ActionReleaseRetryPauseTenant:
		if err := c.storage.ReleaseRecords(context.Background(), uc.RecordIDs, true, c.cfg.MaxRetryCount, headers); err != nil {
			logging.Op().Error("pipeline: release records failed", "error", err)
		}
		c.scheduleBackoff(tenant, headers["Retry-After"])
		if b := c.breaker.Get(tenant, c.cfg.BreakerConfig); b != nil {
			b.RecordAuthFailure()
		}
		c.noteBreakerAllowed(tenant, false)
		c.observer.OnTransportError(tenant, statusCode, respErr)
		c.observer.OnTenantPaused(tenant)
		if c.metrics != nil {
			c.metrics.RecordUploadAttempt(tenant, "auth_failure", uc.DurationMs, 0, false)
		}

	case retry.ActionDeletePoisoned:
		if err := c.storage.DeleteRecords(context.Background(), uc.RecordIDs, headers); err != nil {
			logging.Op().Error("pipeline: delete poisoned records failed", "error", err)
		}
		c.observer.OnRecordsPoisoned(tenant, statusCode, uc.RecordIDs)
		if c.metrics != nil {
			c.metrics.RecordUploadAttempt(tenant, "poisoned", uc.DurationMs, 0, false)
		}

	case retry.ActionReleaseNoRetry:
		if err := c.storage.ReleaseRecords(context.Background(), uc.RecordIDs, false, c.cfg.MaxRetryCount, headers); err != nil {
			logging.Op().Error("pipeline: release records failed", "error", err)
		}
		if c.metrics != nil {
			c.metrics.RecordUploadAttempt(tenant, "aborted", uc.DurationMs, 0, false)
		}
	}

	c.checkQuiescence()
}

func (c *Controller) scheduleBackoff(tenant, retryAfter string) {
	p := c.retries.Get(tenant)
	if retryAfter != "" {
		p.SetRetryAfter(retryAfter)
	}
	d := p.NextBackOff()
	c.mu.Lock()
	c.backoffUntil[tenant] = c.clock.Now().Add(d)
	c.mu.Unlock()
	metrics.SetTenantBackoffSeconds(tenant, d.Seconds())
}

func (c *Controller) inBackoff(tenant string) bool {
	c.mu.Lock()
	until, ok := c.backoffUntil[tenant]
	c.mu.Unlock()
	return ok && c.clock.Now().Before(until)
}

// noteBreakerAllowed emits OnTenantResumed exactly once when a
// previously-paused tenant becomes allowed again.
func (c *Controller) noteBreakerAllowed(tenant string, allowed bool) {
	c.mu.Lock()
	wasPaused := c.pausedTenant[tenant]
	if allowed {
		delete(c.pausedTenant, tenant)
	} else {
		c.pausedTenant[tenant] = true
	}
	c.mu.Unlock()
	if allowed && wasPaused {
		c.observer.OnTenantResumed(tenant)
	}
}

func pairKey(tenant string, latency model.Latency) string {
	return fmt.Sprintf("%s|%d", tenant, latency)
}

func (c *Controller) isPairActive(tenant string, latency model.Latency) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activePairs[pairKey(tenant, latency)]
}

func (c *Controller) markPairActive(tenant string, latency model.Latency) {
	c.mu.Lock()
	c.activePairs[pairKey(tenant, latency)] = true
	c.mu.Unlock()
}

func (c *Controller) clearPairActive(tenant string, latency model.Latency) {
	c.mu.Lock()
	delete(c.activePairs, pairKey(tenant, latency))
	c.mu.Unlock()
}

// checkQuiescence releases any Flush waiters once nothing is in flight and
// storage holds no more records. Must run on the pipeline goroutine.
func (c *Controller) checkQuiescence() {
	c.mu.Lock()
	if len(c.flushWaiters) == 0 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if c.client.InFlightCount() != 0 {
		return
	}
	count, err := c.storage.GetRecordCount(context.Background(), model.LatencyUnspecified)
	if err != nil || count != 0 {
		return
	}

	c.mu.Lock()
	waiters := c.flushWaiters
	c.flushWaiters = nil
	c.mu.Unlock()
	for _, w := range waiters {
		close(w)
	}
}

// soleTenant extracts the one tenant token an UploadContext's batch was
// built for (a batch groups records by (tenant, latency), so PackageIDs
// always holds exactly one entry).
func soleTenant(uc *transport.UploadContext) string {
	for tenant := range uc.PackageIDs {
		return tenant
	}
	return ""
}

// classifyResponse maps a transport.Response onto the retry decision
// table's HttpResult input.
func classifyResponse(resp *transport.Response) (retry.Result, int) {
	if resp == nil {
		return retry.ResultLocalFailure, 0
	}
	if resp.Aborted {
		return retry.ResultAborted, resp.StatusCode
	}
	if resp.Err != nil {
		return retry.ResultNetworkFailure, resp.StatusCode
	}
	return retry.ResultOk, resp.StatusCode
}
