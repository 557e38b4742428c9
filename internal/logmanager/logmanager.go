package logmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/batch"
	"github.com/dipatid/cpp-client-telemetry/internal/circuitbreaker"
	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/config"
	"github.com/dipatid/cpp-client-telemetry/internal/diag"
	"github.com/dipatid/cpp-client-telemetry/internal/enrich"
	"github.com/dipatid/cpp-client-telemetry/internal/logging"
	"github.com/dipatid/cpp-client-telemetry/internal/metrics"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/pipeline"
	"github.com/dipatid/cpp-client-telemetry/internal/retry"
	"github.com/dipatid/cpp-client-telemetry/internal/serializer"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
	"github.com/dipatid/cpp-client-telemetry/internal/transport"
)

// scopeForConfig maps the config-level scope name (config.scope) onto the
// logger-level enrich.Scope enum the primary logger (the one implicitly
// created for config.primary_token) uses.
func scopeForConfig(s string) enrich.Scope {
	switch s {
	case config.ScopeNone:
		return enrich.ScopeNone
	case config.ScopeEmpty:
		return enrich.ScopeEmpty
	default:
		return enrich.ScopeAll
	}
}

// LogManager is one opened telemetry instance: a pipeline controller plus
// a set of Logger handles sharing its global semantic context.
type LogManager struct {
	cfg         config.Config
	fingerprint string
	controller  *pipeline.Controller
	storage     storage.Storage
	serializer  serializer.Serializer
	globalCtx   map[string]string
	diagLogger  *logging.Logger

	mu      sync.Mutex
	loggers map[string]*Logger // keyed by "token|source|scope"
	refs    int
}

func loggerKey(token, source string, scope enrich.Scope) string {
	return fmt.Sprintf("%s|%s|%d", token, source, scope)
}

// newLogManager constructs and starts one instance for cfg. Not exported:
// callers go through the package-level Create/Release factory in
// factory.go, which enforces the fingerprint/refcount contract.
func newLogManager(ctx context.Context, cfg config.Config) (*LogManager, error) {
	st, err := storage.Open(cfg.StorageBackend, cfg.CacheFilePath, clock.Real{}, cfg.MaxStorageSizeBytes)
	if err != nil {
		return nil, fmt.Errorf("logmanager: open storage: %w", err)
	}

	ser := serializer.JSONSerializer{}
	b := batch.New(batch.Config{
		Endpoint:             cfg.CollectorURL,
		MaxPayloadBytes:      cfg.MaxPayloadBytes,
		ReservationWindowMs:  cfg.ReservationWindowMs,
		MaxConcurrentUploads: cfg.MaxConcurrentUploads,
	}, ser)
	httpClient := transport.NewNetHTTPClient(nil)
	clientMgr := transport.NewClientManager(httpClient, clock.Real{}, cfg.MaxConcurrentUploads*4)

	diagLogger := logging.Default()
	if cfg.Observability.DiagnosticLogFile != "" {
		if err := diagLogger.SetOutput(cfg.Observability.DiagnosticLogFile); err != nil {
			return nil, fmt.Errorf("logmanager: open diagnostic log: %w", err)
		}
	}
	observer := diag.NewMultiObserver(
		diag.NewLoggingObserver(diagLogger),
		diag.NewMetricsObserver(metrics.Global()),
	)

	pcfg := pipeline.Config{
		UploadIntervalMs: cfg.UploadIntervalMs,
		FlushTimeoutMs:   cfg.FlushTimeoutMs,
		MaxRetryCount:    uint16(cfg.MaxRetryCount),
		BreakerConfig: circuitbreaker.Config{
			ErrorPct:       50,
			WindowDuration: 60 * time.Second,
			OpenDuration:   30 * time.Second,
			HalfOpenProbes: 1,
		},
		MaxConcurrentUploads: cfg.MaxConcurrentUploads,
	}
	retries := retry.NewRegistryWithConfig(retry.PolicyConfig{
		InitialInterval:     time.Duration(cfg.Backoff.InitialIntervalMs) * time.Millisecond,
		MaxInterval:         time.Duration(cfg.Backoff.MaxIntervalMs) * time.Millisecond,
		Multiplier:          cfg.Backoff.Multiplier,
		RandomizationFactor: cfg.Backoff.RandomizationFactor,
	})
	controller := pipeline.New(pcfg, clock.Real{}, st, b, clientMgr, retries, circuitbreaker.NewRegistry(), observer, metrics.Global())
	if err := controller.Start(ctx); err != nil {
		return nil, fmt.Errorf("logmanager: start pipeline: %w", err)
	}

	lm := &LogManager{
		cfg:         cfg,
		fingerprint: cfg.Fingerprint(),
		controller:  controller,
		storage:     st,
		serializer:  ser,
		globalCtx:   make(map[string]string),
		diagLogger:  diagLogger,
		loggers:     make(map[string]*Logger),
		refs:        1,
	}

	lm.getOrCreateLogger(cfg.PrimaryToken, "", scopeForConfig(cfg.Scope))
	return lm, nil
}

// getOrCreateLogger returns the cached Logger for (token, source, scope),
// constructing it on first use.
func (lm *LogManager) getOrCreateLogger(token, source string, scope enrich.Scope) *Logger {
	key := loggerKey(token, source, scope)
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if l, ok := lm.loggers[key]; ok {
		return l
	}
	sem := enrich.NewSemanticContext(lm.globalCtx, scope)
	chain := enrich.NewChain(
		enrich.NewCommonFields(token, clock.Real{}),
		sem,
		enrich.NewDataInspector(),
	)
	l := &Logger{tenantToken: token, source: source, chain: chain, semantic: sem, serializer: lm.serializer, mgr: lm}
	lm.loggers[key] = l
	return l
}

// GetLogger returns a Logger for the given tenant token, event source
// name, and semantic context scope. Distinct (token, source, scope)
// tuples get distinct Logger instances; repeated calls with the same
// tuple return the same instance.
func (lm *LogManager) GetLogger(token, source string, scope enrich.Scope) *Logger {
	return lm.getOrCreateLogger(token, source, scope)
}

// LogEvent logs through the LogManager's primary logger (the one opened
// for cfg.PrimaryToken).
func (lm *LogManager) LogEvent(e *model.Event) error {
	return lm.GetLogger(lm.cfg.PrimaryToken, "", scopeForConfig(lm.cfg.Scope)).LogEvent(e)
}

// SetContext sets a global context value merged into every ScopeAll
// logger's events.
func (lm *LogManager) SetContext(key, value string) {
	lm.mu.Lock()
	lm.globalCtx[key] = value
	lm.mu.Unlock()
}

func (lm *LogManager) enqueue(ctx context.Context, r *storage.Record) error {
	return lm.controller.Enqueue(ctx, r)
}

// PauseTransmission stops the batcher after in-flight requests drain;
// queued records remain on disk.
func (lm *LogManager) PauseTransmission() { lm.controller.PauseTransmission() }

// ResumeTransmission re-enables batch production immediately.
func (lm *LogManager) ResumeTransmission() { lm.controller.ResumeTransmission() }

// UploadNow signals the pipeline to run a batch-production pass now.
func (lm *LogManager) UploadNow() { lm.controller.UploadNow() }

// Flush waits for the in-flight set to drain and storage to empty, up to
// the configured flush timeout.
func (lm *LogManager) Flush(ctx context.Context) error { return lm.controller.Flush(ctx) }

// shutdown stops the pipeline. Called by Release once the factory refcount
// reaches zero, after a graceful flush. The shared diagnostic logger
// outlives any one LogManager and is not closed here.
func (lm *LogManager) shutdown() {
	lm.controller.Stop()
}
