// Package logmanager implements the LogManager façade: a factory keyed
// by config fingerprint producing instances that own a pipeline
// controller, plus per-tenant Logger handles built from the standard
// enrichment chain.
package logmanager

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/dipatid/cpp-client-telemetry/internal/enrich"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/serializer"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
)

// Logger is a per-(tenant, source, scope) handle returned by
// LogManager.GetLogger. It owns its own enrichment chain; LogEvent on the
// owning LogManager and LogEvent on a Logger both ultimately enqueue onto
// the same pipeline Controller.
type Logger struct {
	tenantToken string
	source      string
	chain       *enrich.Chain
	semantic    *enrich.SemanticContext
	serializer  serializer.Serializer
	mgr         *LogManager
}

// SetContext sets a per-logger context value, visible in this logger's
// events regardless of its Scope.
func (l *Logger) SetContext(key, value string) {
	l.semantic.SetContext(key, value)
}

// LogEvent runs the logger's enrichment chain and enqueues the event for
// delivery. A decorator veto (chain returns false) drops the event
// silently.
func (l *Logger) LogEvent(e *model.Event) error {
	if !l.chain.Decorate(e) {
		return nil
	}
	blob, err := l.serializer.SerializeEvent(e)
	if err != nil {
		return fmt.Errorf("logmanager: serialize event: %w", err)
	}
	rec := &storage.Record{
		ID:          uuid.NewString(),
		TenantToken: l.tenantToken,
		Latency:     e.Latency,
		Persistence: e.Persistence,
		TimestampMs: e.TimestampMs,
		Blob:        blob,
	}
	return l.mgr.enqueue(context.Background(), rec)
}
