package enrich

import (
	"sync"

	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// Scope controls whether a logger's events are merged with the host
// process's global semantic context.
type Scope int

const (
	// ScopeNone isolates the logger: the host's global context is never
	// merged into its events. Used by guest loggers that must not leak
	// host-process context (OTEL isolation, third-party embedding).
	ScopeNone Scope = iota
	// ScopeAll merges the full host global context into the logger's
	// events.
	ScopeAll
	// ScopeEmpty merges no host context: like ScopeNone, only the
	// logger's own SetContext values reach its events.
	ScopeEmpty
)

// SemanticContext holds the global (host) context plus any per-logger
// overrides, and merges them into an event according to the logger's
// Scope.
type SemanticContext struct {
	mu     sync.RWMutex
	global map[string]string
	scope  Scope
	local  map[string]string
}

// NewSemanticContext constructs a SemanticContext decorator for one
// logger, sharing the given global context map with its owning
// LogManager.
func NewSemanticContext(global map[string]string, scope Scope) *SemanticContext {
	return &SemanticContext{global: global, scope: scope, local: make(map[string]string)}
}

// SetContext sets a per-logger context value, visible regardless of scope.
func (s *SemanticContext) SetContext(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.local[key] = value
}

func (s *SemanticContext) Decorate(e *model.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.scope == ScopeAll {
		for k, v := range s.global {
			e.SetString("ctx."+k, v)
		}
	}
	// ScopeNone and ScopeEmpty never merge global context values; ScopeAll
	// is the only scope that does. A guest wanting isolation must request
	// ScopeNone explicitly — there is no facade here to silently
	// downgrade ScopeAll to ScopeEmpty.
	for k, v := range s.local {
		e.SetString("ctx."+k, v)
	}
	return true
}
