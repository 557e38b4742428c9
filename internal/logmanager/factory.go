package logmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dipatid/cpp-client-telemetry/internal/config"
)

// ErrAlreadyOpen is returned by Create when a LogManager for the same
// config fingerprint (primary_token + host + scope) is already open.
var ErrAlreadyOpen = errors.New("logmanager: already open for this fingerprint")

var (
	registryMu sync.Mutex
	registry   = make(map[string]*LogManager)
)

// Create opens a LogManager for cfg. A second Create call with the same
// config fingerprint fails with ErrAlreadyOpen rather than handing back
// the existing instance or opening a second one against the same cache
// file; callers that want to share an instance must pass it around
// themselves, or call Release and Create again.
func Create(ctx context.Context, cfg config.Config) (*LogManager, error) {
	fp := cfg.Fingerprint()

	registryMu.Lock()
	if _, ok := registry[fp]; ok {
		registryMu.Unlock()
		return nil, ErrAlreadyOpen
	}
	// Reserve the slot before doing any I/O so two concurrent Create calls
	// for the same fingerprint can't both pass the check above and both
	// open the same cache file.
	registry[fp] = nil
	registryMu.Unlock()

	lm, err := newLogManager(ctx, cfg)
	if err != nil {
		registryMu.Lock()
		delete(registry, fp)
		registryMu.Unlock()
		return nil, err
	}

	registryMu.Lock()
	registry[fp] = lm
	registryMu.Unlock()
	return lm, nil
}

// Retain increments the refcount on an already-open LogManager for cfg's
// fingerprint, returning it. Returns an error if none is open.
func Retain(cfg config.Config) (*LogManager, error) {
	fp := cfg.Fingerprint()

	registryMu.Lock()
	defer registryMu.Unlock()
	lm, ok := registry[fp]
	if !ok || lm == nil {
		return nil, fmt.Errorf("logmanager: no open instance for this fingerprint")
	}
	lm.mu.Lock()
	lm.refs++
	lm.mu.Unlock()
	return lm, nil
}

// Release decrements the refcount for cfg's fingerprint. At zero the
// instance is flushed and torn down and removed from the factory table.
func Release(ctx context.Context, cfg config.Config) error {
	fp := cfg.Fingerprint()

	registryMu.Lock()
	lm, ok := registry[fp]
	if !ok || lm == nil {
		registryMu.Unlock()
		return fmt.Errorf("logmanager: no open instance for this fingerprint")
	}

	lm.mu.Lock()
	lm.refs--
	remaining := lm.refs
	lm.mu.Unlock()

	if remaining > 0 {
		registryMu.Unlock()
		return nil
	}

	delete(registry, fp)
	registryMu.Unlock()

	_ = lm.Flush(ctx)
	lm.shutdown()
	return nil
}
