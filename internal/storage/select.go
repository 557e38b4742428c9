package storage

import (
	"fmt"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
)

// Backend names the selectable offline storage engine.
type Backend string

const (
	BackendSQLite Backend = "sqlite"
	BackendBolt   Backend = "bolt"
	BackendMemory Backend = "memory"
)

// Open constructs the Storage implementation for the given backend. path is
// ignored for BackendMemory.
func Open(backend Backend, path string, c clock.Clock, maxSizeBytes int64) (Storage, error) {
	switch backend {
	case BackendSQLite, "":
		return NewSQLiteStorage(path, c, maxSizeBytes)
	case BackendBolt:
		return NewBoltStorage(path, c, maxSizeBytes)
	case BackendMemory:
		return NewMemoryStorage(c, maxSizeBytes), nil
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}
