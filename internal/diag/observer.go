// Package diag defines the pluggable diagnostic observer fan-out: pipeline
// lifecycle notifications route simultaneously to the diagnostic logger
// (logging.Logger) and to metrics, with each destination implemented as its own Observer.
package diag

// Observer receives pipeline lifecycle notifications. Implementations
// must not block the pipeline goroutine for long.
type Observer interface {
	OnStorageOpened(backend string)
	OnStorageRecordsDropped(ids []string)
	OnTransportError(tenant string, statusCode int, err error)
	OnRetryExhausted(tenant string, ids []string)
	OnRecordsPoisoned(tenant string, statusCode int, ids []string)
	OnTenantPaused(tenant string)
	OnTenantResumed(tenant string)
}

// MultiObserver fans out every notification to all of its observers.
type MultiObserver struct {
	observers []Observer
}

// NewMultiObserver constructs an Observer fanning out to all given
// observers.
func NewMultiObserver(observers ...Observer) *MultiObserver {
	return &MultiObserver{observers: observers}
}

func (m *MultiObserver) OnStorageOpened(backend string) {
	for _, o := range m.observers {
		o.OnStorageOpened(backend)
	}
}

func (m *MultiObserver) OnStorageRecordsDropped(ids []string) {
	for _, o := range m.observers {
		o.OnStorageRecordsDropped(ids)
	}
}

func (m *MultiObserver) OnTransportError(tenant string, statusCode int, err error) {
	for _, o := range m.observers {
		o.OnTransportError(tenant, statusCode, err)
	}
}

func (m *MultiObserver) OnRetryExhausted(tenant string, ids []string) {
	for _, o := range m.observers {
		o.OnRetryExhausted(tenant, ids)
	}
}

func (m *MultiObserver) OnRecordsPoisoned(tenant string, statusCode int, ids []string) {
	for _, o := range m.observers {
		o.OnRecordsPoisoned(tenant, statusCode, ids)
	}
}

func (m *MultiObserver) OnTenantPaused(tenant string) {
	for _, o := range m.observers {
		o.OnTenantPaused(tenant)
	}
}

func (m *MultiObserver) OnTenantResumed(tenant string) {
	for _, o := range m.observers {
		o.OnTenantResumed(tenant)
	}
}

// NoopObserver discards every notification.
type NoopObserver struct{}

func NewNoopObserver() *NoopObserver { return &NoopObserver{} }

func (NoopObserver) OnStorageOpened(string)                   {}
func (NoopObserver) OnStorageRecordsDropped([]string)         {}
func (NoopObserver) OnTransportError(string, int, error)      {}
func (NoopObserver) OnRetryExhausted(string, []string)        {}
func (NoopObserver) OnRecordsPoisoned(string, int, []string)  {}
func (NoopObserver) OnTenantPaused(string)                    {}
func (NoopObserver) OnTenantResumed(string)                   {}
