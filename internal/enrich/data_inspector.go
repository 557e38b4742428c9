package enrich

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

// DataConcern identifies a privacy concern a string/GUID inspector may
// flag against an event property.
type DataConcern int

const (
	ConcernNone DataConcern = iota
	ConcernContent
	ConcernLocation
	ConcernIPAddress
	ConcernURL
	ConcernUserName
	ConcernEmailAddress
)

// StringInspector evaluates a property's string value for a tenant and
// reports a concern, or ConcernNone.
type StringInspector func(value, tenantToken string) DataConcern

// ignoredKey identifies a (event name, field name, concern) tuple that
// should be suppressed even if an inspector flags it.
type ignoredKey struct {
	event, field string
	concern      DataConcern
}

// DataInspector evaluates configured inspectors against an event's
// properties and records concern annotations, suppressing any concern
// explicitly marked as ignored for that (event, field) pair.
type DataInspector struct {
	enabled atomic.Bool

	mu               sync.RWMutex
	stringInspectors []StringInspector
	ignored          map[ignoredKey]bool
}

// NewDataInspector constructs an enabled DataInspector with no inspectors
// configured.
func NewDataInspector() *DataInspector {
	di := &DataInspector{ignored: make(map[ignoredKey]bool)}
	di.enabled.Store(true)
	return di
}

func (d *DataInspector) SetEnabled(enabled bool) { d.enabled.Store(enabled) }
func (d *DataInspector) IsEnabled() bool         { return d.enabled.Load() }

// AddCustomStringValueInspector registers a custom concern inspector.
func (d *DataInspector) AddCustomStringValueInspector(inspector StringInspector) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stringInspectors = append(d.stringInspectors, inspector)
}

// AddIgnoredConcern suppresses a (event, field, concern) tuple even when an
// inspector would otherwise flag it.
func (d *DataInspector) AddIgnoredConcern(event, field string, concern DataConcern) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ignored[ignoredKey{event, field, concern}] = true
}

func (d *DataInspector) isIgnored(event, field string, concern DataConcern) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ignored[ignoredKey{event, field, concern}]
}

// Decorate inspects Part-B/Part-C string properties and attaches a
// "concern.<field>" annotation for the first non-ignored concern raised.
// Always returns true: inspection never vetoes an event.
func (d *DataInspector) Decorate(e *model.Event) bool {
	if !d.IsEnabled() {
		return true
	}
	d.mu.RLock()
	inspectors := append([]StringInspector(nil), d.stringInspectors...)
	d.mu.RUnlock()
	if len(inspectors) == 0 {
		return true
	}

	tenant := e.Properties["iKey"].Str
	for field, pv := range e.Properties {
		if pv.Kind != model.KindString {
			continue
		}
		if pv.Category != model.CategoryPartB && pv.Category != model.CategoryPartC {
			continue
		}
		for _, inspect := range inspectors {
			concern := inspect(pv.Str, tenant)
			if concern == ConcernNone || d.isIgnored(e.Name, field, concern) {
				continue
			}
			e.SetInt64(fmt.Sprintf("concern.%s", field), int64(concern))
			break
		}
	}
	return true
}
