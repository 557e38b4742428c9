// Package model defines the in-flight event data model: Event, its
// property value union, and the enums attached to both events and
// individual properties.
package model

import (
	"fmt"
	"regexp"
)

// Latency classes an event's delivery urgency.
type Latency int

const (
	LatencyUnspecified Latency = iota
	LatencyOff
	LatencyNormal
	LatencyCostDeferred
	LatencyRealTime
	LatencyMax
)

func (l Latency) String() string {
	switch l {
	case LatencyOff:
		return "Off"
	case LatencyNormal:
		return "Normal"
	case LatencyCostDeferred:
		return "CostDeferred"
	case LatencyRealTime:
		return "RealTime"
	case LatencyMax:
		return "Max"
	default:
		return "Unspecified"
	}
}

// Persistence classes an event's durability requirement.
type Persistence int

const (
	PersistenceNormal Persistence = iota
	PersistenceCritical
)

func (p Persistence) String() string {
	if p == PersistenceCritical {
		return "Critical"
	}
	return "Normal"
}

// PiiKind tags a property value for privacy-aware enrichment pipelines.
type PiiKind int

const (
	PiiNone PiiKind = iota
	PiiDistinguishedName
	PiiGenericData
	PiiIPv4Address
	PiiIPv6Address
	PiiMailSubject
	PiiPhoneNumber
	PiiQueryString
	PiiSIPAddress
	PiiSMTPAddress
	PiiIdentity
	PiiURI
	PiiFQDN
)

// DataCategory buckets a property into the PartB/PartC CommonSchema
// tiers this module cares about.
type DataCategory int

const (
	CategoryPartB DataCategory = iota
	CategoryPartC
)

// nameRe implements the spec's property/event name grammar:
// [A-Za-z][A-Za-z0-9_.]*, at most 100 characters.
var nameRe = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// ValidateName enforces the event/property name grammar.
func ValidateName(name string) error {
	if name == "" {
		return fmt.Errorf("model: name must not be empty")
	}
	if len(name) > 100 {
		return fmt.Errorf("model: name %q exceeds 100 characters", name)
	}
	if !nameRe.MatchString(name) {
		return fmt.Errorf("model: name %q does not match [A-Za-z][A-Za-z0-9_.]*", name)
	}
	return nil
}

// ValueKind discriminates the PropertyValue tagged union.
type ValueKind int

const (
	KindString ValueKind = iota
	KindInt64
	KindDouble
	KindBool
	KindGuid
	KindTimeTicks
	KindStringArray
	KindInt64Array
	KindDoubleArray
	KindGuidArray
)

// PropertyValue is a tagged variant over the supported value kinds, plus
// the PII/category tags attached per-property. Builder ergonomics for
// setting these are supplemented via functional options (WithPii,
// WithCategory) on the typed Event.Set* setters.
type PropertyValue struct {
	Kind     ValueKind
	Str      string
	I64      int64
	F64      float64
	B        bool
	Guid     string
	Ticks    int64
	StrArr   []string
	I64Arr   []int64
	F64Arr   []float64
	GuidArr  []string
	Pii      PiiKind
	Category DataCategory
}

// PropertyOption customizes a PropertyValue at SetProperty time.
type PropertyOption func(*PropertyValue)

// WithPii tags the property with a PII kind.
func WithPii(kind PiiKind) PropertyOption {
	return func(pv *PropertyValue) { pv.Pii = kind }
}

// WithCategory tags the property with a CommonSchema data category.
func WithCategory(cat DataCategory) PropertyOption {
	return func(pv *PropertyValue) { pv.Category = cat }
}

// Event is the in-flight, pre-serialization representation of a logged
// telemetry event.
type Event struct {
	Name           string
	Type           string
	TimestampMs    int64
	Priority       int
	Latency        Latency
	Persistence    Persistence
	PopSample      float64
	PolicyBitFlags uint64
	Properties     map[string]PropertyValue
}

// New constructs an Event with an empty property map. TimestampMs of 0
// tells the pipeline to fill it in from the clock at enqueue time.
func New(name string) (*Event, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return &Event{
		Name:       name,
		Latency:    LatencyNormal,
		PopSample:  100,
		Properties: make(map[string]PropertyValue),
	}, nil
}

func (e *Event) set(name string, pv PropertyValue, opts ...PropertyOption) error {
	if err := ValidateName(name); err != nil {
		return err
	}
	for _, opt := range opts {
		opt(&pv)
	}
	e.Properties[name] = pv
	return nil
}

func (e *Event) SetString(name, value string, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindString, Str: value}, opts...)
}

func (e *Event) SetInt64(name string, value int64, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindInt64, I64: value}, opts...)
}

func (e *Event) SetDouble(name string, value float64, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindDouble, F64: value}, opts...)
}

func (e *Event) SetBool(name string, value bool, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindBool, B: value}, opts...)
}

func (e *Event) SetGuid(name, value string, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindGuid, Guid: value}, opts...)
}

func (e *Event) SetTimeTicks(name string, value int64, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindTimeTicks, Ticks: value}, opts...)
}

func (e *Event) SetStringArray(name string, value []string, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindStringArray, StrArr: value}, opts...)
}

func (e *Event) SetInt64Array(name string, value []int64, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindInt64Array, I64Arr: value}, opts...)
}

func (e *Event) SetDoubleArray(name string, value []float64, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindDoubleArray, F64Arr: value}, opts...)
}

func (e *Event) SetGuidArray(name string, value []string, opts ...PropertyOption) error {
	return e.set(name, PropertyValue{Kind: KindGuidArray, GuidArr: value}, opts...)
}
