package enrich

import (
	"testing"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/clock"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
)

func TestCommonFields_FillsTimestampAndSequence(t *testing.T) {
	fc := clock.NewFake(time.Unix(1000, 0))
	cf := NewCommonFields("tenant-1", fc)

	e, _ := model.New("my.event")
	if !cf.Decorate(e) {
		t.Fatal("CommonFields should never veto")
	}
	if e.TimestampMs != fc.NowUnixMs() {
		t.Fatalf("expected timestamp to be filled from clock, got %d", e.TimestampMs)
	}
	if e.Properties["sequence_number"].I64 != 1 {
		t.Fatalf("expected first sequence number to be 1, got %d", e.Properties["sequence_number"].I64)
	}

	e2, _ := model.New("my.event")
	cf.Decorate(e2)
	if e2.Properties["sequence_number"].I64 != 2 {
		t.Fatalf("expected second sequence number to be 2, got %d", e2.Properties["sequence_number"].I64)
	}
}

func TestSemanticContext_ScopeNoneDoesNotMergeGlobal(t *testing.T) {
	global := map[string]string{"host": "desktop"}
	sc := NewSemanticContext(global, ScopeNone)

	e, _ := model.New("my.event")
	sc.Decorate(e)
	if _, ok := e.Properties["ctx.host"]; ok {
		t.Fatal("ScopeNone must not merge global context")
	}
}

func TestSemanticContext_ScopeAllMergesGlobal(t *testing.T) {
	global := map[string]string{"host": "desktop"}
	sc := NewSemanticContext(global, ScopeAll)

	e, _ := model.New("my.event")
	sc.Decorate(e)
	if e.Properties["ctx.host"].Str != "desktop" {
		t.Fatalf("expected ScopeAll to merge global context, got %+v", e.Properties["ctx.host"])
	}
}

func TestDataInspector_SuppressesIgnoredConcern(t *testing.T) {
	di := NewDataInspector()
	di.AddCustomStringValueInspector(func(value, tenant string) DataConcern {
		if value == "10.0.0.1" {
			return ConcernIPAddress
		}
		return ConcernNone
	})
	di.AddIgnoredConcern("net.event", "addr", ConcernIPAddress)

	e, _ := model.New("net.event")
	e.SetString("addr", "10.0.0.1", model.WithCategory(model.CategoryPartC))
	di.Decorate(e)

	if _, ok := e.Properties["concern.addr"]; ok {
		t.Fatal("expected ignored concern to be suppressed")
	}
}

func TestDataInspector_FlagsUnignoredConcern(t *testing.T) {
	di := NewDataInspector()
	di.AddCustomStringValueInspector(func(value, tenant string) DataConcern {
		if value == "10.0.0.1" {
			return ConcernIPAddress
		}
		return ConcernNone
	})

	e, _ := model.New("net.event")
	e.SetString("addr", "10.0.0.1", model.WithCategory(model.CategoryPartC))
	di.Decorate(e)

	if e.Properties["concern.addr"].I64 != int64(ConcernIPAddress) {
		t.Fatalf("expected concern annotation, got %+v", e.Properties["concern.addr"])
	}
}
