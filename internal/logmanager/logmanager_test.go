package logmanager

import (
	"context"
	"testing"
	"time"

	"github.com/dipatid/cpp-client-telemetry/internal/config"
	"github.com/dipatid/cpp-client-telemetry/internal/enrich"
	"github.com/dipatid/cpp-client-telemetry/internal/model"
	"github.com/dipatid/cpp-client-telemetry/internal/storage"
)

func testConfig(t *testing.T, primaryToken string) config.Config {
	t.Helper()
	cfg := *config.DefaultConfig()
	cfg.PrimaryToken = primaryToken
	cfg.Host = "*"
	cfg.Scope = config.ScopeAll
	cfg.StorageBackend = storage.BackendMemory
	cfg.UploadIntervalMs = 50
	cfg.FlushTimeoutMs = 2_000
	cfg.MaxConcurrentUploads = 2
	return cfg
}

func TestCreate_DuplicateFingerprintFails(t *testing.T) {
	cfg := testConfig(t, "token-a")
	ctx := context.Background()

	lm, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("first Create: %v", err)
	}
	defer Release(ctx, cfg)

	if _, err := Create(ctx, cfg); err != ErrAlreadyOpen {
		t.Fatalf("second Create: got %v, want ErrAlreadyOpen", err)
	}
	if lm == nil {
		t.Fatal("Create returned nil LogManager with nil error")
	}
}

func TestRelease_TearsDownAtZeroRefcount(t *testing.T) {
	cfg := testConfig(t, "token-b")
	ctx := context.Background()

	if _, err := Create(ctx, cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := Release(ctx, cfg); err != nil {
		t.Fatalf("Release: %v", err)
	}

	// A fresh Create for the same fingerprint must succeed now that the
	// prior instance was torn down and removed from the factory table.
	lm2, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create after Release: %v", err)
	}
	defer Release(ctx, cfg)
	if lm2 == nil {
		t.Fatal("Create after Release returned nil")
	}
}

func TestRetain_IncrementsRefcount(t *testing.T) {
	cfg := testConfig(t, "token-c")
	ctx := context.Background()

	if _, err := Create(ctx, cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := Retain(cfg); err != nil {
		t.Fatalf("Retain: %v", err)
	}

	// One Release should not tear down the instance: refs went 1 -> 2 -> 1.
	if err := Release(ctx, cfg); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if _, err := Create(ctx, cfg); err != ErrAlreadyOpen {
		t.Fatalf("Create while still retained: got %v, want ErrAlreadyOpen", err)
	}

	if err := Release(ctx, cfg); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestLogEvent_EnqueuesThroughPrimaryLogger(t *testing.T) {
	cfg := testConfig(t, "token-d")
	ctx := context.Background()

	lm, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Release(ctx, cfg)

	e, err := model.New("PageView")
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	if err := lm.LogEvent(e); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		if n, _ := lm.storage.GetRecordCount(ctx, model.LatencyUnspecified); n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the event to land in storage")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestGetLogger_SameTupleReturnsSameInstance(t *testing.T) {
	cfg := testConfig(t, "token-e")
	ctx := context.Background()

	lm, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Release(ctx, cfg)

	a := lm.GetLogger("guest-token", "guest-source", enrich.ScopeNone)
	b := lm.GetLogger("guest-token", "guest-source", enrich.ScopeNone)
	if a != b {
		t.Fatal("GetLogger returned distinct instances for the same (token, source, scope)")
	}

	c := lm.GetLogger("guest-token", "guest-source", enrich.ScopeAll)
	if a == c {
		t.Fatal("GetLogger returned the same instance for different scopes")
	}
}

func TestSetContext_VisibleToScopeAllLoggers(t *testing.T) {
	cfg := testConfig(t, "token-f")
	ctx := context.Background()

	lm, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Release(ctx, cfg)

	lm.SetContext("region", "eu-west-1")

	logger := lm.GetLogger("token-f", "", enrich.ScopeAll)
	e, err := model.New("SetContextProbe")
	if err != nil {
		t.Fatalf("model.New: %v", err)
	}
	if err := logger.LogEvent(e); err != nil {
		t.Fatalf("LogEvent: %v", err)
	}
	if got := e.Properties["ctx.region"]; got == nil {
		t.Fatal("expected global context value merged into ScopeAll logger's event")
	}
}

func TestFlush_ReturnsPromptlyWhenAlreadyQuiescent(t *testing.T) {
	// Exercises Flush's delegation to the pipeline controller without
	// depending on an actual upload succeeding (this package wires a real
	// net/http client, and no collector is reachable in a test
	// environment), by asserting the trivial quiescent case: nothing was
	// ever logged, so Flush should return well before its timeout.
	cfg := testConfig(t, "token-g")
	ctx := context.Background()

	lm, err := Create(ctx, cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer Release(ctx, cfg)

	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := lm.Flush(flushCtx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}
