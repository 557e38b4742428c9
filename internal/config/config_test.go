package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/dipatid/cpp-client-telemetry/internal/storage"
)

func TestDefaultConfig_HasSaneDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Scope != ScopeAll {
		t.Fatalf("expected default scope %q, got %q", ScopeAll, cfg.Scope)
	}
	if cfg.StorageBackend != storage.BackendSQLite {
		t.Fatalf("expected default backend %q, got %q", storage.BackendSQLite, cfg.StorageBackend)
	}
	if cfg.MaxRetryCount <= 0 || cfg.MaxPayloadBytes <= 0 || cfg.MaxStorageSizeBytes <= 0 {
		t.Fatalf("expected positive limits, got %+v", cfg)
	}
}

func TestLoadFromFile_JSONOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.json")
	body := `{"primaryToken":"tok-1","collectorUrl":"https://collector.example/v1","maxRetryCount":9}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.PrimaryToken != "tok-1" {
		t.Fatalf("expected primaryToken tok-1, got %q", cfg.PrimaryToken)
	}
	if cfg.CollectorURL != "https://collector.example/v1" {
		t.Fatalf("expected collectorUrl override, got %q", cfg.CollectorURL)
	}
	if cfg.MaxRetryCount != 9 {
		t.Fatalf("expected maxRetryCount 9, got %d", cfg.MaxRetryCount)
	}
	// Unset keys retain defaults.
	if cfg.StorageBackend != storage.BackendSQLite {
		t.Fatalf("expected default backend to survive partial override, got %q", cfg.StorageBackend)
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.yaml")
	body := "primary_token: tok-yaml\nmax_retry_count: 3\n"
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.PrimaryToken != "tok-yaml" {
		t.Fatalf("expected primary_token tok-yaml, got %q", cfg.PrimaryToken)
	}
	if cfg.MaxRetryCount != 3 {
		t.Fatalf("expected max_retry_count 3, got %d", cfg.MaxRetryCount)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("NOVATEL_PRIMARY_TOKEN", "env-token")
	t.Setenv("NOVATEL_MAX_CONCURRENT_UPLOADS", "7")
	t.Setenv("NOVATEL_SCOPE", ScopeNone)

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.PrimaryToken != "env-token" {
		t.Fatalf("expected env override, got %q", cfg.PrimaryToken)
	}
	if cfg.MaxConcurrentUploads != 7 {
		t.Fatalf("expected MaxConcurrentUploads 7, got %d", cfg.MaxConcurrentUploads)
	}
	if cfg.Scope != ScopeNone {
		t.Fatalf("expected scope override, got %q", cfg.Scope)
	}
}

func TestFingerprint_SameInputsSameHash(t *testing.T) {
	a := DefaultConfig()
	a.PrimaryToken = "tok"
	a.Host = "module-a"
	a.Scope = ScopeAll

	b := DefaultConfig()
	b.PrimaryToken = "tok"
	b.Host = "module-a"
	b.Scope = ScopeAll

	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("expected identical fingerprints for identical token+host+scope")
	}

	c := DefaultConfig()
	c.PrimaryToken = "tok"
	c.Host = "module-b"
	c.Scope = ScopeAll
	if a.Fingerprint() == c.Fingerprint() {
		t.Fatalf("expected different fingerprints for different host")
	}
}
