// Package config loads the telemetry SDK's configuration from a JSON or
// YAML file, layered with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dipatid/cpp-client-telemetry/internal/storage"
)

// Scope values recognized in config.scope.
const (
	ScopeAll   = "CONTEXT_SCOPE_ALL"
	ScopeNone  = "NONE"
	ScopeEmpty = "EMPTY"
)

// BackoffConfig tunes the per-tenant retry policy (internal/retry).
type BackoffConfig struct {
	InitialIntervalMs int     `json:"initialIntervalMs" yaml:"initial_interval_ms"`
	MaxIntervalMs     int     `json:"maxIntervalMs" yaml:"max_interval_ms"`
	Multiplier        float64 `json:"multiplier" yaml:"multiplier"`
	RandomizationFactor float64 `json:"randomizationFactor" yaml:"randomization_factor"`
}

// ObservabilityConfig holds logging/metrics settings.
type ObservabilityConfig struct {
	LogLevel         string    `json:"logLevel" yaml:"log_level"`
	LogFormat        string    `json:"logFormat" yaml:"log_format"`
	DiagnosticLogFile string   `json:"diagnosticLogFile" yaml:"diagnostic_log_file"`
	MetricsEnabled   bool      `json:"metricsEnabled" yaml:"metrics_enabled"`
	MetricsNamespace string    `json:"metricsNamespace" yaml:"metrics_namespace"`
	HistogramBuckets []float64 `json:"histogramBuckets" yaml:"histogram_buckets"`
}

// Config is the central configuration struct. json tags preserve the
// original dotted-key names (`config.host`, `config.scope`) for wire
// compatibility with the legacy JSON-config OPEN path, while yaml tags
// use this module's own snake_case convention.
type Config struct {
	Name    string `json:"name" yaml:"name"`
	Version string `json:"version" yaml:"version"`

	PrimaryToken string `json:"primaryToken" yaml:"primary_token"`
	Host         string `json:"config.host" yaml:"host"`
	Scope        string `json:"config.scope" yaml:"scope"`

	CacheFilePath string `json:"cacheFilePath" yaml:"cache_file_path"`
	CollectorURL  string `json:"collectorUrl" yaml:"collector_url"`

	MaxStorageSizeBytes int64 `json:"maxStorageSizeBytes" yaml:"max_storage_size_bytes"`
	MaxRetryCount       int   `json:"maxRetryCount" yaml:"max_retry_count"`
	MaxPayloadBytes     int64 `json:"maxPayloadBytes" yaml:"max_payload_bytes"`

	FlushTimeoutMs   int64 `json:"flushTimeoutMs" yaml:"flush_timeout_ms"`
	UploadIntervalMs int64 `json:"uploadIntervalMs" yaml:"upload_interval_ms"`

	StorageBackend        storage.Backend `json:"storageBackend" yaml:"storage_backend"`
	MaxConcurrentUploads  int             `json:"maxConcurrentUploads" yaml:"max_concurrent_uploads"`
	ReservationWindowMs   int64           `json:"reservationWindowMs" yaml:"reservation_window_ms"`
	Backoff               BackoffConfig   `json:"backoff" yaml:"backoff"`
	Observability         ObservabilityConfig `json:"observability" yaml:"observability"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "telemetry",
		Version: "1.0.0",

		PrimaryToken: "",
		Host:         "*",
		Scope:        ScopeAll,

		CacheFilePath: "telemetry-cache.db",
		CollectorURL:  "",

		MaxStorageSizeBytes: 8 << 20, // 8MiB
		MaxRetryCount:       5,
		MaxPayloadBytes:     1 << 20, // 1MiB

		FlushTimeoutMs:   5_000,
		UploadIntervalMs: 30_000,

		StorageBackend:       storage.BackendSQLite,
		MaxConcurrentUploads: 4,
		ReservationWindowMs:  60_000,

		Backoff: BackoffConfig{
			InitialIntervalMs:   1_000,
			MaxIntervalMs:       30_000,
			Multiplier:          2,
			RandomizationFactor: 0.2,
		},

		Observability: ObservabilityConfig{
			LogLevel:         "info",
			LogFormat:        "text",
			MetricsEnabled:   true,
			MetricsNamespace: "telemetry",
			HistogramBuckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000},
		},
	}
}

// LoadFromFile loads configuration from a JSON or YAML file (selected by
// extension), layered on top of DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := DefaultConfig()
	if strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml") {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse yaml %s: %w", path, err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse json %s: %w", path, err)
		}
	}

	return cfg, nil
}

// LoadFromEnv applies NOVATEL_* environment variable overrides to cfg.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("NOVATEL_PRIMARY_TOKEN"); v != "" {
		cfg.PrimaryToken = v
	}
	if v := os.Getenv("NOVATEL_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("NOVATEL_SCOPE"); v != "" {
		cfg.Scope = v
	}
	if v := os.Getenv("NOVATEL_CACHE_FILE_PATH"); v != "" {
		cfg.CacheFilePath = v
	}
	if v := os.Getenv("NOVATEL_COLLECTOR_URL"); v != "" {
		cfg.CollectorURL = v
	}
	if v := os.Getenv("NOVATEL_MAX_STORAGE_SIZE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxStorageSizeBytes = n
		}
	}
	if v := os.Getenv("NOVATEL_MAX_RETRY_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxRetryCount = n
		}
	}
	if v := os.Getenv("NOVATEL_MAX_PAYLOAD_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxPayloadBytes = n
		}
	}
	if v := os.Getenv("NOVATEL_FLUSH_TIMEOUT_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FlushTimeoutMs = n
		}
	}
	if v := os.Getenv("NOVATEL_UPLOAD_INTERVAL_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.UploadIntervalMs = n
		}
	}
	if v := os.Getenv("NOVATEL_STORAGE_BACKEND"); v != "" {
		cfg.StorageBackend = storage.Backend(v)
	}
	if v := os.Getenv("NOVATEL_MAX_CONCURRENT_UPLOADS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentUploads = n
		}
	}
	if v := os.Getenv("NOVATEL_RESERVATION_WINDOW_MS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ReservationWindowMs = n
		}
	}
	if v := os.Getenv("NOVATEL_BACKOFF_INITIAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff.InitialIntervalMs = n
		}
	}
	if v := os.Getenv("NOVATEL_BACKOFF_MAX_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backoff.MaxIntervalMs = n
		}
	}
	if v := os.Getenv("NOVATEL_LOG_LEVEL"); v != "" {
		cfg.Observability.LogLevel = v
	}
	if v := os.Getenv("NOVATEL_LOG_FORMAT"); v != "" {
		cfg.Observability.LogFormat = v
	}
	if v := os.Getenv("NOVATEL_DIAGNOSTIC_LOG_FILE"); v != "" {
		cfg.Observability.DiagnosticLogFile = v
	}
	if v := os.Getenv("NOVATEL_METRICS_ENABLED"); v != "" {
		cfg.Observability.MetricsEnabled = parseBool(v)
	}
	if v := os.Getenv("NOVATEL_METRICS_NAMESPACE"); v != "" {
		cfg.Observability.MetricsNamespace = v
	}
}

// Fingerprint produces the primary_token+host+scope hash the LogManager
// factory dedupes concurrent Create calls on: a second call with the
// same fingerprint fails rather than opening a duplicate instance.
func (c *Config) Fingerprint() string {
	h := fnv.New64a()
	h.Write([]byte(c.PrimaryToken))
	h.Write([]byte{0})
	h.Write([]byte(c.Host))
	h.Write([]byte{0})
	h.Write([]byte(c.Scope))
	return strconv.FormatUint(h.Sum64(), 16)
}

func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes"
}
