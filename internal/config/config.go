// Package config holds the configuration types and loading logic for an
// epochstore server. Fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration of an epochstore server.
type Config struct {
	Node      NodeConfig     `yaml:"node"`
	Storage   StorageConfig  `yaml:"storage"`
	Store     StoreConfig    `yaml:"store"`
	Producers ProducerConfig `yaml:"producers"`
	Auth      AuthConfig     `yaml:"auth"`
	HTTP      HTTPConfig     `yaml:"http"`
	Metrics   MetricsConfig  `yaml:"metrics"`
	Log       LogConfig      `yaml:"log"`
}

// NodeConfig holds identity and network settings.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// FsyncPolicy controls when the log is flushed to physical disk.
type FsyncPolicy string

const (
	FsyncAlways   FsyncPolicy = "always"   // every batch is durable before it is acknowledged
	FsyncInterval FsyncPolicy = "interval" // flush every FsyncIntervalMs
	FsyncBatch    FsyncPolicy = "batch"    // flush every FsyncBatchSize records
	FsyncNever    FsyncPolicy = "never"    // dev/test only
)

// StorageConfig controls the local engine.
type StorageConfig struct {
	Fsync              FsyncPolicy `yaml:"fsync"`
	FsyncIntervalMs    int         `yaml:"fsync_interval_ms"`
	FsyncBatchSize     int         `yaml:"fsync_batch_size"`
	CompactionInterval string      `yaml:"compaction_interval"`
}

// StoreConfig tunes the queue store's writers, batching and backpressure.
type StoreConfig struct {
	Writers            int   `yaml:"writers"`
	MaxBatchSize       int   `yaml:"max_batch_size"`
	DelayWindowMs      int   `yaml:"delay_window_ms"`
	RestoreBatchSize   int   `yaml:"restore_batch_size"`
	MaxPendingElements int   `yaml:"max_pending_elements"`
	MaxPendingBytes    int64 `yaml:"max_pending_bytes"`
}

// ProducerConfig sets the per-queue producer rate limit.
type ProducerConfig struct {
	// MaxRate is saves per second per queue. 0 disables the limit.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// HTTPConfig limits the HTTP API.
type HTTPConfig struct {
	MaxBodyKB        int `yaml:"max_body_kb"`
	RequestsPerSec   int `yaml:"requests_per_sec"` // per client IP, 0 = unlimited
	RequestBurst     int `yaml:"request_burst"`
	ShutdownTimeoutS int `yaml:"shutdown_timeout_s"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// Default returns a Config populated with safe defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			Fsync:              FsyncAlways,
			FsyncIntervalMs:    200,
			FsyncBatchSize:     64,
			CompactionInterval: "1h",
		},
		Store: StoreConfig{
			Writers:            4,
			MaxBatchSize:       64,
			DelayWindowMs:      5,
			RestoreBatchSize:   128,
			MaxPendingElements: 10_000,
			MaxPendingBytes:    64 << 20,
		},
		Producers: ProducerConfig{
			MaxRate: 0,
			Burst:   1_000,
		},
		HTTP: HTTPConfig{
			MaxBodyKB:        1024,
			RequestsPerSec:   0,
			RequestBurst:     100,
			ShutdownTimeoutS: 15,
		},
		Metrics: MetricsConfig{Enabled: true},
		Log:     LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// A missing file yields the defaults.
//
// Environment variables are applied after the file:
//
//	EPOCHSTORE_AUTH_API_KEY   sets auth.api_key and enables auth
//	EPOCHSTORE_DATA_DIR       sets node.data_dir
//	EPOCHSTORE_PORT           sets node.port
//	EPOCHSTORE_FSYNC          sets storage.fsync
//	EPOCHSTORE_LOG_LEVEL      sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHSTORE_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHSTORE_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("EPOCHSTORE_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHSTORE_FSYNC"); v != "" {
		cfg.Storage.Fsync = FsyncPolicy(strings.ToLower(v))
	}
	if v := os.Getenv("EPOCHSTORE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// CompactionEvery parses storage.compaction_interval.
func (s StorageConfig) CompactionEvery() (time.Duration, error) {
	return time.ParseDuration(s.CompactionInterval)
}

// DelayWindow returns store.delay_window_ms as a duration.
func (s StoreConfig) DelayWindow() time.Duration {
	return time.Duration(s.DelayWindowMs) * time.Millisecond
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	switch c.Storage.Fsync {
	case FsyncAlways, FsyncInterval, FsyncBatch, FsyncNever:
	default:
		return errors.New(`storage.fsync must be one of "always", "interval", "batch", "never"`)
	}
	if c.Storage.Fsync == FsyncInterval && c.Storage.FsyncIntervalMs < 1 {
		return errors.New("storage.fsync_interval_ms must be at least 1")
	}
	if c.Storage.Fsync == FsyncBatch && c.Storage.FsyncBatchSize < 1 {
		return errors.New("storage.fsync_batch_size must be at least 1")
	}
	if d, err := c.Storage.CompactionEvery(); err != nil || d <= 0 {
		return fmt.Errorf("storage.compaction_interval %q must be a positive duration", c.Storage.CompactionInterval)
	}
	if c.Store.Writers < 1 {
		return errors.New("store.writers must be at least 1")
	}
	if c.Store.MaxBatchSize < 1 {
		return errors.New("store.max_batch_size must be at least 1")
	}
	if c.Store.DelayWindowMs < 0 {
		return errors.New("store.delay_window_ms must be >= 0")
	}
	if c.Store.RestoreBatchSize < 1 {
		return errors.New("store.restore_batch_size must be at least 1")
	}
	if c.Store.MaxPendingElements < 0 || c.Store.MaxPendingBytes < 0 {
		return errors.New("store.max_pending_* must be >= 0")
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and producers.burst must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	if c.HTTP.MaxBodyKB < 1 {
		return errors.New("http.max_body_kb must be at least 1")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q must be one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q must be json or text", c.Log.Format)
	}
	return nil
}
