package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochstore/internal/config"
)

func TestDefault_IsValidAndDurable(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config should be valid, got: %v", err)
	}
	if cfg.Storage.Fsync != config.FsyncAlways {
		t.Errorf("default fsync must be always, got %s", cfg.Storage.Fsync)
	}
	if cfg.Node.Port != 8080 || cfg.Node.DataDir != "./data" {
		t.Errorf("node defaults: %+v", cfg.Node)
	}
	if cfg.Store.DelayWindow() != 5*time.Millisecond {
		t.Errorf("delay window: %v", cfg.Store.DelayWindow())
	}
	if d, err := cfg.Storage.CompactionEvery(); err != nil || d != time.Hour {
		t.Errorf("compaction interval: %v %v", d, err)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Store.Writers != config.Default().Store.Writers {
		t.Errorf("expected default writers, got %d", cfg.Store.Writers)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeTempYAML(t, `
node:
  port: 9999
  data_dir: "/tmp/epochstore_test"
storage:
  fsync: "interval"
  fsync_interval_ms: 50
store:
  writers: 8
  delay_window_ms: 20
producers:
  max_rate: 500
log:
  level: debug
  format: text
`)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Node.Port != 9999 || cfg.Node.DataDir != "/tmp/epochstore_test" {
		t.Errorf("node: %+v", cfg.Node)
	}
	if cfg.Storage.Fsync != config.FsyncInterval || cfg.Storage.FsyncIntervalMs != 50 {
		t.Errorf("storage: %+v", cfg.Storage)
	}
	if cfg.Store.Writers != 8 || cfg.Store.DelayWindow() != 20*time.Millisecond {
		t.Errorf("store: %+v", cfg.Store)
	}
	if cfg.Producers.MaxRate != 500 {
		t.Errorf("producers: %+v", cfg.Producers)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "text" {
		t.Errorf("log: %+v", cfg.Log)
	}
	// Unset fields keep their defaults.
	if cfg.Store.RestoreBatchSize != 128 {
		t.Errorf("restore_batch_size should keep its default, got %d", cfg.Store.RestoreBatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EPOCHSTORE_AUTH_API_KEY", "s3cret")
	t.Setenv("EPOCHSTORE_DATA_DIR", "/var/lib/epochstore")
	t.Setenv("EPOCHSTORE_PORT", "7000")
	t.Setenv("EPOCHSTORE_FSYNC", "NEVER")
	t.Setenv("EPOCHSTORE_LOG_LEVEL", "WARN")

	cfg, err := config.Load(writeTempYAML(t, "node:\n  port: 9999\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "s3cret" {
		t.Errorf("auth: %+v", cfg.Auth)
	}
	if cfg.Node.DataDir != "/var/lib/epochstore" || cfg.Node.Port != 7000 {
		t.Errorf("node: %+v", cfg.Node)
	}
	if cfg.Storage.Fsync != config.FsyncNever || cfg.Log.Level != "warn" {
		t.Errorf("fsync=%s level=%s", cfg.Storage.Fsync, cfg.Log.Level)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	if _, err := config.Load(writeTempYAML(t, "node: [invalid: yaml: {{{}}")); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"port zero", func(c *config.Config) { c.Node.Port = 0 }},
		{"port too high", func(c *config.Config) { c.Node.Port = 99999 }},
		{"empty data dir", func(c *config.Config) { c.Node.DataDir = "" }},
		{"unknown fsync", func(c *config.Config) { c.Storage.Fsync = "magic" }},
		{"interval without period", func(c *config.Config) {
			c.Storage.Fsync = config.FsyncInterval
			c.Storage.FsyncIntervalMs = 0
		}},
		{"bad compaction interval", func(c *config.Config) { c.Storage.CompactionInterval = "soon" }},
		{"no writers", func(c *config.Config) { c.Store.Writers = 0 }},
		{"zero batch", func(c *config.Config) { c.Store.MaxBatchSize = 0 }},
		{"negative delay", func(c *config.Config) { c.Store.DelayWindowMs = -1 }},
		{"negative pending", func(c *config.Config) { c.Store.MaxPendingBytes = -1 }},
		{"negative rate", func(c *config.Config) { c.Producers.MaxRate = -5 }},
		{"auth without key", func(c *config.Config) { c.Auth.Enabled = true }},
		{"zero body limit", func(c *config.Config) { c.HTTP.MaxBodyKB = 0 }},
		{"bad log level", func(c *config.Config) { c.Log.Level = "loud" }},
		{"bad log format", func(c *config.Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
