package domain

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if err := DefaultConfig().WithDataDir("").WithInMemory().Validate(); err != nil {
		t.Fatalf("in-memory config without a data dir should validate: %v", err)
	}
}

func TestConfigValidateRejects(t *testing.T) {
	tests := []struct {
		field  string
		mutate func(*Config)
	}{
		{"data_dir", func(c *Config) { c.DataDir = "" }},
		{"engine.max_concurrent_jobs", func(c *Config) { c.Engine.MaxConcurrentJobs = 0 }},
		{"engine.default_job_timeout", func(c *Config) { c.Engine.DefaultJobTimeout = -time.Second }},
		{"engine.dispatch_rate", func(c *Config) { c.Engine.DispatchRate = -1 }},
		{"engine.dispatch_burst", func(c *Config) { c.Engine.DispatchBurst = 0 }},
		{"engine.inbox_size", func(c *Config) { c.Engine.InboxSize = 0 }},
		{"store.max_output_size", func(c *Config) { c.Store.MaxOutputSize = 0 }},
		{"store.max_artifact_size", func(c *Config) { c.Store.MaxArtifactSize = -1 }},
		{"store.max_artifacts_per_run", func(c *Config) { c.Store.MaxArtifactsPerRun = 0 }},
		{"store.default_retention_days", func(c *Config) { c.Store.DefaultRetentionDays = 0 }},
		{"matrix.max_combinations", func(c *Config) { c.Matrix.MaxCombinations = 0 }},
		{"logging.format", func(c *Config) { c.Logging.Format = "xml" }},
		{"observability.address", func(c *Config) { c.WithObservability("") }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			var configErr *ConfigError
			if err := cfg.Validate(); !errors.As(err, &configErr) {
				t.Fatalf("expected a ConfigError, got %v", err)
			}
			if configErr.Field != tt.field {
				t.Errorf("expected field %s, got %s", tt.field, configErr.Field)
			}
		})
	}
}

func TestDispatchRateZeroDisablesBurstCheck(t *testing.T) {
	cfg := DefaultConfig().WithDispatchRate(0, 0)
	if err := cfg.Validate(); err != nil {
		t.Errorf("an unlimited dispatch rate needs no burst: %v", err)
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	content := `
data_dir: /var/lib/conduit
engine:
  max_concurrent_jobs: 4
  default_job_timeout: 30m
  skipped_satisfies_needs: false
store:
  default_retention_days: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile failed: %v", err)
	}

	if cfg.DataDir != "/var/lib/conduit" {
		t.Errorf("unexpected data dir %s", cfg.DataDir)
	}
	if cfg.Engine.MaxConcurrentJobs != 4 {
		t.Errorf("expected 4 concurrent jobs, got %d", cfg.Engine.MaxConcurrentJobs)
	}
	if cfg.Engine.DefaultJobTimeout != 30*time.Minute {
		t.Errorf("expected 30m timeout, got %s", cfg.Engine.DefaultJobTimeout)
	}
	if cfg.Engine.SkippedSatisfiesNeeds {
		t.Error("expected skipped_satisfies_needs to be overridden")
	}
	if cfg.Store.DefaultRetentionDays != 7 {
		t.Errorf("expected 7 retention days, got %d", cfg.Store.DefaultRetentionDays)
	}
	if cfg.Store.MaxArtifactsPerRun != DefaultStoreConfig().MaxArtifactsPerRun {
		t.Error("unset fields should keep their defaults")
	}
}

func TestLoadConfigFileErrors(t *testing.T) {
	if _, err := LoadConfigFile(filepath.Join(t.TempDir(), "missing.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected a not-exist error, got %v", err)
	}

	path := filepath.Join(t.TempDir(), "broken.yaml")
	if err := os.WriteFile(path, []byte("engine: [1, 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	var configErr *ConfigError
	if _, err := LoadConfigFile(path); !errors.As(err, &configErr) {
		t.Errorf("expected a ConfigError, got %v", err)
	}
}
