package domain

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		DataDir: "./data",
		Logging: DefaultLoggingConfig(),
		Engine:  DefaultEngineConfig(),
		Store:   DefaultStoreConfig(),
		Matrix:  DefaultMatrixConfig(),

		Observability: DefaultObservabilityConfig(),
	}
}

func DefaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "text",
	}
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		MaxConcurrentJobs:     10,
		DefaultJobTimeout:     6 * time.Hour,
		DispatchRate:          50,
		DispatchBurst:         10,
		SkippedSatisfiesNeeds: true,
		InboxSize:             256,
		StopTimeout:           30 * time.Second,
		Breaker:               DefaultBreakerConfig(),
	}
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		HalfOpenProbes:   1,
		Cooldown:         30 * time.Second,
		DispatchTimeout:  time.Minute,
	}
}

func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		MaxOutputSize:        1 << 20,
		MaxArtifactSize:      512 << 20,
		MaxArtifactsPerRun:   500,
		DefaultRetentionDays: 90,
		PruneInterval:        time.Hour,
	}
}

func DefaultMatrixConfig() MatrixConfig {
	return MatrixConfig{
		MaxCombinations: 256,
	}
}

func DefaultObservabilityConfig() ObservabilityConfig {
	return ObservabilityConfig{
		Enabled:      false,
		Address:      ":9090",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// LoadConfigFile reads a YAML config file over the defaults.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, NewConfigError("file", fmt.Errorf("%s: %w", path, err))
	}
	return cfg, nil
}

func (c *Config) WithDataDir(dir string) *Config {
	c.DataDir = dir
	return c
}

func (c *Config) WithInMemory() *Config {
	c.InMemory = true
	return c
}

func (c *Config) WithLogger(logger *slog.Logger) *Config {
	c.Logger = logger
	return c
}

func (c *Config) WithEngineSettings(maxConcurrentJobs int, defaultTimeout time.Duration) *Config {
	c.Engine.MaxConcurrentJobs = maxConcurrentJobs
	c.Engine.DefaultJobTimeout = defaultTimeout
	return c
}

func (c *Config) WithDispatchRate(perSecond float64, burst int) *Config {
	c.Engine.DispatchRate = perSecond
	c.Engine.DispatchBurst = burst
	return c
}

func (c *Config) WithSkippedSatisfiesNeeds(enabled bool) *Config {
	c.Engine.SkippedSatisfiesNeeds = enabled
	return c
}

func (c *Config) WithStoreLimits(maxArtifactSize int64, maxArtifactsPerRun int) *Config {
	c.Store.MaxArtifactSize = maxArtifactSize
	c.Store.MaxArtifactsPerRun = maxArtifactsPerRun
	return c
}

func (c *Config) WithObservability(address string) *Config {
	c.Observability.Enabled = true
	c.Observability.Address = address
	return c
}

func (c *Config) WithMaxCombinations(limit int) *Config {
	c.Matrix.MaxCombinations = limit
	return c
}

func (c *Config) Validate() error {
	if c.DataDir == "" && !c.InMemory {
		return NewConfigError("data_dir", ErrInvalidInput)
	}
	if c.Engine.MaxConcurrentJobs <= 0 {
		return NewConfigError("engine.max_concurrent_jobs", ErrInvalidInput)
	}
	if c.Engine.DefaultJobTimeout < 0 {
		return NewConfigError("engine.default_job_timeout", ErrInvalidInput)
	}
	if c.Engine.DispatchRate < 0 {
		return NewConfigError("engine.dispatch_rate", ErrInvalidInput)
	}
	if c.Engine.DispatchRate > 0 && c.Engine.DispatchBurst <= 0 {
		return NewConfigError("engine.dispatch_burst", ErrInvalidInput)
	}
	if c.Engine.InboxSize <= 0 {
		return NewConfigError("engine.inbox_size", ErrInvalidInput)
	}
	if b := c.Engine.Breaker; b.FailureThreshold < 0 || b.SuccessThreshold < 0 || b.HalfOpenProbes < 0 || b.Cooldown < 0 || b.DispatchTimeout < 0 {
		return NewConfigError("engine.breaker", ErrInvalidInput)
	}
	if c.Store.MaxOutputSize <= 0 {
		return NewConfigError("store.max_output_size", ErrInvalidInput)
	}
	if c.Store.MaxArtifactSize <= 0 {
		return NewConfigError("store.max_artifact_size", ErrInvalidInput)
	}
	if c.Store.MaxArtifactsPerRun <= 0 {
		return NewConfigError("store.max_artifacts_per_run", ErrInvalidInput)
	}
	if c.Store.DefaultRetentionDays <= 0 {
		return NewConfigError("store.default_retention_days", ErrInvalidInput)
	}
	if c.Matrix.MaxCombinations <= 0 {
		return NewConfigError("matrix.max_combinations", ErrInvalidInput)
	}
	if c.Observability.Enabled && c.Observability.Address == "" {
		return NewConfigError("observability.address", ErrInvalidInput)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return NewConfigError("logging.format", fmt.Errorf("unsupported format %q", c.Logging.Format))
	}
	return nil
}

type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config field %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func NewConfigError(field string, err error) *ConfigError {
	return &ConfigError{
		Field: field,
		Err:   err,
	}
}
