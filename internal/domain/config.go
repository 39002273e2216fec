package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	DataDir  string       `json:"data_dir" yaml:"data_dir"`
	InMemory bool         `json:"in_memory" yaml:"in_memory"`
	Logger   *slog.Logger `json:"-" yaml:"-"`

	Logging LoggingConfig `json:"logging" yaml:"logging"`
	Engine  EngineConfig  `json:"engine" yaml:"engine"`
	Store   StoreConfig   `json:"store" yaml:"store"`
	Matrix  MatrixConfig  `json:"matrix" yaml:"matrix"`

	Observability ObservabilityConfig `json:"observability" yaml:"observability"`
}

type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

type EngineConfig struct {
	MaxConcurrentJobs     int           `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`
	DefaultJobTimeout     time.Duration `json:"default_job_timeout" yaml:"default_job_timeout"`
	DispatchRate          float64       `json:"dispatch_rate" yaml:"dispatch_rate"`
	DispatchBurst         int           `json:"dispatch_burst" yaml:"dispatch_burst"`
	SkippedSatisfiesNeeds bool          `json:"skipped_satisfies_needs" yaml:"skipped_satisfies_needs"`
	InboxSize             int           `json:"inbox_size" yaml:"inbox_size"`
	StopTimeout           time.Duration `json:"stop_timeout" yaml:"stop_timeout"`
	Breaker               BreakerConfig `json:"breaker" yaml:"breaker"`
}

// BreakerConfig guards backend dispatch. A zero FailureThreshold disables it.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
	HalfOpenProbes   int           `json:"half_open_probes" yaml:"half_open_probes"`
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`
	DispatchTimeout  time.Duration `json:"dispatch_timeout" yaml:"dispatch_timeout"`
}

type StoreConfig struct {
	MaxOutputSize        int64         `json:"max_output_size" yaml:"max_output_size"`
	MaxArtifactSize      int64         `json:"max_artifact_size" yaml:"max_artifact_size"`
	MaxArtifactsPerRun   int           `json:"max_artifacts_per_run" yaml:"max_artifacts_per_run"`
	DefaultRetentionDays int           `json:"default_retention_days" yaml:"default_retention_days"`
	PruneInterval        time.Duration `json:"prune_interval" yaml:"prune_interval"`
}

type MatrixConfig struct {
	MaxCombinations int `json:"max_combinations" yaml:"max_combinations"`
}

// ObservabilityConfig controls the HTTP health and metrics server.
type ObservabilityConfig struct {
	Enabled      bool          `json:"enabled" yaml:"enabled"`
	Address      string        `json:"address" yaml:"address"`
	ReadTimeout  time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}
