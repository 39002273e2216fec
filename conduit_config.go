package conduit

import (
	"log/slog"
	"time"

	"github.com/eleven-am/conduit/internal/domain"
)

type Config = domain.Config

type LoggingConfig = domain.LoggingConfig

type EngineConfig = domain.EngineConfig

type StoreConfig = domain.StoreConfig

type MatrixConfig = domain.MatrixConfig

type BreakerConfig = domain.BreakerConfig

type ObservabilityConfig = domain.ObservabilityConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

func DefaultEngineConfig() EngineConfig {
	return domain.DefaultEngineConfig()
}

func DefaultStoreConfig() StoreConfig {
	return domain.DefaultStoreConfig()
}

func DefaultMatrixConfig() MatrixConfig {
	return domain.DefaultMatrixConfig()
}

// LoadConfig reads a YAML config file over the defaults.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfigFile(path)
}

type ConfigBuilder struct {
	config *Config
}

func NewConfigBuilder(dataDir string) *ConfigBuilder {
	return &ConfigBuilder{config: DefaultConfig().WithDataDir(dataDir)}
}

func (cb *ConfigBuilder) InMemory() *ConfigBuilder {
	cb.config.WithInMemory()
	return cb
}

func (cb *ConfigBuilder) WithLogger(logger *slog.Logger) *ConfigBuilder {
	cb.config.WithLogger(logger)
	return cb
}

func (cb *ConfigBuilder) WithEngineSettings(maxConcurrentJobs int, defaultTimeout time.Duration) *ConfigBuilder {
	cb.config.WithEngineSettings(maxConcurrentJobs, defaultTimeout)
	return cb
}

func (cb *ConfigBuilder) WithDispatchRate(perSecond float64, burst int) *ConfigBuilder {
	cb.config.WithDispatchRate(perSecond, burst)
	return cb
}

func (cb *ConfigBuilder) WithSkippedSatisfiesNeeds(enabled bool) *ConfigBuilder {
	cb.config.WithSkippedSatisfiesNeeds(enabled)
	return cb
}

func (cb *ConfigBuilder) WithStoreLimits(maxArtifactSize int64, maxArtifactsPerRun int) *ConfigBuilder {
	cb.config.WithStoreLimits(maxArtifactSize, maxArtifactsPerRun)
	return cb
}

func (cb *ConfigBuilder) WithRetention(days int, pruneInterval time.Duration) *ConfigBuilder {
	cb.config.Store.DefaultRetentionDays = days
	cb.config.Store.PruneInterval = pruneInterval
	return cb
}

// WithBreaker configures the dispatch breaker. A zero failure threshold disables it.
func (cb *ConfigBuilder) WithBreaker(breaker BreakerConfig) *ConfigBuilder {
	cb.config.Engine.Breaker = breaker
	return cb
}

// WithObservability serves health, metrics and run listings on address.
func (cb *ConfigBuilder) WithObservability(address string) *ConfigBuilder {
	cb.config.WithObservability(address)
	return cb
}

func (cb *ConfigBuilder) WithMaxCombinations(limit int) *ConfigBuilder {
	cb.config.WithMaxCombinations(limit)
	return cb
}

func (cb *ConfigBuilder) Build() *Config {
	return cb.config
}
