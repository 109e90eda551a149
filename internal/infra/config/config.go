package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "text" or "json"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// StorageConfig holds context-store settings.
type StorageConfig struct {
	Dir           string `yaml:"dir"`             // data directory (default "./data")
	ContextTTL    string `yaml:"context_ttl"`     // duration string (default "24h")
	CacheSize     int    `yaml:"cache_size"`      // max cached records (default 1000)
	SweepSchedule string `yaml:"sweep_schedule"`  // cron spec (default "@hourly")
}

// ActivationConfig holds activation-engine settings.
type ActivationConfig struct {
	RulesPath     string  `yaml:"rules_path"`     // JSON rule document; optional
	Threshold     float64 `yaml:"threshold"`      // default 0.7
	MaxConcurrent int     `yaml:"max_concurrent"` // default 3
	LearningDecay string  `yaml:"learning_decay"` // duration string (default "1h")
}

// BusConfig holds message-bus settings.
type BusConfig struct {
	QueueSize    int    `yaml:"queue_size"`    // per-agent bound (default 1000)
	PollInterval string `yaml:"poll_interval"` // worker idle tick (default "1s")
}

// RuntimeConfig holds agent-runtime defaults.
type RuntimeConfig struct {
	DefaultTimeout     string `yaml:"default_timeout"`      // default "300s"
	MaxConcurrentTasks int    `yaml:"max_concurrent_tasks"` // default 5
}

// RateLimitConfig holds one endpoint's rate limit.
type RateLimitConfig struct {
	MaxRequests     int `yaml:"max_requests"`
	WindowSeconds   int `yaml:"window_seconds"`
	BurstLimit      int `yaml:"burst_limit"`
	CooldownSeconds int `yaml:"cooldown_seconds"`
}

// Config is the top-level application configuration.
type Config struct {
	AgentsDir  string                     `yaml:"agents_dir"` // agent definition documents
	Logger     LoggerConfig               `yaml:"logger"`
	Tracer     TracerConfig               `yaml:"tracer"`
	Storage    StorageConfig              `yaml:"storage"`
	Activation ActivationConfig           `yaml:"activation"`
	Bus        BusConfig                  `yaml:"bus"`
	Runtime    RuntimeConfig              `yaml:"runtime"`
	RateLimits map[string]RateLimitConfig `yaml:"rate_limits,omitempty"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML config file, expands ${ENV} references and applies
// defaults. A missing file yields the default config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.applyDefaults()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AgentsDir == "" {
		c.AgentsDir = "./agents"
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "text"
	}
	if c.Logger.Output == "" {
		c.Logger.Output = "stderr"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = "./data"
	}
	if c.Storage.ContextTTL == "" {
		c.Storage.ContextTTL = "24h"
	}
	if c.Storage.CacheSize <= 0 {
		c.Storage.CacheSize = 1000
	}
	if c.Storage.SweepSchedule == "" {
		c.Storage.SweepSchedule = "@hourly"
	}
	if c.Activation.Threshold <= 0 {
		c.Activation.Threshold = 0.7
	}
	if c.Activation.MaxConcurrent <= 0 {
		c.Activation.MaxConcurrent = 3
	}
	if c.Activation.LearningDecay == "" {
		c.Activation.LearningDecay = "1h"
	}
	if c.Bus.QueueSize <= 0 {
		c.Bus.QueueSize = 1000
	}
	if c.Bus.PollInterval == "" {
		c.Bus.PollInterval = "1s"
	}
	if c.Runtime.DefaultTimeout == "" {
		c.Runtime.DefaultTimeout = "300s"
	}
	if c.Runtime.MaxConcurrentTasks <= 0 {
		c.Runtime.MaxConcurrentTasks = 5
	}
}

// ParseDuration parses a duration string, returning fallback on empty or
// malformed input.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
