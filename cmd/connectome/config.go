package main

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/anima-research/connectome/pkg/agentbridge"
	"github.com/anima-research/connectome/pkg/compression"
	"github.com/anima-research/connectome/pkg/persistence"
	"github.com/anima-research/connectome/pkg/render"
	"github.com/anima-research/connectome/pkg/scheduler"
	"github.com/anima-research/connectome/pkg/space"
)

// Config holds all configuration for the connectome runtime.
// Priority: CLI flags > env vars > config file > defaults
type Config struct {
	Space string `mapstructure:"space"`
	Reset bool   `mapstructure:"reset"`

	Persistence PersistenceConfig `mapstructure:"persistence"`
	Compression CompressionConfig `mapstructure:"compression"`
	Scheduler   SchedulerConfig   `mapstructure:"scheduler"`
	Render      RenderConfig      `mapstructure:"render"`
	Agent       AgentConfig       `mapstructure:"agent"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// PersistenceConfig holds the storage layer options.
type PersistenceConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	StoragePath      string `mapstructure:"storage_path"`
	SnapshotInterval int    `mapstructure:"snapshot_interval"`
	BucketSize       int    `mapstructure:"bucket_size"`
	BucketCacheSize  int    `mapstructure:"bucket_cache_size"`
}

// CompressionConfig holds the compression pipeline options.
type CompressionConfig struct {
	TriggerThreshold          int `mapstructure:"trigger_threshold"`
	MinFramesBeforeCompression int `mapstructure:"min_frames_before_compression"`
	MaxPendingRanges          int `mapstructure:"max_pending_ranges"`
	MaxConcurrent             int `mapstructure:"max_concurrent"`
	RetryLimit                int `mapstructure:"retry_limit"`
	RetryDelayMs              int `mapstructure:"retry_delay_ms"`
}

// SchedulerConfig holds the frame scheduler options.
type SchedulerConfig struct {
	Phase3SoftDeadlineMs     int  `mapstructure:"phase3_soft_deadline_ms"`
	TransformFixedPointLimit int  `mapstructure:"transform_fixed_point_limit"`
	AdvanceOnAbort           bool `mapstructure:"advance_on_abort"`
}

// RenderConfig holds the HUD renderer options.
type RenderConfig struct {
	AmbientDepth int `mapstructure:"ambient_depth"`
	TokenBudget  int `mapstructure:"token_budget"`
}

// AgentConfig holds the LLM bridge options.
type AgentConfig struct {
	Model     string `mapstructure:"model"`
	MaxTokens int    `mapstructure:"max_tokens"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // console, json
}

// SpaceConfig translates the file/env/flag configuration into the typed
// config pkg/space consumes.
func (c *Config) SpaceConfig() space.Config {
	return space.Config{
		Name:               c.Space,
		Reset:              c.Reset,
		PersistenceEnabled: c.Persistence.Enabled,
		Persistence: persistence.Config{
			StoragePath:      c.Persistence.StoragePath,
			SnapshotInterval: c.Persistence.SnapshotInterval,
			BucketSize:       c.Persistence.BucketSize,
			BucketCacheSize:  c.Persistence.BucketCacheSize,
		},
		CompressionTriggerThreshold: c.Compression.TriggerThreshold,
		CompressionMinFrames:        c.Compression.MinFramesBeforeCompression,
		CompressionTransform: compression.TransformConfig{
			MaxPendingRanges: c.Compression.MaxPendingRanges,
			MaxConcurrent:    c.Compression.MaxConcurrent,
			RetryLimit:       c.Compression.RetryLimit,
			RetryDelay:       time.Duration(c.Compression.RetryDelayMs) * time.Millisecond,
		},
		Scheduler: scheduler.Config{
			Phase3SoftDeadline:       time.Duration(c.Scheduler.Phase3SoftDeadlineMs) * time.Millisecond,
			TransformFixedPointLimit: c.Scheduler.TransformFixedPointLimit,
			AdvanceOnAbort:           c.Scheduler.AdvanceOnAbort,
		},
		Render: render.Options{
			AmbientDepth: c.Render.AmbientDepth,
			TokenBudget:  c.Render.TokenBudget,
		},
		Agent: agentbridge.GenerateOptions{
			Model:     c.Agent.Model,
			MaxTokens: c.Agent.MaxTokens,
		},
	}
}

// LoadConfig loads configuration from multiple sources with proper
// priority: CLI flags, then CONNECTOME_-prefixed environment variables, then
// the config file, then defaults.
func LoadConfig(cfgFile string) (*Config, error) {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/connectome/")
		viper.SetConfigName("connectome")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file %s: %w", viper.ConfigFileUsed(), err)
		}
		// Config file not found; using defaults + env vars + flags
	}

	viper.SetEnvPrefix("CONNECTOME")
	viper.AutomaticEnv()

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &config, nil
}

// setDefaults sets default configuration values.
func setDefaults() {
	viper.SetDefault("space", "space")
	viper.SetDefault("reset", false)

	viper.SetDefault("persistence.enabled", true)
	viper.SetDefault("persistence.storage_path", "./storage")
	viper.SetDefault("persistence.snapshot_interval", 100)
	viper.SetDefault("persistence.bucket_size", 100)
	viper.SetDefault("persistence.bucket_cache_size", 10)

	viper.SetDefault("compression.trigger_threshold", 2000)
	viper.SetDefault("compression.min_frames_before_compression", 3)
	viper.SetDefault("compression.max_pending_ranges", 4)
	viper.SetDefault("compression.max_concurrent", 2)
	viper.SetDefault("compression.retry_limit", 2)
	viper.SetDefault("compression.retry_delay_ms", 200)

	viper.SetDefault("scheduler.phase3_soft_deadline_ms", 5000)
	viper.SetDefault("scheduler.transform_fixed_point_limit", 4)
	viper.SetDefault("scheduler.advance_on_abort", true)

	viper.SetDefault("render.ambient_depth", 5)
	viper.SetDefault("render.token_budget", 0)

	viper.SetDefault("agent.model", "")
	viper.SetDefault("agent.max_tokens", 4096)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "console")
}
