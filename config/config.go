// Package config defines the typed configuration for conductor and loads it
// from a YAML file and CONDUCTOR_* environment variables. Components never
// read configuration sources directly; the CLI loads a Config here and hands
// each component its typed slice.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config is the full conductor configuration.
type Config struct {
	// MaxIterations caps the iterations of a single agent loop.
	MaxIterations int `mapstructure:"maxIterations"`
	// OrchestratorMaxIterations caps the total plan steps executed in a run.
	OrchestratorMaxIterations int `mapstructure:"orchestratorMaxIterations"`
	// DefaultTimeoutMs bounds a single model request.
	DefaultTimeoutMs int `mapstructure:"defaultTimeoutMs"`
	// ToolTimeoutMs bounds a single tool execution.
	ToolTimeoutMs int `mapstructure:"toolTimeoutMs"`
	// HeavyTokenThreshold is the estimated-token count above which a task
	// counts as heavy for routing.
	HeavyTokenThreshold int `mapstructure:"heavyTokenThreshold"`
	// CloudRateLimitPerHour caps cloud-routed calls per wall-clock hour.
	CloudRateLimitPerHour int `mapstructure:"cloudRateLimitPerHour"`
	// PreferLocal routes all work to the local backend when it is available.
	PreferLocal bool `mapstructure:"preferLocal"`

	// Workspace is the directory agents operate in.
	Workspace string `mapstructure:"workspace"`
	// DataDir holds lessons, sessions, and the semantic memory database.
	DataDir string `mapstructure:"dataDir"`

	Cloud ProviderConfig `mapstructure:"cloud"`
	Local ProviderConfig `mapstructure:"local"`
	Log   LogConfig      `mapstructure:"log"`
}

// ProviderConfig describes one model backend.
type ProviderConfig struct {
	// Provider names the upstream vendor ("anthropic", "openai", "ollama").
	Provider string `mapstructure:"provider"`
	// ModelID is the model used on this backend.
	ModelID string `mapstructure:"modelId"`
	// APIKey authenticates against the provider. Empty falls back to the
	// provider's own environment variable convention.
	APIKey string `mapstructure:"apiKey"`
	// BaseURL points at an OpenAI-compatible server (local backend only).
	BaseURL string `mapstructure:"baseUrl"`
	// Enabled controls whether this backend is constructed at all.
	Enabled bool `mapstructure:"enabled"`
}

// LogConfig controls the zap logger built by the CLI.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`
	// Development switches to the human-readable development encoder.
	Development bool `mapstructure:"development"`
}

// Default returns the configuration used when no file or environment
// overrides are present.
func Default() Config {
	return Config{
		MaxIterations:             20,
		OrchestratorMaxIterations: 10,
		DefaultTimeoutMs:          120000,
		ToolTimeoutMs:             60000,
		HeavyTokenThreshold:       1000,
		CloudRateLimitPerHour:     50,
		PreferLocal:               false,
		Workspace:                 ".",
		DataDir:                   ".conductor",
		Cloud: ProviderConfig{
			Provider: "anthropic",
			ModelID:  "claude-sonnet-4-5",
			Enabled:  true,
		},
		Local: ProviderConfig{
			Provider: "ollama",
			ModelID:  "qwen2.5-coder:14b",
			BaseURL:  "http://localhost:11434/v1",
			Enabled:  false,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads configuration from the given file, or searches the working
// directory for conductor.yaml when file is empty. CONDUCTOR_* environment
// variables override file values (nested keys join with underscores, e.g.
// CONDUCTOR_CLOUD_MODELID). A missing search-path file is fine; a missing
// explicit file is an error.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("conductor")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("CONDUCTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if file != "" {
			return nil, fmt.Errorf("read config %s: %w", file, err)
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults registers every key so environment-only overrides are picked
// up by Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("maxIterations", d.MaxIterations)
	v.SetDefault("orchestratorMaxIterations", d.OrchestratorMaxIterations)
	v.SetDefault("defaultTimeoutMs", d.DefaultTimeoutMs)
	v.SetDefault("toolTimeoutMs", d.ToolTimeoutMs)
	v.SetDefault("heavyTokenThreshold", d.HeavyTokenThreshold)
	v.SetDefault("cloudRateLimitPerHour", d.CloudRateLimitPerHour)
	v.SetDefault("preferLocal", d.PreferLocal)
	v.SetDefault("workspace", d.Workspace)
	v.SetDefault("dataDir", d.DataDir)
	v.SetDefault("cloud.provider", d.Cloud.Provider)
	v.SetDefault("cloud.modelId", d.Cloud.ModelID)
	v.SetDefault("cloud.apiKey", d.Cloud.APIKey)
	v.SetDefault("cloud.enabled", d.Cloud.Enabled)
	v.SetDefault("local.provider", d.Local.Provider)
	v.SetDefault("local.modelId", d.Local.ModelID)
	v.SetDefault("local.baseUrl", d.Local.BaseURL)
	v.SetDefault("local.enabled", d.Local.Enabled)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.development", d.Log.Development)
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("maxIterations must be at least 1, got %d", c.MaxIterations)
	}
	if c.OrchestratorMaxIterations < 1 {
		return fmt.Errorf("orchestratorMaxIterations must be at least 1, got %d", c.OrchestratorMaxIterations)
	}
	if c.DefaultTimeoutMs <= 0 {
		return fmt.Errorf("defaultTimeoutMs must be positive, got %d", c.DefaultTimeoutMs)
	}
	if c.ToolTimeoutMs <= 0 {
		return fmt.Errorf("toolTimeoutMs must be positive, got %d", c.ToolTimeoutMs)
	}
	if c.HeavyTokenThreshold <= 0 {
		return fmt.Errorf("heavyTokenThreshold must be positive, got %d", c.HeavyTokenThreshold)
	}
	if c.CloudRateLimitPerHour < 0 {
		return fmt.Errorf("cloudRateLimitPerHour must not be negative, got %d", c.CloudRateLimitPerHour)
	}
	if !c.Cloud.Enabled && !c.Local.Enabled {
		return fmt.Errorf("at least one backend must be enabled")
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}

// DefaultTimeout returns DefaultTimeoutMs as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutMs) * time.Millisecond
}

// ToolTimeout returns ToolTimeoutMs as a duration.
func (c *Config) ToolTimeout() time.Duration {
	return time.Duration(c.ToolTimeoutMs) * time.Millisecond
}

// Build constructs a zap logger for the configured level and mode.
func (lc LogConfig) Build() (*zap.Logger, error) {
	level := lc.Level
	if level == "" {
		level = "info"
	}
	parsed, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}

	var zc zap.Config
	if lc.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = parsed
	return zc.Build()
}
