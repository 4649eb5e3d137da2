// Package config provides configuration management for Troupe.
// It supports loading configuration from environment variables, config files,
// and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the runtime.
type Config struct {
	Router  RouterConfig  `mapstructure:"router"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Events  EventsConfig  `mapstructure:"events"`
	Debug   DebugConfig   `mapstructure:"debug"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RouterConfig holds message router configuration.
type RouterConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	PortRetries      int    `mapstructure:"portRetries"`      // extra ports tried when the default is occupied
	HeartbeatSeconds int    `mapstructure:"heartbeatSeconds"` // ping period per endpoint
	MaxMissedBeats   int    `mapstructure:"maxMissedBeats"`   // missed beats before an agent is marked disconnected
}

// RunnerConfig holds lifecycle configuration for agent processes.
type RunnerConfig struct {
	IterateIntervalMs   int `mapstructure:"iterateIntervalMs"`   // sleep between agent iterations
	StartTimeoutSeconds int `mapstructure:"startTimeoutSeconds"` // wait for all agents to register
	GraceSeconds        int `mapstructure:"graceSeconds"`        // window between STOP and force-terminate
}

// EventsConfig holds the lifecycle event bus configuration. An empty URL
// selects the in-memory bus; a NATS URL selects the NATS backend.
type EventsConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DebugConfig holds the HTTP inspector configuration.
type DebugConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// HeartbeatPeriod returns the heartbeat ping period as a time.Duration.
func (r *RouterConfig) HeartbeatPeriod() time.Duration {
	return time.Duration(r.HeartbeatSeconds) * time.Second
}

// IterateInterval returns the per-agent iterate sleep as a time.Duration.
func (r *RunnerConfig) IterateInterval() time.Duration {
	return time.Duration(r.IterateIntervalMs) * time.Millisecond
}

// StartTimeout returns the registration wait window as a time.Duration.
func (r *RunnerConfig) StartTimeout() time.Duration {
	return time.Duration(r.StartTimeoutSeconds) * time.Second
}

// GracePeriod returns the shutdown grace window as a time.Duration.
func (r *RunnerConfig) GracePeriod() time.Duration {
	return time.Duration(r.GraceSeconds) * time.Second
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Router defaults
	v.SetDefault("router.host", "127.0.0.1")
	v.SetDefault("router.port", 5555)
	v.SetDefault("router.portRetries", 16)
	v.SetDefault("router.heartbeatSeconds", 5)
	v.SetDefault("router.maxMissedBeats", 3)

	// Runner defaults
	v.SetDefault("runner.iterateIntervalMs", 100)
	v.SetDefault("runner.startTimeoutSeconds", 30)
	v.SetDefault("runner.graceSeconds", 5)

	// Events defaults - empty URL means use the in-memory event bus
	v.SetDefault("events.url", "")
	v.SetDefault("events.clientId", "troupe-runner")
	v.SetDefault("events.maxReconnects", 10)

	// Debug inspector defaults
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.port", 5000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix TROUPE_ with snake_case
// naming. The config file is config.yaml in the current directory or
// /etc/troupe/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TROUPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/troupe/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Router.Port <= 0 || cfg.Router.Port > 65535 {
		errs = append(errs, "router.port must be between 1 and 65535")
	}
	if cfg.Router.HeartbeatSeconds <= 0 {
		errs = append(errs, "router.heartbeatSeconds must be positive")
	}
	if cfg.Router.MaxMissedBeats <= 0 {
		errs = append(errs, "router.maxMissedBeats must be positive")
	}
	if cfg.Runner.IterateIntervalMs <= 0 {
		errs = append(errs, "runner.iterateIntervalMs must be positive")
	}
	if cfg.Runner.GraceSeconds <= 0 {
		errs = append(errs, "runner.graceSeconds must be positive")
	}
	if cfg.Debug.Enabled && (cfg.Debug.Port <= 0 || cfg.Debug.Port > 65535) {
		errs = append(errs, "debug.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
