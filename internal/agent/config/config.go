package config

import (
	"fmt"
	"time"

	"cmdrelay/internal/agent/executor"
	commonCfg "cmdrelay/internal/config"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/retry"
	"cmdrelay/internal/validator"
)

// Name is the config file name searched without extension
const Name = "agent"

// Config represents agent configuration
type Config struct {
	Agent    AgentConfig     `mapstructure:"agent"`
	Executor executor.Config `mapstructure:"executor"`
	Log      logger.Config   `mapstructure:"log"`
}

// AgentConfig represents the hub connection and command queue
type AgentConfig struct {
	// HubURL is the hub websocket endpoint, e.g. wss://relay.example.com/ws
	HubURL     string `mapstructure:"hub_url" validate:"required,url"`
	AccessCode string `mapstructure:"access_code" validate:"required,access_code"`
	// Port serves /v1/healthz when positive
	Port        int           `mapstructure:"port" validate:"gte=0,lte=65535"`
	QueueSize   int           `mapstructure:"queue_size" validate:"gt=0"`
	StepDelay   time.Duration `mapstructure:"step_delay" validate:"gte=0"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Reconnect   *retry.Config `mapstructure:"reconnect"`
}

// defaults registers every key so environment overrides reach it
func defaults() map[string]any {
	reconnect := retry.DefaultReconnectConfig()
	return map[string]any{
		"agent.hub_url":            "ws://localhost:8000/ws",
		"agent.access_code":        "",
		"agent.port":               0,
		"agent.queue_size":         100,
		"agent.step_delay":         300 * time.Millisecond,
		"agent.dial_timeout":       15 * time.Second,
		"agent.reconnect.enable":   reconnect.Enable,
		"agent.reconnect.attempts": reconnect.Attempts,
		"agent.reconnect.interval": reconnect.Interval,
		"executor.commands":        map[string]string{},
		"executor.max_wait":        5 * time.Minute,
		"log.level":                "info",
		"log.file":                 "",
		"log.max_size":             100,
		"log.max_backups":          3,
		"log.max_age":              28,
		"log.compress":             false,
	}
}

// LoadConfig loads agent configuration from path, or from the search
// paths when path is empty
func LoadConfig(path string) (*Config, error) {
	v, err := commonCfg.NewViper(Name, path, defaults())
	if err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults fills values that cannot be expressed as viper defaults
func setDefaults(config *Config) {
	if config.Agent.QueueSize == 0 {
		config.Agent.QueueSize = 100
	}
	if config.Agent.DialTimeout == 0 {
		config.Agent.DialTimeout = 15 * time.Second
	}
	if config.Agent.Reconnect == nil {
		config.Agent.Reconnect = retry.DefaultReconnectConfig()
	}
	config.Log.SetDefaults()
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	v := validator.New()

	if err := v.Struct(config.Agent); err != nil {
		return fmt.Errorf("invalid agent config: %w", err)
	}

	if err := config.Agent.Reconnect.Validate(); err != nil {
		return fmt.Errorf("invalid reconnect config: %w", err)
	}

	for kind := range config.Executor.Commands {
		if !executor.Known(kind) {
			return fmt.Errorf("invalid executor config: unknown action %q", kind)
		}
	}

	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	return nil
}
