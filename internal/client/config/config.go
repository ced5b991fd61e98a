package config

import (
	"fmt"
	"time"

	commonCfg "cmdrelay/internal/config"
	dataCfg "cmdrelay/internal/data/config"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/relay/tracker"
	"cmdrelay/internal/retry"
	"cmdrelay/internal/validator"
)

// Name is the config file name searched without extension
const Name = "relay"

// Config represents the interactive client configuration
type Config struct {
	Relay RelayConfig     `mapstructure:"relay"`
	Log   logger.Config   `mapstructure:"log"`
	Data  *dataCfg.Config `mapstructure:"-"`
}

// RelayConfig represents the hub connection and local history
type RelayConfig struct {
	HubURL string `mapstructure:"hub_url" validate:"required,url"`
	// AccessCode may be left empty and given on the command line
	AccessCode string `mapstructure:"access_code"`
	APIKey     string `mapstructure:"api_key"`
	// Session names the persisted session and history in redis
	Session      string         `mapstructure:"session" validate:"required"`
	Policy       tracker.Policy `mapstructure:"policy" validate:"oneof=ignore overwrite"`
	HistoryLimit int            `mapstructure:"history_limit" validate:"gte=0"`
	DialTimeout  time.Duration  `mapstructure:"dial_timeout"`
	Reconnect    *retry.Config  `mapstructure:"reconnect"`
}

// defaults registers every key so environment overrides reach it
func defaults() map[string]any {
	reconnect := retry.DefaultReconnectConfig()
	d := map[string]any{
		"relay.hub_url":            "ws://localhost:8000/ws",
		"relay.access_code":        "",
		"relay.api_key":            "",
		"relay.session":            "default",
		"relay.policy":             string(tracker.PolicyIgnore),
		"relay.history_limit":      100,
		"relay.dial_timeout":       15 * time.Second,
		"relay.reconnect.enable":   reconnect.Enable,
		"relay.reconnect.attempts": reconnect.Attempts,
		"relay.reconnect.interval": reconnect.Interval,
		"log.level":                "warn",
		"log.file":                 "",
		"log.max_size":             100,
		"log.max_backups":          3,
		"log.max_age":              28,
		"log.compress":             false,
	}
	for k, v := range dataCfg.Defaults("data") {
		d[k] = v
	}
	return d
}

// LoadConfig loads client configuration from path, or from the search
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
	config.Data = dataCfg.GetConfig(v, "data")

	setDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults fills values that cannot be expressed as viper defaults
func setDefaults(config *Config) {
	if config.Relay.Policy == "" {
		config.Relay.Policy = tracker.PolicyIgnore
	}
	if config.Relay.DialTimeout == 0 {
		config.Relay.DialTimeout = 15 * time.Second
	}
	if config.Relay.Reconnect == nil {
		config.Relay.Reconnect = retry.DefaultReconnectConfig()
	}
	config.Log.SetDefaults()
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if err := validator.New().Struct(config.Relay); err != nil {
		return fmt.Errorf("invalid relay config: %w", err)
	}

	if err := config.Relay.Reconnect.Validate(); err != nil {
		return fmt.Errorf("invalid reconnect config: %w", err)
	}

	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	return nil
}
