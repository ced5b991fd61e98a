package retry

import (
	"encoding/json"
	"errors"
	"time"
)

// Config defines a fixed-interval retry policy.
// The interval never grows; Attempts of zero means retry forever.
type Config struct {
	Enable   bool          `mapstructure:"enable"`
	Attempts int           `mapstructure:"attempts"`
	Interval time.Duration `mapstructure:"interval"`
}

// DefaultReconnectConfig returns the channel reconnect policy: every 5s, forever.
func DefaultReconnectConfig() *Config {
	return &Config{
		Enable:   true,
		Attempts: 0,
		Interval: 5 * time.Second,
	}
}

// DefaultStartupConfig returns the policy used while dialing backing services at boot.
func DefaultStartupConfig() *Config {
	return &Config{
		Enable:   true,
		Attempts: 5,
		Interval: 2 * time.Second,
	}
}

// Validate validates the retry configuration.
func (cfg *Config) Validate() error {
	if cfg == nil || !cfg.Enable {
		return nil
	}
	if cfg.Attempts < 0 {
		return errors.New("attempts cannot be negative")
	}
	if cfg.Interval <= 0 {
		return errors.New("interval must be positive")
	}
	return nil
}

// Delay returns the wait before the given attempt (1-based).
func (cfg *Config) Delay(_ int) time.Duration {
	return cfg.Interval
}

// Allowed reports whether the given attempt (1-based) may run.
func (cfg *Config) Allowed(attempt int) bool {
	if cfg == nil || !cfg.Enable {
		return false
	}
	return cfg.Attempts == 0 || attempt <= cfg.Attempts
}

// String returns a JSON string representation of the Config.
func (cfg *Config) String() string {
	data, _ := json.Marshal(cfg)
	return string(data)
}
