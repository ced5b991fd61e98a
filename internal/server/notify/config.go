package notify

import (
	"fmt"
	"time"

	"cmdrelay/internal/retry"
)

// Config represents the notification configuration
type Config struct {
	Enabled   bool            `mapstructure:"enabled"`
	QueueSize int             `mapstructure:"queue_size" validate:"gte=0"`
	Timeout   time.Duration   `mapstructure:"timeout"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Retry     *retry.Config   `mapstructure:"retry"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Slack     SlackConfig     `mapstructure:"slack"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Discord   DiscordConfig   `mapstructure:"discord"`
}

// RateLimitConfig caps deliveries per channel
type RateLimitConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxEvents int           `mapstructure:"max_events" validate:"gte=0"`
}

// WebhookConfig represents a generic JSON webhook
type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	URL     string            `mapstructure:"url" validate:"required_if=Enabled true,omitempty,url"`
	Secret  string            `mapstructure:"secret"`
	Headers map[string]string `mapstructure:"headers"`
}

// SlackConfig represents a Slack incoming webhook
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Channel    string `mapstructure:"channel"`
	Username   string `mapstructure:"username"`
}

// TelegramConfig represents a Telegram bot
type TelegramConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	BotToken string   `mapstructure:"bot_token" validate:"required_if=Enabled true"`
	ChatIDs  []string `mapstructure:"chat_ids" validate:"required_if=Enabled true"`
	// APIURL overrides https://api.telegram.org
	APIURL string `mapstructure:"api_url"`
}

// DiscordConfig represents a Discord webhook
type DiscordConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url" validate:"required_if=Enabled true,omitempty,url"`
	Username   string `mapstructure:"username"`
}

// SetDefaults fills zero values
func (c *Config) SetDefaults() {
	if c.QueueSize == 0 {
		c.QueueSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = 10 * time.Second
	}
	if c.RateLimit.Interval == 0 {
		c.RateLimit.Interval = time.Minute
	}
	if c.RateLimit.MaxEvents == 0 {
		c.RateLimit.MaxEvents = 10
	}
}

// Validate checks that notifications have somewhere to go
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if !c.Webhook.Enabled && !c.Slack.Enabled && !c.Telegram.Enabled && !c.Discord.Enabled {
		return fmt.Errorf("no notification channel enabled")
	}
	if err := c.Retry.Validate(); err != nil {
		return fmt.Errorf("invalid retry config: %w", err)
	}
	return nil
}
