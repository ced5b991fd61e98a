package config

import (
	"fmt"
	"time"

	commonCfg "cmdrelay/internal/config"
	dataCfg "cmdrelay/internal/data/config"
	"cmdrelay/internal/database"
	"cmdrelay/internal/logger"
	"cmdrelay/internal/retry"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/events"
	"cmdrelay/internal/server/notify"
	"cmdrelay/internal/validator"
)

// Name is the config file name searched without extension
const Name = "server"

// Config represents the complete server configuration
type Config struct {
	Server ServerConfig    `mapstructure:"server"`
	Hub    HubConfig       `mapstructure:"hub"`
	Audit  AuditConfig     `mapstructure:"audit"`
	Events EventsConfig    `mapstructure:"events"`
	Notify notify.Config   `mapstructure:"notify"`
	API    APIConfig       `mapstructure:"api"`
	Log    logger.Config   `mapstructure:"log"`
	Data   *dataCfg.Config `mapstructure:"-"`
}

// ServerConfig represents the HTTP listener configuration
type ServerConfig struct {
	Address         string        `mapstructure:"address" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	TLS             TLSConfig     `mapstructure:"tls"`
}

// TLSConfig represents the TLS configuration
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"cert_file" validate:"required_if=Enabled true"`
	KeyFile  string `mapstructure:"key_file" validate:"required_if=Enabled true"`
}

// HubConfig represents the pairing hub configuration
type HubConfig struct {
	AccessCodes    []string      `mapstructure:"access_codes" validate:"required,min=1,dive,access_code"`
	APIKey         string        `mapstructure:"api_key"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadLimit      int64         `mapstructure:"read_limit" validate:"gte=0"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
}

// AuditConfig represents the audit log configuration
type AuditConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	Database database.Config   `mapstructure:"database"`
	Batch    audit.BatchConfig `mapstructure:"batch"`
}

// EventsConfig represents the broker fan-out configuration.
// Broker connections come from the data section.
type EventsConfig struct {
	Driver         string        `mapstructure:"driver" validate:"oneof=none kafka rabbitmq"`
	QueueSize      int           `mapstructure:"queue_size" validate:"gte=0"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// APIConfig represents the API configuration
type APIConfig struct {
	// CORS settings
	CORS CORSConfig `mapstructure:"cors"`

	// Rate limiting
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
}

// CORSConfig represents the CORS configuration
type CORSConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	AllowedMethods   []string `mapstructure:"allowed_methods"`
	AllowedHeaders   []string `mapstructure:"allowed_headers"`
	MaxAge           int      `mapstructure:"max_age"`
	AllowCredentials bool     `mapstructure:"allow_credentials"`
}

// RateLimitConfig represents the per-client token bucket
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests" validate:"gte=0"`
	Window   time.Duration `mapstructure:"window"`
	Burst    int           `mapstructure:"burst" validate:"gte=0"`
}

// defaults registers every key so environment overrides reach it
func defaults() map[string]any {
	d := map[string]any{
		"server.address":                   ":8000",
		"server.read_timeout":              30 * time.Second,
		"server.write_timeout":             30 * time.Second,
		"server.idle_timeout":              120 * time.Second,
		"server.shutdown_timeout":          10 * time.Second,
		"server.tls.enabled":               false,
		"server.tls.cert_file":             "",
		"server.tls.key_file":              "",
		"hub.access_codes":                 []string{},
		"hub.api_key":                      "",
		"hub.allowed_origins":              []string{},
		"hub.read_limit":                   8 << 20,
		"hub.write_wait":                   10 * time.Second,
		"audit.enabled":                    false,
		"audit.database.driver":            "sqlite",
		"audit.database.dsn":               "data/cmdrelay.db",
		"audit.database.max_connections":   10,
		"audit.database.max_idle_conns":    5,
		"audit.database.conn_max_lifetime": time.Hour,
		"audit.database.query_timeout":     10 * time.Second,
		"audit.database.max_batch_size":    1000,
		"audit.database.slow_query_time":   time.Second,
		"audit.database.auto_migrate":      true,
		"audit.database.enable_pruning":    true,
		"audit.database.prune_interval":    time.Hour,
		"audit.database.retention":         30 * 24 * time.Hour,
		"audit.database.startup.enable":    true,
		"audit.database.startup.attempts":  retry.DefaultStartupConfig().Attempts,
		"audit.database.startup.interval":  retry.DefaultStartupConfig().Interval,
		"audit.batch.size":                 100,
		"audit.batch.flush_interval":       time.Second,
		"audit.batch.queue_size":           1000,
		"audit.batch.flush_timeout":        10 * time.Second,
		"events.driver":                    events.DriverNone,
		"events.queue_size":                256,
		"events.publish_timeout":           5 * time.Second,
		"notify.enabled":                   false,
		"notify.queue_size":                100,
		"notify.timeout":                   10 * time.Second,
		"notify.rate_limit.interval":       time.Minute,
		"notify.rate_limit.max_events":     10,
		"notify.retry.enable":              true,
		"notify.retry.attempts":            3,
		"notify.retry.interval":            2 * time.Second,
		"notify.webhook.enabled":           false,
		"notify.webhook.url":               "",
		"notify.webhook.secret":            "",
		"notify.slack.enabled":             false,
		"notify.slack.webhook_url":         "",
		"notify.slack.channel":             "",
		"notify.slack.username":            "cmdrelay",
		"notify.telegram.enabled":          false,
		"notify.telegram.bot_token":        "",
		"notify.telegram.chat_ids":         []string{},
		"notify.telegram.api_url":          "",
		"notify.discord.enabled":           false,
		"notify.discord.webhook_url":       "",
		"notify.discord.username":          "cmdrelay",
		"api.cors.enabled":                 true,
		"api.cors.allowed_origins":         []string{"http://localhost:5173"},
		"api.cors.allowed_methods":         []string{"GET", "POST", "OPTIONS"},
		"api.cors.allowed_headers":         []string{"Content-Type", "Authorization", "X-Request-ID"},
		"api.cors.max_age":                 86400,
		"api.cors.allow_credentials":       true,
		"api.rate_limit.enabled":           true,
		"api.rate_limit.requests":          60,
		"api.rate_limit.window":            time.Minute,
		"api.rate_limit.burst":             10,
		"log.level":                        "info",
		"log.file":                         "",
		"log.max_size":                     100,
		"log.max_backups":                  3,
		"log.max_age":                      28,
		"log.compress":                     false,
	}
	for k, v := range dataCfg.Defaults("data") {
		d[k] = v
	}
	return d
}

// LoadConfig loads server configuration from path, or from the search
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

	// Set defaults
	setDefaults(&config)

	// Validate configuration
	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults fills values that cannot be expressed as viper defaults
func setDefaults(config *Config) {
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = 10 * time.Second
	}

	if config.Events.Driver == "" {
		config.Events.Driver = events.DriverNone
	}

	config.Notify.SetDefaults()

	if config.API.RateLimit.Window == 0 {
		config.API.RateLimit.Window = time.Minute
	}

	if config.API.RateLimit.Burst == 0 {
		config.API.RateLimit.Burst = 1
	}

	config.Log.SetDefaults()
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	v := validator.New()

	if err := v.Struct(config.Server); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := v.Struct(config.Hub); err != nil {
		return fmt.Errorf("invalid hub config: %w", err)
	}

	// Validate audit database only when the audit log is on
	if config.Audit.Enabled {
		if err := v.Struct(config.Audit.Database); err != nil {
			return fmt.Errorf("invalid audit config: %w", err)
		}
		if err := v.Struct(config.Audit.Batch); err != nil {
			return fmt.Errorf("invalid audit batch config: %w", err)
		}
	}

	if err := validateEventsConfig(config); err != nil {
		return fmt.Errorf("invalid events config: %w", err)
	}

	if config.Notify.Enabled {
		if err := validateNotifyConfig(v, &config.Notify); err != nil {
			return fmt.Errorf("invalid notify config: %w", err)
		}
	}

	if err := v.Struct(config.API.RateLimit); err != nil {
		return fmt.Errorf("invalid API config: %w", err)
	}

	if err := config.Log.Validate(); err != nil {
		return fmt.Errorf("invalid log config: %w", err)
	}

	return nil
}

// validateNotifyConfig validates every enabled channel
func validateNotifyConfig(v *validator.Validator, cfg *notify.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, section := range []any{cfg.RateLimit, cfg.Webhook, cfg.Slack, cfg.Telegram, cfg.Discord} {
		if err := v.Struct(section); err != nil {
			return err
		}
	}
	return nil
}

// validateEventsConfig checks the broker the driver needs is configured
func validateEventsConfig(config *Config) error {
	if err := validator.New().Struct(config.Events); err != nil {
		return err
	}
	switch config.Events.Driver {
	case events.DriverKafka:
		if config.Data == nil || config.Data.Kafka == nil || len(config.Data.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka driver requires data.kafka.brokers")
		}
	case events.DriverRabbitMQ:
		if config.Data == nil || config.Data.RabbitMQ == nil || config.Data.RabbitMQ.URL == "" {
			return fmt.Errorf("rabbitmq driver requires data.rabbitmq.url")
		}
	}
	return nil
}
