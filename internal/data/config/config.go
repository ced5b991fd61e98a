package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config data config struct
type Config struct {
	*Redis
	*RabbitMQ
	*Kafka
}

// Redis redis config struct
type Redis struct {
	Addr         string        `mapstructure:"addr"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	Db           int           `mapstructure:"db"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
	TTL          time.Duration `mapstructure:"ttl"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
}

// RabbitMQ rabbitmq config struct
type RabbitMQ struct {
	URL               string        `mapstructure:"url"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	Vhost             string        `mapstructure:"vhost"`
	Exchange          string        `mapstructure:"exchange"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// Kafka kafka config struct
type Kafka struct {
	Brokers      []string      `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	BatchTimeout time.Duration `mapstructure:"batch_timeout"`
}

// Defaults returns the viper defaults for every data key under prefix
func Defaults(prefix string) map[string]any {
	return map[string]any{
		prefix + ".redis.addr":                  "",
		prefix + ".redis.username":              "",
		prefix + ".redis.password":              "",
		prefix + ".redis.db":                    0,
		prefix + ".redis.key_prefix":            "cmdrelay",
		prefix + ".redis.ttl":                   7 * 24 * time.Hour,
		prefix + ".redis.read_timeout":          3 * time.Second,
		prefix + ".redis.write_timeout":         3 * time.Second,
		prefix + ".redis.dial_timeout":          5 * time.Second,
		prefix + ".rabbitmq.url":                "",
		prefix + ".rabbitmq.username":           "guest",
		prefix + ".rabbitmq.password":           "guest",
		prefix + ".rabbitmq.vhost":              "",
		prefix + ".rabbitmq.exchange":           "cmdrelay.events",
		prefix + ".rabbitmq.heartbeat_interval": 10 * time.Second,
		prefix + ".kafka.brokers":               []string{},
		prefix + ".kafka.topic":                 "cmdrelay.events",
		prefix + ".kafka.dial_timeout":          5 * time.Second,
		prefix + ".kafka.batch_timeout":         50 * time.Millisecond,
	}
}

// GetConfig reads data configurations under prefix
func GetConfig(v *viper.Viper, prefix string) *Config {
	return &Config{
		Redis:    getRedisConfigs(v, prefix),
		RabbitMQ: getRabbitMQConfigs(v, prefix),
		Kafka:    getKafkaConfigs(v, prefix),
	}
}

// getRedisConfigs reads Redis configurations
func getRedisConfigs(v *viper.Viper, prefix string) *Redis {
	return &Redis{
		Addr:         v.GetString(prefix + ".redis.addr"),
		Username:     v.GetString(prefix + ".redis.username"),
		Password:     v.GetString(prefix + ".redis.password"),
		Db:           v.GetInt(prefix + ".redis.db"),
		KeyPrefix:    v.GetString(prefix + ".redis.key_prefix"),
		TTL:          v.GetDuration(prefix + ".redis.ttl"),
		ReadTimeout:  v.GetDuration(prefix + ".redis.read_timeout"),
		WriteTimeout: v.GetDuration(prefix + ".redis.write_timeout"),
		DialTimeout:  v.GetDuration(prefix + ".redis.dial_timeout"),
	}
}

// getRabbitMQConfigs reads RabbitMQ configurations
func getRabbitMQConfigs(v *viper.Viper, prefix string) *RabbitMQ {
	return &RabbitMQ{
		URL:               v.GetString(prefix + ".rabbitmq.url"),
		Username:          v.GetString(prefix + ".rabbitmq.username"),
		Password:          v.GetString(prefix + ".rabbitmq.password"),
		Vhost:             v.GetString(prefix + ".rabbitmq.vhost"),
		Exchange:          v.GetString(prefix + ".rabbitmq.exchange"),
		HeartbeatInterval: v.GetDuration(prefix + ".rabbitmq.heartbeat_interval"),
	}
}

// getKafkaConfigs reads Kafka configurations
func getKafkaConfigs(v *viper.Viper, prefix string) *Kafka {
	return &Kafka{
		Brokers:      v.GetStringSlice(prefix + ".kafka.brokers"),
		Topic:        v.GetString(prefix + ".kafka.topic"),
		DialTimeout:  v.GetDuration(prefix + ".kafka.dial_timeout"),
		BatchTimeout: v.GetDuration(prefix + ".kafka.batch_timeout"),
	}
}
