package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestGetConfigDefaults(t *testing.T) {
	v := viper.New()
	for key, value := range Defaults("data") {
		v.SetDefault(key, value)
	}

	cfg := GetConfig(v, "data")

	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, "cmdrelay", cfg.Redis.KeyPrefix)
	assert.Equal(t, 7*24*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, "cmdrelay.events", cfg.Kafka.Topic)
	assert.Empty(t, cfg.Kafka.Brokers)
	assert.Equal(t, "cmdrelay.events", cfg.RabbitMQ.Exchange)
}

func TestGetConfigOverrides(t *testing.T) {
	v := viper.New()
	for key, value := range Defaults("events") {
		v.SetDefault(key, value)
	}
	v.Set("events.kafka.brokers", []string{"k1:9092", "k2:9092"})
	v.Set("events.redis.addr", "localhost:6379")

	cfg := GetConfig(v, "events")

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
}
