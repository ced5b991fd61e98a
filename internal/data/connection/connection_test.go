package connection

import (
	"context"
	"testing"

	"cmdrelay/internal/data/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithNothingConfigured(t *testing.T) {
	c, err := New(&config.Config{
		Redis:    &config.Redis{},
		RabbitMQ: &config.RabbitMQ{},
		Kafka:    &config.Kafka{},
	})
	require.NoError(t, err)

	assert.Nil(t, c.RC)
	assert.Nil(t, c.RMQ)
	assert.Nil(t, c.KFK)
	assert.NoError(t, c.Ping(context.Background()))
	assert.Empty(t, c.Close())
	assert.Nil(t, c.Close())
}

func TestConstructorsRejectEmptyConfig(t *testing.T) {
	_, err := newRedis(nil)
	assert.Error(t, err)
	_, err = newKafka(&config.Kafka{})
	assert.Error(t, err)
	_, err = newRabbitMQ(&config.RabbitMQ{})
	assert.Error(t, err)
}
