package connection

import (
	"fmt"

	"cmdrelay/internal/data/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// newRabbitMQ creates new RabbitMQ connection
func newRabbitMQ(cfg *config.RabbitMQ) (*amqp.Connection, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("rabbitmq configuration is nil or empty")
	}

	url := fmt.Sprintf("amqp://%s:%s@%s/%s", cfg.Username, cfg.Password, cfg.URL, cfg.Vhost)
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: cfg.HeartbeatInterval,
		Vhost:     cfg.Vhost,
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq connection error: %w", err)
	}

	return conn, nil
}
