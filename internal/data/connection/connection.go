package connection

import (
	"context"
	"errors"
	"sync"

	"cmdrelay/internal/data/config"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Connections struct to hold all backing service clients
type Connections struct {
	RC     *redis.Client
	RMQ    *amqp.Connection
	KFK    *kafka.Writer
	closed bool
	mu     sync.Mutex
}

// New opens every service that has an address configured.
// Services left unconfigured stay nil.
func New(cfg *config.Config) (*Connections, error) {
	c := &Connections{}
	var err error

	if cfg.Redis != nil && cfg.Redis.Addr != "" {
		c.RC, err = newRedis(cfg.Redis)
		if err != nil {
			return nil, err
		}
	}

	if cfg.RabbitMQ != nil && cfg.RabbitMQ.URL != "" {
		c.RMQ, err = newRabbitMQ(cfg.RabbitMQ)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	if cfg.Kafka != nil && len(cfg.Kafka.Brokers) > 0 {
		c.KFK, err = newKafka(cfg.Kafka)
		if err != nil {
			c.Close()
			return nil, err
		}
	}

	return c, nil
}

// Close closes all data connections
func (d *Connections) Close() (errs []error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Check if already closed
	if d.closed {
		return nil
	}

	// Close Redis client if connected
	if d.RC != nil {
		if err := d.RC.Close(); err != nil {
			errs = append(errs, errors.New("redis close error: "+err.Error()))
		}
		d.RC = nil
	}

	// Close RabbitMQ client if connected
	if d.RMQ != nil {
		if !d.RMQ.IsClosed() {
			if err := d.RMQ.Close(); err != nil {
				errs = append(errs, errors.New("rabbitmq close error: "+err.Error()))
			}
		}
		d.RMQ = nil
	}

	// Flush and close Kafka writer if open
	if d.KFK != nil {
		if err := d.KFK.Close(); err != nil {
			errs = append(errs, errors.New("kafka close error: "+err.Error()))
		}
		d.KFK = nil
	}

	d.closed = true

	return errs
}

// Ping checks the services that support a liveness probe
func (d *Connections) Ping(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.RC != nil {
		if err := d.RC.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	if d.RMQ != nil && d.RMQ.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}
