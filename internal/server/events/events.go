// Package events fans relayed command traffic out to a message broker.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cmdrelay/internal/data/connection"
	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// Drivers
const (
	DriverNone     = "none"
	DriverKafka    = "kafka"
	DriverRabbitMQ = "rabbitmq"
)

// Event is one relayed frame as published to the broker
type Event struct {
	Pair      string            `json:"pair"`
	Direction string            `json:"direction"`
	Type      types.MessageType `json:"type"`
	CommandID string            `json:"commandId,omitempty"`
	Frame     json.RawMessage   `json:"frame"`
	Time      time.Time         `json:"time"`
}

// Key returns the partition / routing key
func (e Event) Key() string {
	return e.Pair
}

// Publisher sends events to a broker
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// Nop drops every event
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// New returns the publisher for driver, built on conns
func New(driver string, conns *connection.Connections, exchange string, logger *zap.Logger) (Publisher, error) {
	switch driver {
	case "", DriverNone:
		return Nop{}, nil
	case DriverKafka:
		if conns == nil || conns.KFK == nil {
			return nil, fmt.Errorf("kafka publisher needs a kafka connection")
		}
		return NewKafkaPublisher(conns.KFK, logger), nil
	case DriverRabbitMQ:
		if conns == nil || conns.RMQ == nil {
			return nil, fmt.Errorf("rabbitmq publisher needs a rabbitmq connection")
		}
		return NewRabbitMQPublisher(conns.RMQ, exchange, logger)
	default:
		return nil, fmt.Errorf("unsupported events driver: %s", driver)
	}
}
