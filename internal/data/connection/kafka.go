package connection

import (
	"context"
	"fmt"

	"cmdrelay/internal/data/config"

	"github.com/segmentio/kafka-go"
)

// newKafka checks the first broker is reachable and returns a writer for
// the configured topic
func newKafka(cfg *config.Kafka) (*kafka.Writer, error) {
	if cfg == nil || len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka configuration is nil or empty")
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()

	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return nil, fmt.Errorf("kafka connection error: %w", err)
	}
	_ = conn.Close()

	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}, nil
}
