package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cmdrelay/internal/data/connection"
	"cmdrelay/internal/types"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakeChannel struct {
	mu   sync.Mutex
	pubs []published
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pubs = append(c.pubs, published{exchange, key, msg})
	return nil
}

func (c *fakeChannel) Close() error { return nil }

func sampleEvent(id string) Event {
	return Event{
		Pair:      "ab**",
		Direction: "to_agent",
		Type:      types.MessageCommand,
		CommandID: id,
		Frame:     json.RawMessage(`{"type":"command"}`),
		Time:      time.UnixMilli(1_700_000_000_000),
	}
}

func TestKafkaPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaPublisher(w, zaptest.NewLogger(t))

	require.NoError(t, p.Publish(context.Background(), sampleEvent("c1")))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ab**", string(w.msgs[0].Key))
	assert.Equal(t, "command", string(w.msgs[0].Headers[0].Value))

	var got Event
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &got))
	assert.Equal(t, "c1", got.CommandID)
	assert.JSONEq(t, `{"type":"command"}`, string(got.Frame))

	w.err = errors.New("broker down")
	assert.ErrorContains(t, p.Publish(context.Background(), sampleEvent("c2")), "broker down")

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestRabbitMQPublisher(t *testing.T) {
	ch := &fakeChannel{}
	p := newRabbitMQPublisher(ch, "cmdrelay.events", zaptest.NewLogger(t))

	require.NoError(t, p.Publish(context.Background(), sampleEvent("c1")))
	require.Len(t, ch.pubs, 1)
	assert.Equal(t, "cmdrelay.events", ch.pubs[0].exchange)
	assert.Equal(t, "command", ch.pubs[0].key)
	assert.Equal(t, "application/json", ch.pubs[0].msg.ContentType)
	assert.Equal(t, "ab**", ch.pubs[0].msg.Headers["pair"])
}

func TestNewSelectsDriver(t *testing.T) {
	logger := zaptest.NewLogger(t)

	p, err := New("", nil, "", logger)
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	_, err = New(DriverKafka, &connection.Connections{}, "", logger)
	assert.Error(t, err)

	_, err = New(DriverRabbitMQ, nil, "x", logger)
	assert.Error(t, err)

	_, err = New("nats", nil, "", logger)
	assert.ErrorContains(t, err, "unsupported events driver")
}

func TestAsyncPublishesInOrderAndDrainsOnClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	w := &fakeWriter{}
	a := NewAsync(NewKafkaPublisher(w, nil), 16, time.Second, zaptest.NewLogger(t))

	for _, id := range []string{"c1", "c2", "c3"} {
		require.NoError(t, a.Publish(context.Background(), sampleEvent(id)))
	}
	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	require.Len(t, w.msgs, 3)
	var ids []string
	for _, m := range w.msgs {
		var e Event
		require.NoError(t, json.Unmarshal(m.Value, &e))
		ids = append(ids, e.CommandID)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, ids)
	assert.True(t, w.closed)

	assert.Error(t, a.Publish(context.Background(), sampleEvent("late")))
}

type blockingPublisher struct {
	release chan struct{}
}

func (b *blockingPublisher) Publish(ctx context.Context, _ Event) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func (b *blockingPublisher) Close() error { return nil }

func TestAsyncDropsWhenFull(t *testing.T) {
	defer goleak.VerifyNone(t)

	b := &blockingPublisher{release: make(chan struct{})}
	a := NewAsync(b, 1, time.Second, zaptest.NewLogger(t))

	// The worker takes the first event and blocks; the second fills the queue.
	require.NoError(t, a.Publish(context.Background(), sampleEvent("c1")))
	require.Eventually(t, func() bool { return len(a.queue) == 0 }, time.Second, time.Millisecond)
	require.NoError(t, a.Publish(context.Background(), sampleEvent("c2")))
	assert.ErrorIs(t, a.Publish(context.Background(), sampleEvent("c3")), ErrQueueFull)

	close(b.release)
	require.NoError(t, a.Close())
}
