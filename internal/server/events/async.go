package events

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueFull is returned when the async queue cannot take another event
var ErrQueueFull = errors.New("event queue full")

// Async publishes through next on a single worker so callers never wait on
// the broker. Events are published in the order they were queued.
type Async struct {
	next    Publisher
	queue   chan Event
	timeout time.Duration
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewAsync starts the worker. size bounds the queue; timeout bounds each publish.
func NewAsync(next Publisher, size int, timeout time.Duration, logger *zap.Logger) *Async {
	if size <= 0 {
		size = 256
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Async{
		next:    next,
		queue:   make(chan Event, size),
		timeout: timeout,
		logger:  logger.Named("events"),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Publish queues e. It never blocks; a full queue drops the event.
func (a *Async) Publish(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return errors.New("publisher closed")
	}
	select {
	case a.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close drains the queue and closes next
func (a *Async) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return a.next.Close()
}

func (a *Async) run() {
	defer a.wg.Done()
	for e := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.Publish(ctx, e); err != nil {
			a.logger.Warn("Failed to publish event",
				zap.String("type", string(e.Type)),
				zap.String("command_id", e.CommandID),
				zap.Error(err))
		}
		cancel()
	}
}
