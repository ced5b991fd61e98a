package audit

import (
	"context"
	"sync"
	"time"

	"cmdrelay/internal/database"

	"go.uber.org/zap"
)

// BatchConfig tunes a Batcher
type BatchConfig struct {
	Size          int           `mapstructure:"size" validate:"gte=0"`
	FlushInterval time.Duration `mapstructure:"flush_interval" validate:"gte=0"`
	QueueSize     int           `mapstructure:"queue_size" validate:"gte=0"`
	FlushTimeout  time.Duration `mapstructure:"flush_timeout" validate:"gte=0"`
}

func (c *BatchConfig) setDefaults() {
	if c.Size <= 0 {
		c.Size = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 10 * time.Second
	}
}

// Batcher queues Record calls and writes them with RecordBatch, so the
// relay never waits on the database. Recorded entries show up in List
// after the next flush. Other calls go straight to the store.
type Batcher struct {
	store  *SQLStore
	cfg    BatchConfig
	logger *zap.Logger

	queue  chan *Entry
	mu     sync.RWMutex
	closed bool
	stop   chan struct{}
	done   chan struct{}
}

// NewBatcher starts a batcher in front of store
func NewBatcher(store *SQLStore, cfg BatchConfig, logger *zap.Logger) *Batcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.setDefaults()

	b := &Batcher{
		store:  store,
		cfg:    cfg,
		logger: logger.Named("audit-batcher"),
		queue:  make(chan *Entry, cfg.QueueSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

// Record queues e. It returns ErrQueueFull instead of blocking.
func (b *Batcher) Record(_ context.Context, e *Entry) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	select {
	case b.queue <- e:
		return nil
	default:
		return ErrQueueFull
	}
}

func (b *Batcher) List(ctx context.Context, f Filter) ([]Entry, error) {
	return b.store.List(ctx, f)
}

func (b *Batcher) RequestAccess(ctx context.Context, r *AccessRequest) error {
	return b.store.RequestAccess(ctx, r)
}

func (b *Batcher) Stats() database.Stats {
	return b.store.Stats()
}

// Close flushes queued entries and stops the batcher. It does not close
// the database.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	close(b.stop)
	<-b.done
	return nil
}

func (b *Batcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	batch := make([]*Entry, 0, b.cfg.Size)
	for {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
			if len(batch) >= b.cfg.Size {
				batch = b.flush(batch)
			}
		case <-ticker.C:
			batch = b.flush(batch)
		case <-b.stop:
			// No Record can enqueue once closed is set
			for {
				select {
				case e := <-b.queue:
					batch = append(batch, e)
					if len(batch) >= b.cfg.Size {
						batch = b.flush(batch)
					}
				default:
					b.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch and returns it emptied for reuse
func (b *Batcher) flush(batch []*Entry) []*Entry {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.FlushTimeout)
	defer cancel()

	if err := b.store.RecordBatch(ctx, batch); err != nil {
		b.logger.Error("Failed to flush audit entries",
			zap.Int("entries", len(batch)),
			zap.Error(err))
	} else {
		b.logger.Debug("Flushed audit entries", zap.Int("entries", len(batch)))
	}

	clear(batch)
	return batch[:0]
}
