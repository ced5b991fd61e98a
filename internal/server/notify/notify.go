// Package notify delivers agent presence changes to chat and webhook channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cmdrelay/internal/retry"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// EventType names a presence change
type EventType string

const (
	EventAgentOnline  EventType = "agent.online"
	EventAgentOffline EventType = "agent.offline"
)

// Event is one presence change of the agent paired under an access code
type Event struct {
	Type EventType `json:"event_type"`
	Pair string    `json:"pair"` // masked access code
	At   time.Time `json:"timestamp"`
}

// Notifier delivers events to one channel
type Notifier interface {
	Name() string
	Notify(ctx context.Context, e Event) error
}

// notification is one queued delivery
type notification struct {
	notifier Notifier
	event    Event
}

// Manager fans events out to every enabled channel from a background worker.
// Each channel is rate limited and retried on its own.
type Manager struct {
	config    *Config
	logger    *zap.Logger
	notifiers []Notifier
	limiters  map[string]*rate.Limiter

	mu         sync.RWMutex
	closed     bool
	notifyChan chan notification
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewManager creates a manager with the channels enabled in cfg
func NewManager(cfg *Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.SetDefaults()

	var notifiers []Notifier
	if cfg.Webhook.Enabled {
		notifiers = append(notifiers, NewWebhookNotifier(&cfg.Webhook, cfg.Timeout))
	}
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, NewSlackNotifier(&cfg.Slack, cfg.Timeout))
	}
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, NewTelegramNotifier(&cfg.Telegram, cfg.Timeout))
	}
	if cfg.Discord.Enabled {
		notifiers = append(notifiers, NewDiscordNotifier(&cfg.Discord, cfg.Timeout))
	}
	if len(notifiers) == 0 {
		return nil, errors.New("no notification channel enabled")
	}

	return newManager(cfg, notifiers, logger), nil
}

func newManager(cfg *Config, notifiers []Notifier, logger *zap.Logger) *Manager {
	cfg.SetDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		config:     cfg,
		logger:     logger.Named("notify"),
		notifiers:  notifiers,
		limiters:   make(map[string]*rate.Limiter, len(notifiers)),
		notifyChan: make(chan notification, cfg.QueueSize),
		ctx:        ctx,
		cancel:     cancel,
	}

	every := rate.Every(cfg.RateLimit.Interval / time.Duration(cfg.RateLimit.MaxEvents))
	for _, n := range notifiers {
		m.limiters[n.Name()] = rate.NewLimiter(every, cfg.RateLimit.MaxEvents)
	}

	m.wg.Add(1)
	go m.processNotifications()
	return m
}

// Channels returns the names of the enabled channels
func (m *Manager) Channels() []string {
	names := make([]string, len(m.notifiers))
	for i, n := range m.notifiers {
		names[i] = n.Name()
	}
	return names
}

// AgentPresence queues a presence change for every channel. It never blocks;
// deliveries are dropped when the queue is full.
func (m *Manager) AgentPresence(pair string, connected bool) {
	e := Event{Type: EventAgentOffline, Pair: pair, At: time.Now().UTC()}
	if connected {
		e.Type = EventAgentOnline
	}
	m.Notify(e)
}

// Notify queues e for every channel
func (m *Manager) Notify(e Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}

	for _, n := range m.notifiers {
		select {
		case m.notifyChan <- notification{notifier: n, event: e}:
		default:
			m.logger.Warn("Notification queue full, dropping",
				zap.String("channel", n.Name()),
				zap.String("event", string(e.Type)))
		}
	}
}

// processNotifications handles notification sending in background
func (m *Manager) processNotifications() {
	defer m.wg.Done()

	for n := range m.notifyChan {
		m.deliver(n)
	}
}

func (m *Manager) deliver(n notification) {
	name := n.notifier.Name()
	if !m.limiters[name].Allow() {
		m.logger.Warn("Rate limit exceeded for channel", zap.String("channel", name))
		return
	}

	err := retry.Execute(m.ctx, m.config.Retry, m.logger, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, m.config.Timeout)
		defer cancel()
		return n.notifier.Notify(ctx, n.event)
	})
	if err != nil {
		m.logger.Error("Failed to send notification",
			zap.String("channel", name),
			zap.String("event", string(n.event.Type)),
			zap.Error(err))
	}
}

// Stop delivers what is queued, giving up after timeout
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	close(m.notifyChan)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.cancel()
		return nil
	case <-time.After(timeout):
		// Abort in-flight retries
		m.cancel()
		<-done
		return fmt.Errorf("timeout waiting for notifications to complete")
	}
}
