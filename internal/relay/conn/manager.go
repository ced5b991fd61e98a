package conn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cmdrelay/internal/retry"
	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// ErrClosed is returned by Connect after Close
var ErrClosed = errors.New("connection manager closed")

// MessageHandler receives every inbound frame
type MessageHandler func(data []byte)

// StateHandler receives every state transition
type StateHandler func(state types.ConnState)

// Config configures a Manager
type Config struct {
	Reconnect   *retry.Config
	DialTimeout time.Duration
}

// DefaultConfig returns a 5s fixed reconnect with no retry cap
func DefaultConfig() Config {
	return Config{
		Reconnect:   retry.DefaultReconnectConfig(),
		DialTimeout: 15 * time.Second,
	}
}

// event is one queued notification: a state change or an inbound frame
type event struct {
	state types.ConnState
	data  []byte
}

// Manager owns the single channel to a remote peer.
//
// All transitions happen under mu. Handlers are called from one dispatch
// goroutine in the order transitions happened, so they may call back into
// the Manager.
type Manager struct {
	dialer Dialer
	config Config
	logger *zap.Logger

	mu         sync.Mutex
	state      types.ConnState
	endpoint   Endpoint
	transport  Transport
	gen        uint64
	explicit   bool
	closed     bool
	timer      *time.Timer
	attempts   int
	cancelDial context.CancelFunc
	wg         sync.WaitGroup

	handlersMu sync.RWMutex
	onMessage  []MessageHandler
	onState    []StateHandler

	queueMu sync.Mutex
	queue   []event
	signal  chan struct{}
	done    chan struct{}
	stopped chan struct{}
	// inHandler is set while the dispatch goroutine runs a handler
	inHandler atomic.Bool
}

// NewManager creates a Manager in the disconnected state
func NewManager(dialer Dialer, cfg Config, logger *zap.Logger) *Manager {
	if cfg.Reconnect == nil {
		cfg.Reconnect = retry.DefaultReconnectConfig()
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Manager{
		dialer:  dialer,
		config:  cfg,
		logger:  logger.Named("conn"),
		state:   types.ConnStateDisconnected,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// OnMessage registers a handler for inbound frames.
// A handler may call Close; Close then returns without waiting for
// dispatch to stop.
func (m *Manager) OnMessage(h MessageHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onMessage = append(m.onMessage, h)
}

// OnStateChange registers a handler for state transitions.
// The same Close rule as OnMessage applies.
func (m *Manager) OnStateChange(h StateHandler) {
	m.handlersMu.Lock()
	defer m.handlersMu.Unlock()
	m.onState = append(m.onState, h)
}

// State returns the current state
func (m *Manager) State() types.ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Endpoint returns the endpoint of the last Connect call
func (m *Manager) Endpoint() Endpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endpoint
}

// ReconnectPending reports whether a reconnect timer is armed
func (m *Manager) ReconnectPending() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timer != nil
}

// Connect starts connecting to ep. It returns once the attempt is scheduled;
// the outcome is reported through state handlers.
func (m *Manager) Connect(ep Endpoint) error {
	if err := ep.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	m.endpoint = ep
	m.explicit = false
	m.attempts = 0
	m.stopTimerLocked()
	m.startLocked()
	return nil
}

// Send encodes msg as JSON and writes it to the channel.
// It fails only with ErrNotConnected or an encoding error; transport
// failures are logged and handled as a close.
func (m *Manager) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	m.mu.Lock()
	if m.state != types.ConnStateConnected || m.transport == nil {
		m.mu.Unlock()
		return types.ErrNotConnected
	}
	t, gen := m.transport, m.gen
	m.mu.Unlock()

	if err := t.WriteMessage(data); err != nil {
		m.logger.Warn("Write failed, dropping connection", zap.Error(err))
		m.mu.Lock()
		m.handleCloseLocked(gen, err)
		m.mu.Unlock()
	}
	return nil
}

// Disconnect closes the channel and cancels any pending reconnect.
// No reconnect is attempted until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.stopTimerLocked()
	m.dropLocked()
	if m.state != types.ConnStateDisconnected {
		m.setStateLocked(types.ConnStateDisconnected)
	}
	m.mu.Unlock()

	m.wg.Wait()
}

// Close disconnects and stops handler dispatch. The Manager cannot be reused.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Disconnect()
	close(m.done)
	if m.inHandler.Load() {
		// Called from a handler: dispatch exits once it returns.
		return nil
	}
	<-m.stopped
	return nil
}

// startLocked replaces the current handle with a fresh dial attempt
func (m *Manager) startLocked() {
	m.dropLocked()

	ctx, cancel := context.WithTimeout(context.Background(), m.config.DialTimeout)
	m.cancelDial = cancel
	gen := m.gen
	ep := m.endpoint

	m.setStateLocked(types.ConnStateConnecting)

	m.wg.Add(1)
	go m.dial(ctx, cancel, gen, ep)
}

// dropLocked invalidates the current generation and closes its handle
func (m *Manager) dropLocked() {
	m.gen++
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	if m.transport != nil {
		_ = m.transport.Close()
		m.transport = nil
	}
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, ep Endpoint) {
	defer m.wg.Done()
	defer cancel()

	url, _ := ep.URL()
	m.logger.Debug("Dialing", zap.String("endpoint", ep.Redacted()))

	t, err := m.dialer.Dial(ctx, url)

	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		// Superseded by Connect/Disconnect while dialing.
		if t != nil {
			_ = t.Close()
		}
		return
	}
	m.cancelDial = nil

	if err != nil {
		m.logger.Warn("Connection failed",
			zap.String("endpoint", ep.Redacted()),
			zap.Error(err))
		m.handleCloseLocked(gen, err)
		return
	}

	m.transport = t
	m.attempts = 0
	m.setStateLocked(types.ConnStateConnected)
	m.logger.Info("Connected", zap.String("endpoint", ep.Redacted()))

	m.wg.Add(1)
	go m.readLoop(gen, t)
}

func (m *Manager) readLoop(gen uint64, t Transport) {
	defer m.wg.Done()

	for {
		data, err := t.ReadMessage()
		if err != nil {
			m.mu.Lock()
			if gen == m.gen {
				if IsUnexpectedClose(err) {
					m.logger.Warn("Connection lost", zap.Error(err))
				} else {
					m.logger.Info("Connection closed", zap.Error(err))
				}
			}
			m.handleCloseLocked(gen, err)
			m.mu.Unlock()
			return
		}
		if len(data) == 0 {
			continue
		}
		m.enqueue(event{data: data})
	}
}

// handleCloseLocked moves a live generation to disconnected and arms a
// reconnect unless the disconnect was explicit. Stale generations are ignored.
func (m *Manager) handleCloseLocked(gen uint64, _ error) {
	if gen != m.gen {
		return
	}
	m.dropLocked()
	m.setStateLocked(types.ConnStateDisconnected)

	if !m.explicit && !m.closed {
		m.scheduleReconnectLocked()
	}
}

func (m *Manager) scheduleReconnectLocked() {
	if m.timer != nil {
		return
	}

	m.attempts++
	if !m.config.Reconnect.Allowed(m.attempts) {
		m.logger.Error("Reconnect attempts exhausted", zap.Int("attempts", m.attempts-1))
		return
	}

	delay := m.config.Reconnect.Delay(m.attempts)
	m.logger.Info("Scheduling reconnect",
		zap.Duration("delay", delay),
		zap.Int("attempt", m.attempts))

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.timer != timer {
			return
		}
		m.timer = nil
		if m.explicit || m.closed {
			return
		}
		m.startLocked()
	})
	m.timer = timer
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) setStateLocked(s types.ConnState) {
	if m.state == s {
		return
	}
	m.state = s
	m.enqueue(event{state: s})
}

func (m *Manager) enqueue(ev event) {
	m.queueMu.Lock()
	m.queue = append(m.queue, ev)
	m.queueMu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
}

// dispatch delivers queued events to handlers until Close
func (m *Manager) dispatch() {
	defer close(m.stopped)
	for {
		select {
		case <-m.signal:
			m.drain()
		case <-m.done:
			m.drain()
			return
		}
	}
}

func (m *Manager) drain() {
	for {
		m.queueMu.Lock()
		if len(m.queue) == 0 {
			m.queueMu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.queueMu.Unlock()

		m.handlersMu.RLock()
		onState := append([]StateHandler(nil), m.onState...)
		onMessage := append([]MessageHandler(nil), m.onMessage...)
		m.handlersMu.RUnlock()

		m.inHandler.Store(true)
		for _, ev := range batch {
			if ev.data != nil {
				for _, h := range onMessage {
					h(ev.data)
				}
				continue
			}
			for _, h := range onState {
				h(ev.state)
			}
		}
		m.inHandler.Store(false)
	}
}
