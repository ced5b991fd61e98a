package tracker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// ErrDuplicateID is returned by Add when the id is already tracked
var ErrDuplicateID = errors.New("duplicate command id")

// Policy decides what Update does with a command that already finished
type Policy string

const (
	// PolicyIgnore keeps the first terminal result and logs later ones
	PolicyIgnore Policy = "ignore"
	// PolicyOverwrite lets a later result replace status, time and message
	PolicyOverwrite Policy = "overwrite"
)

// Valid reports whether p is a known policy
func (p Policy) Valid() bool {
	return p == PolicyIgnore || p == PolicyOverwrite
}

// Subscriber is called with a copy of every added or changed command
type Subscriber func(cmd types.Command)

// Store persists tracker changes outside the process
type Store interface {
	Save(ctx context.Context, cmd types.Command) error
	Load(ctx context.Context, limit int) ([]types.Command, error)
	Clear(ctx context.Context) error
}

// Option configures a Tracker
type Option func(*Tracker)

// WithPolicy sets the terminal update policy
func WithPolicy(p Policy) Option {
	return func(t *Tracker) {
		if p.Valid() {
			t.policy = p
		}
	}
}

// WithStore mirrors every change to s
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithStoreTimeout bounds each Store call
func WithStoreTimeout(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.storeTimeout = d
		}
	}
}

// Tracker maps command ids to their lifecycle state.
// It is safe for concurrent use; subscribers run on the caller's goroutine
// after the tracker lock is released.
type Tracker struct {
	mu       sync.RWMutex
	commands map[string]*types.Command
	order    []string
	pending  int

	subMu sync.RWMutex
	subs  []Subscriber

	policy       Policy
	store        Store
	storeTimeout time.Duration
	now          func() time.Time
	logger       *zap.Logger
}

// New creates an empty tracker
func New(logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		commands:     make(map[string]*types.Command),
		policy:       PolicyIgnore,
		storeTimeout: 3 * time.Second,
		now:          time.Now,
		logger:       logger.Named("tracker"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Policy returns the terminal update policy in effect
func (t *Tracker) Policy() Policy {
	return t.policy
}

// Subscribe registers fn for change notifications
func (t *Tracker) Subscribe(fn Subscriber) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	t.subs = append(t.subs, fn)
}

// Add records cmd. An empty status is treated as pending.
func (t *Tracker) Add(cmd types.Command) error {
	if cmd.ID == "" {
		return fmt.Errorf("command id is required")
	}
	if cmd.Status == "" {
		cmd.Status = types.CommandStatusPending
	}
	if cmd.SubmittedAt.IsZero() {
		cmd.SubmittedAt = t.now()
	}

	t.mu.Lock()
	if _, ok := t.commands[cmd.ID]; ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, cmd.ID)
	}
	stored := cmd
	t.commands[cmd.ID] = &stored
	t.order = append(t.order, cmd.ID)
	if !cmd.Status.Terminal() {
		t.pending++
	}
	t.mu.Unlock()

	t.notify(cmd)
	return nil
}

// Update moves the command to status. It returns false when the id is
// unknown, or when the command already finished and the policy is
// PolicyIgnore. Unknown ids are never added.
func (t *Tracker) Update(id string, status types.CommandStatus, executionTimeMs int64, message string) bool {
	t.mu.Lock()
	cmd, ok := t.commands[id]
	if !ok {
		t.mu.Unlock()
		t.logger.Debug("Result for unknown command ignored", zap.String("command_id", id))
		return false
	}

	wasTerminal := cmd.Status.Terminal()
	if wasTerminal && t.policy == PolicyIgnore {
		t.mu.Unlock()
		t.logger.Warn("Result for finished command ignored",
			zap.String("command_id", id),
			zap.String("status", string(cmd.Status)),
			zap.String("incoming", string(status)))
		return false
	}

	cmd.Status = status
	cmd.ExecutionTimeMs = executionTimeMs
	cmd.ResultMessage = message
	if status.Terminal() {
		cmd.CompletedAt = t.now()
		if !wasTerminal {
			t.pending--
		}
	}
	snapshot := *cmd
	t.mu.Unlock()

	t.notify(snapshot)
	return true
}

// Get returns a copy of the command with id
func (t *Tracker) Get(id string) (types.Command, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cmd, ok := t.commands[id]
	if !ok {
		return types.Command{}, false
	}
	return *cmd, true
}

// List returns copies of all commands, most recent first
func (t *Tracker) List() []types.Command {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]types.Command, 0, len(t.order))
	for i := len(t.order) - 1; i >= 0; i-- {
		out = append(out, *t.commands[t.order[i]])
	}
	return out
}

// Len returns the number of tracked commands
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.order)
}

// Executing reports whether any command is still pending
func (t *Tracker) Executing() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pending > 0
}

// Clear removes all history and resets the executing flag
func (t *Tracker) Clear() {
	t.mu.Lock()
	t.commands = make(map[string]*types.Command)
	t.order = nil
	t.pending = 0
	t.mu.Unlock()

	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.storeTimeout)
		defer cancel()
		if err := t.store.Clear(ctx); err != nil {
			t.logger.Warn("Failed to clear history store", zap.Error(err))
		}
	}
}

// Restore loads up to limit commands from the store, oldest first, without
// re-saving them. Commands already tracked are skipped.
func (t *Tracker) Restore(ctx context.Context, limit int) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	cmds, err := t.store.Load(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load history: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// Load returns most recent first; append oldest first.
	n := 0
	for i := len(cmds) - 1; i >= 0; i-- {
		cmd := cmds[i]
		if _, ok := t.commands[cmd.ID]; ok || cmd.ID == "" {
			continue
		}
		stored := cmd
		t.commands[cmd.ID] = &stored
		t.order = append(t.order, cmd.ID)
		n++
	}
	return n, nil
}

func (t *Tracker) notify(cmd types.Command) {
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), t.storeTimeout)
		if err := t.store.Save(ctx, cmd); err != nil {
			t.logger.Warn("Failed to persist command",
				zap.String("command_id", cmd.ID),
				zap.Error(err))
		}
		cancel()
	}

	t.subMu.RLock()
	subs := append([]Subscriber(nil), t.subs...)
	t.subMu.RUnlock()

	for _, fn := range subs {
		fn(cmd)
	}
}
