package dispatch

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"cmdrelay/internal/relay/tracker"
	"cmdrelay/internal/types"
	"cmdrelay/internal/validator"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender writes one frame to the agent. conn.Manager implements it.
type Sender interface {
	Send(msg any) error
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithAPIKey attaches key to every command frame
func WithAPIKey(key string) Option {
	return func(d *Dispatcher) { d.apiKey = key }
}

// WithIDGenerator overrides uuid generation
func WithIDGenerator(fn func() string) Option {
	return func(d *Dispatcher) { d.newID = fn }
}

// WithClock overrides time.Now
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// Dispatcher turns user text into tracked commands and sends them
type Dispatcher struct {
	sender    Sender
	tracker   *tracker.Tracker
	validator *validator.Validator
	logger    *zap.Logger

	apiKey string
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	sequences []string
}

// New creates a Dispatcher that records into tr and writes through sender
func New(sender Sender, tr *tracker.Tracker, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		sender:    sender,
		tracker:   tr,
		validator: validator.New(),
		logger:    logger.Named("dispatch"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit parses text, records a pending command and sends it.
//
// Empty input returns ErrEmptyCommand without recording anything. When the
// channel is down the command is recorded, immediately marked as error with
// message "not connected", and ErrNotConnected is returned with it.
func (d *Dispatcher) Submit(text string) (*types.Command, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, types.ErrEmptyCommand
	}

	cmd := types.Command{
		ID:          d.newID(),
		RawText:     text,
		Action:      Parse(trimmed),
		Status:      types.CommandStatusPending,
		SubmittedAt: d.now(),
	}
	if err := d.tracker.Add(cmd); err != nil {
		return nil, err
	}

	d.logger.Debug("Submitting command",
		zap.String("command_id", cmd.ID),
		zap.Stringer("action", cmd.Action))

	err := d.sender.Send(types.CommandMessage{
		Type:      types.MessageCommand,
		Command:   cmd.Action,
		CommandID: cmd.ID,
		APIKey:    d.apiKey,
	})
	return d.afterSend(cmd.ID, err)
}

// SubmitSequence sends actions as one execute_sequence frame tracked as a
// single command. label is shown as the command text; when empty a summary
// is used. The command resolves on sequence_complete.
func (d *Dispatcher) SubmitSequence(label string, actions []types.Action) (*types.Command, error) {
	msg := types.SequenceMessage{
		Type:       types.MessageExecuteSequence,
		Actions:    actions,
		SequenceID: d.newID(),
	}
	if err := d.validator.Struct(msg); err != nil {
		return nil, fmt.Errorf("invalid sequence: %w", err)
	}

	if strings.TrimSpace(label) == "" {
		label = fmt.Sprintf("sequence of %d actions", len(actions))
	}

	cmd := types.Command{
		ID:          msg.SequenceID,
		RawText:     label,
		Action:      actions[0],
		Status:      types.CommandStatusPending,
		SubmittedAt: d.now(),
	}
	if err := d.tracker.Add(cmd); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.sequences = append(d.sequences, cmd.ID)
	d.mu.Unlock()

	d.logger.Debug("Submitting sequence",
		zap.String("sequence_id", cmd.ID),
		zap.Int("steps", len(actions)))

	return d.afterSend(cmd.ID, d.sender.Send(msg))
}

// ResolveSequence returns the tracked id a sequence_complete frame refers to
// and forgets it. Agents that omit the sequence id resolve the oldest open
// sequence. ok is false when nothing matches.
func (d *Dispatcher) ResolveSequence(id string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if id == "" {
		if len(d.sequences) == 0 {
			return "", false
		}
		id = d.sequences[0]
		d.sequences = d.sequences[1:]
		return id, true
	}

	for i, s := range d.sequences {
		if s == id {
			d.sequences = append(d.sequences[:i], d.sequences[i+1:]...)
			return id, true
		}
	}
	return "", false
}

// Reset forgets open sequences. Used when history is cleared.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sequences = nil
}

func (d *Dispatcher) afterSend(id string, err error) (*types.Command, error) {
	if err != nil {
		message := err.Error()
		if errors.Is(err, types.ErrNotConnected) {
			message = types.ErrNotConnected.Error()
		}
		d.tracker.Update(id, types.CommandStatusError, 0, message)
		d.forget(id)
		d.logger.Warn("Command not sent",
			zap.String("command_id", id),
			zap.Error(err))
	}

	cmd, _ := d.tracker.Get(id)
	return &cmd, err
}

func (d *Dispatcher) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, s := range d.sequences {
		if s == id {
			d.sequences = append(d.sequences[:i], d.sequences[i+1:]...)
			return
		}
	}
}
