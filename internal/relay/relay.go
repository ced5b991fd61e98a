package relay

import (
	"fmt"
	"slices"
	"sync"

	"cmdrelay/internal/relay/conn"
	"cmdrelay/internal/relay/dispatch"
	"cmdrelay/internal/relay/session"
	"cmdrelay/internal/relay/tracker"
	"cmdrelay/internal/types"

	"go.uber.org/zap"
)

// Config configures a Relay
type Config struct {
	// BaseURL is the hub websocket URL, e.g. wss://host/ws
	BaseURL string
	// APIKey is attached to every command frame when set
	APIKey string
}

// Relay ties the connection manager, dispatcher, tracker and session together
// for a web-side client.
type Relay struct {
	config     Config
	manager    *conn.Manager
	tracker    *tracker.Tracker
	dispatcher *dispatch.Dispatcher
	session    *session.Session
	logger     *zap.Logger

	mu         sync.RWMutex
	onFrame    []func(types.ScreenFrameMessage)
	onProgress []func(types.SequenceProgressMessage)
	onHubError []func(message string)
}

// New wires a Relay and registers its handlers on manager
func New(cfg Config, manager *conn.Manager, tr *tracker.Tracker, sess *session.Session, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sess == nil {
		sess = session.New("default", nil, logger)
	}

	var opts []dispatch.Option
	if cfg.APIKey != "" {
		opts = append(opts, dispatch.WithAPIKey(cfg.APIKey))
	}

	r := &Relay{
		config:     cfg,
		manager:    manager,
		tracker:    tr,
		dispatcher: dispatch.New(manager, tr, logger, opts...),
		session:    sess,
		logger:     logger.Named("relay"),
	}

	manager.OnMessage(r.handleMessage)
	manager.OnStateChange(r.handleState)
	return r
}

// Connect dials the hub as a web client with code
func (r *Relay) Connect(code string) error {
	if code == "" {
		code = r.session.State().AccessCode
	}
	ep := conn.Endpoint{
		BaseURL:    r.config.BaseURL,
		AccessCode: code,
		ClientType: types.ClientTypeWeb,
	}
	if err := r.manager.Connect(ep); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	return nil
}

// Disconnect closes the channel without reconnecting
func (r *Relay) Disconnect() {
	r.manager.Disconnect()
}

// Close tears the relay down
func (r *Relay) Close() error {
	return r.manager.Close()
}

// Submit parses and sends one instruction
func (r *Relay) Submit(text string) (*types.Command, error) {
	return r.dispatcher.Submit(text)
}

// SubmitSequence sends several actions as one tracked command
func (r *Relay) SubmitSequence(label string, actions []types.Action) (*types.Command, error) {
	return r.dispatcher.SubmitSequence(label, actions)
}

// History returns all commands, most recent first
func (r *Relay) History() []types.Command {
	return r.tracker.List()
}

// Clear drops history
func (r *Relay) Clear() {
	r.tracker.Clear()
	r.dispatcher.Reset()
}

// State returns the channel state
func (r *Relay) State() types.ConnState {
	return r.manager.State()
}

// AgentConnected reports whether the hub last reported the agent as present
func (r *Relay) AgentConnected() bool {
	return r.session.AgentConnected()
}

// Tracker returns the result tracker
func (r *Relay) Tracker() *tracker.Tracker {
	return r.tracker
}

// Session returns the client session
func (r *Relay) Session() *session.Session {
	return r.session
}

// OnScreenFrame registers a handler for screen frames
func (r *Relay) OnScreenFrame(fn func(types.ScreenFrameMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onFrame = append(r.onFrame, fn)
}

// OnProgress registers a handler for sequence progress
func (r *Relay) OnProgress(fn func(types.SequenceProgressMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onProgress = append(r.onProgress, fn)
}

// OnHubError registers a handler for hub error frames
func (r *Relay) OnHubError(fn func(message string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onHubError = append(r.onHubError, fn)
}

// OnStateChange registers a handler for channel state changes
func (r *Relay) OnStateChange(fn func(types.ConnState)) {
	r.manager.OnStateChange(fn)
}

func (r *Relay) handleState(state types.ConnState) {
	// Reachability is only known while the channel is up; the hub follows
	// with agent_status once paired.
	if state != types.ConnStateConnected {
		r.session.SetAgentConnected(false)
	}
}

func (r *Relay) handleMessage(data []byte) {
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		r.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	switch env.Type {
	case types.MessageCommandResult:
		var msg types.CommandResultMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.handleResult(msg)

	case types.MessageSequenceComplete:
		var msg types.SequenceCompleteMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.handleSequenceComplete(msg)

	case types.MessageSequenceProgress:
		var msg types.SequenceProgressMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.mu.RLock()
		handlers := slices.Clone(r.onProgress)
		r.mu.RUnlock()
		for _, fn := range handlers {
			fn(msg)
		}

	case types.MessageScreenFrame:
		var msg types.ScreenFrameMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.mu.RLock()
		handlers := slices.Clone(r.onFrame)
		r.mu.RUnlock()
		for _, fn := range handlers {
			fn(msg)
		}

	case types.MessageAgentStatus:
		var msg types.AgentStatusMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.logger.Info("Agent status changed", zap.Bool("connected", msg.Connected))
		r.session.SetAgentConnected(msg.Connected)

	case types.MessageError:
		var msg types.ErrorMessage
		if err := env.Decode(&msg); err != nil {
			r.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		r.logger.Warn("Hub reported error", zap.String("message", msg.Message))
		r.mu.RLock()
		handlers := slices.Clone(r.onHubError)
		r.mu.RUnlock()
		for _, fn := range handlers {
			fn(msg.Message)
		}

	default:
		r.logger.Debug("Ignoring frame", zap.String("type", string(env.Type)))
	}
}

func (r *Relay) handleResult(msg types.CommandResultMessage) {
	status := types.CommandStatusError
	if msg.Success {
		status = types.CommandStatusSuccess
	}
	message := msg.Message
	if message == "" {
		message = msg.Result
	}
	if !r.tracker.Update(msg.CommandID, status, msg.ExecutionTime.Int64(), message) {
		r.logger.Debug("Result not applied", zap.String("command_id", msg.CommandID))
	}
}

func (r *Relay) handleSequenceComplete(msg types.SequenceCompleteMessage) {
	id, ok := r.dispatcher.ResolveSequence(msg.SequenceID)
	if !ok {
		r.logger.Debug("Completion for unknown sequence", zap.String("sequence_id", msg.SequenceID))
		return
	}

	succeeded := 0
	for _, res := range msg.Results {
		if res.Success {
			succeeded++
		}
	}

	// Older agents omit the success flag; every step succeeding counts then.
	ok = len(msg.Results) > 0 && succeeded == len(msg.Results)
	if msg.Success != nil {
		ok = *msg.Success
	}
	status := types.CommandStatusError
	if ok {
		status = types.CommandStatusSuccess
	}
	message := fmt.Sprintf("%d/%d steps succeeded", succeeded, len(msg.Results))
	r.tracker.Update(id, status, msg.ExecutionTime.Int64(), message)
}
