package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"cmdrelay/internal/agent/executor"
	"cmdrelay/internal/types"
	"cmdrelay/internal/validator"
	"cmdrelay/internal/version"

	"go.uber.org/zap"
)

// ErrBusy is reported when the command queue is full
var ErrBusy = errors.New("agent busy: command queue is full")

// Sender delivers frames to the hub
type Sender interface {
	Send(msg any) error
}

// Config configures a Handler
type Config struct {
	QueueSize int
	StepDelay time.Duration
	// Port serves /v1/healthz when positive
	Port int
}

// job is one queued command or sequence
type job struct {
	command  *types.CommandMessage
	sequence *types.SequenceMessage
}

// Handler executes commands received from the hub, one at a time
type Handler struct {
	config    Config
	automator executor.Automator
	sender    Sender
	logger    *zap.Logger
	server    *http.Server
	commands  chan job
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	started   time.Time
	executed  atomic.Int64
	failed    atomic.Int64
	connected func() bool
}

// NewHandler creates new Handler instance
func NewHandler(cfg Config, automator executor.Automator, sender Sender, logger *zap.Logger) *Handler {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Handler{
		config:    cfg,
		automator: automator,
		sender:    sender,
		logger:    logger.Named("handler"),
		commands:  make(chan job, cfg.QueueSize),
		stopChan:  make(chan struct{}),
		connected: func() bool { return true },
	}

	if cfg.Port > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/v1/healthz", h.handleHealthCheck)
		h.server = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return h
}

// SetConnected reports hub connectivity in health checks
func (h *Handler) SetConnected(fn func() bool) {
	h.connected = fn
}

// Start begins processing commands and serving health checks
func (h *Handler) Start(ctx context.Context) error {
	h.started = time.Now()

	h.wg.Add(1)
	go h.processCommands(ctx)

	if h.server != nil {
		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			if err := h.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				h.logger.Error("HTTP server error", zap.Error(err))
			}
		}()
	}

	return nil
}

// Stop stops the handler. Queued commands are dropped.
func (h *Handler) Stop() error {
	h.stopOnce.Do(func() { close(h.stopChan) })

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	h.wg.Wait()
	return nil
}

// HandleMessage queues command and execute_sequence frames. It never
// blocks, so it can be registered on the connection manager directly.
func (h *Handler) HandleMessage(data []byte) {
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		h.logger.Warn("Dropping malformed frame", zap.Error(err))
		return
	}

	var j job
	switch env.Type {
	case types.MessageCommand:
		var msg types.CommandMessage
		if err := env.Decode(&msg); err != nil {
			h.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		if msg.CommandID == "" {
			h.logger.Warn("Dropping command without id")
			return
		}
		j.command = &msg

	case types.MessageExecuteSequence:
		var msg types.SequenceMessage
		if err := env.Decode(&msg); err != nil {
			h.logger.Warn("Dropping frame", zap.Error(err))
			return
		}
		if err := validator.New().Struct(msg); err != nil {
			h.logger.Warn("Rejecting sequence", zap.Error(err))
			h.send(types.SequenceCompleteMessage{
				Type:       types.MessageSequenceComplete,
				SequenceID: msg.SequenceID,
				Success:    types.Bool(false),
				Results:    []types.StepResult{},
			})
			return
		}
		j.sequence = &msg

	default:
		h.logger.Debug("Ignoring frame", zap.String("type", string(env.Type)))
		return
	}

	select {
	case h.commands <- j:
	default:
		h.logger.Warn("Command queue full")
		h.reject(j, ErrBusy)
	}
}

// processCommands processes commands from the command channel
func (h *Handler) processCommands(ctx context.Context) {
	defer h.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case j := <-h.commands:
			if j.command != nil {
				h.executeCommand(ctx, j.command)
			} else {
				h.executeSequence(ctx, j.sequence)
			}
		}
	}
}

// executeCommand runs one action and reports command_result
func (h *Handler) executeCommand(ctx context.Context, msg *types.CommandMessage) {
	h.logger.Info("Executing command",
		zap.String("command_id", msg.CommandID),
		zap.String("kind", string(msg.Command.Kind)))

	start := time.Now()
	result := h.execute(ctx, msg.Command)

	h.send(types.CommandResultMessage{
		Type:          types.MessageCommandResult,
		CommandID:     msg.CommandID,
		Success:       result.Success,
		ExecutionTime: millisSince(start),
		Message:       result.Message,
	})
}

// executeSequence runs every action in order, reporting progress after each
// step and sequence_complete at the end. A failed step does not stop the
// sequence.
func (h *Handler) executeSequence(ctx context.Context, msg *types.SequenceMessage) {
	h.logger.Info("Executing sequence",
		zap.String("sequence_id", msg.SequenceID),
		zap.Int("steps", len(msg.Actions)))

	start := time.Now()
	results := make([]types.StepResult, 0, len(msg.Actions))
	success := true

	for i, action := range msg.Actions {
		result := h.execute(ctx, action)
		results = append(results, result)
		success = success && result.Success

		h.send(types.SequenceProgressMessage{
			Type:       types.MessageSequenceProgress,
			SequenceID: msg.SequenceID,
			Step:       i + 1,
			Total:      len(msg.Actions),
			Action:     action,
			Result:     result,
		})

		// Let the UI settle before the next step
		if i < len(msg.Actions)-1 && h.config.StepDelay > 0 {
			if err := executor.Wait(ctx, h.config.StepDelay.Seconds(), 0); err != nil {
				break
			}
		}
	}

	// Steps skipped by shutdown count as failed
	for len(results) < len(msg.Actions) {
		results = append(results, types.StepResult{Success: false, Message: "cancelled"})
		success = false
	}

	h.send(types.SequenceCompleteMessage{
		Type:          types.MessageSequenceComplete,
		SequenceID:    msg.SequenceID,
		Success:       types.Bool(success),
		ExecutionTime: millisSince(start),
		Results:       results,
	})
}

func (h *Handler) execute(ctx context.Context, action types.Action) types.StepResult {
	message, err := h.automator.Execute(ctx, action)
	if err != nil {
		h.failed.Add(1)
		h.logger.Error("Failed to execute action",
			zap.String("kind", string(action.Kind)),
			zap.Error(err))
		return types.StepResult{Success: false, Message: err.Error()}
	}
	h.executed.Add(1)
	return types.StepResult{Success: true, Message: message}
}

// reject answers a job that will not run
func (h *Handler) reject(j job, err error) {
	if j.command != nil {
		h.send(types.CommandResultMessage{
			Type:      types.MessageCommandResult,
			CommandID: j.command.CommandID,
			Success:   false,
			Message:   err.Error(),
		})
		return
	}

	results := make([]types.StepResult, len(j.sequence.Actions))
	for i := range results {
		results[i] = types.StepResult{Success: false, Message: err.Error()}
	}
	h.send(types.SequenceCompleteMessage{
		Type:       types.MessageSequenceComplete,
		SequenceID: j.sequence.SequenceID,
		Success:    types.Bool(false),
		Results:    results,
	})
}

func millisSince(start time.Time) types.Millis {
	return types.Millis(time.Since(start).Milliseconds())
}

func (h *Handler) send(msg any) {
	if err := h.sender.Send(msg); err != nil {
		h.logger.Warn("Failed to send frame", zap.Error(err))
	}
}

// handleHealthCheck handles health check requests
func (h *Handler) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	health := struct {
		Status    string    `json:"status"`
		Connected bool      `json:"connected"`
		Version   string    `json:"version"`
		Uptime    string    `json:"uptime"`
		Executed  int64     `json:"executed"`
		Failed    int64     `json:"failed"`
		Queued    int       `json:"queued"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Status:    "healthy",
		Connected: h.connected(),
		Version:   version.GetInfo().Version,
		Uptime:    time.Since(h.started).String(),
		Executed:  h.executed.Load(),
		Failed:    h.failed.Load(),
		Queued:    len(h.commands),
		Timestamp: time.Now(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(health); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
}
