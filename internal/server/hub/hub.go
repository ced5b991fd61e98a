// Package hub pairs web clients with desktop agents by access code and
// relays frames between them.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"cmdrelay/internal/relay/conn"
	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/events"
	"cmdrelay/internal/types"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Hub rejection messages sent back to web clients
const (
	msgAgentUnavailable = "agent not connected"
	msgInvalidAPIKey    = "invalid api key"
	msgInvalidFrame     = "invalid frame"
)

const recordTimeout = 5 * time.Second

// ErrClosed is returned once the hub has shut down
var ErrClosed = errors.New("hub closed")

// Config configures the Hub
type Config struct {
	// AccessCodes lists the codes allowed to pair
	AccessCodes []string
	// APIKey, when set, must be carried by every command and sequence frame
	APIKey string
	// AllowedOrigins restricts browser origins; empty allows any
	AllowedOrigins []string
	ReadLimit      int64
	WriteWait      time.Duration
}

// Stats reports connected sockets
type Stats struct {
	WebClients int `json:"active_connections"`
	Agents     int `json:"active_agents"`
}

type peer struct {
	id   uint64
	code string
	kind types.ClientType
	t    conn.Transport
}

type pair struct {
	web   *peer
	agent *peer
}

func (p *pair) get(kind types.ClientType) *peer {
	if kind == types.ClientTypeAgent {
		return p.agent
	}
	return p.web
}

func (p *pair) set(kind types.ClientType, v *peer) {
	if kind == types.ClientTypeAgent {
		p.agent = v
	} else {
		p.web = v
	}
}

// frameHead holds the fields the hub inspects on relayed frames
type frameHead struct {
	CommandID  string `json:"commandId"`
	SequenceID string `json:"sequenceId"`
	APIKey     string `json:"apiKey"`
	Success    *bool  `json:"success"`
}

// Hub relays frames between the web client and the agent of each access code.
// At most one socket of each kind is kept per code; a newer one replaces the older.
type Hub struct {
	config   Config
	codes    map[string]struct{}
	upgrader websocket.Upgrader
	audit    audit.Store
	events   events.Publisher
	logger   *zap.Logger
	nextID   atomic.Uint64

	mu       sync.Mutex
	pairs    map[string]*pair
	closed   bool
	presence []PresenceFunc
	wg       sync.WaitGroup
}

// PresenceFunc receives the masked access code whenever its agent comes or goes
type PresenceFunc func(pair string, connected bool)

// New creates a Hub. store and pub may be nil.
func New(cfg Config, store audit.Store, pub events.Publisher, logger *zap.Logger) *Hub {
	if store == nil {
		store = audit.Nop{}
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	codes := make(map[string]struct{}, len(cfg.AccessCodes))
	for _, c := range cfg.AccessCodes {
		if c = strings.TrimSpace(c); c != "" {
			codes[c] = struct{}{}
		}
	}

	h := &Hub{
		config: cfg,
		codes:  codes,
		audit:  store,
		events: pub,
		logger: logger.Named("hub"),
		pairs:  make(map[string]*pair),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	if len(h.config.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.config.AllowedOrigins {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// Allowed reports whether code may pair
func (h *Hub) Allowed(code string) bool {
	_, ok := h.codes[code]
	return ok
}

// ServeHTTP upgrades <path>?code=<code>&client_type=<agent|web> and serves
// the socket until it closes
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	code := q.Get("code")
	kind := types.ClientType(q.Get("client_type"))
	if kind == "" {
		kind = types.ClientTypeWeb
	}

	if !kind.Valid() {
		http.Error(w, "invalid client type", http.StatusBadRequest)
		return
	}
	if !h.Allowed(code) {
		h.logger.Warn("Rejected socket with unknown access code",
			zap.String("code", conn.MaskCode(code)),
			zap.String("client_type", string(kind)),
			zap.String("remote", r.RemoteAddr))
		http.Error(w, types.ErrInvalidAccessCode.Error(), http.StatusUnauthorized)
		return
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		http.Error(w, ErrClosed.Error(), http.StatusServiceUnavailable)
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}

	p := &peer{
		id:   h.nextID.Add(1),
		code: code,
		kind: kind,
		t:    conn.WrapConn(c, h.config.ReadLimit, h.config.WriteWait),
	}
	h.serve(p)
}

func (h *Hub) serve(p *peer) {
	log := h.logger.With(
		zap.String("code", conn.MaskCode(p.code)),
		zap.String("client_type", string(p.kind)),
		zap.Uint64("peer", p.id))

	if !h.register(p, log) {
		_ = p.t.Close()
		return
	}
	defer h.unregister(p, log)

	log.Info("Socket connected")

	for {
		data, err := p.t.ReadMessage()
		if err != nil {
			if conn.IsUnexpectedClose(err) {
				log.Warn("Socket closed unexpectedly", zap.Error(err))
			}
			return
		}
		h.route(p, data, log)
	}
}

// OnAgentPresence registers fn for agent connects and disconnects.
// A socket replacing a live agent is not reported.
func (h *Hub) OnAgentPresence(fn PresenceFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.presence = append(h.presence, fn)
}

func (h *Hub) announcePresence(code string, connected bool) {
	h.mu.Lock()
	fns := append([]PresenceFunc(nil), h.presence...)
	h.mu.Unlock()

	pair := conn.MaskCode(code)
	for _, fn := range fns {
		fn(pair, connected)
	}
}

// register installs p, closes any socket it replaces and announces agent
// presence to the web side
func (h *Hub) register(p *peer, log *zap.Logger) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	pr, ok := h.pairs[p.code]
	if !ok {
		pr = &pair{}
		h.pairs[p.code] = pr
	}
	old := pr.get(p.kind)
	pr.set(p.kind, p)
	web, agent := pr.web, pr.agent
	h.mu.Unlock()

	if old != nil {
		log.Info("Replacing previous socket", zap.Uint64("previous", old.id))
		_ = old.t.Close()
	}

	switch p.kind {
	case types.ClientTypeWeb:
		h.send(p, types.AgentStatusMessage{Type: types.MessageAgentStatus, Connected: agent != nil}, log)
	case types.ClientTypeAgent:
		if web != nil {
			h.send(web, types.AgentStatusMessage{Type: types.MessageAgentStatus, Connected: true}, log)
		}
		if old == nil {
			h.announcePresence(p.code, true)
		}
	}
	return true
}

// unregister removes p unless it was already replaced
func (h *Hub) unregister(p *peer, log *zap.Logger) {
	_ = p.t.Close()

	h.mu.Lock()
	pr, ok := h.pairs[p.code]
	if !ok || pr.get(p.kind) != p {
		h.mu.Unlock()
		return
	}
	pr.set(p.kind, nil)
	web := pr.web
	if pr.web == nil && pr.agent == nil {
		delete(h.pairs, p.code)
	}
	h.mu.Unlock()

	log.Info("Socket disconnected")

	if p.kind == types.ClientTypeAgent {
		if web != nil {
			h.send(web, types.AgentStatusMessage{Type: types.MessageAgentStatus, Connected: false}, log)
		}
		h.announcePresence(p.code, false)
	}
}

func (h *Hub) counterpart(p *peer) *peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	pr, ok := h.pairs[p.code]
	if !ok {
		return nil
	}
	if p.kind == types.ClientTypeAgent {
		return pr.web
	}
	return pr.agent
}

func (h *Hub) route(p *peer, data []byte, log *zap.Logger) {
	env, err := types.DecodeEnvelope(data)
	if err != nil {
		log.Debug("Dropping malformed frame", zap.Error(err))
		if p.kind == types.ClientTypeWeb {
			h.send(p, types.ErrorMessage{Type: types.MessageError, Message: msgInvalidFrame}, log)
		}
		return
	}

	var head frameHead
	if tracked(env.Type) {
		_ = env.Decode(&head)
	}

	if p.kind == types.ClientTypeWeb {
		h.fromWeb(p, env, head, data, log)
		return
	}
	h.fromAgent(p, env, head, data, log)
}

func (h *Hub) fromWeb(p *peer, env types.Envelope, head frameHead, data []byte, log *zap.Logger) {
	isCommand := env.Type == types.MessageCommand || env.Type == types.MessageExecuteSequence
	if isCommand && h.config.APIKey != "" && head.APIKey != h.config.APIKey {
		log.Warn("Rejected frame with invalid api key", zap.String("type", string(env.Type)))
		h.reject(p, env.Type, head, msgInvalidAPIKey, log)
		return
	}

	agent := h.counterpart(p)
	if agent == nil {
		if isCommand {
			h.reject(p, env.Type, head, msgAgentUnavailable, log)
		}
		return
	}

	h.record(p, audit.DirectionToAgent, env.Type, head, data)
	if err := agent.t.WriteMessage(data); err != nil {
		log.Warn("Failed to forward frame to agent", zap.Error(err))
		if isCommand {
			h.reject(p, env.Type, head, msgAgentUnavailable, log)
		}
	}
}

func (h *Hub) fromAgent(p *peer, env types.Envelope, head frameHead, data []byte, log *zap.Logger) {
	h.record(p, audit.DirectionToWeb, env.Type, head, data)

	web := h.counterpart(p)
	if web == nil {
		return
	}
	if err := web.t.WriteMessage(data); err != nil {
		log.Debug("Failed to forward frame to web client", zap.Error(err))
	}
}

// reject answers a web frame the hub will not forward, resolving the
// sender's pending command where the frame carries an id
func (h *Hub) reject(p *peer, typ types.MessageType, head frameHead, message string, log *zap.Logger) {
	switch {
	case typ == types.MessageCommand && head.CommandID != "":
		h.send(p, types.CommandResultMessage{
			Type:      types.MessageCommandResult,
			CommandID: head.CommandID,
			Success:   false,
			Message:   message,
		}, log)
	case typ == types.MessageExecuteSequence && head.SequenceID != "":
		h.send(p, types.SequenceCompleteMessage{
			Type:       types.MessageSequenceComplete,
			SequenceID: head.SequenceID,
			Success:    types.Bool(false),
			Results:    []types.StepResult{},
		}, log)
	default:
		h.send(p, types.ErrorMessage{Type: types.MessageError, Message: message}, log)
	}
}

func (h *Hub) send(p *peer, v any, log *zap.Logger) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error("Failed to encode frame", zap.Error(err))
		return
	}
	if err := p.t.WriteMessage(data); err != nil {
		log.Debug("Failed to write frame", zap.Error(err))
	}
}

// tracked reports whether frames of typ are audited and published
func tracked(typ types.MessageType) bool {
	switch typ {
	case types.MessageCommand, types.MessageExecuteSequence,
		types.MessageCommandResult, types.MessageSequenceComplete:
		return true
	}
	return false
}

func (h *Hub) record(p *peer, dir audit.Direction, typ types.MessageType, head frameHead, data []byte) {
	if !tracked(typ) {
		return
	}

	id := head.CommandID
	if id == "" {
		id = head.SequenceID
	}
	pairLabel := conn.MaskCode(p.code)
	now := time.Now()

	// The api key never reaches the audit log or the broker
	payload := redactAPIKey(data, head.APIKey)

	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	entry := &audit.Entry{
		Pair:      pairLabel,
		Direction: dir,
		Type:      typ,
		CommandID: id,
		Success:   head.Success,
		Payload:   string(payload),
		CreatedAt: now,
	}
	if err := h.audit.Record(ctx, entry); err != nil {
		h.logger.Warn("Failed to record audit entry", zap.Error(err))
	}

	event := events.Event{
		Pair:      pairLabel,
		Direction: string(dir),
		Type:      typ,
		CommandID: id,
		Frame:     json.RawMessage(payload),
		Time:      now,
	}
	if err := h.events.Publish(ctx, event); err != nil {
		h.logger.Warn("Failed to publish event", zap.Error(err))
	}
}

func redactAPIKey(data []byte, key string) []byte {
	if key == "" {
		return data
	}
	quoted, _ := json.Marshal(key)
	return []byte(strings.Replace(string(data), string(quoted), `"***"`, 1))
}

// Stats counts connected sockets
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	var s Stats
	for _, pr := range h.pairs {
		if pr.web != nil {
			s.WebClients++
		}
		if pr.agent != nil {
			s.Agents++
		}
	}
	return s
}

// Close disconnects every socket and waits for their handlers to return
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var peers []*peer
	for _, pr := range h.pairs {
		if pr.web != nil {
			peers = append(peers, pr.web)
		}
		if pr.agent != nil {
			peers = append(peers, pr.agent)
		}
	}
	h.mu.Unlock()

	for _, p := range peers {
		_ = p.t.Close()
	}
	h.wg.Wait()
	return nil
}
