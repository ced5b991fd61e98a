package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"cmdrelay/internal/server/audit"
	"cmdrelay/internal/server/events"
	"cmdrelay/internal/types"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second

type memAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memAudit) Record(_ context.Context, e *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *e)
	return nil
}

func (m *memAudit) List(context.Context, audit.Filter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]audit.Entry(nil), m.entries...), nil
}

func (m *memAudit) RequestAccess(context.Context, *audit.AccessRequest) error { return nil }

type memEvents struct {
	mu     sync.Mutex
	events []events.Event
}

func (m *memEvents) Publish(_ context.Context, e events.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memEvents) Close() error { return nil }

func (m *memEvents) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

type fixture struct {
	hub    *Hub
	server *httptest.Server
	audit  *memAudit
	events *memEvents
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	if cfg.AccessCodes == nil {
		cfg.AccessCodes = []string{"code-1", "code-2"}
	}
	f := &fixture{audit: &memAudit{}, events: &memEvents{}}
	f.hub = New(cfg, f.audit, f.events, zaptest.NewLogger(t))
	f.server = httptest.NewServer(f.hub)
	t.Cleanup(func() {
		_ = f.hub.Close()
		f.server.Close()
	})
	return f
}

func (f *fixture) dial(t *testing.T, code string, kind types.ClientType) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?code=" + code + "&client_type=" + string(kind)
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func read(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(waitFor)))
	var frame map[string]any
	require.NoError(t, c.ReadJSON(&frame))
	return frame
}

func agentStatus(t *testing.T, c *websocket.Conn, connected bool) {
	t.Helper()
	frame := read(t, c)
	assert.Equal(t, "agent_status", frame["type"])
	assert.Equal(t, connected, frame["connected"])
}

func TestRejectsUnknownCode(t *testing.T) {
	f := newFixture(t, Config{})
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws?code=nope"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRejectsInvalidClientType(t *testing.T) {
	f := newFixture(t, Config{})
	resp, err := http.Get(f.server.URL + "/ws?code=code-1&client_type=robot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandWithoutAgent(t *testing.T) {
	f := newFixture(t, Config{})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)

	require.NoError(t, web.WriteJSON(types.CommandMessage{
		Type:      types.MessageCommand,
		CommandID: "c1",
		Command:   types.Action{Kind: types.ActionWait, Params: types.Params{"seconds": 1}},
	}))

	frame := read(t, web)
	assert.Equal(t, "command_result", frame["type"])
	assert.Equal(t, "c1", frame["commandId"])
	assert.Equal(t, false, frame["success"])
	assert.Equal(t, "agent not connected", frame["message"])

	require.NoError(t, web.WriteJSON(types.SequenceMessage{
		Type:       types.MessageExecuteSequence,
		SequenceID: "s1",
		Actions:    []types.Action{{Kind: types.ActionWait}},
	}))
	frame = read(t, web)
	assert.Equal(t, "sequence_complete", frame["type"])
	assert.Equal(t, "s1", frame["sequenceId"])
	assert.Equal(t, false, frame["success"])
}

func TestRelayBetweenPair(t *testing.T) {
	f := newFixture(t, Config{})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)

	agent := f.dial(t, "code-1", types.ClientTypeAgent)
	agentStatus(t, web, true)
	require.Eventually(t, func() bool { return f.hub.Stats() == Stats{WebClients: 1, Agents: 1} }, waitFor, time.Millisecond)

	require.NoError(t, web.WriteJSON(types.CommandMessage{
		Type:      types.MessageCommand,
		CommandID: "c1",
		Command:   types.Action{Kind: types.ActionOpenURL, Params: types.Params{"url": "https://www.youtube.com"}},
	}))
	got := read(t, agent)
	assert.Equal(t, "command", got["type"])
	assert.Equal(t, "c1", got["commandId"])

	require.NoError(t, agent.WriteJSON(types.CommandResultMessage{
		Type: types.MessageCommandResult, CommandID: "c1", Success: true, ExecutionTime: 12,
	}))
	got = read(t, web)
	assert.Equal(t, "command_result", got["type"])
	assert.Equal(t, true, got["success"])

	require.NoError(t, agent.WriteJSON(types.ScreenFrameMessage{Type: types.MessageScreenFrame, Data: "aGk="}))
	got = read(t, web)
	assert.Equal(t, "screen_frame", got["type"])

	// command and result are audited; screen frames are not
	entries, _ := f.audit.List(context.Background(), audit.Filter{})
	require.Len(t, entries, 2)
	assert.Equal(t, audit.DirectionToAgent, entries[0].Direction)
	assert.Equal(t, "co****", entries[0].Pair)
	assert.Equal(t, "c1", entries[1].CommandID)
	require.NotNil(t, entries[1].Success)
	assert.True(t, *entries[1].Success)
	assert.Equal(t, 2, f.events.Len())
}

func TestCodesAreIsolated(t *testing.T) {
	f := newFixture(t, Config{})
	web1 := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web1, false)
	_ = f.dial(t, "code-2", types.ClientTypeAgent)

	require.NoError(t, web1.WriteJSON(types.CommandMessage{Type: types.MessageCommand, CommandID: "c1", Command: types.Action{Kind: types.ActionWait}}))
	frame := read(t, web1)
	assert.Equal(t, "command_result", frame["type"])
	assert.Equal(t, "agent not connected", frame["message"])
}

func TestAgentDisconnectNotifiesWeb(t *testing.T) {
	f := newFixture(t, Config{})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)

	agent := f.dial(t, "code-1", types.ClientTypeAgent)
	agentStatus(t, web, true)

	require.NoError(t, agent.Close())
	agentStatus(t, web, false)
	require.Eventually(t, func() bool { return f.hub.Stats().Agents == 0 }, waitFor, time.Millisecond)
}

func TestNewerSocketReplacesOlder(t *testing.T) {
	f := newFixture(t, Config{})
	first := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, first, false)

	second := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, second, false)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := first.ReadMessage()
	assert.Error(t, err)

	assert.Equal(t, 1, f.hub.Stats().WebClients)

	agent := f.dial(t, "code-1", types.ClientTypeAgent)
	agentStatus(t, second, true)
	require.NoError(t, agent.WriteJSON(types.ScreenFrameMessage{Type: types.MessageScreenFrame, Data: "x"}))
	assert.Equal(t, "screen_frame", read(t, second)["type"])
}

func TestAPIKeyRequired(t *testing.T) {
	f := newFixture(t, Config{APIKey: "secret"})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)
	agent := f.dial(t, "code-1", types.ClientTypeAgent)
	agentStatus(t, web, true)

	require.NoError(t, web.WriteJSON(types.CommandMessage{Type: types.MessageCommand, CommandID: "c1", APIKey: "wrong", Command: types.Action{Kind: types.ActionWait}}))
	frame := read(t, web)
	assert.Equal(t, "command_result", frame["type"])
	assert.Equal(t, "invalid api key", frame["message"])

	require.NoError(t, web.WriteJSON(types.CommandMessage{Type: types.MessageCommand, CommandID: "c2", APIKey: "secret", Command: types.Action{Kind: types.ActionWait}}))
	got := read(t, agent)
	assert.Equal(t, "c2", got["commandId"])

	entries, _ := f.audit.List(context.Background(), audit.Filter{})
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Payload, "secret")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(entries[0].Payload), &payload))
	assert.Equal(t, "***", payload["apiKey"])
}

func TestMalformedFrame(t *testing.T) {
	f := newFixture(t, Config{})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)

	require.NoError(t, web.WriteMessage(websocket.TextMessage, []byte("not json")))
	frame := read(t, web)
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "invalid frame", frame["message"])
}

func TestCloseDisconnectsSockets(t *testing.T) {
	f := newFixture(t, Config{})
	web := f.dial(t, "code-1", types.ClientTypeWeb)
	agentStatus(t, web, false)

	require.NoError(t, f.hub.Close())

	require.NoError(t, web.SetReadDeadline(time.Now().Add(waitFor)))
	_, _, err := web.ReadMessage()
	assert.Error(t, err)

	resp, err := http.Get(f.server.URL + "/ws?code=code-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestCheckOrigin(t *testing.T) {
	h := New(Config{AllowedOrigins: []string{"https://app.example.com"}}, nil, nil, zaptest.NewLogger(t))

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")
	assert.True(t, h.checkOrigin(r))

	r.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, h.checkOrigin(r))
}

func TestAgentPresenceCallbacks(t *testing.T) {
	f := newFixture(t, Config{})

	type change struct {
		pair      string
		connected bool
	}
	var mu sync.Mutex
	var changes []change
	f.hub.OnAgentPresence(func(pair string, connected bool) {
		mu.Lock()
		defer mu.Unlock()
		changes = append(changes, change{pair, connected})
	})
	snapshot := func() []change {
		mu.Lock()
		defer mu.Unlock()
		return append([]change(nil), changes...)
	}

	first := f.dial(t, "code-1", types.ClientTypeAgent)
	require.Eventually(t, func() bool { return len(snapshot()) == 1 }, waitFor, time.Millisecond)

	// A replacement is not a presence change
	second := f.dial(t, "code-1", types.ClientTypeAgent)
	require.Eventually(t, func() bool { return f.hub.Stats().Agents == 1 }, waitFor, time.Millisecond)
	_ = first.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, snapshot(), 1)

	_ = second.Close()
	require.Eventually(t, func() bool { return len(snapshot()) == 2 }, waitFor, time.Millisecond)
	assert.Equal(t, []change{{"co****", true}, {"co****", false}}, snapshot())
}
