package repl

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"cmdrelay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClient struct {
	mu        sync.Mutex
	submitted []string
	history   []types.Command
	cleared   bool
	err       error
}

func (f *fakeClient) Submit(text string) (*types.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	cmd := &types.Command{ID: "0123456789abcdef", RawText: text, Action: types.Action{Kind: types.ActionOpenURL}}
	return cmd, f.err
}

func (f *fakeClient) History() []types.Command { return f.history }
func (f *fakeClient) Clear()                   { f.cleared = true }
func (f *fakeClient) State() types.ConnState   { return types.ConnStateConnected }
func (f *fakeClient) AgentConnected() bool     { return false }

func run(t *testing.T, client Client, input string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, New(client, &out).Run(context.Background(), strings.NewReader(input)))
	return out.String()
}

func TestSubmitLines(t *testing.T) {
	client := &fakeClient{}
	out := run(t, client, "open youtube\n\n  type hello  \n")

	assert.Equal(t, []string{"open youtube", "type hello"}, client.submitted)
	assert.Contains(t, out, "sent 01234567 open_url")
}

func TestQuitStopsReading(t *testing.T) {
	client := &fakeClient{}
	run(t, client, "open a\n:quit\nopen b\n")
	assert.Equal(t, []string{"open a"}, client.submitted)
}

func TestMetaCommands(t *testing.T) {
	client := &fakeClient{history: []types.Command{{
		ID:              "abc",
		RawText:         "open youtube",
		Status:          types.CommandStatusSuccess,
		SubmittedAt:     time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
		ExecutionTimeMs: 42,
		ResultMessage:   "Opened URL",
	}}}

	out := run(t, client, ":history\n:status\n:clear\n:bogus\n")

	assert.Contains(t, out, `10:00:00  success  abc  "open youtube"  42ms  Opened URL`)
	assert.Contains(t, out, "connection: connected, agent: not connected")
	assert.Contains(t, out, "history cleared")
	assert.Contains(t, out, "unknown command :bogus")
	assert.True(t, client.cleared)
	assert.Empty(t, client.submitted)
}

func TestEmptyHistory(t *testing.T) {
	out := run(t, &fakeClient{}, ":history\n")
	assert.Contains(t, out, "no commands yet")
}

func TestSubmitErrors(t *testing.T) {
	out := run(t, &fakeClient{err: types.ErrNotConnected}, "open a\n")
	assert.Contains(t, out, "not connected; command recorded as failed")

	out = run(t, &fakeClient{err: errors.New("boom")}, "open a\n")
	assert.Contains(t, out, "error: boom")
}

func TestRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in, w := io.Pipe()
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- New(&fakeClient{}, &bytes.Buffer{}).Run(ctx, in) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	// Unblock the scanner goroutine
	_ = w.Close()
}

func TestQuitReleasesReader(t *testing.T) {
	defer goleak.VerifyNone(t)

	client := &fakeClient{}
	require.NoError(t, New(client, &bytes.Buffer{}).Run(context.Background(),
		strings.NewReader(":quit\nopen a\nopen b\n")))
	assert.Empty(t, client.submitted)
}

func TestPrinters(t *testing.T) {
	var out bytes.Buffer
	p := New(&fakeClient{}, &out)

	p.PrintCommand(types.Command{ID: "pending", Status: types.CommandStatusPending})
	p.PrintCommand(types.Command{ID: "c1", RawText: "click", Status: types.CommandStatusError, ExecutionTimeMs: 7, ResultMessage: "no display"})
	p.PrintProgress(types.SequenceProgressMessage{Step: 2, Total: 3, Action: types.Action{Kind: types.ActionKeyboardType}, Result: types.StepResult{Success: true, Message: "Typed: hi"}})
	p.PrintHubError("agent not connected")
	p.PrintState(types.ConnStateConnecting)

	got := out.String()
	assert.NotContains(t, got, "pending")
	assert.Contains(t, got, `[failed] c1 "click" (7ms) no display`)
	assert.Contains(t, got, "step 2/3 keyboard_type: ok Typed: hi")
	assert.Contains(t, got, "hub: agent not connected")
	assert.Contains(t, got, "connection: connecting")
}
