package conn

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cmdrelay/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

func newTestManager(t *testing.T, d *fakeDialer, delay time.Duration) (*Manager, *stateRecorder) {
	t.Helper()
	m := NewManager(d, testConfig(delay), zaptest.NewLogger(t))
	rec := &stateRecorder{}
	m.OnStateChange(rec.record)
	t.Cleanup(func() { _ = m.Close() })
	return m, rec
}

func TestConnectTransitionsToConnected(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, time.Hour)

	require.NoError(t, m.Connect(testEndpoint()))

	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)
	assert.Equal(t, []types.ConnState{types.ConnStateConnecting, types.ConnStateConnected}, rec.All())
	assert.Equal(t, types.ConnStateConnected, m.State())
	assert.Equal(t, 1, d.Dials())
	assert.Equal(t, "ws://relay.test/ws?client_type=web&code=code-123", d.urls[0])
}

func TestConnectRejectsInvalidEndpoint(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, time.Hour)

	err := m.Connect(Endpoint{BaseURL: "ws://relay.test/ws", ClientType: types.ClientTypeWeb})
	assert.Error(t, err)
	assert.Equal(t, 0, d.Dials())
	assert.Equal(t, types.ConnStateDisconnected, m.State())
}

func TestSendWhileDisconnected(t *testing.T) {
	d := &fakeDialer{}
	m, _ := newTestManager(t, d, time.Hour)

	err := m.Send(map[string]string{"type": "command"})

	assert.ErrorIs(t, err, types.ErrNotConnected)
	assert.Equal(t, 0, d.Dials())
}

func TestSendWritesJSON(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, time.Hour)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)

	require.NoError(t, m.Send(types.CommandMessage{
		Type:      types.MessageCommand,
		Command:   types.Action{Kind: types.ActionWait, Params: types.Params{"seconds": 1}},
		CommandID: "c1",
	}))

	written := d.Last().Written()
	require.Len(t, written, 1)

	var got map[string]any
	require.NoError(t, json.Unmarshal(written[0], &got))
	assert.Equal(t, "command", got["type"])
	assert.Equal(t, "c1", got["commandId"])
}

func TestReconnectAfterClose(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, 50*time.Millisecond)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)

	// Simulate the remote side dropping the channel.
	first := d.Last()
	require.NoError(t, first.Close())

	want := []types.ConnState{
		types.ConnStateConnecting,
		types.ConnStateConnected,
		types.ConnStateDisconnected,
		types.ConnStateConnecting,
		types.ConnStateConnected,
	}
	// Handlers run on the dispatch goroutine and may lag the state.
	require.Eventually(t, func() bool {
		return d.Dials() == 2 && assert.ObjectsAreEqual(want, rec.All())
	}, waitFor, tick)

	// Exactly one new attempt, no overlapping retries.
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 2, d.Dials())
	assert.NotSame(t, first, d.Last())
}

func TestReconnectRetriesIndefinitely(t *testing.T) {
	d := &fakeDialer{fail: errRefused}
	m, _ := newTestManager(t, d, 10*time.Millisecond)

	require.NoError(t, m.Connect(testEndpoint()))

	require.Eventually(t, func() bool { return d.Dials() >= 5 }, waitFor, tick)
	assert.NotEqual(t, types.ConnStateConnected, m.State())

	d.SetFail(nil)
	require.Eventually(t, func() bool { return m.State() == types.ConnStateConnected }, waitFor, tick)
	assert.False(t, m.ReconnectPending())
}

func TestExplicitDisconnectDoesNotReconnect(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, 20*time.Millisecond)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)

	m.Disconnect()

	assert.Equal(t, types.ConnStateDisconnected, m.State())
	assert.True(t, d.Last().IsClosed())
	assert.False(t, m.ReconnectPending())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, d.Dials())
	assert.ErrorIs(t, m.Send(map[string]string{"type": "command"}), types.ErrNotConnected)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	d := &fakeDialer{fail: errRefused}
	m, _ := newTestManager(t, d, 30*time.Millisecond)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, m.ReconnectPending, waitFor, tick)

	m.Disconnect()
	dials := d.Dials()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, dials, d.Dials())
	assert.False(t, m.ReconnectPending())
}

func TestConnectCancelsPendingTimer(t *testing.T) {
	d := &fakeDialer{fail: errRefused}
	m, _ := newTestManager(t, d, time.Hour)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, m.ReconnectPending, waitFor, tick)

	d.SetFail(nil)
	require.NoError(t, m.Connect(testEndpoint()))

	require.Eventually(t, func() bool { return m.State() == types.ConnStateConnected }, waitFor, tick)
	assert.False(t, m.ReconnectPending())
	assert.Equal(t, 2, d.Dials())
}

func TestWriteErrorIsTreatedAsClose(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, time.Hour)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)

	tr := d.Last()
	tr.mu.Lock()
	tr.writeErr = errors.New("broken pipe")
	tr.mu.Unlock()

	err := m.Send(map[string]string{"type": "command"})

	assert.NoError(t, err)
	assert.Equal(t, types.ConnStateDisconnected, m.State())
	assert.True(t, m.ReconnectPending())
	assert.True(t, tr.IsClosed())
}

func TestReplacedTransportIsIgnored(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, 20*time.Millisecond)
	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)
	first := d.Last()

	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool {
		return d.Dials() == 2 && m.State() == types.ConnStateConnected
	}, waitFor, tick)

	// The old handle was closed by the replacement; its close must not
	// trigger a disconnect or a reconnect.
	assert.True(t, first.IsClosed())
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, types.ConnStateConnected, m.State())
	assert.Equal(t, 2, d.Dials())
}

func TestMessagesDeliveredInOrder(t *testing.T) {
	d := &fakeDialer{}
	m, rec := newTestManager(t, d, time.Hour)

	var mu sync.Mutex
	var got []string
	m.OnMessage(func(data []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, string(data))
	})

	require.NoError(t, m.Connect(testEndpoint()))
	require.Eventually(t, func() bool { return rec.Last() == types.ConnStateConnected }, waitFor, tick)

	tr := d.Last()
	tr.in <- []byte(`{"n":1}`)
	tr.in <- []byte(`{"n":2}`)
	tr.in <- []byte(`{"n":3}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, waitFor, tick)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}, got)
}

func TestCloseLeavesNoGoroutines(t *testing.T) {
	defer goleak.VerifyNone(t)

	d := &fakeDialer{}
	m := NewManager(d, testConfig(10*time.Millisecond), zaptest.NewLogger(t))
	connected := make(chan struct{}, 1)
	m.OnStateChange(func(s types.ConnState) {
		if s == types.ConnStateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})

	require.NoError(t, m.Connect(testEndpoint()))
	select {
	case <-connected:
	case <-time.After(waitFor):
		t.Fatal("never connected")
	}

	require.NoError(t, m.Close())
	assert.ErrorIs(t, m.Connect(testEndpoint()), ErrClosed)
}

func TestCloseFromHandler(t *testing.T) {
	d := &fakeDialer{}
	m := NewManager(d, testConfig(time.Hour), zaptest.NewLogger(t))

	closed := make(chan error, 1)
	m.OnStateChange(func(s types.ConnState) {
		if s == types.ConnStateConnected {
			closed <- m.Close()
		}
	})
	require.NoError(t, m.Connect(testEndpoint()))

	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Close from a state handler did not return")
	}
	assert.Equal(t, types.ConnStateDisconnected, m.State())
	assert.ErrorIs(t, m.Connect(testEndpoint()), ErrClosed)
	select {
	case <-m.stopped:
	case <-time.After(waitFor):
		t.Fatal("dispatch did not stop")
	}
}
