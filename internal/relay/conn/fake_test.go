package conn

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"cmdrelay/internal/retry"
	"cmdrelay/internal/types"
)

// fakeTransport is an in-memory channel the test drives directly
type fakeTransport struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	mu       sync.Mutex
	written  [][]byte
	writeErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		in:     make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.in:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeTransport) WriteMessage(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) Written() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.written...)
}

func (f *fakeTransport) IsClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

// fakeDialer hands out fakeTransports and counts dials
type fakeDialer struct {
	mu    sync.Mutex
	dials int
	urls  []string
	fail  error
	last  *fakeTransport
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.urls = append(d.urls, url)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.fail != nil {
		return nil, d.fail
	}
	d.last = newFakeTransport()
	return d.last, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) SetFail(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

var errRefused = errors.New("connection refused")

// stateRecorder collects state transitions delivered to a handler
type stateRecorder struct {
	mu     sync.Mutex
	states []types.ConnState
}

func (r *stateRecorder) record(s types.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) All() []types.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ConnState(nil), r.states...)
}

func (r *stateRecorder) Last() types.ConnState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func testConfig(delay time.Duration) Config {
	return Config{
		Reconnect:   &retry.Config{Enable: true, Interval: delay},
		DialTimeout: time.Second,
	}
}

func testEndpoint() Endpoint {
	return Endpoint{
		BaseURL:    "ws://relay.test/ws",
		AccessCode: "code-123",
		ClientType: types.ClientTypeWeb,
	}
}
