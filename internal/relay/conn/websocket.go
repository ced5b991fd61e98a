package conn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	defaultWriteWait = 10 * time.Second
	// Maximum message size allowed from peer. Screen frames are large.
	defaultMaxMessageSize = 8 << 20
)

// Transport is one open channel. Implementations must allow Close concurrently
// with a blocked ReadMessage, and WriteMessage from several goroutines.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a Transport to a URL
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer dials gorilla/websocket connections
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	Header    http.Header
	ReadLimit int64
	WriteWait time.Duration
}

// Dial implements Dialer
func (d *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	// The handshake response body is already consumed by gorilla.
	// nolint:bodyclose
	c, _, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		return nil, err
	}
	return WrapConn(c, d.ReadLimit, d.WriteWait), nil
}

// WSTransport adapts a *websocket.Conn to Transport
type WSTransport struct {
	conn      *websocket.Conn
	writeWait time.Duration
	mu        sync.Mutex
	closeOnce sync.Once
}

// WrapConn wraps an established websocket connection.
// Zero values select the package defaults.
func WrapConn(c *websocket.Conn, readLimit int64, writeWait time.Duration) *WSTransport {
	if readLimit <= 0 {
		readLimit = defaultMaxMessageSize
	}
	if writeWait <= 0 {
		writeWait = defaultWriteWait
	}
	c.SetReadLimit(readLimit)
	return &WSTransport{conn: c, writeWait: writeWait}
}

// ReadMessage returns the next text or binary frame
func (t *WSTransport) ReadMessage() ([]byte, error) {
	for {
		mt, data, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if mt == websocket.TextMessage || mt == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// WriteMessage writes one text frame
func (t *WSTransport) WriteMessage(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeWait))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame (best effort) and closes the socket
func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

// IsUnexpectedClose reports whether err is a close that deserves a warning
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
