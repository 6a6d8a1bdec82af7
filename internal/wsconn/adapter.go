// Package wsconn implements the Connection Adapter: a uniform
// send/receive/close contract over either a server-accepted or a
// client-dialed WebSocket, so the rest of the analyzer never touches
// gorilla/websocket directly.
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Kind classifies an Adapter failure the way spec §4.1 requires.
type Kind string

const (
	KindClosed   Kind = "CLOSED"
	KindProtocol Kind = "PROTOCOL"
	KindIO       Kind = "IO"
)

// Error wraps an Adapter failure with its Kind.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("wsconn: %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// upgrader is shared across all inbound (server-accepted) connections.
// Origin checking is left to the HTTP layer in front of this package.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Dialer configures outbound connection parameters.
var dialer = websocket.Dialer{
	HandshakeTimeout: 10 * time.Second,
}

// Adapter is the uniform contract over an accepted or dialed WebSocket.
type Adapter struct {
	conn   *websocket.Conn
	mu     sync.Mutex // guards concurrent writes; gorilla conns require single-writer
	closed bool
}

// Accept upgrades an inbound HTTP request to a WebSocket connection.
func Accept(w http.ResponseWriter, r *http.Request) (*Adapter, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, wrapErr(KindIO, err)
	}
	return &Adapter{conn: conn}, nil
}

// Dial establishes an outbound WebSocket connection to rawURL.
func Dial(ctx context.Context, rawURL string) (*Adapter, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, wrapErr(KindProtocol, fmt.Errorf("parse url: %w", err))
	}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, wrapErr(KindIO, err)
	}
	return &Adapter{conn: conn}, nil
}

// Receive blocks until a text frame arrives and returns its payload.
func (a *Adapter) Receive() (string, error) {
	msgType, data, err := a.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
			errors.Is(err, websocket.ErrCloseSent) {
			return "", wrapErr(KindClosed, err)
		}
		var netErr *websocket.CloseError
		if errors.As(err, &netErr) {
			return "", wrapErr(KindClosed, err)
		}
		return "", wrapErr(KindIO, err)
	}
	if msgType != websocket.TextMessage {
		return "", wrapErr(KindProtocol, fmt.Errorf("unexpected frame type %d, want text", msgType))
	}
	return string(data), nil
}

// Send writes a text frame. Safe for concurrent use.
func (a *Adapter) Send(text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return wrapErr(KindClosed, errors.New("adapter closed"))
	}
	if err := a.conn.WriteMessage(websocket.TextMessage, []byte(text)); err != nil {
		if errors.Is(err, websocket.ErrCloseSent) {
			return wrapErr(KindClosed, err)
		}
		return wrapErr(KindIO, err)
	}
	return nil
}

// Close idempotently closes the underlying connection.
func (a *Adapter) Close(code int, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	deadline := time.Now().Add(2 * time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = a.conn.WriteControl(websocket.CloseMessage, msg, deadline)
	return a.conn.Close()
}

// IsOpen reports whether Close has not yet been called.
func (a *Adapter) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}
