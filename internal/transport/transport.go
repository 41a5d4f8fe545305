// Package transport wraps a single message-oriented websocket connection.
//
// It carries frames and nothing else: no envelope knowledge, no retries.
// Callers own reconnection and dispatch.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultReadLimit        = 4 * 1024 * 1024
	closeGracePeriod        = time.Second
)

// ErrUnsupportedScheme is returned for endpoints that are not ws:// or wss://.
var ErrUnsupportedScheme = errors.New("unsupported endpoint scheme")

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("connection closed")

// Conn is one bidirectional frame connection. ReadFrame must be called
// from a single goroutine; WriteFrame and Close are safe for concurrent use.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Dialer opens client connections.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// WebsocketDialer dials ws:// and wss:// endpoints.
type WebsocketDialer struct {
	// TLSConfig is used for wss:// endpoints. Nil means system roots.
	TLSConfig        *tls.Config
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
}

// Dial opens a websocket to endpoint. Certificate verification failures
// are returned like any other dial error.
func (d *WebsocketDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		TLSClientConfig:  d.TLSConfig,
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}
	return newConn(ws, d.ReadLimit), nil
}

// Upgrader accepts websocket connections on the server side.
type Upgrader struct {
	ReadLimit int64
	upgrader  websocket.Upgrader
}

// NewUpgrader creates an Upgrader. Agents are not browsers, so the
// origin check accepts everything.
func NewUpgrader(readLimit int64) *Upgrader {
	return &Upgrader{
		ReadLimit: readLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Accept upgrades an HTTP request. On failure the upgrader has already
// written an HTTP error response.
func (u *Upgrader) Accept(w http.ResponseWriter, r *http.Request) (Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket upgrade: %w", err)
	}
	return newConn(ws, u.ReadLimit), nil
}

// IsUnexpectedClose reports whether err is a read error other than a
// normal or going-away close.
func IsUnexpectedClose(err error) bool {
	if errors.Is(err, ErrClosed) {
		return false
	}
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure)
}

type wsConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closed    bool
	closeOnce sync.Once
	closeErr  error
}

func newConn(ws *websocket.Conn, readLimit int64) *wsConn {
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	ws.SetReadLimit(readLimit)
	return &wsConn{ws: ws}
}

// ReadFrame returns the next data frame. Control frames are handled by
// the websocket library.
func (c *wsConn) ReadFrame() ([]byte, error) {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage || messageType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// Close sends a close frame (best effort) and releases the socket.
// Subsequent calls return the first result.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		c.closed = true
		c.writeMu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGracePeriod))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
