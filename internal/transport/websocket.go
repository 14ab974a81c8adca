// ABOUTME: WebSocket transport for gateway frames
// ABOUTME: Dials the gateway URL and exposes message-level read/write/ping over coder/websocket

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultReadLimit        = 4 << 20
)

// Conn is one message-oriented connection to the gateway.
type Conn interface {
	// Read blocks until the next text message arrives.
	Read(ctx context.Context) ([]byte, error)
	// Write sends one text message. Concurrent writes are serialized.
	Write(ctx context.Context, data []byte) error
	// Ping round-trips a keepalive. The read loop must be running.
	Ping(ctx context.Context) error
	// Close closes the connection. Safe to call more than once.
	Close() error
}

// Dialer opens gateway connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// WebSocketDialer dials with coder/websocket.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadLimit        int64
	Header           http.Header
	HTTPClient       *http.Client
	Logger           *slog.Logger
}

// Dial opens a websocket to rawURL. ws, wss, http and https schemes are accepted.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing gateway url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, fmt.Errorf("unsupported gateway url scheme %q", u.Scheme)
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ws, _, err := websocket.Dial(dialCtx, u.String(), &websocket.DialOptions{
		HTTPHeader: d.Header,
		HTTPClient: d.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing gateway: %w", err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	ws.SetReadLimit(limit)

	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.With("component", "transport").Debug("websocket connected", "url", u.Redacted())
	return NewWebSocketConn(ws), nil
}

// WebSocketConn adapts a *websocket.Conn to Conn.
type WebSocketConn struct {
	ws *websocket.Conn

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established websocket. Used by the dialer and by
// the gateway side of tests.
func NewWebSocketConn(ws *websocket.Conn) *WebSocketConn {
	return &WebSocketConn{ws: ws}
}

func (c *WebSocketConn) Read(ctx context.Context) ([]byte, error) {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return nil, err
		}
		if typ == websocket.MessageText {
			return data, nil
		}
	}
}

func (c *WebSocketConn) Write(ctx context.Context, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *WebSocketConn) Ping(ctx context.Context) error {
	return c.ws.Ping(ctx)
}

func (c *WebSocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close(websocket.StatusNormalClosure, "client closing")
	})
	return c.closeErr
}

// CloseStatus returns the websocket close code carried by err, or -1.
func CloseStatus(err error) int {
	return int(websocket.CloseStatus(err))
}
