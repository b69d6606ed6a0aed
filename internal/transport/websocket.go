package transport

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

// DialOptions configures the WebSocket dialer.
type DialOptions struct {
	HandshakeTimeout time.Duration // handshake deadline
	ReadTimeout      time.Duration // idle read deadline, extended by pongs
	WriteTimeout     time.Duration // per-write deadline
	PingInterval     time.Duration // keepalive ping period
	Header           http.Header
}

// DefaultDialOptions returns the keepalive settings used against the relay.
func DefaultDialOptions() DialOptions {
	return DialOptions{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		PingInterval:     54 * time.Second,
	}
}

// WebsocketDialer dials <baseURL>/ws/<sessionID>.
type WebsocketDialer struct {
	baseURL string
	opts    DialOptions
}

// NewWebsocketDialer validates the relay URL. Zero options fall back to defaults.
func NewWebsocketDialer(baseURL string, opts DialOptions) (*WebsocketDialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay url %q: %w", baseURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("relay url %q must use ws or wss", baseURL)
	}

	def := DefaultDialOptions()
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = def.HandshakeTimeout
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = def.ReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}

	return &WebsocketDialer{baseURL: baseURL, opts: opts}, nil
}

// Dial implements Dialer.
func (d *WebsocketDialer) Dial(ctx context.Context, sessionID string) (Conn, error) {
	target, err := url.JoinPath(d.baseURL, "ws", url.PathEscape(sessionID))
	if err != nil {
		return nil, fmt.Errorf("build relay url: %w", err)
	}

	dialer := &websocket.Dialer{
		HandshakeTimeout: d.opts.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, target, d.opts.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	c := &wsConn{
		Conn: conn,
		opts: d.opts,
		stop: make(chan struct{}),
	}

	conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(d.opts.ReadTimeout))
	})

	go c.pingLoop()
	return c, nil
}

// wsConn adds deadlines, keepalive and a graceful close to *websocket.Conn.
type wsConn struct {
	*websocket.Conn
	opts DialOptions
	stop chan struct{}
	once sync.Once
}

func (c *wsConn) ReadMessage() (int, []byte, error) {
	typ, data, err := c.Conn.ReadMessage()
	if err == nil {
		c.Conn.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
	}
	return typ, data, err
}

func (c *wsConn) WriteMessage(messageType int, data []byte) error {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	return c.Conn.WriteMessage(messageType, data)
}

// Close sends a normal-closure frame before dropping the socket.
func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.stop)
		deadline := time.Now().Add(c.opts.WriteTimeout)
		_ = c.Conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.Conn.Close()
	})
	return err
}

// pingLoop keeps the relay from timing the connection out.
func (c *wsConn) pingLoop() {
	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.opts.WriteTimeout)
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// IsRetryable reports whether a disconnect is worth a reconnect attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != websocket.CloseNormalClosure
	}
	return true
}
