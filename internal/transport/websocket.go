package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/config"
)

// SessionHeader carries the client's session id on the upgrade request.
const SessionHeader = "X-Mcp-Session"

// KeepaliveOptions controls deadlines and pings on a websocket Conn.
// Zero values disable the corresponding behavior.
type KeepaliveOptions struct {
	// Time allowed to write a frame to the peer.
	WriteWait time.Duration
	// Time allowed to read the next pong from the peer.
	PongWait time.Duration
	// Send pings with this period. Must be less than PongWait.
	PingPeriod time.Duration
	// Maximum frame size accepted from the peer.
	MaxMessageSize int64
}

// WebSocketDialer dials a host over a websocket.
type WebSocketDialer struct {
	URL              string
	Header           http.Header
	HandshakeTimeout time.Duration
	Keepalive        KeepaliveOptions
	Logger           *zap.Logger
}

// NewWebSocketDialer builds a dialer from the client configuration.
func NewWebSocketDialer(cfg config.ClientConfig, logger *zap.Logger) *WebSocketDialer {
	header := http.Header{}
	for k, v := range cfg.Headers {
		header.Set(k, v)
	}
	if cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebSocketDialer{
		URL:              cfg.URL,
		Header:           header,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Keepalive: KeepaliveOptions{
			WriteWait:      cfg.WriteWait,
			PongWait:       cfg.PongWait,
			PingPeriod:     cfg.PingPeriod,
			MaxMessageSize: cfg.MaxMessageSize,
		},
		Logger: logger.Named("websocket"),
	}
}

// Dial performs the websocket handshake. Each dial gets a fresh session id.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}

	header := d.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	session := uuid.NewString()
	header.Set(SessionHeader, session)

	ws, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake with %s failed with status %d: %w", d.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dialing %s: %w", d.URL, err)
	}

	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Debug("WebSocket connection established.", zap.String("url", d.URL), zap.String("session", session))
	return NewWebSocketConn(ws, d.Keepalive, logger.With(zap.String("session", session))), nil
}

type wsConn struct {
	conn   *websocket.Conn
	opts   KeepaliveOptions
	logger *zap.Logger

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	wg        sync.WaitGroup
}

// NewWebSocketConn wraps an established websocket. It owns conn from now on:
// it arms the read deadline, answers pongs, and runs the ping loop until Close.
func NewWebSocketConn(conn *websocket.Conn, opts KeepaliveOptions, logger *zap.Logger) Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &wsConn{
		conn:   conn,
		opts:   opts,
		logger: logger,
		done:   make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		conn.SetReadLimit(opts.MaxMessageSize)
	}
	if opts.PongWait > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(opts.PongWait))
		})
	}
	if opts.PingPeriod > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return c
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, fmt.Errorf("peer closed the connection: %w", err)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) WriteFrame(frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if c.opts.WriteWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteWait)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

// pingLoop keeps the peer's read deadline fresh. WriteControl may run
// concurrently with WriteFrame.
func (c *wsConn) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, c.controlDeadline()); err != nil {
				if !errors.Is(err, websocket.ErrCloseSent) {
					c.logger.Debug("Failed to send ping.", zap.Error(err))
				}
				return
			}
		}
	}
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		// Best effort: the peer may already be gone.
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), c.controlDeadline())
		c.closeErr = c.conn.Close()
		c.wg.Wait()
	})
	return c.closeErr
}

func (c *wsConn) controlDeadline() time.Time {
	wait := c.opts.WriteWait
	if wait <= 0 {
		wait = time.Second
	}
	return time.Now().Add(wait)
}
