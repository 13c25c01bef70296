// Package mcpclient drives a remote browser-automation host over one
// persistent connection.
//
// A Client issues named actions, correlates the host's asynchronous replies
// with the calls that caused them, and decodes JSON and binary results.
// Collaborators Connect before acting and defer Disconnect:
//
//	client := mcpclient.New(dialer, mcpclient.WithLogger(logger))
//	if err := client.Connect(ctx); err != nil {
//		return err
//	}
//	defer client.Disconnect(context.Background())
//	res, err := client.ExecuteAction(ctx, "pageGoto", map[string]interface{}{"url": target})
package mcpclient

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/config"
	"github.com/xkilldash9x/mcpdriver/internal/correlator"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// Call is the future returned by Go. Wait on it for the outcome.
type Call = correlator.Call

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the client's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m metrics.Metrics) Option {
	return func(c *Client) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithRegistry replaces the built-in action registry.
func WithRegistry(r *wire.Registry) Option {
	return func(c *Client) {
		if r != nil {
			c.registry = r
		}
	}
}

// WithDefaultTimeout bounds actions sent without a timeout param. Zero lets
// such actions wait until a reply or a disconnect.
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d >= 0 {
			c.defaultTimeout = d
		}
	}
}

// WithActionCheck makes Connect compare the host's action list with the
// registry and log the differences. Hosts that cannot list their actions are
// tolerated.
func WithActionCheck(enabled bool) Option {
	return func(c *Client) {
		c.checkActions = enabled
	}
}

// Client is an action-dispatch RPC client. It is safe for concurrent use.
type Client struct {
	dialer         transport.Dialer
	logger         *zap.Logger
	metrics        metrics.Metrics
	registry       *wire.Registry
	defaultTimeout time.Duration
	checkActions   bool
	pending        *correlator.Correlator

	// writeMu is held across id allocation, registration and the write, so
	// ids appear on the wire in increasing order.
	writeMu sync.Mutex

	mu         sync.Mutex
	state      schemas.ConnectionState
	conn       transport.Conn
	readDone   chan struct{}
	attempt    *connectAttempt
	disconnect chan struct{}
}

// New creates a disconnected client that will open its connection with dialer.
func New(dialer transport.Dialer, opts ...Option) *Client {
	c := &Client{
		dialer:         dialer,
		logger:         zap.NewNop(),
		metrics:        metrics.NewNoopMetrics(),
		registry:       wire.DefaultRegistry(),
		defaultTimeout: 30 * time.Second,
		state:          schemas.StateDisconnected,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("mcpclient")
	c.pending = correlator.New(c.logger, c.metrics)
	c.metrics.SetConnectionState(c.state)
	return c
}

// NewFromConfig builds a client whose transport and timeouts come from cfg.
func NewFromConfig(cfg config.ClientConfig, logger *zap.Logger, m metrics.Metrics) (*Client, error) {
	dialer, err := transport.FromConfig(cfg, logger)
	if err != nil {
		return nil, err
	}
	return New(dialer,
		WithLogger(logger),
		WithMetrics(m),
		WithDefaultTimeout(cfg.DefaultActionTimeout),
		WithActionCheck(cfg.CheckActions),
	), nil
}

// Registry returns the actions this client accepts.
func (c *Client) Registry() *wire.Registry {
	return c.registry
}

// State reports the current connection state.
func (c *Client) State() schemas.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Pending reports how many calls are awaiting a reply.
func (c *Client) Pending() int {
	return c.pending.Len()
}
