// Package transport carries opaque frames between a client and a host.
//
// A Conn delivers whole frames in order in each direction. ReadFrame is only
// ever called from one goroutine; WriteFrame callers serialize themselves.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/internal/config"
)

// ErrClosed is returned by operations on a Conn after Close.
var ErrClosed = errors.New("transport closed")

// Conn is one established, bidirectional frame channel. Close unblocks a
// pending ReadFrame, and WriteFrame fails once Close has been called.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(frame []byte) error
	Close() error
}

// Dialer opens a Conn. Dial must give up when ctx ends.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Conn, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (Conn, error) {
	return f(ctx)
}

// FromConfig picks the dialer named by cfg.Transport.
func FromConfig(cfg config.ClientConfig, logger *zap.Logger) (Dialer, error) {
	switch strings.ToLower(cfg.Transport) {
	case "", config.TransportWebSocket:
		return NewWebSocketDialer(cfg, logger), nil
	case config.TransportProcess:
		return &ProcessDialer{
			Command:        cfg.Command,
			MaxMessageSize: int(cfg.MaxMessageSize),
			Logger:         logger,
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}
