package mcpclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/transport"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// connectAttempt is shared by every Connect caller that arrives while a dial
// is in flight; they all observe the same outcome.
type connectAttempt struct {
	done    chan struct{}
	err     error
	cancel  context.CancelFunc
	aborted bool
}

// Connect opens the connection. It returns nil at once if already connected,
// and joins the in-flight attempt if one is running. Only one transport is
// ever open at a time.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case schemas.StateConnected:
		c.mu.Unlock()
		return nil

	case schemas.StateConnecting:
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}

	case schemas.StateDisconnecting:
		c.mu.Unlock()
		return fmt.Errorf("%w: a disconnect is in progress", schemas.ErrConnection)
	}

	// Disconnected or Faulted. A faulted client still holds its dead
	// transport until the next Connect or Disconnect releases it.
	staleDone := c.releaseLocked()
	dialCtx, cancel := context.WithCancel(ctx)
	attempt := &connectAttempt{done: make(chan struct{}), cancel: cancel}
	c.attempt = attempt
	c.setStateLocked(schemas.StateConnecting)
	c.mu.Unlock()

	if staleDone != nil {
		<-staleDone
	}
	conn, dialErr := c.dialer.Dial(dialCtx)
	cancel()

	c.mu.Lock()
	var err error
	switch {
	case attempt.aborted:
		if conn != nil {
			_ = conn.Close()
		}
		err = fmt.Errorf("%w: disconnected while connecting", schemas.ErrConnectionClosed)
		c.disconnect = nil
		c.setStateLocked(schemas.StateDisconnected)
	case dialErr != nil:
		err = fmt.Errorf("%w: %v", schemas.ErrConnection, dialErr)
		c.setStateLocked(schemas.StateDisconnected)
	default:
		c.conn = conn
		c.readDone = make(chan struct{})
		c.setStateLocked(schemas.StateConnected)
		go c.readLoop(conn, c.readDone)
	}
	attempt.err = err
	c.attempt = nil
	close(attempt.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("Connect failed.", zap.Error(err))
		return err
	}
	c.logger.Info("Connected to host.")
	if c.checkActions {
		c.compareActions(ctx)
	}
	return nil
}

// Disconnect closes the connection. Every pending call fails with
// schemas.ErrConnectionClosed and replies arriving afterwards are dropped.
// A dial in flight is aborted. Disconnecting an idle client is a no-op.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case schemas.StateDisconnected:
		c.mu.Unlock()
		return nil

	case schemas.StateDisconnecting:
		done := c.disconnect
		c.mu.Unlock()
		return waitFor(ctx, done)

	case schemas.StateConnecting:
		attempt := c.attempt
		attempt.aborted = true
		attempt.cancel()
		// Later Disconnect callers wait on the same attempt.
		c.disconnect = attempt.done
		c.setStateLocked(schemas.StateDisconnecting)
		c.mu.Unlock()
		return waitFor(ctx, attempt.done)

	case schemas.StateFaulted:
		staleDone := c.releaseLocked()
		c.setStateLocked(schemas.StateDisconnected)
		c.mu.Unlock()
		return waitFor(ctx, staleDone)
	}

	conn, readDone := c.conn, c.readDone
	done := make(chan struct{})
	c.disconnect = done
	c.setStateLocked(schemas.StateDisconnecting)
	c.mu.Unlock()

	// Close before draining: a call registered after the drain can no longer
	// be written, so its own write failure settles it.
	closeErr := conn.Close()
	drained := c.pending.Drain(fmt.Errorf("%w: client disconnected", schemas.ErrConnectionClosed))
	waitErr := waitFor(ctx, readDone)

	c.mu.Lock()
	c.conn = nil
	c.readDone = nil
	c.disconnect = nil
	c.setStateLocked(schemas.StateDisconnected)
	close(done)
	c.mu.Unlock()

	c.logger.Info("Disconnected from host.", zap.Int("rejected_pending", drained))
	if closeErr != nil {
		c.logger.Debug("Transport close reported an error.", zap.Error(closeErr))
	}
	return waitErr
}

// releaseLocked drops a dead transport and returns its read loop's done
// channel, or nil if there was none.
func (c *Client) releaseLocked() chan struct{} {
	readDone := c.readDone
	if c.conn != nil {
		_ = c.conn.Close()
	}
	c.conn = nil
	c.readDone = nil
	return readDone
}

func (c *Client) setStateLocked(next schemas.ConnectionState) {
	prev := c.state
	if prev == next {
		return
	}
	if !prev.CanTransition(next) {
		c.logger.Error("Illegal connection state transition.",
			zap.Stringer("from", prev), zap.Stringer("to", next))
	}
	c.state = next
	c.metrics.SetConnectionState(next)
	c.logger.Debug("Connection state changed.", zap.Stringer("from", prev), zap.Stringer("to", next))
}

// isCurrent reports whether conn is the live, connected transport.
func (c *Client) isCurrent(conn transport.Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == schemas.StateConnected && c.conn == conn
}

// fault moves a connected client to Faulted after a transport failure on
// conn and fails every pending call. Failures on a transport that is no
// longer current are ignored.
func (c *Client) fault(conn transport.Conn, cause error) {
	c.mu.Lock()
	if c.state != schemas.StateConnected || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(schemas.StateFaulted)
	c.mu.Unlock()

	_ = conn.Close()
	drained := c.pending.Drain(fmt.Errorf("%w: %v", schemas.ErrConnection, cause))
	c.logger.Error("Connection faulted.", zap.Error(cause), zap.Int("rejected_pending", drained))
}

// readLoop processes inbound frames one at a time until conn fails or closes.
func (c *Client) readLoop(conn transport.Conn, done chan struct{}) {
	defer close(done)
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			if c.isCurrent(conn) {
				c.fault(conn, err)
			} else {
				c.logger.Debug("Read loop stopped.", zap.Error(err))
			}
			return
		}
		c.handleFrame(conn, raw)
	}
}

func (c *Client) handleFrame(conn transport.Conn, raw []byte) {
	if !c.isCurrent(conn) {
		c.logger.Warn("Discarding frame received while not connected.",
			zap.Stringer("state", c.State()), zap.Int("bytes", len(raw)))
		c.metrics.IncrementAnomaly(metrics.AnomalyNotConnected)
		return
	}

	resp, err := wire.DecodeFrame(raw)
	if err != nil {
		c.metrics.IncrementAnomaly(metrics.AnomalyMalformed)
		if resp == nil {
			c.logger.Warn("Discarding undecodable frame.", zap.Error(err))
			return
		}
		c.logger.Warn("Failing request whose reply could not be decoded.",
			zap.String("request_id", resp.ID), zap.Error(err))
		c.pending.Reject(resp.ID, err)
		return
	}
	c.pending.Settle(resp)
}

func waitFor(ctx context.Context, done <-chan struct{}) error {
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
