package mcpclient

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// Go sends action and returns its future without waiting for the reply.
//
// Unknown actions, invalid params and a client that is not connected are
// reported here, before anything is written. Every later failure (timeout,
// remote error, disconnect) is delivered through the returned Call.
//
// A numeric "timeout" param (milliseconds) is forwarded to the host and also
// bounds the local wait; without one the client's default timeout applies.
// A timeout of 0 waits indefinitely.
func (c *Client) Go(ctx context.Context, action string, params map[string]interface{}) (*Call, error) {
	desc, ok := c.registry.Lookup(action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", schemas.ErrUnknownAction, action)
	}
	if err := wire.ValidateParams(desc, params); err != nil {
		return nil, err
	}
	timeout, explicit, err := wire.TimeoutFromParams(params)
	if err != nil {
		return nil, err
	}
	if !explicit {
		timeout = c.defaultTimeout
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	state, conn := c.state, c.conn
	c.mu.Unlock()
	if state != schemas.StateConnected {
		return nil, fmt.Errorf("%w: state is %s", schemas.ErrNotConnected, state)
	}

	now := time.Now()
	req := &wire.Request{
		ID:       c.pending.NextID(),
		Action:   action,
		Params:   params,
		IssuedAt: now,
	}
	if timeout > 0 {
		req.Deadline = now.Add(timeout)
	}

	frame, err := wire.Encode(req, desc)
	if err != nil {
		return nil, err
	}
	call, err := c.pending.Register(req, desc)
	if err != nil {
		return nil, err
	}

	if err := conn.WriteFrame(frame); err != nil {
		if c.isCurrent(conn) {
			c.pending.Reject(req.ID, fmt.Errorf("%w: writing %s: %v", schemas.ErrConnection, action, err))
			c.fault(conn, err)
		} else {
			c.pending.Reject(req.ID, fmt.Errorf("%w: %s was not sent", schemas.ErrConnectionClosed, action))
		}
		return call, nil
	}

	c.logger.Debug("Action sent.",
		zap.String("request_id", req.ID),
		zap.String("action", action),
		zap.Duration("timeout", timeout))
	return call, nil
}

// ExecuteAction sends action and waits for its outcome. If ctx ends first the
// call is abandoned and ctx.Err() is returned.
//
// A host-reported failure returns both the result (Success false, Error set)
// and a *schemas.RemoteActionError.
func (c *Client) ExecuteAction(ctx context.Context, action string, params map[string]interface{}) (*schemas.ActionResult, error) {
	call, err := c.Go(ctx, action, params)
	if err != nil {
		return nil, err
	}
	return call.Wait(ctx)
}
