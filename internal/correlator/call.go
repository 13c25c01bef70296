package correlator

import (
	"context"
	"time"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

// Call is the future for one in-flight action. It settles exactly once, with
// either a result or an error.
type Call struct {
	ID      string
	Action  string
	Request *wire.Request

	done   chan struct{}
	result *schemas.ActionResult
	err    error

	withdraw func(id string, err error) bool
}

func newCall(req *wire.Request, withdraw func(string, error) bool) *Call {
	return &Call{
		ID:       req.ID,
		Action:   req.Action,
		Request:  req,
		done:     make(chan struct{}),
		withdraw: withdraw,
	}
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Result returns the settled outcome. It must only be read after Done is
// closed; before that it returns (nil, nil).
func (c *Call) Result() (*schemas.ActionResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	default:
		return nil, nil
	}
}

// Wait blocks until the call settles or ctx ends. When ctx ends first the call
// is withdrawn from the pending table and ctx.Err() is returned; if a reply
// won the race, that reply is returned instead.
func (c *Call) Wait(ctx context.Context) (*schemas.ActionResult, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
	}
	if c.withdraw != nil {
		c.withdraw(c.ID, ctx.Err())
	}
	<-c.done
	return c.result, c.err
}

// Elapsed is the time since the request was issued.
func (c *Call) Elapsed() time.Duration {
	if c.Request == nil || c.Request.IssuedAt.IsZero() {
		return 0
	}
	return time.Since(c.Request.IssuedAt)
}

// settle is only ever called by whoever removed the call from the table.
func (c *Call) settle(result *schemas.ActionResult, err error) {
	c.result = result
	c.err = err
	close(c.done)
}
