// Package correlator pairs replies with the requests that caused them.
//
// Each pending entry is removed from the table exactly once, under the lock,
// and only the path that removed it settles the call. Replies, timeouts,
// caller cancellation and drains therefore never deliver twice.
package correlator

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/mcpdriver/api/schemas"
	"github.com/xkilldash9x/mcpdriver/internal/metrics"
	"github.com/xkilldash9x/mcpdriver/internal/wire"
)

type entry struct {
	call  *Call
	desc  wire.ActionDescriptor
	timer *time.Timer
}

// Correlator owns the pending table of one client.
type Correlator struct {
	logger  *zap.Logger
	metrics metrics.Metrics

	seq atomic.Uint64

	mu      sync.Mutex
	pending map[string]*entry
}

// New creates an empty correlator. A nil logger or metrics is replaced with a
// no-op implementation.
func New(logger *zap.Logger, m metrics.Metrics) *Correlator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNoopMetrics()
	}
	return &Correlator{
		logger:  logger.Named("correlator"),
		metrics: m,
		pending: make(map[string]*entry),
	}
}

// NextID returns the next request id. Ids increase monotonically for the
// lifetime of the correlator and are never reused.
func (c *Correlator) NextID() string {
	return strconv.FormatUint(c.seq.Add(1), 10)
}

// Register stores req as pending and returns its future. If req carries a
// deadline, a timer rejects the call with schemas.ErrTimeout when it passes.
func (c *Correlator) Register(req *wire.Request, desc wire.ActionDescriptor) (*Call, error) {
	call := newCall(req, c.Reject)
	e := &entry{call: call, desc: desc}

	c.mu.Lock()
	if _, exists := c.pending[req.ID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: request id %s is already pending", schemas.ErrProtocol, req.ID)
	}
	c.pending[req.ID] = e
	if req.HasDeadline() {
		id := req.ID
		after := time.Until(req.Deadline)
		e.timer = time.AfterFunc(after, func() {
			c.expire(id, after)
		})
	}
	n := len(c.pending)
	c.mu.Unlock()

	c.metrics.SetPending(n)
	return call, nil
}

// Settle delivers a decoded reply to its call. It returns false when no call
// is waiting for resp.ID, in which case the reply is discarded.
func (c *Correlator) Settle(resp *wire.Response) bool {
	e := c.remove(resp.ID)
	if e == nil {
		c.logger.Warn("Discarding reply with no pending request.", zap.String("request_id", resp.ID))
		c.metrics.IncrementAnomaly(metrics.AnomalyUnmatched)
		return false
	}

	result, err := wire.DecodeResult(e.desc, resp)
	if err != nil && !errors.Is(err, schemas.ErrRemoteAction) {
		c.logger.Warn("Reply could not be decoded for its action.",
			zap.String("request_id", resp.ID),
			zap.String("action", e.desc.Name),
			zap.Error(err))
		c.metrics.IncrementAnomaly(metrics.AnomalyMalformed)
	}
	c.finish(e, result, err)
	return true
}

// Reject fails one pending call with err. It returns false if the call had
// already settled.
func (c *Correlator) Reject(id string, err error) bool {
	e := c.remove(id)
	if e == nil {
		return false
	}
	c.finish(e, nil, err)
	return true
}

// Drain rejects every pending call with err and returns how many it failed.
func (c *Correlator) Drain(err error) int {
	c.mu.Lock()
	drained := make([]*entry, 0, len(c.pending))
	for id, e := range c.pending {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(c.pending, id)
		drained = append(drained, e)
	}
	c.mu.Unlock()

	c.metrics.SetPending(0)
	for _, e := range drained {
		c.finish(e, nil, err)
	}
	if len(drained) > 0 {
		c.logger.Debug("Drained pending requests.", zap.Int("count", len(drained)), zap.Error(err))
	}
	return len(drained)
}

// Len reports the number of pending calls.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) expire(id string, after time.Duration) {
	e := c.remove(id)
	if e == nil {
		return
	}
	c.logger.Debug("Request timed out.", zap.String("request_id", id), zap.String("action", e.desc.Name), zap.Duration("after", after))
	c.finish(e, nil, fmt.Errorf("%w: %s (id %s) got no reply within %s", schemas.ErrTimeout, e.desc.Name, id, after))
}

func (c *Correlator) remove(id string) *entry {
	c.mu.Lock()
	e, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
		if e.timer != nil {
			e.timer.Stop()
		}
	}
	n := len(c.pending)
	c.mu.Unlock()

	if !ok {
		return nil
	}
	c.metrics.SetPending(n)
	return e
}

func (c *Correlator) finish(e *entry, result *schemas.ActionResult, err error) {
	c.metrics.ObserveAction(e.desc.Name, Outcome(err), e.call.Elapsed().Seconds())
	e.call.settle(result, err)
}

// Outcome maps a settlement error to its metrics label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, schemas.ErrRemoteAction):
		return metrics.OutcomeRemote
	case errors.Is(err, schemas.ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, schemas.ErrConnectionClosed):
		return metrics.OutcomeClosed
	}
	return metrics.OutcomeError
}
