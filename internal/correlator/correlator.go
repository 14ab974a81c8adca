// ABOUTME: Pending-request table matching responses to in-flight requests by correlation id
// ABOUTME: Each record owns its deadline timer; exactly one terminal outcome per id

package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

// Sender writes an encoded frame to the connection.
type Sender interface {
	Send(ctx context.Context, frame protocol.Frame) error
}

// outcome is the single terminal result delivered to a waiting caller.
type outcome struct {
	payload json.RawMessage
	err     error
}

// pending is one in-flight request. done has capacity 1 so the goroutine that
// settles the record never blocks.
type pending struct {
	method     string
	timer      *time.Timer
	done       chan outcome
	onResponse func(protocol.Frame)
}

// Correlator tracks in-flight requests for one connection.
type Correlator struct {
	sender Sender
	newID  func() string
	logger *slog.Logger

	mu      sync.Mutex
	pending map[string]*pending
	closed  error
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithIDGenerator overrides the correlation id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) { c.newID = fn }
}

// New creates a Correlator writing through sender. Pass nil logger for default.
func New(sender Sender, logger *slog.Logger, opts ...Option) *Correlator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Correlator{
		sender:  sender,
		newID:   func() string { return uuid.New().String() },
		logger:  logger.With("component", "correlator"),
		pending: make(map[string]*pending),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CallOption configures a single call.
type CallOption func(*pending)

// OnResponse registers fn to run on the dispatch path when the matching
// response arrives, before the caller is resumed. fn must not block.
func OnResponse(fn func(protocol.Frame)) CallOption {
	return func(p *pending) { p.onResponse = fn }
}

// Call sends a request and waits for its response, the timeout, or ctx.
// A failed response is returned as *protocol.RemoteError.
func (c *Correlator) Call(ctx context.Context, method string, params any, timeout time.Duration, opts ...CallOption) (json.RawMessage, error) {
	id := c.newID()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	p := &pending{method: method, done: make(chan outcome, 1)}
	for _, opt := range opts {
		opt(p)
	}

	c.mu.Lock()
	if c.closed != nil {
		err := c.closed
		c.mu.Unlock()
		return nil, err
	}
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("duplicate correlation id %q", id)
	}
	c.pending[id] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			c.settle(id, outcome{err: fmt.Errorf("%s: %w", method, protocol.ErrRequestTimeout)})
		})
	}
	c.mu.Unlock()

	if err := c.sender.Send(ctx, frame); err != nil {
		c.settle(id, outcome{err: fmt.Errorf("sending %s: %w", method, err)})
	} else {
		c.logger.Debug("request sent", "id", id, "method", method)
	}

	select {
	case out := <-p.done:
		return out.payload, out.err
	case <-ctx.Done():
		if c.settle(id, outcome{err: ctx.Err()}) {
			return nil, ctx.Err()
		}
		// Settled concurrently; the outcome is already buffered.
		out := <-p.done
		return out.payload, out.err
	}
}

// Resolve settles the request matching a response frame. It reports whether a
// pending request matched; unmatched (late or unknown) responses are dropped.
func (c *Correlator) Resolve(frame protocol.Frame) bool {
	c.mu.Lock()
	p, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("dropping response for unknown request", "id", frame.ID)
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	if p.onResponse != nil {
		p.onResponse(frame)
	}
	if frame.Succeeded() {
		p.done <- outcome{payload: frame.Payload}
	} else {
		p.done <- outcome{err: frame.Err()}
	}
	return true
}

// FailAll rejects every pending request with err and refuses new calls.
func (c *Correlator) FailAll(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	drained := c.pending
	c.pending = make(map[string]*pending)
	c.mu.Unlock()

	for id, p := range drained {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.done <- outcome{err: fmt.Errorf("%s: %w", p.method, err)}
		c.logger.Debug("request rejected", "id", id, "method", p.method, "error", err)
	}
}

// Pending returns the number of in-flight requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// settle removes id and delivers out. Only the caller that removes the entry
// delivers, which makes the outcome exactly-once.
func (c *Correlator) settle(id string, out outcome) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.done <- out
	return true
}
