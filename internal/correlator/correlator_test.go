// ABOUTME: Tests for the pending-request correlator
// ABOUTME: Covers exact matching under concurrency, timeouts, late responses and mass rejection

package correlator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

// recordingSender captures sent frames and exposes them on a channel.
type recordingSender struct {
	frames chan protocol.Frame
	err    error
}

func newRecordingSender() *recordingSender {
	return &recordingSender{frames: make(chan protocol.Frame, 256)}
}

func (s *recordingSender) Send(_ context.Context, f protocol.Frame) error {
	if s.err != nil {
		return s.err
	}
	s.frames <- f
	return nil
}

func (s *recordingSender) next(t *testing.T) protocol.Frame {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return protocol.Frame{}
	}
}

func okResponse(t *testing.T, id string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewResponse(id, payload)
	require.NoError(t, err)
	return f
}

func TestCall_ResolvesWithPayload(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	type result struct {
		payload json.RawMessage
		err     error
	}
	done := make(chan result, 1)
	go func() {
		p, err := c.Call(context.Background(), "health", nil, time.Second)
		done <- result{p, err}
	}()

	req := sender.next(t)
	assert.Equal(t, protocol.TypeRequest, req.Type)
	assert.Equal(t, "health", req.Method)
	assert.NotEmpty(t, req.ID)

	assert.True(t, c.Resolve(okResponse(t, req.ID, map[string]any{"ok": "yes"})))

	res := <-done
	require.NoError(t, res.err)
	assert.JSONEq(t, `{"ok":"yes"}`, string(res.payload))
	assert.Equal(t, 0, c.Pending())
}

func TestCall_RemoteErrorIsStructured(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "chat.send", nil, time.Second)
		errCh <- err
	}()

	req := sender.next(t)
	c.Resolve(protocol.NewErrorResponse(req.ID, "INVALID_REQUEST", "bad params"))

	err := <-errCh
	var re *protocol.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "INVALID_REQUEST", re.Code)
	assert.Equal(t, "bad params", re.Message)
}

func TestCall_ConcurrentIDsResolveToTheirOwnResponses(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	const n = 50
	var wg sync.WaitGroup
	results := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload, err := c.Call(context.Background(), "echo", map[string]int{"i": i}, 5*time.Second)
			errs[i] = err
			var body struct {
				I int `json:"i"`
			}
			if err == nil {
				_ = json.Unmarshal(payload, &body)
				results[i] = fmt.Sprintf("%d", body.I)
			}
		}(i)
	}

	// Answer in reverse arrival order, echoing each request's params.
	reqs := make([]protocol.Frame, 0, n)
	for i := 0; i < n; i++ {
		reqs = append(reqs, sender.next(t))
	}
	seen := map[string]bool{}
	for i := len(reqs) - 1; i >= 0; i-- {
		require.False(t, seen[reqs[i].ID], "correlation ids must be unique")
		seen[reqs[i].ID] = true
		resp := protocol.Frame{Type: protocol.TypeResponse, ID: reqs[i].ID, Payload: reqs[i].Params}
		ok := true
		resp.OK = &ok
		require.True(t, c.Resolve(resp))
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, fmt.Sprintf("%d", i), results[i])
	}
}

func TestCall_TimeoutThenLateResponseIsNoop(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	start := time.Now()
	_, err := c.Call(context.Background(), "slow", nil, 30*time.Millisecond)
	assert.ErrorIs(t, err, protocol.ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)

	req := sender.next(t)
	assert.False(t, c.Resolve(okResponse(t, req.ID, nil)), "late response must not match")
	assert.Equal(t, 0, c.Pending())
}

func TestCall_ContextCancel(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(ctx, "slow", nil, time.Minute)
		errCh <- err
	}()
	sender.next(t)
	cancel()

	assert.ErrorIs(t, <-errCh, context.Canceled)
	assert.Equal(t, 0, c.Pending())
}

func TestCall_SendFailureRejects(t *testing.T) {
	sender := newRecordingSender()
	sender.err = errors.New("socket gone")
	c := New(sender, nil)

	_, err := c.Call(context.Background(), "health", nil, time.Second)
	assert.ErrorContains(t, err, "socket gone")
	assert.Equal(t, 0, c.Pending())
}

func TestFailAll_RejectsEveryPendingExactlyOnce(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	const n = 10
	errCh := make(chan error, n*2)
	for i := 0; i < n; i++ {
		go func() {
			_, err := c.Call(context.Background(), "wait", nil, time.Minute)
			errCh <- err
		}()
	}
	for i := 0; i < n; i++ {
		sender.next(t)
	}

	c.FailAll(protocol.ErrConnectionClosed)
	c.FailAll(protocol.ErrConnectionClosed)

	for i := 0; i < n; i++ {
		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("pending request left unresolved")
		}
	}
	select {
	case err := <-errCh:
		t.Fatalf("unexpected extra outcome: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestFailAll_RefusesNewCalls(t *testing.T) {
	c := New(newRecordingSender(), nil)
	c.FailAll(protocol.ErrConnectionClosed)

	_, err := c.Call(context.Background(), "health", nil, time.Second)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestOnResponse_RunsBeforeCallerResumes(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil)

	var hooked protocol.Frame
	done := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), "chat.send", nil, time.Second,
			OnResponse(func(f protocol.Frame) { hooked = f }))
		done <- err
	}()

	req := sender.next(t)
	c.Resolve(okResponse(t, req.ID, map[string]string{"runId": "r1"}))
	require.NoError(t, <-done)
	assert.Equal(t, req.ID, hooked.ID)
	assert.JSONEq(t, `{"runId":"r1"}`, string(hooked.Payload))
}

func TestCall_DuplicateIDRejected(t *testing.T) {
	sender := newRecordingSender()
	c := New(sender, nil, WithIDGenerator(func() string { return "fixed" }))

	go func() { _, _ = c.Call(context.Background(), "first", nil, time.Minute) }()
	sender.next(t)

	_, err := c.Call(context.Background(), "second", nil, time.Minute)
	assert.ErrorContains(t, err, "duplicate correlation id")
	c.FailAll(protocol.ErrConnectionClosed)
}
