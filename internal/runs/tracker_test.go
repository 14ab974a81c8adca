// ABOUTME: Tests for run event aggregation
// ABOUTME: Covers overwrite semantics, finality, timeouts, late events, early-event replay and mass rejection

package runs

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

func event(t *testing.T, name string, payload any) protocol.Frame {
	t.Helper()
	f, err := protocol.NewEvent(name, payload)
	require.NoError(t, err)
	return f
}

func assistant(t *testing.T, runID, text string) protocol.Frame {
	return event(t, protocol.EventAgent, map[string]any{
		"runId":  runID,
		"stream": StreamAssistant,
		"data":   map[string]any{"text": text},
	})
}

func chatState(t *testing.T, runID, state string) protocol.Frame {
	return event(t, protocol.EventChat, map[string]any{"runId": runID, "state": state})
}

func waitResult(t *testing.T, r *Run) (Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return r.Wait(ctx)
}

func TestRun_CumulativeTextOverwrites(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", time.Second)

	assert.True(t, tr.Dispatch(assistant(t, "r1", "He")))
	assert.True(t, tr.Dispatch(assistant(t, "r1", "Hello")))
	assert.True(t, tr.Dispatch(assistant(t, "r1", "Hello world")))
	assert.True(t, tr.Dispatch(chatState(t, "r1", StateFinal)))

	res, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "Hello world", res.Text)
	assert.Equal(t, "r1", res.RunID)
	assert.False(t, res.NoResponse)
	assert.Equal(t, "Hello world", res.String())
	assert.Equal(t, 0, tr.Active())
}

func TestRun_FinalWithoutContentIsNoResponse(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", time.Second)
	tr.Dispatch(chatState(t, "r1", StateFinal))

	res, err := waitResult(t, r)
	require.NoError(t, err)
	assert.True(t, res.NoResponse)
	assert.Equal(t, NoResponseText, res.String())
}

func TestRun_MatchesOnlyByRunID(t *testing.T) {
	tr := NewTracker(nil)
	a := tr.Track("a", time.Second)
	b := tr.Track("b", time.Second)

	tr.Dispatch(assistant(t, "a", "for a"))
	tr.Dispatch(assistant(t, "b", "for b"))
	tr.Dispatch(chatState(t, "b", StateFinal))
	tr.Dispatch(chatState(t, "a", StateFinal))

	resA, err := waitResult(t, a)
	require.NoError(t, err)
	resB, err := waitResult(t, b)
	require.NoError(t, err)
	assert.Equal(t, "for a", resA.Text)
	assert.Equal(t, "for b", resB.Text)
}

func TestRun_IgnoresOtherStreamsAndStates(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", time.Second)

	tr.Dispatch(event(t, protocol.EventAgent, map[string]any{
		"runId": "r1", "stream": "tool", "data": map[string]any{"text": "ignored"},
	}))
	tr.Dispatch(chatState(t, "r1", "delta"))
	tr.Dispatch(assistant(t, "r1", "kept"))
	assert.Equal(t, 1, tr.Active())

	tr.Dispatch(chatState(t, "r1", StateFinal))
	res, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "kept", res.Text)
}

func TestDispatch_NonRunFrames(t *testing.T) {
	tr := NewTracker(nil)
	assert.False(t, tr.Dispatch(event(t, protocol.EventTick, map[string]any{"ts": 1})))
	assert.False(t, tr.Dispatch(event(t, protocol.EventAgent, map[string]any{"stream": "assistant"})))
	assert.False(t, tr.Dispatch(protocol.Frame{Type: protocol.TypeResponse, ID: "x"}))
}

func TestRun_TimeoutThenLateEventsIgnored(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", 30*time.Millisecond)

	_, err := waitResult(t, r)
	assert.ErrorIs(t, err, protocol.ErrStreamTimeout)
	assert.Equal(t, 0, tr.Active())

	assert.True(t, tr.Dispatch(assistant(t, "r1", "too late")))
	assert.True(t, tr.Dispatch(chatState(t, "r1", StateFinal)))
	assert.Equal(t, 0, tr.Active())

	res, err := r.Wait(context.Background())
	assert.ErrorIs(t, err, protocol.ErrStreamTimeout)
	assert.Empty(t, res.Text)
}

func TestRun_ErrorAndAbortedStates(t *testing.T) {
	tr := NewTracker(nil)
	failed := tr.Track("f", time.Second)
	aborted := tr.Track("a", time.Second)

	tr.Dispatch(event(t, protocol.EventChat, map[string]any{
		"runId": "f", "state": StateError, "errorMessage": "model overloaded",
	}))
	tr.Dispatch(chatState(t, "a", StateAborted))

	_, err := waitResult(t, failed)
	var re *protocol.RemoteError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, CodeRunError, re.Code)
	assert.Equal(t, "model overloaded", re.Message)

	_, err = waitResult(t, aborted)
	assert.True(t, protocol.HasCode(err, CodeRunAborted))
}

func TestTrack_ReplaysEarlyEvents(t *testing.T) {
	tr := NewTracker(nil)
	tr.Dispatch(assistant(t, "r1", "early"))
	tr.Dispatch(assistant(t, "r1", "early bird"))

	r := tr.Track("r1", time.Second)
	tr.Dispatch(chatState(t, "r1", StateFinal))

	res, err := waitResult(t, r)
	require.NoError(t, err)
	assert.Equal(t, "early bird", res.Text)
}

func TestTrack_ReplayIncludingFinalSettlesImmediately(t *testing.T) {
	tr := NewTracker(nil)
	tr.Dispatch(assistant(t, "r1", "done already"))
	tr.Dispatch(chatState(t, "r1", StateFinal))

	r := tr.Track("r1", time.Second)
	select {
	case <-r.Done():
	default:
		t.Fatal("run should settle during replay")
	}
	res, err := r.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done already", res.Text)
}

func TestTrack_ExpiredEarlyEventsDropped(t *testing.T) {
	now := time.Unix(1000, 0)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	tr := NewTracker(nil, WithClock(clock), WithOrphanTTL(time.Second))

	tr.Dispatch(assistant(t, "old", "stale"))
	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	// Buffering another event prunes expired entries.
	tr.Dispatch(assistant(t, "other", "x"))

	r := tr.Track("old", time.Second)
	tr.Dispatch(chatState(t, "old", StateFinal))
	res, err := waitResult(t, r)
	require.NoError(t, err)
	assert.True(t, res.NoResponse)
}

func TestWait_ContextCancelStopsTracking(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, tr.Active())
}

func TestFailAll_RejectsActiveRuns(t *testing.T) {
	tr := NewTracker(nil)
	r1 := tr.Track("r1", time.Minute)
	r2 := tr.Track("r2", time.Minute)

	tr.FailAll(protocol.ErrConnectionClosed)

	_, err := waitResult(t, r1)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
	_, err = waitResult(t, r2)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)

	r3 := tr.Track("r3", time.Minute)
	_, err = waitResult(t, r3)
	assert.ErrorIs(t, err, protocol.ErrConnectionClosed)
}

func TestTrack_SameIDReturnsSameRun(t *testing.T) {
	tr := NewTracker(nil)
	r := tr.Track("r1", time.Minute)
	assert.Same(t, r, tr.Track("r1", time.Minute))
	tr.FailAll(protocol.ErrConnectionClosed)
}
