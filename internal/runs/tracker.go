// ABOUTME: Aggregates streamed agent/chat events into one result per server-assigned run id
// ABOUTME: Cumulative text overwrites, a final chat event resolves, a per-run deadline rejects

package runs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/littlebotshi/openclaw-glasses/internal/dedupe"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

// NoResponseText is shown in place of a run that finished without content.
const NoResponseText = "(no response)"

// Remote error codes for runs the gateway ended unsuccessfully.
const (
	CodeRunError   = "RUN_ERROR"
	CodeRunAborted = "RUN_ABORTED"
)

// Chat event states.
const (
	StateFinal   = "final"
	StateError   = "error"
	StateAborted = "aborted"
)

// StreamAssistant is the agent event stream carrying reply text.
const StreamAssistant = "assistant"

const (
	defaultClosedTTL   = 10 * time.Minute
	defaultClosedLimit = 4096
	defaultOrphanTTL   = 30 * time.Second
	maxOrphanRuns      = 64
	maxOrphanEvents    = 256
)

// Result is the outcome of a finished run.
type Result struct {
	RunID string
	Text  string

	// NoResponse is set when the run finished without any content event.
	NoResponse bool
}

// String returns the text, or NoResponseText for an empty run.
func (r Result) String() string {
	if r.NoResponse {
		return NoResponseText
	}
	return r.Text
}

// Run is one tracked run. It settles exactly once.
type Run struct {
	ID string

	tracker *Tracker
	timer   *time.Timer
	text    string
	gotText bool

	done   chan struct{}
	result Result
	err    error
}

// Wait blocks until the run finishes, fails, or ctx is done. A cancelled
// wait stops tracking the run.
func (r *Run) Wait(ctx context.Context) (Result, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		r.tracker.finish(r, Result{}, ctx.Err())
		<-r.done
		return r.result, r.err
	}
}

// Done is closed once the run has settled.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

// bufferedEvent is an event that arrived before its run was tracked.
type bufferedEvent struct {
	event   string
	payload json.RawMessage
}

type orphan struct {
	firstSeen time.Time
	events    []bufferedEvent
}

// Tracker owns the active runs of one connection.
type Tracker struct {
	logger    *slog.Logger
	now       func() time.Time
	orphanTTL time.Duration

	mu      sync.Mutex
	active  map[string]*Run
	orphans map[string]*orphan
	closed  *dedupe.Cache
	failed  error
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithOrphanTTL sets how long events for an untracked run are held.
func WithOrphanTTL(d time.Duration) Option {
	return func(t *Tracker) { t.orphanTTL = d }
}

// NewTracker creates an empty Tracker. Pass nil logger for default.
func NewTracker(logger *slog.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		logger:    logger.With("component", "runs"),
		now:       time.Now,
		orphanTTL: defaultOrphanTTL,
		active:    make(map[string]*Run),
		orphans:   make(map[string]*orphan),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.closed = dedupe.New(defaultClosedTTL, defaultClosedLimit, dedupe.WithClock(t.now))
	return t
}

// Track starts tracking runID. Events buffered for it are replayed in arrival
// order. Tracking an id that is already active returns the existing run.
func (t *Tracker) Track(runID string, timeout time.Duration) *Run {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.active[runID]; ok {
		return r
	}

	r := &Run{ID: runID, tracker: t, done: make(chan struct{})}
	if t.failed != nil {
		r.err = t.failed
		close(r.done)
		return r
	}
	t.active[runID] = r
	t.closed.Forget(runID)

	if o, ok := t.orphans[runID]; ok {
		delete(t.orphans, runID)
		t.logger.Debug("replaying early events", "run_id", runID, "count", len(o.events))
		for _, ev := range o.events {
			t.applyLocked(r, ev.event, ev.payload)
			if t.active[runID] != r {
				return r
			}
		}
	}

	if timeout > 0 {
		r.timer = time.AfterFunc(timeout, func() {
			t.finish(r, Result{}, fmt.Errorf("run %s: %w", runID, protocol.ErrStreamTimeout))
		})
	}
	return r
}

// Dispatch routes an agent or chat event to its run. It reports whether the
// frame was a run event. It never blocks on a waiting caller.
func (t *Tracker) Dispatch(frame protocol.Frame) bool {
	if frame.Type != protocol.TypeEvent {
		return false
	}
	if frame.Event != protocol.EventAgent && frame.Event != protocol.EventChat {
		return false
	}
	runID := gjson.GetBytes(frame.Payload, "runId").String()
	if runID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.active[runID]; ok {
		t.applyLocked(r, frame.Event, frame.Payload)
		return true
	}
	if t.closed.Check(runID) {
		t.logger.Debug("ignoring event for closed run", "run_id", runID, "event", frame.Event)
		return true
	}
	t.bufferLocked(runID, frame.Event, frame.Payload)
	return true
}

// FailAll rejects every active run with err and refuses new runs.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	if t.failed == nil {
		t.failed = err
	}
	active := make([]*Run, 0, len(t.active))
	for _, r := range t.active {
		active = append(active, r)
	}
	t.orphans = make(map[string]*orphan)
	t.mu.Unlock()

	for _, r := range active {
		t.finish(r, Result{}, fmt.Errorf("run %s: %w", r.ID, err))
	}
}

// Active returns the number of runs being tracked.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// applyLocked must be called with mu held.
func (t *Tracker) applyLocked(r *Run, event string, payload json.RawMessage) {
	switch event {
	case protocol.EventAgent:
		if gjson.GetBytes(payload, "stream").String() != StreamAssistant {
			return
		}
		text := gjson.GetBytes(payload, "data.text")
		if !text.Exists() || text.Type == gjson.Null {
			return
		}
		// The gateway sends the whole reply so far, not a delta.
		r.text = text.String()
		r.gotText = true

	case protocol.EventChat:
		switch gjson.GetBytes(payload, "state").String() {
		case StateFinal:
			res := Result{RunID: r.ID, Text: r.text, NoResponse: !r.gotText || r.text == ""}
			t.finishLocked(r, res, nil)
		case StateError:
			msg := gjson.GetBytes(payload, "errorMessage").String()
			if msg == "" {
				msg = "run failed"
			}
			t.finishLocked(r, Result{}, &protocol.RemoteError{Code: CodeRunError, Message: msg})
		case StateAborted:
			t.finishLocked(r, Result{}, &protocol.RemoteError{Code: CodeRunAborted, Message: "run aborted"})
		}
	}
}

func (t *Tracker) finish(r *Run, res Result, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishLocked(r, res, err)
}

// finishLocked settles r if it is still the active run for its id.
func (t *Tracker) finishLocked(r *Run, res Result, err error) {
	if t.active[r.ID] != r {
		return
	}
	delete(t.active, r.ID)
	t.closed.Mark(r.ID)
	if r.timer != nil {
		r.timer.Stop()
	}
	r.result = res
	r.err = err
	close(r.done)

	if err != nil {
		t.logger.Debug("run failed", "run_id", r.ID, "error", err)
	} else {
		t.logger.Debug("run finished", "run_id", r.ID, "no_response", res.NoResponse, "chars", len(res.Text))
	}
}

// bufferLocked holds an event for a run that is not tracked yet.
func (t *Tracker) bufferLocked(runID, event string, payload json.RawMessage) {
	now := t.now()
	for id, o := range t.orphans {
		if now.Sub(o.firstSeen) >= t.orphanTTL {
			delete(t.orphans, id)
		}
	}

	o, ok := t.orphans[runID]
	if !ok {
		if len(t.orphans) >= maxOrphanRuns {
			t.logger.Debug("dropping event for untracked run, buffer full", "run_id", runID)
			return
		}
		o = &orphan{firstSeen: now}
		t.orphans[runID] = o
	}
	if len(o.events) >= maxOrphanEvents {
		return
	}
	// Payload may alias the read buffer.
	cp := make(json.RawMessage, len(payload))
	copy(cp, payload)
	o.events = append(o.events, bufferedEvent{event: event, payload: cp})
}
