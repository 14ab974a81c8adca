// ABOUTME: Connection lifecycle loop: dial, authenticate, serve, back off, retry
// ABOUTME: Exposes only the lifecycle state; waiters block until a session is live

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/littlebotshi/openclaw-glasses/internal/handshake"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
	"github.com/littlebotshi/openclaw-glasses/internal/session"
	"github.com/littlebotshi/openclaw-glasses/internal/transport"
)

// ErrStopped is returned by Await after Stop.
var ErrStopped = errors.New("supervisor stopped")

// State is the observable lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Authenticator runs the handshake over a fresh session.
type Authenticator interface {
	Authenticate(ctx context.Context, challenges <-chan protocol.ChallengePayload, caller handshake.Caller) (*protocol.HelloPayload, error)
}

// Config wires the supervisor's collaborators.
type Config struct {
	URL            string
	Dialer         transport.Dialer
	Authenticator  Authenticator
	Backoff        *Backoff
	SessionOptions []session.Option

	// OnState is called from the loop goroutine on every transition.
	OnState func(State)
	Logger  *slog.Logger
	Now     func() time.Time
}

// Supervisor keeps one authenticated session alive.
type Supervisor struct {
	cfg     Config
	logger  *slog.Logger
	backoff *Backoff
	now     func() time.Time

	mu        sync.Mutex
	state     State
	current   *session.Session
	hello     *protocol.HelloPayload
	parked    error
	authErr   error
	authGen   uint64
	changed   chan struct{}
	running   bool
	restart   bool
	stopped   bool
	cancel    context.CancelFunc
	loopDone  chan struct{}
	lastCause error
}

// New creates a stopped Supervisor.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := cfg.Backoff
	if b == nil {
		b = NewBackoff(0, 0, 0)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		cfg:     cfg,
		logger:  logger.With("component", "supervisor"),
		backoff: b,
		now:     now,
		changed: make(chan struct{}),
	}
}

// Start launches the connect loop unless it is already running. After a
// pairing-required stop, Start clears the condition and tries again.
func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.running {
		// A pairing rejection from the attempt in flight must not park the loop.
		s.restart = true
		return
	}
	s.running = true
	s.parked = nil
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.loopDone = make(chan struct{})
	go s.loop(ctx, s.loopDone)
}

// Await blocks until a live session is connected, the loop parks on pairing,
// an authentication attempt that finished after Await began was rejected,
// or ctx is done. Transport failures are retried without surfacing.
func (s *Supervisor) Await(ctx context.Context) (*session.Session, error) {
	s.mu.Lock()
	startGen := s.authGen
	s.mu.Unlock()

	for {
		s.mu.Lock()
		switch {
		case s.stopped:
			s.mu.Unlock()
			return nil, ErrStopped
		case s.state == StateConnected && s.current != nil && !ended(s.current):
			sess := s.current
			s.mu.Unlock()
			return sess, nil
		case s.parked != nil:
			err := s.parked
			s.mu.Unlock()
			return nil, err
		case s.authGen != startGen:
			err := s.authErr
			s.mu.Unlock()
			return nil, err
		}
		changed := s.changed
		s.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ended reports whether sess has closed but the loop has not yet moved off it.
func ended(sess *session.Session) bool {
	select {
	case <-sess.Done():
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Hello returns the gateway hello of the live session, or nil.
func (s *Supervisor) Hello() *protocol.HelloPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil
	}
	return s.hello
}

// LastError returns the most recent connection failure, for status display.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCause
}

// Stop ends the loop and closes the live session. It is terminal.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	done := s.loopDone
	running := s.running
	s.notifyLocked()
	s.mu.Unlock()

	if running && cancel != nil {
		cancel()
		<-done
	}
}

func (s *Supervisor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		s.mu.Lock()
		if s.loopDone == done {
			s.running = false
		}
		s.mu.Unlock()
	}()

	for {
		err := s.connectOnce(ctx)
		if ctx.Err() != nil {
			s.setState(StateDisconnected, nil, nil)
			return
		}
		if errors.Is(err, handshake.ErrPairingRequired) && !s.takeRestart() {
			s.logger.Warn("device is not paired; approve it on the gateway, then connect again", "error", err)
			s.mu.Lock()
			s.parked = err
			s.lastCause = err
			s.running = false
			s.mu.Unlock()
			s.setState(StateDisconnected, nil, nil)
			return
		}

		delay := s.backoff.Next(s.now())
		s.logger.Info("reconnecting", "in", delay, "attempt", s.backoff.Attempt(), "cause", err)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// takeRestart reports and clears a Start that arrived while the loop ran.
func (s *Supervisor) takeRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.restart
	s.restart = false
	return r
}

// connectOnce dials, authenticates and serves one session until it ends.
func (s *Supervisor) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	s.restart = false
	s.mu.Unlock()
	s.setState(StateConnecting, nil, nil)
	conn, err := s.cfg.Dialer.Dial(ctx, s.cfg.URL)
	if err != nil {
		s.recordFailure(err, false)
		s.setState(StateDisconnected, nil, nil)
		return err
	}

	sess := session.New(conn, s.cfg.Logger, s.cfg.SessionOptions...)
	sess.Start()

	s.setState(StateAuthenticating, nil, nil)
	hello, err := s.authenticate(ctx, sess)
	if err != nil {
		sess.Close(fmt.Errorf("handshake: %w", err))
		s.recordFailure(err, isAuthError(err))
		s.setState(StateDisconnected, nil, nil)
		return err
	}

	s.backoff.Connected(s.now())
	s.setState(StateConnected, sess, hello)

	select {
	case <-sess.Done():
	case <-ctx.Done():
		sess.Close(ErrStopped)
	}
	cause := sess.Err()
	s.recordFailure(cause, false)
	s.setState(StateDisconnected, nil, nil)
	s.logger.Warn("disconnected from gateway", "cause", cause)
	return cause
}

// authenticate runs the handshake on sess. The handshake context ends with
// the session, so a socket that drops before the gateway answers is reported
// as protocol.ErrConnectionClosed and retried, not as an auth failure.
func (s *Supervisor) authenticate(ctx context.Context, sess *session.Session) (*protocol.HelloPayload, error) {
	authCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-authCtx.Done():
		}
	}()

	hello, err := s.cfg.Authenticator.Authenticate(authCtx, sess.Challenges(), sess)
	if err == nil {
		return hello, nil
	}
	// A rejection the gateway sent before hanging up stays an auth failure.
	if errors.Is(err, handshake.ErrAuthFailed) || errors.Is(err, handshake.ErrPairingRequired) {
		return nil, err
	}
	if cause := sess.Err(); cause != nil && ctx.Err() == nil {
		return nil, fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, cause)
	}
	return nil, err
}

func (s *Supervisor) recordFailure(err error, auth bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCause = err
	if auth {
		s.authErr = err
		s.authGen++
		s.notifyLocked()
	}
}

func (s *Supervisor) setState(state State, sess *session.Session, hello *protocol.HelloPayload) {
	s.mu.Lock()
	prev := s.state
	s.state = state
	s.current = sess
	s.hello = hello
	s.notifyLocked()
	s.mu.Unlock()

	if prev != state {
		s.logger.Debug("state changed", "from", prev.String(), "to", state.String())
		if s.cfg.OnState != nil {
			s.cfg.OnState(state)
		}
	}
}

// notifyLocked wakes every Await call. mu must be held.
func (s *Supervisor) notifyLocked() {
	close(s.changed)
	s.changed = make(chan struct{})
}

// isAuthError reports whether err came from the gateway rejecting us rather
// than from the transport.
func isAuthError(err error) bool {
	return errors.Is(err, handshake.ErrAuthFailed) ||
		errors.Is(err, handshake.ErrPairingRequired) ||
		errors.Is(err, handshake.ErrChallengeTimeout) ||
		errors.Is(err, handshake.ErrNonceReplayed)
}
