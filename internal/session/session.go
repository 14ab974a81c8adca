// ABOUTME: One authenticated-or-authenticating socket with its pending requests and active runs
// ABOUTME: Runs the read loop and keepalive; on exit rejects everything still outstanding

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/littlebotshi/openclaw-glasses/internal/correlator"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
	"github.com/littlebotshi/openclaw-glasses/internal/runs"
	"github.com/littlebotshi/openclaw-glasses/internal/transport"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultWriteTimeout = 10 * time.Second
)

// ErrSessionClosed is the cause recorded when the session was closed locally.
var ErrSessionClosed = errors.New("session closed")

// Session owns a connection for its whole life. A reconnect creates a new one.
type Session struct {
	conn       transport.Conn
	correlator *correlator.Correlator
	runs       *runs.Tracker
	challenges chan protocol.ChallengePayload
	base       *slog.Logger
	logger     *slog.Logger

	pingInterval time.Duration
	writeTimeout time.Duration
	onEvent      func(protocol.Frame)

	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
	err       error
	startOnce sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithPingInterval sets the keepalive interval. Zero or less disables pings.
func WithPingInterval(d time.Duration) Option {
	return func(s *Session) { s.pingInterval = d }
}

// WithEventHandler receives events that are neither challenges nor run events.
// fn runs on the read loop and must not block.
func WithEventHandler(fn func(protocol.Frame)) Option {
	return func(s *Session) { s.onEvent = fn }
}

// WithCorrelatorOptions passes options to the session's correlator.
func WithCorrelatorOptions(opts ...correlator.Option) Option {
	return func(s *Session) {
		s.correlator = correlator.New(s, s.base, opts...)
	}
}

// New wraps conn. Call Start to begin reading. Pass nil logger for default.
func New(conn transport.Conn, logger *slog.Logger, opts ...Option) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:         conn,
		challenges:   make(chan protocol.ChallengePayload, 1),
		base:         logger,
		logger:       logger.With("component", "session"),
		pingInterval: defaultPingInterval,
		writeTimeout: defaultWriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	s.correlator = correlator.New(s, logger)
	s.runs = runs.NewTracker(logger)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the read loop and keepalive. Calling it again is a no-op.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		go s.readLoop()
		if s.pingInterval > 0 {
			go s.pingLoop()
		}
	})
}

// Send encodes and writes one frame. ctx only gates whether the write starts;
// the write runs under the session's deadline, so a caller giving up never
// cuts a frame short and closes the socket for everyone.
func (s *Session) Send(ctx context.Context, frame protocol.Frame) error {
	select {
	case <-s.done:
		return protocol.ErrConnectionClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(s.ctx, s.writeTimeout)
	defer cancel()
	if err := s.conn.Write(writeCtx, data); err != nil {
		s.Close(fmt.Errorf("write: %w", err))
		return fmt.Errorf("%w: %w", protocol.ErrConnectionClosed, err)
	}
	return nil
}

// Call sends a correlated request and waits for its response.
func (s *Session) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	return s.correlator.Call(ctx, method, params, timeout)
}

// Correlator returns the session's pending-request table.
func (s *Session) Correlator() *correlator.Correlator { return s.correlator }

// Runs returns the session's run tracker.
func (s *Session) Runs() *runs.Tracker { return s.runs }

// Challenges delivers connect.challenge payloads. Only the latest unread
// challenge is kept.
func (s *Session) Challenges() <-chan protocol.ChallengePayload { return s.challenges }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns why the session ended, or nil while it is live.
func (s *Session) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the session with cause and rejects all outstanding work with
// protocol.ErrConnectionClosed. Only the first cause is kept.
func (s *Session) Close(cause error) {
	s.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrSessionClosed
		}
		s.err = cause
		s.cancel()
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("closing connection", "error", err)
		}
		s.correlator.FailAll(protocol.ErrConnectionClosed)
		s.runs.FailAll(protocol.ErrConnectionClosed)
		close(s.done)
		s.logger.Info("session ended", "cause", cause)
	})
}

func (s *Session) readLoop() {
	for {
		data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.Close(fmt.Errorf("read: %w", err))
			return
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		s.dispatch(frame)
	}
}

// dispatch routes one frame. Nothing here waits on a caller.
func (s *Session) dispatch(frame protocol.Frame) {
	switch frame.Type {
	case protocol.TypeResponse:
		s.correlator.Resolve(frame)

	case protocol.TypeEvent:
		switch frame.Event {
		case protocol.EventConnectChallenge:
			var c protocol.ChallengePayload
			if err := json.Unmarshal(frame.Payload, &c); err != nil {
				s.logger.Warn("malformed challenge", "error", err)
				return
			}
			s.offerChallenge(c)
		case protocol.EventTick:
		default:
			if s.runs.Dispatch(frame) {
				return
			}
			if s.onEvent != nil {
				s.onEvent(frame)
			}
		}

	case protocol.TypeRequest:
		s.logger.Debug("ignoring gateway request", "method", frame.Method)
	}
}

// offerChallenge replaces any unread challenge with c.
func (s *Session) offerChallenge(c protocol.ChallengePayload) {
	for {
		select {
		case s.challenges <- c:
			return
		default:
		}
		select {
		case <-s.challenges:
		default:
		}
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.ctx, s.pingInterval)
			err := s.conn.Ping(ctx)
			cancel()
			if err != nil {
				s.Close(fmt.Errorf("keepalive: %w", err))
				return
			}
		}
	}
}
