// ABOUTME: Gateway client facade: one supervised connection shared by all callers
// ABOUTME: Call, StreamingCall and Chat each await a live session within their own deadline

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/littlebotshi/openclaw-glasses/internal/config"
	"github.com/littlebotshi/openclaw-glasses/internal/correlator"
	"github.com/littlebotshi/openclaw-glasses/internal/handshake"
	"github.com/littlebotshi/openclaw-glasses/internal/identity"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
	"github.com/littlebotshi/openclaw-glasses/internal/runs"
	"github.com/littlebotshi/openclaw-glasses/internal/session"
	"github.com/littlebotshi/openclaw-glasses/internal/store"
	"github.com/littlebotshi/openclaw-glasses/internal/supervisor"
	"github.com/littlebotshi/openclaw-glasses/internal/transport"
)

var (
	// ErrClientClosed is returned by every operation after Close.
	ErrClientClosed = errors.New("gateway client closed")

	// ErrMissingRunID is returned when a streaming call's response has no runId.
	ErrMissingRunID = errors.New("gateway response carried no runId")
)

// Client is the entry point for talking to a gateway. Create it with New;
// the connection is opened lazily by the first operation or by Connect.
type Client struct {
	cfg     *config.Config
	logger  *slog.Logger
	creds   handshake.Credentials
	sup     *supervisor.Supervisor
	journal store.RunJournal

	connectGroup singleflight.Group
	lifetime     context.Context
	cancel       context.CancelFunc
	closed       atomic.Bool
	closeOnce    sync.Once
}

// Option configures a Client.
type Option func(*options)

type options struct {
	logger        *slog.Logger
	dialer        transport.Dialer
	creds         handshake.Credentials
	journal       store.RunJournal
	onState       func(supervisor.State)
	onEvent       func(protocol.Frame)
	clientVersion string
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithCredentials replaces the on-disk identity store.
func WithCredentials(creds handshake.Credentials) Option {
	return func(o *options) { o.creds = creds }
}

// WithJournal records every Chat exchange.
func WithJournal(j store.RunJournal) Option {
	return func(o *options) { o.journal = j }
}

// WithStateObserver is called on every connection state change.
func WithStateObserver(fn func(supervisor.State)) Option {
	return func(o *options) { o.onState = fn }
}

// WithEventHandler receives gateway events that are not part of a run.
func WithEventHandler(fn func(protocol.Frame)) Option {
	return func(o *options) { o.onEvent = fn }
}

// WithClientVersion sets the version reported in the connect request.
func WithClientVersion(v string) Option {
	return func(o *options) { o.clientVersion = v }
}

// New creates a Client from cfg. A nil cfg means config.Default().
func New(cfg *config.Config, opts ...Option) (*Client, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	creds := o.creds
	if creds == nil {
		idPath, authPath := identity.DefaultPaths()
		if cfg.Identity.Path != "" {
			idPath = cfg.Identity.Path
		}
		if cfg.Identity.AuthPath != "" {
			authPath = cfg.Identity.AuthPath
		}
		creds = identity.NewStore(idPath, authPath, logger)
	}

	dialer := o.dialer
	if dialer == nil {
		dialer = &transport.WebSocketDialer{
			HandshakeTimeout: cfg.Timeouts.Connect,
			Logger:           logger,
		}
	}

	authenticator := handshake.New(handshake.Config{
		ClientID:         cfg.Client.ID,
		ClientVersion:    o.clientVersion,
		ClientMode:       cfg.Client.Mode,
		Role:             cfg.Client.Role,
		Scopes:           cfg.Client.Scopes,
		Caps:             cfg.Client.Caps,
		Password:         cfg.Gateway.Password,
		Token:            cfg.Gateway.Token,
		ChallengeTimeout: cfg.Timeouts.Challenge,
		ConnectTimeout:   cfg.Timeouts.Connect,
	}, creds, logger)

	sessionOpts := []session.Option{session.WithPingInterval(cfg.Gateway.PingInterval)}
	if o.onEvent != nil {
		sessionOpts = append(sessionOpts, session.WithEventHandler(o.onEvent))
	}

	sup := supervisor.New(supervisor.Config{
		URL:            cfg.Gateway.URL,
		Dialer:         dialer,
		Authenticator:  authenticator,
		Backoff:        supervisor.NewBackoff(cfg.Reconnect.BaseDelay, cfg.Reconnect.MaxDelay, cfg.Reconnect.StableAfter),
		SessionOptions: sessionOpts,
		OnState:        o.onState,
		Logger:         logger,
	})

	lifetime, cancel := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		logger:   logger.With("component", "gateway"),
		creds:    creds,
		sup:      sup,
		journal:  o.journal,
		lifetime: lifetime,
		cancel:   cancel,
	}, nil
}

// Connect waits until the client holds an authenticated session. Concurrent
// callers share one attempt. After a pairing-required rejection, the next
// Connect tries again.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.session(ctx)
	return err
}

// session returns the live session, starting or joining a connect attempt.
func (c *Client) session(ctx context.Context) (*session.Session, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	for {
		ch := c.connectGroup.DoChan("connect", func() (any, error) {
			c.sup.Start()
			return c.sup.Await(c.lifetime)
		})

		var sess *session.Session
		select {
		case res := <-ch:
			if res.Err != nil {
				if c.closed.Load() || errors.Is(res.Err, supervisor.ErrStopped) {
					return nil, ErrClientClosed
				}
				return nil, res.Err
			}
			sess = res.Val.(*session.Session)
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The socket may have dropped since the flight finished. Wait for its
		// replacement instead of failing a request that was never sent.
		select {
		case <-sess.Done():
			c.logger.Debug("session ended before use; awaiting reconnect", "cause", sess.Err())
		default:
			return sess, nil
		}
	}
}

// Call sends one request and returns its payload. A non-positive timeout
// uses the configured request timeout, which also bounds the wait for a
// connection.
func (c *Client) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeouts.Request
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sess, err := c.session(ctx)
	if err != nil {
		return nil, deadlineAs(ctx, err, protocol.ErrRequestTimeout)
	}

	deadline, _ := ctx.Deadline()
	payload, err := sess.Call(ctx, method, params, time.Until(deadline))
	if err != nil {
		return nil, c.closedAs(deadlineAs(ctx, err, protocol.ErrRequestTimeout))
	}
	return payload, nil
}

// StreamingCall sends a request whose response names a run, then waits for
// the run to finish. timeout covers connecting, the response, and the run.
// On failure after the run id is known, the returned Result carries RunID.
func (c *Client) StreamingCall(ctx context.Context, method string, params any, timeout time.Duration) (runs.Result, error) {
	if timeout <= 0 {
		timeout = c.cfg.Timeouts.Stream
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	deadline, _ := ctx.Deadline()

	sess, err := c.session(ctx)
	if err != nil {
		return runs.Result{}, deadlineAs(ctx, err, protocol.ErrStreamTimeout)
	}

	// The run is tracked on the dispatch path, before any event that
	// follows the response can be read.
	var run *runs.Run
	track := correlator.OnResponse(func(f protocol.Frame) {
		if !f.Succeeded() {
			return
		}
		if runID := gjson.GetBytes(f.Payload, "runId").String(); runID != "" {
			run = sess.Runs().Track(runID, time.Until(deadline))
		}
	})

	payload, err := sess.Correlator().Call(ctx, method, params, time.Until(deadline), track)
	if err != nil {
		if errors.Is(err, protocol.ErrRequestTimeout) {
			err = fmt.Errorf("%s: %w", method, protocol.ErrStreamTimeout)
		}
		return runs.Result{}, c.closedAs(deadlineAs(ctx, err, protocol.ErrStreamTimeout))
	}
	if run == nil {
		return runs.Result{}, fmt.Errorf("%s: %w: %s", method, ErrMissingRunID, truncate(payload, 200))
	}

	c.logger.Debug("run started", "method", method, "run_id", run.ID)
	result, err := run.Wait(ctx)
	if err != nil {
		return runs.Result{RunID: run.ID}, c.closedAs(deadlineAs(ctx, err, protocol.ErrStreamTimeout))
	}
	return result, nil
}

// Chat sends message to sessionKey and waits for the assistant's reply.
// An empty sessionKey uses the configured one.
func (c *Client) Chat(ctx context.Context, sessionKey, message string, timeout time.Duration) (runs.Result, error) {
	if sessionKey == "" {
		sessionKey = c.cfg.Chat.SessionKey
	}
	params := protocol.ChatSendParams{
		SessionKey:     sessionKey,
		Message:        message,
		IdempotencyKey: uuid.NewString(),
		Deliver:        false,
	}

	started := time.Now()
	result, err := c.StreamingCall(ctx, protocol.MethodChatSend, params, timeout)
	c.record(ctx, params, result, err, started)
	return result, err
}

// Health calls the gateway health method.
func (c *Client) Health(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, protocol.MethodHealth, nil, 0)
}

// State returns the connection state.
func (c *Client) State() supervisor.State {
	return c.sup.State()
}

// Hello returns the hello payload of the live session, or nil.
func (c *Client) Hello() *protocol.HelloPayload {
	return c.sup.Hello()
}

// LastError returns the most recent connection failure.
func (c *Client) LastError() error {
	return c.sup.LastError()
}

// Identity returns the device identity used to authenticate.
func (c *Client) Identity() (*identity.Identity, error) {
	return c.creds.Identity()
}

// Close drops the connection and fails all outstanding work. The client
// cannot be reused.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		c.cancel()
		c.sup.Stop()
		c.logger.Debug("client closed")
	})
	return nil
}

// record writes the exchange to the journal when one is configured.
func (c *Client) record(ctx context.Context, params protocol.ChatSendParams, result runs.Result, callErr error, started time.Time) {
	if c.journal == nil {
		return
	}
	entry := &store.Run{
		RunID:      result.RunID,
		SessionKey: params.SessionKey,
		Prompt:     params.Message,
		Response:   result.Text,
		StartedAt:  started,
		FinishedAt: time.Now(),
	}
	switch {
	case callErr == nil && result.NoResponse:
		entry.Status = store.RunStatusNoResponse
	case callErr == nil:
		entry.Status = store.RunStatusOK
	case errors.Is(callErr, protocol.ErrStreamTimeout), errors.Is(callErr, protocol.ErrRequestTimeout):
		entry.Status = store.RunStatusTimeout
		entry.Error = callErr.Error()
	default:
		entry.Status = store.RunStatusFailed
		entry.Error = callErr.Error()
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.journal.RecordRun(ctx, entry); err != nil {
		c.logger.Warn("recording run failed", "run_id", entry.RunID, "error", err)
	}
}

// closedAs reports ErrClientClosed for work failed by Close.
func (c *Client) closedAs(err error) error {
	if c.closed.Load() && errors.Is(err, protocol.ErrConnectionClosed) {
		return fmt.Errorf("%w: %w", ErrClientClosed, err)
	}
	return err
}

// deadlineAs maps expiry of the operation's own deadline onto sentinel.
// Cancellation by the caller is returned unchanged.
func deadlineAs(ctx context.Context, err error, sentinel error) error {
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return sentinel
	}
	return err
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// IsUnavailable reports whether err means the gateway could not serve the
// request in time, so a caller may fall back to local handling.
func IsUnavailable(err error) bool {
	return errors.Is(err, protocol.ErrRequestTimeout) ||
		errors.Is(err, protocol.ErrStreamTimeout) ||
		errors.Is(err, protocol.ErrConnectionClosed) ||
		errors.Is(err, ErrClientClosed) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsPairingRequired reports whether the gateway is waiting for this device
// to be approved.
func IsPairingRequired(err error) bool {
	return errors.Is(err, handshake.ErrPairingRequired)
}
