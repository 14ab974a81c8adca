// ABOUTME: Challenge/response authentication run once per new socket
// ABOUTME: Waits for the server nonce, signs the canonical payload, sends one connect request

package handshake

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/littlebotshi/openclaw-glasses/internal/dedupe"
	"github.com/littlebotshi/openclaw-glasses/internal/identity"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

// Defaults for the connect request.
const (
	DefaultClientID   = "cli"
	DefaultClientMode = "backend"
	DefaultRole       = "operator"

	DefaultChallengeTimeout = 15 * time.Second
	DefaultConnectTimeout   = 15 * time.Second
)

// DefaultScopes are requested when none are configured.
var DefaultScopes = []string{"operator.read", "operator.write"}

const (
	nonceTTL      = time.Hour
	nonceCapacity = 1024
)

var (
	// ErrChallengeTimeout is returned when no challenge arrived in time.
	ErrChallengeTimeout = errors.New("timed out waiting for connect challenge")

	// ErrPairingRequired is returned when the gateway does not know this
	// device. Approval happens out of band; retrying does not help.
	ErrPairingRequired = errors.New("device pairing required")

	// ErrAuthFailed covers every other rejection of the connect request.
	ErrAuthFailed = errors.New("gateway authentication failed")

	// ErrNonceReplayed is returned when the gateway reuses a challenge nonce.
	ErrNonceReplayed = errors.New("challenge nonce already signed")
)

// State is a step of the authentication exchange.
type State int

const (
	StateSocketOpen State = iota
	StateChallengeReceived
	StateCredentialsSent
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateSocketOpen:
		return "socket_open"
	case StateChallengeReceived:
		return "challenge_received"
	case StateCredentialsSent:
		return "credentials_sent"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Caller sends one correlated request and waits for its response.
type Caller interface {
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
}

// Credentials supplies the device identity and its current pairing token.
type Credentials interface {
	Identity() (*identity.Identity, error)
	AuthToken(role string) string
}

// Config describes how this client presents itself to the gateway.
type Config struct {
	ClientID      string
	ClientVersion string
	Platform      string
	ClientMode    string
	Role          string
	Scopes        []string
	Caps          []string

	// Password is the optional shared gateway secret.
	Password string
	// Token is a static gateway token. The paired device token wins when present.
	Token string

	ChallengeTimeout time.Duration
	ConnectTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	if c.ClientID == "" {
		c.ClientID = DefaultClientID
	}
	if c.ClientMode == "" {
		c.ClientMode = DefaultClientMode
	}
	if c.Role == "" {
		c.Role = DefaultRole
	}
	if len(c.Scopes) == 0 {
		c.Scopes = append([]string(nil), DefaultScopes...)
	}
	if c.Caps == nil {
		c.Caps = []string{}
	}
	if c.Platform == "" {
		c.Platform = runtime.GOOS
	}
	if c.ClientVersion == "" {
		c.ClientVersion = "dev"
	}
	if c.ChallengeTimeout <= 0 {
		c.ChallengeTimeout = DefaultChallengeTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	return c
}

// Authenticator runs the handshake on each new connection. Signed nonces are
// remembered across connections.
type Authenticator struct {
	cfg     Config
	creds   Credentials
	logger  *slog.Logger
	now     func() time.Time
	nonces  *dedupe.Cache
	onState func(State)
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithStateObserver receives every state transition.
func WithStateObserver(fn func(State)) Option {
	return func(a *Authenticator) { a.onState = fn }
}

// New creates an Authenticator. Pass nil logger for default.
func New(cfg Config, creds Credentials, logger *slog.Logger, opts ...Option) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Authenticator{
		cfg:    cfg.withDefaults(),
		creds:  creds,
		logger: logger.With("component", "handshake"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.nonces = dedupe.New(nonceTTL, nonceCapacity, dedupe.WithClock(a.now))
	return a
}

// Authenticate waits on challenges for the server nonce, then sends the
// signed connect request through caller. The caller owns the socket and
// closes it on any error.
func (a *Authenticator) Authenticate(ctx context.Context, challenges <-chan protocol.ChallengePayload, caller Caller) (*protocol.HelloPayload, error) {
	a.transition(StateSocketOpen)

	var challenge protocol.ChallengePayload
	timer := time.NewTimer(a.cfg.ChallengeTimeout)
	defer timer.Stop()
	select {
	case c, ok := <-challenges:
		if !ok {
			a.transition(StateRejected)
			return nil, protocol.ErrConnectionClosed
		}
		challenge = c
	case <-timer.C:
		a.transition(StateRejected)
		return nil, ErrChallengeTimeout
	case <-ctx.Done():
		a.transition(StateRejected)
		return nil, ctx.Err()
	}
	a.transition(StateChallengeReceived)

	if challenge.Nonce == "" {
		a.transition(StateRejected)
		return nil, fmt.Errorf("%w: challenge without nonce", ErrAuthFailed)
	}
	if a.nonces.CheckAndMark(challenge.Nonce) {
		a.transition(StateRejected)
		return nil, ErrNonceReplayed
	}

	params, err := a.connectParams(challenge.Nonce)
	if err != nil {
		a.transition(StateRejected)
		return nil, err
	}

	a.transition(StateCredentialsSent)
	payload, err := caller.Call(ctx, protocol.MethodConnect, params, a.cfg.ConnectTimeout)
	if err != nil {
		a.transition(StateRejected)
		return nil, classify(err)
	}

	var hello protocol.HelloPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &hello); err != nil {
			a.logger.Warn("connect response payload not understood", "error", err)
		}
	}
	a.transition(StateAuthenticated)
	a.logger.Info("authenticated with gateway",
		"device_id", params.Device.ID,
		"protocol", hello.Protocol,
		"server_version", hello.Server.Version,
	)
	return &hello, nil
}

// connectParams builds the signed connect request for nonce.
func (a *Authenticator) connectParams(nonce string) (protocol.ConnectParams, error) {
	id, err := a.creds.Identity()
	if err != nil {
		return protocol.ConnectParams{}, fmt.Errorf("loading device identity: %w", err)
	}

	// Re-read per attempt: pairing may have been approved since the last one.
	token := a.creds.AuthToken(a.cfg.Role)
	if token == "" {
		token = a.cfg.Token
	}

	signedAt := a.now().UnixMilli()
	message := protocol.DeviceAuthPayload{
		DeviceID:   id.DeviceID,
		ClientID:   a.cfg.ClientID,
		ClientMode: a.cfg.ClientMode,
		Role:       a.cfg.Role,
		Scopes:     a.cfg.Scopes,
		SignedAtMs: signedAt,
		Token:      token,
		Nonce:      nonce,
	}.String()

	params := protocol.ConnectParams{
		MinProtocol: protocol.MinProtocol,
		MaxProtocol: protocol.MaxProtocol,
		Client: protocol.ClientInfo{
			ID:       a.cfg.ClientID,
			Version:  a.cfg.ClientVersion,
			Platform: a.cfg.Platform,
			Mode:     a.cfg.ClientMode,
		},
		Role:   a.cfg.Role,
		Scopes: a.cfg.Scopes,
		Caps:   a.cfg.Caps,
		Device: &protocol.DeviceProof{
			ID:        id.DeviceID,
			PublicKey: id.PublicKeyBase64URL(),
			Signature: base64.RawURLEncoding.EncodeToString(id.Sign([]byte(message))),
			SignedAt:  signedAt,
			Nonce:     nonce,
		},
	}
	if a.cfg.Password != "" || token != "" {
		params.Auth = &protocol.ConnectAuth{Password: a.cfg.Password, Token: token}
	}
	return params, nil
}

func (a *Authenticator) transition(s State) {
	a.logger.Debug("handshake state", "state", s.String())
	if a.onState != nil {
		a.onState(s)
	}
}

// classify maps a connect failure onto the handshake error taxonomy.
// Transport and timeout errors pass through unchanged.
func classify(err error) error {
	var re *protocol.RemoteError
	if !errors.As(err, &re) {
		return err
	}
	if re.Code == protocol.CodeNotPaired {
		return fmt.Errorf("%w: %w", ErrPairingRequired, re)
	}
	return fmt.Errorf("%w: %w", ErrAuthFailed, re)
}
