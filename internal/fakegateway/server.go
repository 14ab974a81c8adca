// ABOUTME: In-process gateway speaking the challenge/connect/chat protocol over WebSocket
// ABOUTME: Verifies device proofs, enforces pairing, streams cumulative assistant text

package fakegateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/littlebotshi/openclaw-glasses/internal/auth"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
	"github.com/littlebotshi/openclaw-glasses/internal/store"
)

// Error codes returned in failed responses.
const (
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeDeviceAuthFailed = "DEVICE_AUTH_FAILED"
	CodeDeviceRevoked    = "DEVICE_REVOKED"
	CodeProtocolMismatch = "PROTOCOL_MISMATCH"
	CodeNotConnected     = "NOT_CONNECTED"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeUnknownMethod    = "UNKNOWN_METHOD"
	CodeInternal         = "INTERNAL"
)

// DefaultTokenTTL is the lifetime of issued device tokens.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Config configures a Server. The zero value is usable.
type Config struct {
	// Password, when set, must be presented in auth.password unless the
	// device presents a valid device token.
	Password string

	// Registry holds paired devices. Defaults to an in-memory store.
	Registry store.DeviceRegistry

	// AutoApprove pairs unknown devices on first sight.
	AutoApprove bool

	// TokenSecret signs device tokens. Random when empty.
	TokenSecret []byte
	TokenTTL    time.Duration

	// Responder produces the reply for chat.send. Defaults to EchoResponder.
	Responder Responder

	// ChunkDelay is the pause between streamed agent events.
	ChunkDelay time.Duration

	// TickInterval enables periodic tick events when positive.
	TickInterval time.Duration

	Version string
	Logger  *slog.Logger
}

// HandlerFunc serves one request method for an authenticated connection.
// Returning a *protocol.RemoteError sends that code and message.
type HandlerFunc func(ctx context.Context, c *Conn, params json.RawMessage) (any, error)

// ConnectRecord describes one accepted handshake.
type ConnectRecord struct {
	ConnID   string
	DeviceID string
	ClientID string
	Role     string
	Scopes   []string
	Token    string
	At       time.Time
}

// Server is an http.Handler that upgrades to the gateway protocol.
type Server struct {
	cfg      Config
	verifier *auth.DeviceVerifier
	issuer   *auth.TokenIssuer
	registry store.DeviceRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	conns    map[*Conn]struct{}
	handlers map[string]HandlerFunc
	connects []ConnectRecord
	chats    []protocol.ChatSendParams
	runsByIK map[string]string

	requests atomic.Int64
}

// New creates a Server.
func New(cfg Config) *Server {
	if cfg.Registry == nil {
		cfg.Registry = store.NewMockStore()
	}
	if len(cfg.TokenSecret) == 0 {
		cfg.TokenSecret = make([]byte, 32)
		_, _ = rand.Read(cfg.TokenSecret)
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.Responder == nil {
		cfg.Responder = EchoResponder
	}
	if cfg.Version == "" {
		cfg.Version = "fake"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:      cfg,
		verifier: auth.NewDeviceVerifier(),
		issuer:   auth.NewTokenIssuer(cfg.TokenSecret, "fake-gateway"),
		registry: cfg.Registry,
		logger:   logger.With("component", "fakegateway"),
		conns:    make(map[*Conn]struct{}),
		handlers: make(map[string]HandlerFunc),
		runsByIK: make(map[string]string),
	}
	s.handlers[protocol.MethodChatSend] = s.handleChatSend
	s.handlers[protocol.MethodHealth] = s.handleHealth
	return s
}

// Handle registers or replaces the handler for method.
func (s *Server) Handle(method string, h HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// Approve marks a device as paired.
func (s *Server) Approve(ctx context.Context, deviceID string) error {
	return s.registry.SetDeviceStatus(ctx, deviceID, store.DeviceStatusApproved)
}

// Revoke withdraws a device's pairing.
func (s *Server) Revoke(ctx context.Context, deviceID string) error {
	return s.registry.SetDeviceStatus(ctx, deviceID, store.DeviceStatusRevoked)
}

// Connects returns every accepted handshake, oldest first.
func (s *Server) Connects() []ConnectRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ConnectRecord, len(s.connects))
	copy(out, s.connects)
	return out
}

// Chats returns every chat.send request received, oldest first.
func (s *Server) Chats() []protocol.ChatSendParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]protocol.ChatSendParams, len(s.chats))
	copy(out, s.chats)
	return out
}

// Requests returns the number of requests received after authentication.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Connections returns the number of open sockets.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropAll closes every open socket with a going-away status.
func (s *Server) DropAll() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "dropped")
	}
}

// ServeHTTP accepts the WebSocket upgrade and runs the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	c := &Conn{id: uuid.NewString(), ws: ws, ctx: ctx}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		c.Close(websocket.StatusNormalClosure, "bye")
	}()

	logger := s.logger.With("conn_id", c.id)
	logger.Debug("connection opened", "remote", r.RemoteAddr)

	if err := s.serve(ctx, c, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("connection ended", "error", err)
	}
}

func (s *Server) serve(ctx context.Context, c *Conn, logger *slog.Logger) error {
	nonce := uuid.NewString()
	if err := c.Emit(protocol.EventConnectChallenge, protocol.ChallengePayload{
		Nonce: nonce,
		TS:    time.Now().UnixMilli(),
	}); err != nil {
		return fmt.Errorf("sending challenge: %w", err)
	}

	if s.cfg.TickInterval > 0 {
		go s.tickLoop(ctx, c)
	}

	authenticated := false
	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		frame, err := protocol.Decode(data)
		if err != nil {
			logger.Warn("dropping malformed frame", "error", err)
			continue
		}
		if frame.Type != protocol.TypeRequest {
			continue
		}

		if !authenticated {
			if frame.Method != protocol.MethodConnect {
				_ = c.write(ctx, protocol.NewErrorResponse(frame.ID, CodeNotConnected, "connect first"))
				continue
			}
			hello, rerr := s.connect(ctx, c, frame.Params, nonce)
			if rerr != nil {
				logger.Info("connect rejected", "code", rerr.Code, "reason", rerr.Message)
				_ = c.write(ctx, protocol.NewErrorResponse(frame.ID, rerr.Code, rerr.Message))
				c.Close(websocket.StatusPolicyViolation, rerr.Code)
				return nil
			}
			resp, err := protocol.NewResponse(frame.ID, hello)
			if err != nil {
				return err
			}
			if err := c.write(ctx, resp); err != nil {
				return err
			}
			authenticated = true
			continue
		}

		s.requests.Add(1)
		go s.dispatch(ctx, c, frame, logger)
	}
}

// connect validates the connect request against the issued nonce.
func (s *Server) connect(ctx context.Context, c *Conn, raw json.RawMessage, nonce string) (*protocol.HelloPayload, *protocol.RemoteError) {
	var params protocol.ConnectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, &protocol.RemoteError{Code: CodeInvalidParams, Message: err.Error()}
	}
	if params.MinProtocol > protocol.MaxProtocol || params.MaxProtocol < protocol.MinProtocol {
		return nil, &protocol.RemoteError{
			Code:    CodeProtocolMismatch,
			Message: fmt.Sprintf("server speaks protocol %d", protocol.MaxProtocol),
		}
	}

	dev, err := s.verifier.Verify(params, nonce)
	if err != nil {
		return nil, &protocol.RemoteError{Code: CodeDeviceAuthFailed, Message: err.Error()}
	}

	var password, token string
	if params.Auth != nil {
		password, token = params.Auth.Password, params.Auth.Token
	}
	tokenValid := false
	if token != "" {
		if _, err := s.issuer.VerifyFor(token, dev.DeviceID); err != nil {
			return nil, &protocol.RemoteError{Code: CodeUnauthorized, Message: "device token rejected: " + err.Error()}
		}
		tokenValid = true
	}
	if s.cfg.Password != "" && !tokenValid && password != s.cfg.Password {
		return nil, &protocol.RemoteError{Code: CodeUnauthorized, Message: "password required"}
	}

	device, err := s.registry.SeenDevice(ctx, &store.Device{
		DeviceID:    dev.DeviceID,
		PublicKey:   params.Device.PublicKey,
		DisplayName: params.Client.ID,
	})
	if err != nil {
		return nil, &protocol.RemoteError{Code: CodeInternal, Message: err.Error()}
	}
	if device.Status == store.DeviceStatusPending && s.cfg.AutoApprove {
		if err := s.Approve(ctx, device.DeviceID); err != nil {
			return nil, &protocol.RemoteError{Code: CodeInternal, Message: err.Error()}
		}
		device.Status = store.DeviceStatusApproved
	}
	switch device.Status {
	case store.DeviceStatusApproved:
	case store.DeviceStatusRevoked:
		return nil, &protocol.RemoteError{Code: CodeDeviceRevoked, Message: "device pairing revoked"}
	default:
		return nil, &protocol.RemoteError{
			Code:    protocol.CodeNotPaired,
			Message: fmt.Sprintf("device %s is awaiting approval (%s)", device.DeviceID, dev.Fingerprint),
		}
	}

	issued, err := s.issuer.Issue(dev.DeviceID, params.Role, params.Scopes, s.cfg.TokenTTL)
	if err != nil {
		return nil, &protocol.RemoteError{Code: CodeInternal, Message: err.Error()}
	}

	s.mu.Lock()
	s.connects = append(s.connects, ConnectRecord{
		ConnID:   c.id,
		DeviceID: dev.DeviceID,
		ClientID: params.Client.ID,
		Role:     params.Role,
		Scopes:   params.Scopes,
		Token:    token,
		At:       time.Now(),
	})
	s.mu.Unlock()
	c.deviceID = dev.DeviceID

	s.logger.Info("device connected", "conn_id", c.id, "device_id", dev.DeviceID, "client", params.Client.ID)
	return &protocol.HelloPayload{
		Protocol: protocol.MaxProtocol,
		Server:   protocol.HelloServer{Version: s.cfg.Version, ConnID: c.id},
		Auth: &protocol.HelloAuth{
			DeviceToken: issued,
			Role:        params.Role,
			Scopes:      params.Scopes,
		},
	}, nil
}

func (s *Server) dispatch(ctx context.Context, c *Conn, frame protocol.Frame, logger *slog.Logger) {
	s.mu.Lock()
	h, ok := s.handlers[frame.Method]
	s.mu.Unlock()
	if !ok {
		_ = c.write(ctx, protocol.NewErrorResponse(frame.ID, CodeUnknownMethod, "unknown method "+frame.Method))
		return
	}

	result, err := h(ctx, c, frame.Params)
	if err != nil {
		var re *protocol.RemoteError
		if !errors.As(err, &re) {
			re = &protocol.RemoteError{Code: CodeInternal, Message: err.Error()}
		}
		_ = c.write(ctx, protocol.NewErrorResponse(frame.ID, re.Code, re.Message))
		return
	}
	resp, err := protocol.NewResponse(frame.ID, result)
	if err != nil {
		logger.Error("encoding response", "method", frame.Method, "error", err)
		return
	}
	if err := c.write(ctx, resp); err != nil {
		logger.Debug("writing response", "method", frame.Method, "error", err)
	}
}

func (s *Server) handleHealth(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
	return map[string]any{
		"ok":          true,
		"version":     s.cfg.Version,
		"connections": s.Connections(),
	}, nil
}

func (s *Server) tickLoop(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			if err := c.Emit(protocol.EventTick, map[string]int64{"ts": t.UnixMilli()}); err != nil {
				return
			}
		}
	}
}

// Conn is one accepted socket.
type Conn struct {
	id       string
	deviceID string
	ws       *websocket.Conn
	ctx      context.Context

	writeMu   sync.Mutex
	seq       atomic.Int64
	closeOnce sync.Once
}

// ID returns the connection id reported in hello.
func (c *Conn) ID() string { return c.id }

// DeviceID returns the authenticated device id, empty before connect succeeds.
func (c *Conn) DeviceID() string { return c.deviceID }

// Emit sends an event frame with the next sequence number.
func (c *Conn) Emit(event string, payload any) error {
	frame, err := protocol.NewEvent(event, payload)
	if err != nil {
		return err
	}
	seq := c.seq.Add(1)
	frame.Seq = &seq
	return c.write(c.ctx, frame)
}

// EmitRaw sends pre-encoded bytes as a text message.
func (c *Conn) EmitRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// Close closes the socket with the given status.
func (c *Conn) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		_ = c.ws.Close(code, reason)
	})
}

func (c *Conn) write(ctx context.Context, frame protocol.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsjson.Write(ctx, c.ws, frame)
}
