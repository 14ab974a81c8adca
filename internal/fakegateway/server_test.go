// ABOUTME: Tests for the fake gateway using the real transport, session, and handshake
// ABOUTME: Covers pairing, password auth, chat streaming, idempotency, drops, and custom handlers

package fakegateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/littlebotshi/openclaw-glasses/internal/auth"
	"github.com/littlebotshi/openclaw-glasses/internal/handshake"
	"github.com/littlebotshi/openclaw-glasses/internal/identity"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
	"github.com/littlebotshi/openclaw-glasses/internal/session"
	"github.com/littlebotshi/openclaw-glasses/internal/transport"
)

func startServer(t *testing.T, cfg Config) (*Server, string) {
	t.Helper()
	srv := New(cfg)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.DropAll()
		ts.Close()
	})
	return srv, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func newCreds(t *testing.T) *identity.Store {
	t.Helper()
	dir := t.TempDir()
	return identity.NewStore(filepath.Join(dir, "device.json"), filepath.Join(dir, "device-auth.json"), nil)
}

func deviceID(t *testing.T, creds *identity.Store) string {
	t.Helper()
	id, err := creds.Identity()
	require.NoError(t, err)
	return id.DeviceID
}

// connect dials url and runs the client handshake over a fresh session.
func connect(t *testing.T, url string, creds handshake.Credentials, cfg handshake.Config, opts ...session.Option) (*session.Session, *protocol.HelloPayload, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialer := &transport.WebSocketDialer{}
	conn, err := dialer.Dial(ctx, url)
	require.NoError(t, err)

	sess := session.New(conn, nil, opts...)
	sess.Start()
	t.Cleanup(func() { sess.Close(nil) })

	hello, err := handshake.New(cfg, creds, nil).Authenticate(ctx, sess.Challenges(), sess)
	return sess, hello, err
}

func TestServer_PairingRequiredThenApproved(t *testing.T) {
	secret := []byte("fixed-test-secret")
	srv, url := startServer(t, Config{TokenSecret: secret})
	creds := newCreds(t)

	_, _, err := connect(t, url, creds, handshake.Config{})
	require.Error(t, err)
	assert.ErrorIs(t, err, handshake.ErrPairingRequired)
	assert.True(t, protocol.HasCode(err, protocol.CodeNotPaired))

	id := deviceID(t, creds)
	require.NoError(t, srv.Approve(context.Background(), id))

	_, hello, err := connect(t, url, creds, handshake.Config{})
	require.NoError(t, err)
	require.NotNil(t, hello.Auth)
	assert.Equal(t, protocol.MaxProtocol, hello.Protocol)
	assert.NotEmpty(t, hello.Server.ConnID)
	assert.Equal(t, "operator", hello.Auth.Role)

	grant, err := auth.NewTokenIssuer(secret, "fake-gateway").VerifyFor(hello.Auth.DeviceToken, id)
	require.NoError(t, err)
	assert.Equal(t, handshake.DefaultScopes, grant.Scopes)

	connects := srv.Connects()
	require.Len(t, connects, 1)
	assert.Equal(t, id, connects[0].DeviceID)
	assert.Equal(t, "cli", connects[0].ClientID)
}

func TestServer_RevokedDeviceIsRejected(t *testing.T) {
	srv, url := startServer(t, Config{AutoApprove: true})
	creds := newCreds(t)

	_, _, err := connect(t, url, creds, handshake.Config{})
	require.NoError(t, err)

	require.NoError(t, srv.Revoke(context.Background(), deviceID(t, creds)))

	_, _, err = connect(t, url, creds, handshake.Config{})
	assert.ErrorIs(t, err, handshake.ErrAuthFailed)
	assert.True(t, protocol.HasCode(err, CodeDeviceRevoked))
}

func TestServer_PasswordRequired(t *testing.T) {
	_, url := startServer(t, Config{AutoApprove: true, Password: "hunter2"})

	_, _, err := connect(t, url, newCreds(t), handshake.Config{})
	assert.ErrorIs(t, err, handshake.ErrAuthFailed)
	assert.True(t, protocol.HasCode(err, CodeUnauthorized))

	_, _, err = connect(t, url, newCreds(t), handshake.Config{Password: "hunter2"})
	assert.NoError(t, err)
}

func TestServer_ForeignTokenRejected(t *testing.T) {
	_, url := startServer(t, Config{AutoApprove: true})

	_, _, err := connect(t, url, newCreds(t), handshake.Config{Token: "not-a-device-token"})
	assert.ErrorIs(t, err, handshake.ErrAuthFailed)
	assert.True(t, protocol.HasCode(err, CodeUnauthorized))
}

func TestServer_ChatStreamsCumulativeText(t *testing.T) {
	srv, url := startServer(t, Config{
		AutoApprove: true,
		Responder: func(protocol.ChatSendParams) Reply {
			return Reply{Chunks: SplitWords("hello big world"), State: StateFinal}
		},
	})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := sess.Call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{
		SessionKey:     "main",
		Message:        "hi",
		IdempotencyKey: "ik-1",
	}, 5*time.Second)
	require.NoError(t, err)

	var ack chatAck
	require.NoError(t, json.Unmarshal(payload, &ack))
	require.NotEmpty(t, ack.RunID)

	result, err := sess.Runs().Track(ack.RunID, 5*time.Second).Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hello big world", result.Text)
	assert.False(t, result.NoResponse)

	chats := srv.Chats()
	require.Len(t, chats, 1)
	assert.Equal(t, "hi", chats[0].Message)
	assert.False(t, chats[0].Deliver)
}

func TestServer_ChatErrorState(t *testing.T) {
	_, url := startServer(t, Config{
		AutoApprove: true,
		Responder: func(protocol.ChatSendParams) Reply {
			return Reply{State: StateError, ErrorMessage: "model overloaded"}
		},
	})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	payload, err := sess.Call(ctx, protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "main", Message: "hi"}, 5*time.Second)
	require.NoError(t, err)
	var ack chatAck
	require.NoError(t, json.Unmarshal(payload, &ack))

	_, err = sess.Runs().Track(ack.RunID, 5*time.Second).Wait(ctx)
	var re *protocol.RemoteError
	require.True(t, errors.As(err, &re), "got %v", err)
	assert.Equal(t, "model overloaded", re.Message)
}

func TestServer_ChatIdempotency(t *testing.T) {
	srv, url := startServer(t, Config{AutoApprove: true})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	params := protocol.ChatSendParams{SessionKey: "main", Message: "again", IdempotencyKey: "same"}

	var first, second chatAck
	payload, err := sess.Call(ctx, protocol.MethodChatSend, params, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &first))

	payload, err = sess.Call(ctx, protocol.MethodChatSend, params, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, &second))

	assert.Equal(t, first.RunID, second.RunID)
	assert.Equal(t, "in_flight", second.Status)
	assert.Len(t, srv.Chats(), 2)
}

func TestServer_ChatValidatesParams(t *testing.T) {
	_, url := startServer(t, Config{AutoApprove: true})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	_, err = sess.Call(context.Background(), protocol.MethodChatSend, protocol.ChatSendParams{SessionKey: "main"}, 5*time.Second)
	assert.True(t, protocol.HasCode(err, CodeInvalidParams), "got %v", err)
}

func TestServer_HealthAndUnknownMethod(t *testing.T) {
	srv, url := startServer(t, Config{AutoApprove: true, Version: "1.2.3"})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	ctx := context.Background()
	payload, err := sess.Call(ctx, protocol.MethodHealth, nil, 5*time.Second)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true,"version":"1.2.3","connections":1}`, string(payload))

	_, err = sess.Call(ctx, "no.such.method", nil, 5*time.Second)
	assert.True(t, protocol.HasCode(err, CodeUnknownMethod), "got %v", err)
	assert.Equal(t, int64(2), srv.Requests())
}

func TestServer_CustomHandlerEmitsEvents(t *testing.T) {
	srv, url := startServer(t, Config{AutoApprove: true})
	srv.Handle("presence.ping", func(ctx context.Context, c *Conn, params json.RawMessage) (any, error) {
		if err := c.Emit("presence", map[string]string{"device": c.DeviceID()}); err != nil {
			return nil, err
		}
		return map[string]bool{"pong": true}, nil
	})

	events := make(chan protocol.Frame, 1)
	creds := newCreds(t)
	sess, _, err := connect(t, url, creds, handshake.Config{}, session.WithEventHandler(func(f protocol.Frame) {
		events <- f
	}))
	require.NoError(t, err)

	_, err = sess.Call(context.Background(), "presence.ping", nil, 5*time.Second)
	require.NoError(t, err)

	select {
	case f := <-events:
		assert.Equal(t, "presence", f.Event)
		assert.Contains(t, string(f.Payload), deviceID(t, creds))
		require.NotNil(t, f.Seq)
	case <-time.After(5 * time.Second):
		t.Fatal("presence event not delivered")
	}
}

func TestServer_DropAllClosesSessions(t *testing.T) {
	srv, url := startServer(t, Config{AutoApprove: true})
	sess, _, err := connect(t, url, newCreds(t), handshake.Config{})
	require.NoError(t, err)

	srv.DropAll()

	select {
	case <-sess.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session survived DropAll")
	}
	assert.Error(t, sess.Err())
}

func TestServer_RequestBeforeConnect(t *testing.T) {
	_, url := startServer(t, Config{AutoApprove: true})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ws, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	defer ws.Close(websocket.StatusNormalClosure, "")

	var challenge protocol.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &challenge))
	assert.Equal(t, protocol.EventConnectChallenge, challenge.Event)

	req, err := protocol.NewRequest("r1", protocol.MethodHealth, nil)
	require.NoError(t, err)
	require.NoError(t, wsjson.Write(ctx, ws, req))

	var resp protocol.Frame
	require.NoError(t, wsjson.Read(ctx, ws, &resp))
	assert.Equal(t, "r1", resp.ID)
	assert.False(t, resp.Succeeded())
	assert.True(t, protocol.HasCode(resp.Err(), CodeNotConnected))
}

func TestSplitWords(t *testing.T) {
	text := "Echo: **hi**\n\n- one two"
	chunks := SplitWords(text)
	assert.Equal(t, text, strings.Join(chunks, ""))
	assert.Equal(t, []string{"Echo: ", "**hi**\n\n", "- ", "one ", "two"}, chunks)
	assert.Empty(t, SplitWords(""))
}
