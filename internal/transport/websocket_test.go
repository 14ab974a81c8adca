// ABOUTME: Tests for the websocket transport against an in-process echo server
// ABOUTME: Covers dial, text round trip, ping and close behavior

package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			typ, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				continue
			}
			if err := ws.Write(r.Context(), typ, data); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestDial_RoundTrip(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&WebSocketDialer{}).Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(ctx, []byte(`{"type":"event","event":"tick"}`)))
	data, err := conn.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"event","event":"tick"}`, string(data))
}

func TestDial_HTTPSchemeAccepted(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&WebSocketDialer{}).Dial(ctx, srv.URL)
	require.NoError(t, err)
	assert.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "close is idempotent")
}

func TestDial_RejectsUnknownScheme(t *testing.T) {
	_, err := (&WebSocketDialer{}).Dial(context.Background(), "ftp://example.com")
	assert.ErrorContains(t, err, "unsupported gateway url scheme")
}

func TestDial_Unreachable(t *testing.T) {
	srv := echoServer(t)
	url := wsURL(srv)
	srv.Close()

	_, err := (&WebSocketDialer{HandshakeTimeout: time.Second}).Dial(context.Background(), url)
	assert.Error(t, err)
}

func TestPing_WithReaderRunning(t *testing.T) {
	srv := echoServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := (&WebSocketDialer{}).Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	// Pongs are only processed while a read is in progress.
	go func() { _, _ = conn.Read(ctx) }()
	assert.NoError(t, conn.Ping(ctx))
}

func TestRead_AfterServerCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_ = ws.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := (&WebSocketDialer{}).Dial(ctx, wsURL(srv))
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Read(ctx)
	require.Error(t, err)
	assert.Equal(t, int(websocket.StatusGoingAway), CloseStatus(err))
}
