// Package gateway is the client facade for an OpenClaw gateway.
//
// # Overview
//
// A Client owns one supervised WebSocket connection. The supervisor dials,
// authenticates with the device identity, and reconnects with backoff when
// the socket drops. Every operation waits for a live session inside its own
// deadline, so callers never handle reconnects themselves:
//
//	c, err := gateway.New(cfg, gateway.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//
//	res, err := c.Chat(ctx, "main", "what is on my calendar?", 0)
//	switch {
//	case gateway.IsPairingRequired(err):
//	    // approve the device on the gateway, then try again
//	case gateway.IsUnavailable(err):
//	    // gateway unreachable or too slow; use a local fallback
//	case err != nil:
//	    return err
//	}
//	fmt.Println(res.String())
//
// # Operations
//
//   - Connect: wait for an authenticated session; concurrent callers share one attempt
//   - Call: one request, one response
//   - StreamingCall: a request whose response names a run, resolved by the run's final event
//   - Chat: chat.send with a fresh idempotency key, recorded in the journal when configured
//   - Close: stop reconnecting and fail everything outstanding
//
// # Errors
//
// Timeouts surface as protocol.ErrRequestTimeout or protocol.ErrStreamTimeout.
// Work pending when the socket drops fails with protocol.ErrConnectionClosed.
// Gateway rejections are *protocol.RemoteError with the gateway's code.
package gateway
