// Package auth holds the gateway side of device authentication.
//
// # Device proofs
//
// A connecting client answers the connect.challenge nonce with a device
// block: its Ed25519 public key, the device id (sha256 of the raw key), the
// signing time, and a signature over the canonical payload
//
//	v2|deviceId|clientId|clientMode|role|scopes|signedAtMs|token|nonce
//
// DeviceVerifier rebuilds that payload from the connect params and checks:
//
//   - the nonce is the one this connection issued
//   - the device id is derived from the public key
//   - signedAt is within DeviceAuthMaxSkew of the gateway clock
//   - the signature verifies
//   - the (device, nonce) pair has not been accepted before
//
// # Device tokens
//
// Once a device is paired, the gateway returns a device token in the hello
// payload. TokenIssuer signs these as HS256 JWTs whose subject is the device
// id and whose role and scopes claims record the grant:
//
//	token, err := issuer.Issue(deviceID, "operator", scopes, 30*24*time.Hour)
//	grant, err := issuer.VerifyFor(token, deviceID)
//
// The client stores the token and sends it back in auth.token on the next
// connect, where it is also covered by the device signature.
package auth
