// ABOUTME: Gateway-side verification of the signed device block in a connect request
// ABOUTME: Rebuilds the canonical payload, checks the Ed25519 signature, skew, and nonce replay

package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/littlebotshi/openclaw-glasses/internal/dedupe"
	"github.com/littlebotshi/openclaw-glasses/internal/identity"
	"github.com/littlebotshi/openclaw-glasses/internal/protocol"
)

const (
	// DeviceAuthMaxSkew is how far signedAt may drift from the gateway clock.
	DeviceAuthMaxSkew = 5 * time.Minute

	// DeviceNonceCacheSize is the maximum number of nonces to track.
	DeviceNonceCacheSize = 10000
)

var (
	ErrMissingDevice    = errors.New("device proof missing")
	ErrInvalidPublicKey = errors.New("invalid device public key")
	ErrDeviceIDMismatch = errors.New("device id does not match public key")
	ErrInvalidSignature = errors.New("invalid device signature")
	ErrSignatureExpired = errors.New("device signature outside allowed skew")
	ErrNonceMismatch    = errors.New("device nonce does not match challenge")
	ErrNonceAlreadyUsed = errors.New("device nonce already used")
)

// VerifiedDevice describes a device whose proof checked out.
type VerifiedDevice struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	Fingerprint string
}

// DeviceVerifier checks device proofs against the nonce a gateway issued.
type DeviceVerifier struct {
	maxSkew    time.Duration
	nonceCache *dedupe.Cache
	now        func() time.Time
}

// DeviceVerifierOption configures a DeviceVerifier.
type DeviceVerifierOption func(*DeviceVerifier)

// WithVerifierClock replaces time.Now, for tests.
func WithVerifierClock(now func() time.Time) DeviceVerifierOption {
	return func(v *DeviceVerifier) { v.now = now }
}

// WithMaxSkew overrides DeviceAuthMaxSkew.
func WithMaxSkew(d time.Duration) DeviceVerifierOption {
	return func(v *DeviceVerifier) { v.maxSkew = d }
}

// NewDeviceVerifier creates a verifier with nonce replay protection.
func NewDeviceVerifier(opts ...DeviceVerifierOption) *DeviceVerifier {
	v := &DeviceVerifier{
		maxSkew: DeviceAuthMaxSkew,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	v.nonceCache = dedupe.New(v.maxSkew*2, DeviceNonceCacheSize, dedupe.WithClock(v.now))
	return v
}

// Verify checks the device block of params against issuedNonce.
// The signature must cover the same role, scopes, client and token the
// request carries, so none of them can be swapped after signing.
func (v *DeviceVerifier) Verify(params protocol.ConnectParams, issuedNonce string) (*VerifiedDevice, error) {
	dev := params.Device
	if dev == nil {
		return nil, ErrMissingDevice
	}

	if issuedNonce == "" || dev.Nonce != issuedNonce {
		return nil, ErrNonceMismatch
	}

	raw, err := base64.RawURLEncoding.DecodeString(dev.PublicKey)
	if err != nil || len(raw) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	pub := ed25519.PublicKey(raw)

	if identity.DeviceIDFromPublicKey(pub) != dev.ID {
		return nil, ErrDeviceIDMismatch
	}

	signedAt := time.UnixMilli(dev.SignedAt)
	skew := v.now().Sub(signedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.maxSkew {
		return nil, fmt.Errorf("%w: %s", ErrSignatureExpired, skew.Round(time.Second))
	}

	sig, err := base64.RawURLEncoding.DecodeString(dev.Signature)
	if err != nil {
		return nil, ErrInvalidSignature
	}

	var token string
	if params.Auth != nil {
		token = params.Auth.Token
	}
	message := protocol.DeviceAuthPayload{
		DeviceID:   dev.ID,
		ClientID:   params.Client.ID,
		ClientMode: params.Client.Mode,
		Role:       params.Role,
		Scopes:     params.Scopes,
		SignedAtMs: dev.SignedAt,
		Token:      token,
		Nonce:      dev.Nonce,
	}.String()
	if !ed25519.Verify(pub, []byte(message), sig) {
		return nil, ErrInvalidSignature
	}

	// Only verified proofs consume a nonce.
	if v.nonceCache.CheckAndMark(dev.ID + ":" + dev.Nonce) {
		return nil, ErrNonceAlreadyUsed
	}

	return &VerifiedDevice{
		DeviceID:    dev.ID,
		PublicKey:   pub,
		Fingerprint: ComputeFingerprint(pub),
	}, nil
}

// ComputeFingerprint returns the OpenSSH SHA256 fingerprint of an Ed25519 key.
func ComputeFingerprint(pub ed25519.PublicKey) string {
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return ""
	}
	return ssh.FingerprintSHA256(sshPub)
}
