// ABOUTME: Unit tests for device token issuing and verification
// ABOUTME: Tests valid tokens, invalid tokens, expired tokens, and device binding

package auth

import (
	"errors"
	"testing"
	"time"
)

var testSecret = []byte("test-secret-key-for-jwt-signing")

func TestTokenIssuer_ValidToken(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, "test-gateway")

	token, err := issuer.Issue("device-123", "operator", []string{"operator.read", "operator.write"}, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	grant, err := issuer.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	if grant.DeviceID != "device-123" {
		t.Errorf("DeviceID = %q, want %q", grant.DeviceID, "device-123")
	}
	if grant.Role != "operator" {
		t.Errorf("Role = %q, want %q", grant.Role, "operator")
	}
	if len(grant.Scopes) != 2 || grant.Scopes[1] != "operator.write" {
		t.Errorf("Scopes = %v", grant.Scopes)
	}
	if grant.ExpiresAt.IsZero() {
		t.Error("ExpiresAt should be set")
	}
}

func TestTokenIssuer_InvalidToken(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, "test-gateway")

	tests := []struct {
		name  string
		token string
	}{
		{
			name:  "empty token",
			token: "",
		},
		{
			name:  "garbage token",
			token: "not-a-jwt-token",
		},
		{
			name:  "malformed JWT",
			token: "header.payload.signature",
		},
		{
			name: "wrong secret",
			token: func() string {
				other := NewTokenIssuer([]byte("different-secret"), "test-gateway")
				token, _ := other.Issue("device-123", "operator", nil, time.Hour)
				return token
			}(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := issuer.Verify(tt.token)
			if err == nil {
				t.Fatal("Verify() should have returned an error")
			}
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("Verify() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestTokenIssuer_ExpiredToken(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, "test-gateway")

	token, err := issuer.Issue("device-123", "operator", nil, -time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	_, err = issuer.Verify(token)
	if !errors.Is(err, ErrExpiredToken) {
		t.Errorf("Verify() error = %v, want ErrExpiredToken", err)
	}
}

func TestTokenIssuer_IssueRequiresDevice(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, "test-gateway")

	_, err := issuer.Issue("", "operator", nil, time.Hour)
	if !errors.Is(err, ErrMissingClaim) {
		t.Errorf("Issue() error = %v, want ErrMissingClaim", err)
	}
}

func TestTokenIssuer_VerifyFor(t *testing.T) {
	issuer := NewTokenIssuer(testSecret, "test-gateway")

	token, err := issuer.Issue("device-a", "operator", nil, time.Hour)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	if _, err := issuer.VerifyFor(token, "device-a"); err != nil {
		t.Errorf("VerifyFor(device-a) error = %v", err)
	}
	if _, err := issuer.VerifyFor(token, "device-b"); !errors.Is(err, ErrWrongDevice) {
		t.Errorf("VerifyFor(device-b) error = %v, want ErrWrongDevice", err)
	}
}
