// ABOUTME: JWT device tokens issued in the hello payload after pairing
// ABOUTME: HS256 signed, subject is the device id, role and scopes ride as claims

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWrongDevice  = errors.New("token issued to a different device")
)

// DeviceClaims is the claim set of a device token.
type DeviceClaims struct {
	Role   string   `json:"role"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// DeviceGrant is what a verified device token entitles its holder to.
type DeviceGrant struct {
	DeviceID  string
	Role      string
	Scopes    []string
	ExpiresAt time.Time
}

// TokenIssuer signs and verifies device tokens with a shared secret.
type TokenIssuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. issuer is recorded in the iss claim.
func NewTokenIssuer(secret []byte, issuer string) *TokenIssuer {
	return &TokenIssuer{secret: secret, issuer: issuer, now: time.Now}
}

// Issue creates a token for deviceID with the given grant.
func (t *TokenIssuer) Issue(deviceID, role string, scopes []string, expiresIn time.Duration) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	now := t.now()
	claims := DeviceClaims{
		Role:   role,
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// Verify validates tokenString and returns the grant it carries.
func (t *TokenIssuer) Verify(tokenString string) (*DeviceGrant, error) {
	claims := &DeviceClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithTimeFunc(t.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}

	grant := &DeviceGrant{
		DeviceID: claims.Subject,
		Role:     claims.Role,
		Scopes:   claims.Scopes,
	}
	if claims.ExpiresAt != nil {
		grant.ExpiresAt = claims.ExpiresAt.Time
	}
	return grant, nil
}

// VerifyFor validates tokenString and requires it to belong to deviceID.
func (t *TokenIssuer) VerifyFor(tokenString, deviceID string) (*DeviceGrant, error) {
	grant, err := t.Verify(tokenString)
	if err != nil {
		return nil, err
	}
	if grant.DeviceID != deviceID {
		return nil, ErrWrongDevice
	}
	return grant, nil
}
