package jwtx

import (
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Default token TTL constants. These provide sensible security defaults but
// can be overridden per-deployment.
const (
	// DefaultAccessTokenTTL is the default lifetime for access tokens.
	// Short-lived for security - typical range is 15m to 1h.
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL is the default lifetime for refresh tokens
	// (and therefore sessions). Longer-lived for user convenience.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour
)

// Claims are the access-token claims carried by session tokens. We keep
// changes additive to preserve compatibility for verifiers on older versions.
type Claims struct {
	jwt.RegisteredClaims

	// Handle is the stable session identifier that survives refreshes.
	Handle string `json:"sessionHandle,omitempty"`

	// TenantID identifies the tenant the session was created under.
	TenantID string `json:"tenantId,omitempty"`

	// AntiCSRF is the anti-CSRF token bound to the session, present only
	// for cookie-transported deployments. Verifiers compare it against the
	// value presented in the companion header.
	AntiCSRF string `json:"antiCsrfToken,omitempty"`

	// UserData is the caller-supplied payload embedded at session creation.
	// It travels with the token so validation stays storage-free.
	UserData map[string]any `json:"userData,omitempty"`
}

// NewSessionClaims builds minimally-correct claims for a session access token.
func NewSessionClaims(
	userID, handle, tenantID string,
	userData map[string]any,
	antiCSRF string,
	ttl time.Duration,
	issuer string,
	now time.Time,
) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        NewJTI(),
		},
		Handle:   handle,
		TenantID: tenantID,
		AntiCSRF: antiCSRF,
		UserData: userData,
	}
}

// NewJTI returns a URL-safe random identifier for the "jti" claim.
func NewJTI() string {
	var b [20]byte
	_, _ = rand.Read(b[:])
	return base64.RawURLEncoding.EncodeToString(b[:])
}

// ValidateIssuer checks if the issuer matches expected value.
func (c *Claims) ValidateIssuer(expected string) error {
	if expected == "" {
		return nil // nothing to enforce
	}

	if c.Issuer != expected {
		return ErrIssuer
	}

	return nil
}

// ValidateExpiryAt ensures the token hasn't expired (exp) and isn't used
// before it is valid (nbf), with a small leeway for clock skew.
func (c *Claims) ValidateExpiryAt(now time.Time, leeway time.Duration) error {
	if c.ExpiresAt != nil && now.After(c.ExpiresAt.Add(leeway)) {
		return ErrExpired
	}

	if c.NotBefore != nil && now.Before(c.NotBefore.Add(-leeway)) {
		return ErrNotYetValid
	}

	return nil
}
