package domain

import "time"

// Short-lived code kinds. The flows that mint and redeem these live above
// the core; the core stores them opaquely and sweeps the expired ones.
const (
	CodeKindPasswordReset = "password_reset"
	CodeKindPasswordless  = "passwordless"
	CodeKindSAMLRelay     = "saml_relay"
)

// ShortLivedCode is a one-shot code record (password reset tokens,
// passwordless login codes, SAML relay state).
type ShortLivedCode struct {
	ID        string // ULID
	TenantID  string
	AppID     string
	Kind      string
	CodeHash  string // fingerprint of the opaque code
	CreatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the code has passed its expiry.
func (c *ShortLivedCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
