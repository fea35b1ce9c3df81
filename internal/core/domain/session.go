package domain

import "time"

// SessionRecord is the stored state for one session handle. The session
// service is the only writer; the handle stays stable across refreshes while
// the refresh token hash and counter advance on every rotation.
type SessionRecord struct {
	Handle   string
	TenantID string
	AppID    string
	UserID   string

	// RefreshTokenHash is the fingerprint of the latest issued refresh
	// token. PrevRefreshTokenHash keeps the previous generation around so a
	// retransmitted refresh inside the grace window can be told apart from
	// a stolen token.
	RefreshTokenHash     string
	PrevRefreshTokenHash string

	// Counter is the monotonic lineage counter embedded in refresh tokens.
	// A presented token whose counter trails the stored value signals a
	// forked lineage (token theft) once the grace window has passed.
	Counter int64

	// SigningKeyID is the kid of the key that signed the current access
	// token. Updated on refresh, so it may differ from the creation-time kid.
	SigningKeyID string

	// AntiCSRFToken is set only for cookie-transported deployments.
	AntiCSRFToken string

	// UserData is the caller-supplied payload embedded in access tokens.
	UserData map[string]any

	CreatedAt time.Time
	RotatedAt time.Time
	ExpiresAt time.Time
}

// IsExpired reports whether the session has passed its expiry.
func (s *SessionRecord) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// SessionInformation is what create/refresh hand back to the transport
// layer: the stable handle plus the freshly minted token material.
type SessionInformation struct {
	Handle        string
	UserID        string
	TenantID      string
	AccessToken   string
	RefreshToken  string
	AntiCSRFToken string // empty in header-based deployments
	ExpiresAt     time.Time
}

// SessionClaims is the result of validating an access token.
type SessionClaims struct {
	Handle   string
	UserID   string
	TenantID string
	UserData map[string]any
	Expiry   time.Time
}
