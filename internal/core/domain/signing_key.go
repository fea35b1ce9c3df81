package domain

import "time"

// SigningKey represents an access-token signing key with support for
// overlapping-validity rotation. Keys are scoped to an app (all tenants
// under an app share them, so tokens verify across a tenant's aliases) and
// encrypted at rest. Multiple keys may be valid at once: the newest
// unexpired key signs, the rest are verification-only until they expire.
type SigningKey struct {
	ID                  string // ULID
	AppID               string
	Kid                 string // Key identifier in JWKS
	Algorithm           string // EdDSA or ES256
	PrivateKeyEncrypted []byte // AES-256-GCM encrypted private key PEM
	CreatedAt           time.Time
	ExpiresAt           time.Time
}

// IsValid reports whether the key may still verify tokens.
func (k *SigningKey) IsValid(now time.Time) bool {
	return now.Before(k.ExpiresAt)
}

// IsExpired reports whether the key has passed its expiration time.
func (k *SigningKey) IsExpired(now time.Time) bool {
	return now.After(k.ExpiresAt)
}
