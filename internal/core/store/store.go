package store

import (
	"context"
	"errors"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
)

var (
	// ErrNotFound reports that the addressed row does not exist. Not
	// retryable; callers surface it as a 4xx-equivalent.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict reports a logical conflict: a duplicate key insert or a
	// compare-and-set whose expectation no longer holds. Resolved by the
	// caller's protocol (idempotent-return, theft detection), never by
	// blind retry.
	ErrConflict = errors.New("store: conflict")

	// ErrUnavailable reports a transport-level failure (timeout, lost
	// connection). The whole operation is safe to retry from the caller
	// since every core operation is read-only or transactionally atomic.
	ErrUnavailable = errors.New("store: storage unavailable")
)

// Store is the root data access interface. Concrete drivers (sqlite,
// memory) implement this. It exposes sub-repositories to keep concerns tidy
// and testable, and to actively stop callers from accidentally opening
// transactions within transactions.
type Store interface {
	Sessions() Sessions
	SigningKeys() SigningKeys
	Codes() Codes

	ApplyMigrations() error

	// Tx starts a read/write transaction and returns a Tx-scoped Store.
	// Use it for multi-step operations that must be atomic (e.g., refresh
	// rotation). The caller MUST call Commit() or Rollback() on the
	// returned Tx.
	Tx(ctx context.Context) (Tx, error)

	// WithTx executes a function within a transaction.
	// If fn returns an error, the transaction is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(tx Tx) error) error

	// Close releases any underlying resources.
	Close() error

	// Ping verifies the backend is still reachable.
	Ping(ctx context.Context) error
}

// Tx is a transactional store. It embeds the same repos but adds Commit/Rollback.
type Tx interface {
	Store
	Commit() error
	Rollback() error
}

type Sessions interface {
	// CreateSession stores a new session record.
	CreateSession(ctx context.Context, s domain.SessionRecord) error

	// GetSession returns the record for a handle.
	GetSession(ctx context.Context, handle string) (domain.SessionRecord, error)

	// UpdateSessionCAS replaces the stored record only if its lineage
	// counter still equals expectedCounter. Returns ErrConflict when the
	// counter moved underneath the caller, ErrNotFound when the handle is
	// gone. This is the linearization point for concurrent refreshes.
	UpdateSessionCAS(ctx context.Context, s domain.SessionRecord, expectedCounter int64) error

	// DeleteSession removes a session. Deleting an absent handle is not an
	// error; revocation is idempotent.
	DeleteSession(ctx context.Context, handle string) error

	// DeleteSessionsForUser removes every session a user holds under a
	// tenant and reports how many were deleted.
	DeleteSessionsForUser(ctx context.Context, tenantID, userID string) (int64, error)

	// DeleteExpiredSessions removes sessions whose expiry precedes before.
	DeleteExpiredSessions(ctx context.Context, before time.Time) (int64, error)
}

type SigningKeys interface {
	// CreateSigningKey stores a new signing key. ErrConflict on a
	// duplicate kid.
	CreateSigningKey(ctx context.Context, key domain.SigningKey) error

	// InsertSigningKeyIfAbsent inserts key only when the app has no
	// unexpired key, and returns the key that won: the inserted one, or
	// the existing newest unexpired key. This is the storage-level
	// uniqueness guard that makes first-use bootstrap converge across
	// concurrent callers and process instances.
	InsertSigningKeyIfAbsent(ctx context.Context, key domain.SigningKey) (domain.SigningKey, error)

	// ListSigningKeys returns all keys for an app ordered by creation date
	// (newest first), including expired ones.
	ListSigningKeys(ctx context.Context, appID string) ([]domain.SigningKey, error)

	// DeleteSigningKeysBefore removes keys whose expiry precedes before,
	// except the key identified by keepKid. The keep guard is what
	// enforces current-key protection even under misconfigured expiry.
	DeleteSigningKeysBefore(ctx context.Context, appID string, before time.Time, keepKid string) (int64, error)
}

type Codes interface {
	// CreateCode stores a short-lived code record.
	CreateCode(ctx context.Context, c domain.ShortLivedCode) error

	// ConsumeCode atomically fetches and deletes a code by its fingerprint.
	// ErrNotFound when absent or already consumed.
	ConsumeCode(ctx context.Context, codeHash string) (domain.ShortLivedCode, error)

	// DeleteExpiredCodes removes codes whose expiry precedes before.
	DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error)
}
