package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
	"github.com/keywarden/keywarden/pkg/idx"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := NewStore(":memory:")
	require.NoError(t, err)
	require.NoError(t, s.ApplyMigrations())
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSession(handle string) domain.SessionRecord {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.SessionRecord{
		Handle:           handle,
		TenantID:         "tenant-1",
		AppID:            "app-1",
		UserID:           "user-1",
		RefreshTokenHash: "hash-0",
		Counter:          0,
		SigningKeyID:     "kid-1",
		UserData:         map[string]any{"plan": "pro"},
		CreatedAt:        now,
		RotatedAt:        now,
		ExpiresAt:        now.Add(time.Hour),
	}
}

func TestSessions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	t.Run("create and get round trip", func(t *testing.T) {
		rec := testSession("handle-rt")
		require.NoError(t, s.Sessions().CreateSession(ctx, rec))

		got, err := s.Sessions().GetSession(ctx, "handle-rt")
		require.NoError(t, err)
		require.Equal(t, rec.UserID, got.UserID)
		require.Equal(t, rec.RefreshTokenHash, got.RefreshTokenHash)
		require.Equal(t, "pro", got.UserData["plan"])
		require.True(t, rec.ExpiresAt.Equal(got.ExpiresAt))
	})

	t.Run("duplicate handle conflicts", func(t *testing.T) {
		rec := testSession("handle-dup")
		require.NoError(t, s.Sessions().CreateSession(ctx, rec))
		require.ErrorIs(t, s.Sessions().CreateSession(ctx, rec), store.ErrConflict)
	})

	t.Run("get missing handle", func(t *testing.T) {
		_, err := s.Sessions().GetSession(ctx, "nope")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("cas succeeds on expected counter", func(t *testing.T) {
		rec := testSession("handle-cas")
		require.NoError(t, s.Sessions().CreateSession(ctx, rec))

		rec.Counter = 1
		rec.PrevRefreshTokenHash = rec.RefreshTokenHash
		rec.RefreshTokenHash = "hash-1"
		require.NoError(t, s.Sessions().UpdateSessionCAS(ctx, rec, 0))

		got, err := s.Sessions().GetSession(ctx, "handle-cas")
		require.NoError(t, err)
		require.EqualValues(t, 1, got.Counter)
		require.Equal(t, "hash-1", got.RefreshTokenHash)
		require.Equal(t, "hash-0", got.PrevRefreshTokenHash)
	})

	t.Run("cas conflicts on moved counter", func(t *testing.T) {
		rec := testSession("handle-cas2")
		require.NoError(t, s.Sessions().CreateSession(ctx, rec))

		rec.Counter = 1
		require.NoError(t, s.Sessions().UpdateSessionCAS(ctx, rec, 0))
		require.ErrorIs(t, s.Sessions().UpdateSessionCAS(ctx, rec, 0), store.ErrConflict)
	})

	t.Run("cas on missing handle is not found", func(t *testing.T) {
		rec := testSession("handle-gone")
		require.ErrorIs(t, s.Sessions().UpdateSessionCAS(ctx, rec, 0), store.ErrNotFound)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		rec := testSession("handle-del")
		require.NoError(t, s.Sessions().CreateSession(ctx, rec))
		require.NoError(t, s.Sessions().DeleteSession(ctx, "handle-del"))
		require.NoError(t, s.Sessions().DeleteSession(ctx, "handle-del"))

		_, err := s.Sessions().GetSession(ctx, "handle-del")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delete sessions for user", func(t *testing.T) {
		for _, h := range []string{"u2-a", "u2-b"} {
			rec := testSession(h)
			rec.UserID = "user-2"
			require.NoError(t, s.Sessions().CreateSession(ctx, rec))
		}
		other := testSession("u3-a")
		other.UserID = "user-3"
		require.NoError(t, s.Sessions().CreateSession(ctx, other))

		n, err := s.Sessions().DeleteSessionsForUser(ctx, "tenant-1", "user-2")
		require.NoError(t, err)
		require.EqualValues(t, 2, n)

		_, err = s.Sessions().GetSession(ctx, "u3-a")
		require.NoError(t, err)
	})

	t.Run("delete expired sessions", func(t *testing.T) {
		expired := testSession("handle-exp")
		expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
		require.NoError(t, s.Sessions().CreateSession(ctx, expired))

		n, err := s.Sessions().DeleteExpiredSessions(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.GreaterOrEqual(t, n, int64(1))

		_, err = s.Sessions().GetSession(ctx, "handle-exp")
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func testKey(appID, kid string, expiresAt time.Time) domain.SigningKey {
	return domain.SigningKey{
		ID:                  idx.New().String(),
		AppID:               appID,
		Kid:                 kid,
		Algorithm:           "EdDSA",
		PrivateKeyEncrypted: []byte("encrypted-pem"),
		CreatedAt:           time.Now().UTC().Truncate(time.Second),
		ExpiresAt:           expiresAt.Truncate(time.Second),
	}
}

func TestSigningKeys(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	future := time.Now().UTC().Add(24 * time.Hour)

	t.Run("duplicate kid conflicts", func(t *testing.T) {
		require.NoError(t, s.SigningKeys().CreateSigningKey(ctx, testKey("app-a", "kid-1", future)))
		require.ErrorIs(t,
			s.SigningKeys().CreateSigningKey(ctx, testKey("app-a", "kid-1", future)),
			store.ErrConflict)
	})

	t.Run("insert if absent inserts into empty app", func(t *testing.T) {
		candidate := testKey("app-b", "kid-b1", future)
		winner, err := s.SigningKeys().InsertSigningKeyIfAbsent(ctx, candidate)
		require.NoError(t, err)
		require.Equal(t, candidate.Kid, winner.Kid)
	})

	t.Run("insert if absent returns existing winner", func(t *testing.T) {
		loser := testKey("app-b", "kid-b2", future)
		winner, err := s.SigningKeys().InsertSigningKeyIfAbsent(ctx, loser)
		require.NoError(t, err)
		require.Equal(t, "kid-b1", winner.Kid)

		keys, err := s.SigningKeys().ListSigningKeys(ctx, "app-b")
		require.NoError(t, err)
		require.Len(t, keys, 1)
	})

	t.Run("insert if absent ignores expired keys", func(t *testing.T) {
		expired := testKey("app-c", "kid-c1", time.Now().UTC().Add(-time.Hour))
		require.NoError(t, s.SigningKeys().CreateSigningKey(ctx, expired))

		fresh := testKey("app-c", "kid-c2", future)
		winner, err := s.SigningKeys().InsertSigningKeyIfAbsent(ctx, fresh)
		require.NoError(t, err)
		require.Equal(t, "kid-c2", winner.Kid)
	})

	t.Run("delete before honours keep kid", func(t *testing.T) {
		old := time.Now().UTC().Add(-48 * time.Hour)
		require.NoError(t, s.SigningKeys().CreateSigningKey(ctx, testKey("app-d", "kid-d1", old)))
		require.NoError(t, s.SigningKeys().CreateSigningKey(ctx, testKey("app-d", "kid-d2", old)))

		n, err := s.SigningKeys().DeleteSigningKeysBefore(ctx, "app-d", time.Now().UTC(), "kid-d2")
		require.NoError(t, err)
		require.EqualValues(t, 1, n)

		keys, err := s.SigningKeys().ListSigningKeys(ctx, "app-d")
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Equal(t, "kid-d2", keys[0].Kid)
	})

	t.Run("list is scoped to app", func(t *testing.T) {
		keys, err := s.SigningKeys().ListSigningKeys(ctx, "app-a")
		require.NoError(t, err)
		for _, k := range keys {
			require.Equal(t, "app-a", k.AppID)
		}
	})
}

func TestCodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	code := domain.ShortLivedCode{
		ID:        idx.New().String(),
		TenantID:  "tenant-1",
		AppID:     "app-1",
		Kind:      domain.CodeKindPasswordReset,
		CodeHash:  "code-hash-1",
		CreatedAt: now,
		ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, s.Codes().CreateCode(ctx, code))

	t.Run("consume is one shot", func(t *testing.T) {
		got, err := s.Codes().ConsumeCode(ctx, "code-hash-1")
		require.NoError(t, err)
		require.Equal(t, code.ID, got.ID)
		require.Equal(t, code.Kind, got.Kind)

		_, err = s.Codes().ConsumeCode(ctx, "code-hash-1")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("delete expired codes", func(t *testing.T) {
		stale := code
		stale.ID = idx.New().String()
		stale.CodeHash = "code-hash-stale"
		stale.ExpiresAt = now.Add(-time.Minute)
		require.NoError(t, s.Codes().CreateCode(ctx, stale))

		n, err := s.Codes().DeleteExpiredCodes(ctx, time.Now().UTC())
		require.NoError(t, err)
		require.EqualValues(t, 1, n)
	})
}

func TestWithTx(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := newTestStore(t)

	t.Run("rollback on error", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			require.NoError(t, tx.Sessions().CreateSession(ctx, testSession("tx-rollback")))
			return store.ErrConflict
		})
		require.ErrorIs(t, err, store.ErrConflict)

		_, err = s.Sessions().GetSession(ctx, "tx-rollback")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("commit on success", func(t *testing.T) {
		err := s.WithTx(ctx, func(tx store.Tx) error {
			return tx.Sessions().CreateSession(ctx, testSession("tx-commit"))
		})
		require.NoError(t, err)

		_, err = s.Sessions().GetSession(ctx, "tx-commit")
		require.NoError(t, err)
	})
}
