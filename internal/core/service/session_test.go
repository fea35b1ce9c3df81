package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
	"github.com/keywarden/keywarden/internal/core/store/drivers/memory"
)

type sessionFixture struct {
	svc  *SessionService
	key  domain.TenantKey
	st   *memory.Store
	ring *Keyring
	now  *time.Time
}

func newSessionFixture(t *testing.T, cfg SessionConfig) *sessionFixture {
	return newSessionFixtureWithKeyring(t, cfg, KeyringConfig{})
}

func newSessionFixtureWithKeyring(t *testing.T, cfg SessionConfig, ringCfg KeyringConfig) *sessionFixture {
	t.Helper()

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	now := &base

	st := memory.NewStore()
	ring := NewKeyring("app-1", st, ringCfg, nil)
	ring.now = func() time.Time { return *now }

	registry := NewRegistry(nil)
	key := domain.TenantKey{AppID: "app-1", TenantID: "tenant-1"}
	_, err := registry.Set(key, func(domain.TenantKey) (*Resources, error) {
		return &Resources{Store: st, Keys: ring}, nil
	})
	require.NoError(t, err)

	svc := NewSessionService(registry, cfg, nil)
	svc.now = func() time.Time { return *now }

	return &sessionFixture{svc: svc, key: key, st: st, ring: ring, now: now}
}

func TestCreateThenValidate(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	info, err := f.svc.CreateSession(ctx, f.key, "user-1", map[string]any{"role": "editor"})
	require.NoError(t, err)
	require.NotEmpty(t, info.Handle)
	require.NotEmpty(t, info.AccessToken)
	require.NotEmpty(t, info.RefreshToken)
	require.Empty(t, info.AntiCSRFToken)

	claims, err := f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, "")
	require.NoError(t, err)
	require.Equal(t, "user-1", claims.UserID)
	require.Equal(t, info.Handle, claims.Handle)
	require.Equal(t, "tenant-1", claims.TenantID)
	require.Equal(t, "editor", claims.UserData["role"])

	t.Run("tampered token is rejected", func(t *testing.T) {
		_, err := f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken+"x", "")
		require.ErrorIs(t, err, ErrUnauthorised)
	})

	t.Run("unknown tenant", func(t *testing.T) {
		stranger := domain.TenantKey{AppID: "app-x"}
		_, err := f.svc.CreateSession(ctx, stranger, "user-1", nil)
		require.ErrorIs(t, err, ErrTenantNotFound)
	})
}

func TestRefreshRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	created, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	handle, counter, err := parseRefreshToken(created.RefreshToken)
	require.NoError(t, err)
	require.Equal(t, created.Handle, handle)
	require.EqualValues(t, 0, counter)

	first, err := f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
	require.NoError(t, err)
	require.Equal(t, created.Handle, first.Handle)
	require.NotEqual(t, created.RefreshToken, first.RefreshToken)

	_, counter, err = parseRefreshToken(first.RefreshToken)
	require.NoError(t, err)
	require.EqualValues(t, 1, counter)

	second, err := f.svc.RefreshSession(ctx, f.key, first.RefreshToken, "")
	require.NoError(t, err)

	_, counter, err = parseRefreshToken(second.RefreshToken)
	require.NoError(t, err)
	require.EqualValues(t, 2, counter)

	claims, err := f.svc.ValidateAccessToken(ctx, f.key, second.AccessToken, "")
	require.NoError(t, err)
	require.Equal(t, created.Handle, claims.Handle)
}

func TestRefreshGraceWindow(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test", RefreshGraceWindow: time.Minute})

	created, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	_, err = f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
	require.NoError(t, err)

	t.Run("retransmit inside the window is honoured", func(t *testing.T) {
		*f.now = f.now.Add(30 * time.Second)

		reissued, err := f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
		require.NoError(t, err)

		// Reissued at the current generation, not a new one.
		_, counter, err := parseRefreshToken(reissued.RefreshToken)
		require.NoError(t, err)
		require.EqualValues(t, 1, counter)

		// The lineage continues from the reissued token.
		next, err := f.svc.RefreshSession(ctx, f.key, reissued.RefreshToken, "")
		require.NoError(t, err)
		_, counter, err = parseRefreshToken(next.RefreshToken)
		require.NoError(t, err)
		require.EqualValues(t, 2, counter)
	})
}

func TestTokenTheftDetection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test", RefreshGraceWindow: time.Minute})

	created, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	t.Run("stale token outside the grace window", func(t *testing.T) {
		_, err := f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
		require.NoError(t, err)

		*f.now = f.now.Add(2 * time.Minute)

		_, err = f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
		var theft *TokenTheftDetectedError
		require.ErrorAs(t, err, &theft)
		require.Equal(t, created.Handle, theft.Handle)
		require.Equal(t, "user-1", theft.UserID)

		// The session was revoked as part of detection.
		_, err = f.st.Sessions().GetSession(ctx, created.Handle)
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("token trailing by more than one generation", func(t *testing.T) {
		first, err := f.svc.CreateSession(ctx, f.key, "user-2", nil)
		require.NoError(t, err)

		second, err := f.svc.RefreshSession(ctx, f.key, first.RefreshToken, "")
		require.NoError(t, err)
		_, err = f.svc.RefreshSession(ctx, f.key, second.RefreshToken, "")
		require.NoError(t, err)

		// Two generations behind, the fingerprint is no longer on record, so
		// issuance cannot be proven and the token is simply unauthorised. The
		// session stays alive for the holder of the current lineage.
		_, err = f.svc.RefreshSession(ctx, f.key, first.RefreshToken, "")
		require.ErrorIs(t, err, ErrUnauthorised)

		_, err = f.st.Sessions().GetSession(ctx, first.Handle)
		require.NoError(t, err)
	})
}

func TestForgedRefreshTokenCannotRevoke(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	victim, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	// The handle travels in clear inside every token, so an attacker can
	// always fabricate well-formed tokens around it. None of these were ever
	// issued; all must bounce without touching the session.
	for _, token := range []string{
		fmt.Sprintf("v1.%s.99.attacker-guess", victim.Handle),
		fmt.Sprintf("v1.%s.0.wrong-opaque", victim.Handle),
		fmt.Sprintf("v1.%s.1.wrong-opaque", victim.Handle),
	} {
		_, err = f.svc.RefreshSession(ctx, f.key, token, "")
		require.ErrorIs(t, err, ErrUnauthorised, "token %q", token)
	}

	_, err = f.st.Sessions().GetSession(ctx, victim.Handle)
	require.NoError(t, err)

	// The genuine token still rotates normally afterwards.
	_, err = f.svc.RefreshSession(ctx, f.key, victim.RefreshToken, "")
	require.NoError(t, err)
}

func TestRefreshRejections(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	t.Run("unknown handle", func(t *testing.T) {
		_, err := f.svc.RefreshSession(ctx, f.key, "v1.01ARZ3NDEKTSV4RRFFQ69G5FAV.0.opaque", "")
		require.ErrorIs(t, err, ErrUnknownSession)
	})

	t.Run("malformed tokens", func(t *testing.T) {
		for _, token := range []string{
			"",
			"v1.handle.0",
			"v2.handle.0.opaque",
			"v1.handle.NaN.opaque",
			"v1.handle.-1.opaque",
			"v1..0.opaque",
		} {
			_, err := f.svc.RefreshSession(ctx, f.key, token, "")
			require.ErrorIs(t, err, ErrUnauthorised, "token %q", token)
		}
	})

	t.Run("expired session", func(t *testing.T) {
		created, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
		require.NoError(t, err)

		*f.now = f.now.Add(31 * 24 * time.Hour)

		_, err = f.svc.RefreshSession(ctx, f.key, created.RefreshToken, "")
		require.ErrorIs(t, err, ErrUnauthorised)

		// Expired sessions are dropped on contact.
		_, err = f.st.Sessions().GetSession(ctx, created.Handle)
		require.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestAntiCSRFCookieMode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test", AntiCSRFMode: AntiCSRFModeCookie})

	info, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)
	require.NotEmpty(t, info.AntiCSRFToken)

	t.Run("validate requires the matching token", func(t *testing.T) {
		_, err := f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, info.AntiCSRFToken)
		require.NoError(t, err)

		_, err = f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, "wrong")
		require.ErrorIs(t, err, ErrUnauthorised)

		_, err = f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, "")
		require.ErrorIs(t, err, ErrUnauthorised)
	})

	t.Run("refresh requires the matching token", func(t *testing.T) {
		_, err := f.svc.RefreshSession(ctx, f.key, info.RefreshToken, "wrong")
		require.ErrorIs(t, err, ErrUnauthorised)

		refreshed, err := f.svc.RefreshSession(ctx, f.key, info.RefreshToken, info.AntiCSRFToken)
		require.NoError(t, err)
		require.Equal(t, info.AntiCSRFToken, refreshed.AntiCSRFToken)
	})
}

func TestRevocation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test", CheckRevocation: true})

	info, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	_, err = f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, "")
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeSession(ctx, f.key, info.Handle))

	t.Run("revocation is idempotent", func(t *testing.T) {
		require.NoError(t, f.svc.RevokeSession(ctx, f.key, info.Handle))
	})

	t.Run("revoked session fails validation immediately", func(t *testing.T) {
		_, err := f.svc.ValidateAccessToken(ctx, f.key, info.AccessToken, "")
		require.ErrorIs(t, err, ErrUnauthorised)
	})

	t.Run("revoked session cannot refresh", func(t *testing.T) {
		_, err := f.svc.RefreshSession(ctx, f.key, info.RefreshToken, "")
		require.ErrorIs(t, err, ErrUnknownSession)
	})
}

func TestRevokeAllForUser(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	_, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)
	_, err = f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)
	other, err := f.svc.CreateSession(ctx, f.key, "user-2", nil)
	require.NoError(t, err)

	n, err := f.svc.RevokeAllForUser(ctx, f.key, "user-1")
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = f.st.Sessions().GetSession(ctx, other.Handle)
	require.NoError(t, err)

	t.Run("no sessions left", func(t *testing.T) {
		n, err := f.svc.RevokeAllForUser(ctx, f.key, "user-1")
		require.NoError(t, err)
		require.Zero(t, n)
	})
}

func TestValidateAcrossRotation(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixtureWithKeyring(t, SessionConfig{Issuer: "test"}, KeyringConfig{
		KeyValidity:       time.Hour,
		RotationThreshold: 50 * time.Minute,
	})

	before, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	// Ten minutes in, the key's remaining validity is under the threshold.
	*f.now = f.now.Add(10 * time.Minute)
	rotated, err := f.ring.RotateIfNeeded(ctx)
	require.NoError(t, err)
	require.True(t, rotated)

	// Fresh sessions sign with the new key; the verifier discovers the new
	// kid on demand.
	after, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)
	claims, err := f.svc.ValidateAccessToken(ctx, f.key, after.AccessToken, "")
	require.NoError(t, err)
	require.Equal(t, after.Handle, claims.Handle)

	// The pre-rotation token is inside its own TTL and its key is still
	// valid, so it verifies too.
	claims, err = f.svc.ValidateAccessToken(ctx, f.key, before.AccessToken, "")
	require.NoError(t, err)
	require.Equal(t, before.Handle, claims.Handle)

	// Refreshing the old session re-signs with the new key.
	refreshed, err := f.svc.RefreshSession(ctx, f.key, before.RefreshToken, "")
	require.NoError(t, err)

	rec, err := f.st.Sessions().GetSession(ctx, refreshed.Handle)
	require.NoError(t, err)
	current, err := f.ring.Current(ctx)
	require.NoError(t, err)
	require.Equal(t, current.Kid, rec.SigningKeyID)
}

func TestGetJWKS(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newSessionFixture(t, SessionConfig{Issuer: "test"})

	_, err := f.svc.CreateSession(ctx, f.key, "user-1", nil)
	require.NoError(t, err)

	jwks, err := f.svc.GetJWKS(ctx, f.key)
	require.NoError(t, err)
	require.Len(t, jwks.Keys, 1)
	require.Equal(t, "OKP", jwks.Keys[0].Kty)
}
