package jwtx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keywarden/keywarden/pkg/cryptox"
)

func newTestSigner(t *testing.T, algorithm, kid string) Signer {
	t.Helper()

	var (
		pemData []byte
		err     error
	)
	switch algorithm {
	case AlgorithmEdDSA:
		pemData, err = cryptox.GenerateEd25519Key()
	case AlgorithmES256:
		pemData, err = cryptox.GenerateES256Key()
	}
	require.NoError(t, err)

	signer, err := NewSigner(algorithm, kid, pemData)
	require.NoError(t, err)
	require.NoError(t, signer.Validate())
	return signer
}

func TestSignAndVerify(t *testing.T) {
	t.Parallel()

	for _, algorithm := range []string{AlgorithmEdDSA, AlgorithmES256} {
		algorithm := algorithm
		t.Run(algorithm, func(t *testing.T) {
			t.Parallel()

			signer := newTestSigner(t, algorithm, "test-"+algorithm)

			claims := NewSessionClaims(
				"user-1", "handle-1", "tenant-1",
				map[string]any{"role": "admin"},
				"", time.Minute, "issuer", time.Now().UTC(),
			)
			token, err := signer.Sign(claims)
			require.NoError(t, err)

			keys := NewKeySet()
			require.NoError(t, keys.AddSigner(signer))

			verifier := NewVerifier(keys, "issuer", time.Second)
			got, err := verifier.Verify(token)
			require.NoError(t, err)
			require.Equal(t, "user-1", got.Subject)
			require.Equal(t, "handle-1", got.Handle)
			require.Equal(t, "tenant-1", got.TenantID)
			require.Equal(t, "admin", got.UserData["role"])
		})
	}
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()

	signer := newTestSigner(t, AlgorithmEdDSA, "known-kid")
	keys := NewKeySet()
	require.NoError(t, keys.AddSigner(signer))

	mint := func(issuer string) string {
		claims := NewSessionClaims("u", "h", "", nil, "", time.Minute, issuer, time.Now().UTC())
		token, err := signer.Sign(claims)
		require.NoError(t, err)
		return token
	}

	t.Run("unknown kid", func(t *testing.T) {
		stranger := newTestSigner(t, AlgorithmEdDSA, "stranger-kid")
		claims := NewSessionClaims("u", "h", "", nil, "", time.Minute, "issuer", time.Now().UTC())
		token, err := stranger.Sign(claims)
		require.NoError(t, err)

		_, err = NewVerifier(keys, "issuer", 0).Verify(token)
		require.ErrorIs(t, err, ErrUnknownKID)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		_, err := NewVerifier(keys, "expected-issuer", 0).Verify(mint("other-issuer"))
		require.ErrorIs(t, err, ErrIssuer)
	})

	t.Run("wrong signature key", func(t *testing.T) {
		// Same kid, different key material.
		impostor := newTestSigner(t, AlgorithmEdDSA, "known-kid")
		claims := NewSessionClaims("u", "h", "", nil, "", time.Minute, "issuer", time.Now().UTC())
		token, err := impostor.Sign(claims)
		require.NoError(t, err)

		_, err = NewVerifier(keys, "issuer", 0).Verify(token)
		require.Error(t, err)
	})

	t.Run("garbage token", func(t *testing.T) {
		_, err := NewVerifier(keys, "issuer", 0).Verify("not.a.jwt")
		require.Error(t, err)
	})
}

func TestClaimsValidateExpiry(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	claims := NewSessionClaims("u", "h", "", nil, "", time.Minute, "iss", now)

	require.NoError(t, claims.ValidateExpiryAt(now, 0))
	require.NoError(t, claims.ValidateExpiryAt(now.Add(time.Minute), 5*time.Second))
	require.ErrorIs(t, claims.ValidateExpiryAt(now.Add(2*time.Minute), 0), ErrExpired)
	require.ErrorIs(t, claims.ValidateExpiryAt(now.Add(-time.Minute), 0), ErrNotYetValid)
}

func TestKeySet(t *testing.T) {
	t.Parallel()

	a := newTestSigner(t, AlgorithmEdDSA, "kid-a")
	b := newTestSigner(t, AlgorithmES256, "kid-b")

	keys := NewKeySet()
	require.False(t, keys.IsReady())

	require.NoError(t, keys.AddSigner(a))
	require.NoError(t, keys.AddSigner(b))
	require.True(t, keys.IsReady())

	t.Run("duplicate kid is a no-op", func(t *testing.T) {
		require.NoError(t, keys.AddSigner(a))
		require.Len(t, keys.PublicJWKS().Keys, 2)
	})

	t.Run("get by kid", func(t *testing.T) {
		_, err := keys.Get("kid-a")
		require.NoError(t, err)
		_, err = keys.Get("kid-missing")
		require.ErrorIs(t, err, ErrNoKey)
	})

	t.Run("reset drops absent kids", func(t *testing.T) {
		require.NoError(t, keys.Reset([]JWK{b.PublicJWK()}))

		_, err := keys.Get("kid-a")
		require.ErrorIs(t, err, ErrNoKey)
		_, err = keys.Get("kid-b")
		require.NoError(t, err)
		require.Len(t, keys.PublicJWKS().Keys, 1)
	})
}
