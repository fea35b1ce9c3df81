package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
	"github.com/keywarden/keywarden/pkg/cryptox"
	"github.com/keywarden/keywarden/pkg/idx"
	"github.com/keywarden/keywarden/pkg/jwtx"
)

// clockSkewMargin pads expiry comparisons so a token signed just before a key
// expired still verifies on nodes with slightly trailing clocks.
const clockSkewMargin = 5 * time.Minute

// KeyringConfig controls key generation and rotation for one app.
type KeyringConfig struct {
	// Algorithm is jwtx.AlgorithmEdDSA (default) or jwtx.AlgorithmES256.
	Algorithm string

	// KeyValidity is how long a freshly minted key may sign and verify.
	KeyValidity time.Duration

	// RotationThreshold triggers a new key once the current key's remaining
	// validity drops below it. The outgoing key keeps verifying until its
	// own expiry, so rotation never invalidates live access tokens.
	RotationThreshold time.Duration

	// AccessTokenTTL sizes the cleanup margin: an expired key is only
	// deleted once no access token it signed can still be in flight.
	AccessTokenTTL time.Duration
}

func (c *KeyringConfig) applyDefaults() {
	if c.Algorithm == "" {
		c.Algorithm = jwtx.AlgorithmEdDSA
	}
	if c.KeyValidity <= 0 {
		c.KeyValidity = 30 * 24 * time.Hour
	}
	if c.RotationThreshold <= 0 {
		c.RotationThreshold = 24 * time.Hour
	}
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = jwtx.DefaultAccessTokenTTL
	}
}

// Validate rejects configurations where keys could expire while tokens they
// signed are still live.
func (c KeyringConfig) Validate() error {
	cfg := c
	cfg.applyDefaults()
	if cfg.KeyValidity <= cfg.AccessTokenTTL+clockSkewMargin {
		return fmt.Errorf("service: key validity %s must exceed access TTL %s plus skew margin",
			cfg.KeyValidity, cfg.AccessTokenTTL)
	}
	if cfg.RotationThreshold >= cfg.KeyValidity {
		return fmt.Errorf("service: rotation threshold %s must be below key validity %s",
			cfg.RotationThreshold, cfg.KeyValidity)
	}
	return nil
}

// Keyring manages the signing keys of one app: bootstrap on first use,
// threshold-based rotation with overlapping validity, cleanup of keys whose
// tokens can no longer be in flight, and an in-memory KeySet for verification.
//
// All state of record lives in storage. The Keyring only caches decrypted
// signers and the public KeySet, so multiple process instances sharing a
// backend converge through the storage-level bootstrap guard rather than any
// in-process lock.
type Keyring struct {
	appID string
	store store.Store
	cfg   KeyringConfig
	log   *slog.Logger

	// now is swapped in tests for deterministic rotation scenarios.
	now func() time.Time

	mu      sync.Mutex
	signers map[string]jwtx.Signer // kid: decrypted signer cache
	keys    *jwtx.KeySet
}

// NewKeyring creates a Keyring for the given app backed by st.
func NewKeyring(appID string, st store.Store, cfg KeyringConfig, log *slog.Logger) *Keyring {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &Keyring{
		appID:   appID,
		store:   st,
		cfg:     cfg,
		log:     log.With("app_id", appID),
		now:     time.Now,
		signers: make(map[string]jwtx.Signer),
		keys:    jwtx.NewKeySet(),
	}
}

// Current returns the newest unexpired signing key for the app, creating one
// if none exists. Concurrent first calls converge on a single key: the
// storage insert is guarded, and losers adopt the winner's key.
func (k *Keyring) Current(ctx context.Context) (domain.SigningKey, error) {
	now := k.now().UTC()

	keys, err := k.store.SigningKeys().ListSigningKeys(ctx, k.appID)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("list signing keys: %w", err)
	}
	for _, key := range keys {
		if key.IsValid(now) {
			return key, nil
		}
	}

	return k.bootstrap(ctx, now)
}

func (k *Keyring) bootstrap(ctx context.Context, now time.Time) (domain.SigningKey, error) {
	candidate, err := k.generateKey(now)
	if err != nil {
		return domain.SigningKey{}, err
	}

	winner, err := k.store.SigningKeys().InsertSigningKeyIfAbsent(ctx, candidate)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("bootstrap signing key: %w", err)
	}

	if winner.Kid == candidate.Kid {
		k.log.Info("bootstrapped signing key",
			"kid", winner.Kid, "algorithm", winner.Algorithm, "expires_at", winner.ExpiresAt)
	} else {
		k.log.Debug("adopted concurrently bootstrapped signing key", "kid", winner.Kid)
	}
	return winner, nil
}

// Valid returns every key that may still verify tokens, newest first.
func (k *Keyring) Valid(ctx context.Context) ([]domain.SigningKey, error) {
	now := k.now().UTC()

	keys, err := k.store.SigningKeys().ListSigningKeys(ctx, k.appID)
	if err != nil {
		return nil, fmt.Errorf("list signing keys: %w", err)
	}

	valid := keys[:0]
	for _, key := range keys {
		if key.IsValid(now) {
			valid = append(valid, key)
		}
	}
	return valid, nil
}

// RotateIfNeeded creates a new signing key when the current key's remaining
// validity has dropped below the rotation threshold. The old key stays in
// storage and keeps verifying until its own expiry. Reports whether a key
// was created.
func (k *Keyring) RotateIfNeeded(ctx context.Context) (bool, error) {
	now := k.now().UTC()

	current, err := k.Current(ctx)
	if err != nil {
		return false, err
	}
	if current.ExpiresAt.Sub(now) > k.cfg.RotationThreshold {
		return false, nil
	}

	newKey, err := k.generateKey(now)
	if err != nil {
		return false, err
	}
	if err := k.store.SigningKeys().CreateSigningKey(ctx, newKey); err != nil {
		// A concurrent rotation already produced a fresher key.
		if errors.Is(err, store.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("create signing key: %w", err)
	}

	k.log.Info("rotated signing key",
		"new_kid", newKey.Kid, "old_kid", current.Kid, "old_expires_at", current.ExpiresAt)

	if err := k.refreshKeySet(ctx); err != nil {
		k.log.Warn("key set refresh after rotation failed", "error", err)
	}
	return true, nil
}

// CleanExpired deletes keys that have been expired long enough that no access
// token they signed can still verify anywhere. The current key is never
// deleted, even with a misconfigured validity.
func (k *Keyring) CleanExpired(ctx context.Context) (int64, error) {
	now := k.now().UTC()

	current, err := k.Current(ctx)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-(k.cfg.AccessTokenTTL + clockSkewMargin))
	deleted, err := k.store.SigningKeys().DeleteSigningKeysBefore(ctx, k.appID, cutoff, current.Kid)
	if err != nil {
		return 0, fmt.Errorf("delete expired signing keys: %w", err)
	}

	if deleted > 0 {
		k.log.Info("cleaned expired signing keys", "deleted", deleted)
		k.dropStaleSigners(ctx)
		if err := k.refreshKeySet(ctx); err != nil {
			k.log.Warn("key set refresh after cleanup failed", "error", err)
		}
	}
	return deleted, nil
}

// Signer returns a signer for the current key, decrypting and caching the
// private key on first use per kid.
func (k *Keyring) Signer(ctx context.Context) (jwtx.Signer, error) {
	current, err := k.Current(ctx)
	if err != nil {
		return nil, err
	}
	return k.signerFor(current)
}

func (k *Keyring) signerFor(key domain.SigningKey) (jwtx.Signer, error) {
	k.mu.Lock()
	if s, ok := k.signers[key.Kid]; ok {
		k.mu.Unlock()
		return s, nil
	}
	k.mu.Unlock()

	pemData, err := cryptox.DecryptPrivateKey(key.PrivateKeyEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt signing key %s: %w", key.Kid, err)
	}
	signer, err := jwtx.NewSigner(key.Algorithm, key.Kid, pemData)
	if err != nil {
		return nil, fmt.Errorf("load signing key %s: %w", key.Kid, err)
	}

	k.mu.Lock()
	k.signers[key.Kid] = signer
	k.mu.Unlock()
	return signer, nil
}

// KeySet rebuilds the verification KeySet from all currently valid keys and
// returns it. The returned set is the Keyring's live set; later rebuilds are
// visible to holders, which is what lets verifiers pick up rotations without
// re-wiring.
func (k *Keyring) KeySet(ctx context.Context) (*jwtx.KeySet, error) {
	if err := k.refreshKeySet(ctx); err != nil {
		return nil, err
	}
	return k.keys, nil
}

// LiveKeySet returns the in-memory KeySet without consulting storage. It may
// be cold or stale; callers fall back to KeySet when a kid is missing.
func (k *Keyring) LiveKeySet() *jwtx.KeySet { return k.keys }

// JWKS returns the public key set of all valid keys for publication.
func (k *Keyring) JWKS(ctx context.Context) (jwtx.JWKS, error) {
	set, err := k.KeySet(ctx)
	if err != nil {
		return jwtx.JWKS{}, err
	}
	return set.PublicJWKS(), nil
}

func (k *Keyring) refreshKeySet(ctx context.Context) error {
	valid, err := k.Valid(ctx)
	if err != nil {
		return err
	}
	if len(valid) == 0 {
		if _, err := k.Current(ctx); err != nil {
			return err
		}
		if valid, err = k.Valid(ctx); err != nil {
			return err
		}
	}

	jwks := make([]jwtx.JWK, 0, len(valid))
	for _, key := range valid {
		signer, err := k.signerFor(key)
		if err != nil {
			return err
		}
		jwks = append(jwks, signer.PublicJWK())
	}
	return k.keys.Reset(jwks)
}

// dropStaleSigners evicts cached signers whose keys are gone from storage.
func (k *Keyring) dropStaleSigners(ctx context.Context) {
	keys, err := k.store.SigningKeys().ListSigningKeys(ctx, k.appID)
	if err != nil {
		return
	}
	live := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		live[key.Kid] = struct{}{}
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	for kid := range k.signers {
		if _, ok := live[kid]; !ok {
			delete(k.signers, kid)
		}
	}
}

func (k *Keyring) generateKey(now time.Time) (domain.SigningKey, error) {
	kid, err := generateKid()
	if err != nil {
		return domain.SigningKey{}, err
	}

	var pemData []byte
	switch k.cfg.Algorithm {
	case jwtx.AlgorithmEdDSA:
		pemData, err = cryptox.GenerateEd25519Key()
	case jwtx.AlgorithmES256:
		pemData, err = cryptox.GenerateES256Key()
	default:
		return domain.SigningKey{}, fmt.Errorf("service: unsupported algorithm %q", k.cfg.Algorithm)
	}
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("generate key pair: %w", err)
	}

	encrypted, err := cryptox.EncryptPrivateKey(pemData)
	if err != nil {
		return domain.SigningKey{}, fmt.Errorf("encrypt private key: %w", err)
	}

	return domain.SigningKey{
		ID:                  idx.New().String(),
		AppID:               k.appID,
		Kid:                 kid,
		Algorithm:           k.cfg.Algorithm,
		PrivateKeyEncrypted: encrypted,
		CreatedAt:           now,
		ExpiresAt:           now.Add(k.cfg.KeyValidity),
	}, nil
}

func generateKid() (string, error) {
	token, err := cryptox.GenerateToken(cryptox.TokenSize128)
	if err != nil {
		return "", fmt.Errorf("generate kid: %w", err)
	}
	return "kw-" + token, nil
}
