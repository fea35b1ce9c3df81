package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/keywarden/keywarden/internal/core/domain"
	"github.com/keywarden/keywarden/internal/core/store"
	"github.com/keywarden/keywarden/pkg/cryptox"
	"github.com/keywarden/keywarden/pkg/idx"
	"github.com/keywarden/keywarden/pkg/jwtx"
	"github.com/keywarden/keywarden/pkg/slogx"
)

// Anti-CSRF handling modes. Cookie-transported deployments bind an anti-CSRF
// token to the session; header-based deployments don't need one.
const (
	AntiCSRFModeNone   = "none"
	AntiCSRFModeCookie = "cookie"
)

// refreshTokenVersion prefixes every refresh token so the format can evolve.
const refreshTokenVersion = "v1"

var (
	// ErrUnauthorised is the generic validation failure. Callers must not
	// learn whether the token was malformed, expired or revoked.
	ErrUnauthorised = errors.New("service: unauthorised")

	// ErrUnknownSession is returned on refresh when the session handle no
	// longer exists (revoked or swept).
	ErrUnknownSession = errors.New("service: unknown session")

	// ErrRefreshConflict is returned to the loser of two simultaneous
	// refreshes of the same session. The winner's tokens are valid; the
	// loser must retry with them, never with its stale token.
	ErrRefreshConflict = errors.New("service: concurrent refresh conflict")
)

// TokenTheftDetectedError reports that a refresh token from a superseded
// lineage generation was presented outside the retry grace window. The
// session has already been revoked by the time callers see this.
type TokenTheftDetectedError struct {
	Handle   string
	UserID   string
	TenantID string
}

func (e *TokenTheftDetectedError) Error() string {
	return fmt.Sprintf("service: token theft detected for session %s (user %s)", e.Handle, e.UserID)
}

// SessionConfig controls token lifetimes and validation behaviour.
type SessionConfig struct {
	// Issuer is stamped into and enforced on access tokens.
	Issuer string

	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	// RefreshGraceWindow is how long after a rotation the previous refresh
	// token is still honoured as a benign retransmit instead of theft.
	// Measured from the session's RotatedAt.
	RefreshGraceWindow time.Duration

	// ValidationLeeway absorbs clock skew when checking token expiry.
	ValidationLeeway time.Duration

	// AntiCSRFMode is AntiCSRFModeNone or AntiCSRFModeCookie.
	AntiCSRFMode string

	// CheckRevocation makes access-token validation consult storage so
	// revocation takes effect immediately instead of at token expiry.
	CheckRevocation bool
}

func (c *SessionConfig) applyDefaults() {
	if c.AccessTokenTTL <= 0 {
		c.AccessTokenTTL = jwtx.DefaultAccessTokenTTL
	}
	if c.RefreshTokenTTL <= 0 {
		c.RefreshTokenTTL = jwtx.DefaultRefreshTokenTTL
	}
	if c.RefreshGraceWindow <= 0 {
		c.RefreshGraceWindow = time.Minute
	}
	if c.ValidationLeeway < 0 {
		c.ValidationLeeway = 0
	}
	if c.AntiCSRFMode == "" {
		c.AntiCSRFMode = AntiCSRFModeNone
	}
}

// SessionService implements the session lifecycle: creation, refresh with
// rotation and theft detection, stateless validation, and revocation. It is
// tenant-agnostic; every call resolves its resources through the registry.
type SessionService struct {
	registry *Registry
	cfg      SessionConfig
	log      *slog.Logger

	// now is swapped in tests for deterministic grace-window scenarios.
	now func() time.Time
}

func NewSessionService(registry *Registry, cfg SessionConfig, log *slog.Logger) *SessionService {
	cfg.applyDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &SessionService{
		registry: registry,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
}

// CreateSession starts a new session for a user under the given tenant and
// returns the full token set. UserData is embedded into access tokens as-is,
// so validation needs no storage round trip to recover it.
func (s *SessionService) CreateSession(
	ctx context.Context,
	key domain.TenantKey,
	userID string,
	userData map[string]any,
) (domain.SessionInformation, error) {
	res, err := s.registry.Get(key)
	if err != nil {
		return domain.SessionInformation{}, err
	}
	now := s.now().UTC()

	handle := idx.New().String()
	refreshToken, err := mintRefreshToken(handle, 0)
	if err != nil {
		return domain.SessionInformation{}, err
	}

	var antiCSRF string
	if s.cfg.AntiCSRFMode == AntiCSRFModeCookie {
		antiCSRF, err = cryptox.GenerateToken(cryptox.TokenSize128)
		if err != nil {
			return domain.SessionInformation{}, fmt.Errorf("generate anti-csrf token: %w", err)
		}
	}

	signer, err := res.Keys.Signer(ctx)
	if err != nil {
		return domain.SessionInformation{}, err
	}
	claims := jwtx.NewSessionClaims(
		userID, handle, key.TenantID, userData, antiCSRF,
		s.cfg.AccessTokenTTL, s.cfg.Issuer, now,
	)
	accessToken, err := signer.Sign(claims)
	if err != nil {
		return domain.SessionInformation{}, fmt.Errorf("sign access token: %w", err)
	}

	record := domain.SessionRecord{
		Handle:           handle,
		TenantID:         key.TenantID,
		AppID:            key.AppID,
		UserID:           userID,
		RefreshTokenHash: cryptox.FingerprintToken(refreshToken),
		Counter:          0,
		SigningKeyID:     signer.KID(),
		AntiCSRFToken:    antiCSRF,
		UserData:         userData,
		CreatedAt:        now,
		RotatedAt:        now,
		ExpiresAt:        now.Add(s.cfg.RefreshTokenTTL),
	}
	if err := res.Store.Sessions().CreateSession(ctx, record); err != nil {
		return domain.SessionInformation{}, fmt.Errorf("create session: %w", err)
	}

	slogx.FromContext(ctx).Info("session created",
		"handle", handle, "user_id", userID, "tenant", key.String())

	return domain.SessionInformation{
		Handle:        handle,
		UserID:        userID,
		TenantID:      key.TenantID,
		AccessToken:   accessToken,
		RefreshToken:  refreshToken,
		AntiCSRFToken: antiCSRF,
		ExpiresAt:     record.ExpiresAt,
	}, nil
}

// RefreshSession rotates a session's refresh token and mints a fresh access
// token. The lineage counter embedded in the token is compared against the
// stored one inside a transaction:
//
//   - exact match: normal rotation, counter advances;
//   - one generation behind, hash matches the previous token, inside the
//     grace window: treated as a retransmit of a lost response, new tokens
//     are issued at the current counter;
//   - the superseded previous token outside the grace window: token theft.
//     The session is revoked and TokenTheftDetectedError returned;
//   - anything else never passed issuance, so it fails with ErrUnauthorised
//     and leaves the session untouched. Only a token we can prove we issued
//     may revoke; otherwise a guessed handle would be a revocation lever.
//
// Two racing refreshes of the same generation serialise on the storage
// compare-and-set; the loser gets ErrRefreshConflict.
func (s *SessionService) RefreshSession(
	ctx context.Context,
	key domain.TenantKey,
	refreshToken string,
	antiCSRFToken string,
) (domain.SessionInformation, error) {
	res, err := s.registry.Get(key)
	if err != nil {
		return domain.SessionInformation{}, err
	}
	now := s.now().UTC()

	handle, counter, err := parseRefreshToken(refreshToken)
	if err != nil {
		return domain.SessionInformation{}, ErrUnauthorised
	}
	presentedHash := cryptox.FingerprintToken(refreshToken)

	signer, err := res.Keys.Signer(ctx)
	if err != nil {
		return domain.SessionInformation{}, err
	}

	var (
		info    domain.SessionInformation
		theft   *TokenTheftDetectedError
		expired bool
	)
	err = res.Store.WithTx(ctx, func(tx store.Tx) error {
		rec, err := tx.Sessions().GetSession(ctx, handle)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return ErrUnknownSession
			}
			return fmt.Errorf("load session: %w", err)
		}

		if rec.IsExpired(now) {
			if err := tx.Sessions().DeleteSession(ctx, handle); err != nil {
				return fmt.Errorf("delete expired session: %w", err)
			}
			// Return nil so the delete commits; the failure surfaces below.
			expired = true
			return nil
		}

		if s.cfg.AntiCSRFMode == AntiCSRFModeCookie &&
			!cryptox.ConstantTimeEquals(rec.AntiCSRFToken, antiCSRFToken) {
			return ErrUnauthorised
		}

		switch {
		case counter == rec.Counter && presentedHash == rec.RefreshTokenHash:
			// Normal rotation: advance the lineage.
			info, err = s.rotate(ctx, tx, rec, signer, now, rec.Counter+1, true)
			return err

		case counter == rec.Counter-1 &&
			presentedHash == rec.PrevRefreshTokenHash &&
			now.Sub(rec.RotatedAt) <= s.cfg.RefreshGraceWindow:
			// Retransmit of the generation we just rotated away from,
			// still inside the grace window. The rotation response was
			// likely lost, so issue replacements at the current counter
			// without advancing the lineage or the window.
			info, err = s.rotate(ctx, tx, rec, signer, now, rec.Counter, false)
			return err

		case counter == rec.Counter-1 && presentedHash == rec.PrevRefreshTokenHash:
			// The superseded token of the previous generation, past the
			// grace window. We provably issued it and someone else already
			// spent its successor, so revoke the whole session.
			if err := tx.Sessions().DeleteSession(ctx, handle); err != nil {
				return fmt.Errorf("revoke stolen session: %w", err)
			}
			theft = &TokenTheftDetectedError{
				Handle:   rec.Handle,
				UserID:   rec.UserID,
				TenantID: rec.TenantID,
			}
			return nil

		default:
			// No stored fingerprint matches, so issuance cannot be proven.
			// Reject without side effects; a fabricated token must not be
			// able to revoke a live session.
			return ErrUnauthorised
		}
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return domain.SessionInformation{}, ErrRefreshConflict
		}
		return domain.SessionInformation{}, err
	}
	if expired {
		return domain.SessionInformation{}, ErrUnauthorised
	}
	if theft != nil {
		s.log.Warn("token theft detected, session revoked",
			"handle", theft.Handle, "user_id", theft.UserID, "tenant", key.String())
		return domain.SessionInformation{}, theft
	}
	return info, nil
}

// rotate mints a new token pair for rec and persists the record through the
// counter compare-and-set. advance distinguishes a real rotation from a
// grace-window reissue, which keeps the counter and the rotation timestamp.
func (s *SessionService) rotate(
	ctx context.Context,
	tx store.Tx,
	rec domain.SessionRecord,
	signer jwtx.Signer,
	now time.Time,
	newCounter int64,
	advance bool,
) (domain.SessionInformation, error) {
	newToken, err := mintRefreshToken(rec.Handle, newCounter)
	if err != nil {
		return domain.SessionInformation{}, err
	}

	claims := jwtx.NewSessionClaims(
		rec.UserID, rec.Handle, rec.TenantID, rec.UserData, rec.AntiCSRFToken,
		s.cfg.AccessTokenTTL, s.cfg.Issuer, now,
	)
	accessToken, err := signer.Sign(claims)
	if err != nil {
		return domain.SessionInformation{}, fmt.Errorf("sign access token: %w", err)
	}

	expectedCounter := rec.Counter
	if advance {
		rec.PrevRefreshTokenHash = rec.RefreshTokenHash
		rec.RotatedAt = now
	}
	rec.RefreshTokenHash = cryptox.FingerprintToken(newToken)
	rec.Counter = newCounter
	rec.SigningKeyID = signer.KID()

	if err := tx.Sessions().UpdateSessionCAS(ctx, rec, expectedCounter); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.SessionInformation{}, ErrUnknownSession
		}
		return domain.SessionInformation{}, err
	}

	return domain.SessionInformation{
		Handle:        rec.Handle,
		UserID:        rec.UserID,
		TenantID:      rec.TenantID,
		AccessToken:   accessToken,
		RefreshToken:  newToken,
		AntiCSRFToken: rec.AntiCSRFToken,
		ExpiresAt:     rec.ExpiresAt,
	}, nil
}

// ValidateAccessToken verifies an access token against the app's valid
// signing keys and returns the session claims. It is storage-free unless
// CheckRevocation is configured. Every failure surfaces as ErrUnauthorised.
func (s *SessionService) ValidateAccessToken(
	ctx context.Context,
	key domain.TenantKey,
	accessToken string,
	antiCSRFToken string,
) (domain.SessionClaims, error) {
	res, err := s.registry.Get(key)
	if err != nil {
		return domain.SessionClaims{}, err
	}

	claims, err := s.verify(ctx, res, accessToken)
	if err != nil {
		return domain.SessionClaims{}, ErrUnauthorised
	}

	if s.cfg.AntiCSRFMode == AntiCSRFModeCookie &&
		!cryptox.ConstantTimeEquals(claims.AntiCSRF, antiCSRFToken) {
		return domain.SessionClaims{}, ErrUnauthorised
	}

	if s.cfg.CheckRevocation {
		rec, err := res.Store.Sessions().GetSession(ctx, claims.Handle)
		if err != nil || rec.IsExpired(s.now().UTC()) {
			return domain.SessionClaims{}, ErrUnauthorised
		}
	}

	var expiry time.Time
	if claims.ExpiresAt != nil {
		expiry = claims.ExpiresAt.Time
	}
	return domain.SessionClaims{
		Handle:   claims.Handle,
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		UserData: claims.UserData,
		Expiry:   expiry,
	}, nil
}

// verify validates against the cached key set first, refreshing it from
// storage only when the set is cold or the token names an unknown kid. A kid
// minted by a rotation on another node becomes verifiable on this one without
// any push channel.
func (s *SessionService) verify(ctx context.Context, res *Resources, token string) (*jwtx.Claims, error) {
	keySet := res.Keys.LiveKeySet()
	if !keySet.IsReady() {
		var err error
		if keySet, err = res.Keys.KeySet(ctx); err != nil {
			return nil, err
		}
	}

	verifier := jwtx.NewVerifierAt(keySet, s.cfg.Issuer, s.cfg.ValidationLeeway, s.now)
	claims, err := verifier.Verify(token)
	if err == nil {
		return claims, nil
	}
	if !errors.Is(err, jwtx.ErrUnknownKID) {
		return nil, err
	}

	if keySet, err = res.Keys.KeySet(ctx); err != nil {
		return nil, err
	}
	return jwtx.NewVerifierAt(keySet, s.cfg.Issuer, s.cfg.ValidationLeeway, s.now).Verify(token)
}

// RevokeSession removes a session by handle. Revoking an already-revoked or
// unknown handle succeeds; revocation is idempotent.
func (s *SessionService) RevokeSession(ctx context.Context, key domain.TenantKey, handle string) error {
	res, err := s.registry.Get(key)
	if err != nil {
		return err
	}
	if err := res.Store.Sessions().DeleteSession(ctx, handle); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	s.log.Info("session revoked", "handle", handle, "tenant", key.String())
	return nil
}

// RevokeAllForUser removes every session a user holds under the tenant and
// reports how many were revoked.
func (s *SessionService) RevokeAllForUser(ctx context.Context, key domain.TenantKey, userID string) (int64, error) {
	res, err := s.registry.Get(key)
	if err != nil {
		return 0, err
	}
	n, err := res.Store.Sessions().DeleteSessionsForUser(ctx, key.TenantID, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke sessions for user: %w", err)
	}
	if n > 0 {
		s.log.Info("all sessions revoked for user",
			"user_id", userID, "tenant", key.String(), "revoked", n)
	}
	return n, nil
}

// GetJWKS returns the public keys of the tenant's app for publication, so
// external verifiers can check access tokens offline.
func (s *SessionService) GetJWKS(ctx context.Context, key domain.TenantKey) (jwtx.JWKS, error) {
	res, err := s.registry.Get(key)
	if err != nil {
		return jwtx.JWKS{}, err
	}
	return res.Keys.JWKS(ctx)
}

// mintRefreshToken builds a refresh token carrying its session handle and
// lineage counter in clear, with a random opaque suffix providing the actual
// secret. Storage only ever sees the fingerprint of the full string.
func mintRefreshToken(handle string, counter int64) (string, error) {
	opaque, err := cryptox.GenerateToken(cryptox.TokenSize256)
	if err != nil {
		return "", fmt.Errorf("generate refresh token: %w", err)
	}
	return refreshTokenVersion + "." + handle + "." +
		strconv.FormatInt(counter, 10) + "." + opaque, nil
}

// parseRefreshToken extracts the handle and lineage counter from a refresh
// token, rejecting anything that doesn't match the v1 shape.
func parseRefreshToken(token string) (handle string, counter int64, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 4 || parts[0] != refreshTokenVersion {
		return "", 0, ErrUnauthorised
	}
	if parts[1] == "" || parts[3] == "" {
		return "", 0, ErrUnauthorised
	}
	counter, err = strconv.ParseInt(parts[2], 10, 64)
	if err != nil || counter < 0 {
		return "", 0, ErrUnauthorised
	}
	return parts[1], counter, nil
}
