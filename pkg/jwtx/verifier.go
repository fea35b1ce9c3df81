package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMalformed      = errors.New("jwtx: malformed token")
	ErrUnknownKID     = errors.New("jwtx: unknown kid")
	ErrInvalidSig     = errors.New("jwtx: invalid signature")
	ErrUnsupportedAlg = errors.New("jwtx: unsupported algorithm")

	ErrIssuer      = errors.New("jwtx: issuer mismatch")
	ErrExpired     = errors.New("jwtx: token expired")
	ErrNotYetValid = errors.New("jwtx: token not yet valid")
)

// Verifier validates JWTs against a KeySet, selecting the public key by the
// token's kid header. Both signing algorithms the deployment can be
// configured with are accepted, so tokens issued before an algorithm change
// keep verifying until they expire.
type Verifier struct {
	keys   *KeySet
	issuer string
	leeway time.Duration

	// now is swapped in tests for deterministic expiry checks.
	now func() time.Time
}

// NewVerifier creates a verifier over the given KeySet.
// Leeway allows small clock skew when validating exp/nbf.
func NewVerifier(keys *KeySet, issuer string, leeway time.Duration) *Verifier {
	return NewVerifierAt(keys, issuer, leeway, time.Now)
}

// NewVerifierAt is NewVerifier with an explicit clock.
func NewVerifierAt(keys *KeySet, issuer string, leeway time.Duration, now func() time.Time) *Verifier {
	return &Verifier{
		keys:   keys,
		issuer: issuer,
		leeway: leeway,
		now:    now,
	}
}

// Verify validates the JWT string and returns its parsed Claims.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	// Claims are validated explicitly below against the verifier's clock;
	// the parser only checks the signature.
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{
			jwt.SigningMethodEdDSA.Alg(),
			jwt.SigningMethodES256.Alg(),
		}),
		jwt.WithoutClaimsValidation(),
	)

	token, err := parser.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		// Need the kid to know which key to use
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("jwtx: missing kid")
		}

		pub, err := v.keys.Get(kid)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKID, kid)
		}
		return pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("jwtx: parse or verify: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidSig
	}

	if err := claims.ValidateIssuer(v.issuer); err != nil {
		return nil, err
	}
	if err := claims.ValidateExpiryAt(v.now().UTC(), v.leeway); err != nil {
		return nil, err
	}

	return claims, nil
}
