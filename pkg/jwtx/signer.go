package jwtx

// Supported JWT signing algorithms
const (
	AlgorithmES256 = "ES256"
	AlgorithmEdDSA = "EdDSA"
)

// Signer is our interface for anything that can sign JWTs.
type Signer interface {
	Alg() string
	KID() string
	Sign(Claims) (string, error)
	PublicJWK() JWK
	Validate() error
}

// NewSignerEdDSA creates an EdDSA signer from PEM bytes.
// Ed25519 keys must be in PKCS8 format.
func NewSignerEdDSA(kid string, pemKey []byte) (Signer, error) {
	return newEdDSASigner(kid, pemKey)
}

// NewSignerES256 creates an ES256 signer from PEM bytes.
// ECDSA P-256 keys must be in PKCS8 format.
func NewSignerES256(kid string, pemKey []byte) (Signer, error) {
	return newES256Signer(kid, pemKey)
}

// NewSigner creates a signer for the given algorithm from PEM bytes.
func NewSigner(algorithm, kid string, pemKey []byte) (Signer, error) {
	switch algorithm {
	case AlgorithmEdDSA:
		return NewSignerEdDSA(kid, pemKey)
	case AlgorithmES256:
		return NewSignerES256(kid, pemKey)
	default:
		return nil, ErrUnsupportedAlg
	}
}
