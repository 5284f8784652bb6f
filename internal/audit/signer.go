package audit

import (
	"crypto/ed25519"
	"errors"
)

// Ed25519Signer signs entry hashes with an Ed25519 private key. It is
// the reference implementation of the Signer contract; deployments may
// substitute any external signing capability.
type Ed25519Signer struct {
	key ed25519.PrivateKey
}

// NewEd25519Signer wraps an existing private key.
func NewEd25519Signer(key ed25519.PrivateKey) *Ed25519Signer {
	return &Ed25519Signer{key: key}
}

// Sign returns the detached signature over digest.
func (s *Ed25519Signer) Sign(digest []byte) ([]byte, error) {
	return ed25519.Sign(s.key, digest), nil
}

// Ed25519Verifier checks signatures against the matching public key.
type Ed25519Verifier struct {
	key ed25519.PublicKey
}

// NewEd25519Verifier wraps a public key.
func NewEd25519Verifier(key ed25519.PublicKey) *Ed25519Verifier {
	return &Ed25519Verifier{key: key}
}

// Verify reports whether signature covers digest.
func (v *Ed25519Verifier) Verify(digest, signature []byte) error {
	if !ed25519.Verify(v.key, digest, signature) {
		return errors.New("audit: invalid signature")
	}
	return nil
}
