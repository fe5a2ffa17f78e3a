// Package corecrypto implements C2: password hashing / constant-time
// verification and symmetric encryption for stored MFA secrets.
package corecrypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Hasher defines the contract the core consumes for password operations.
// Swappable so an embedding application can bring its own algorithm.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, hash string) bool
	HashOneWay(token string) string
}

// BcryptHasher implements Hasher with bcrypt for passwords and SHA-256 for
// the one-way digests used to store tokens and backup codes at rest.
type BcryptHasher struct {
	cost int
}

// NewBcryptHasher builds a Hasher at the given bcrypt cost. Cost 12 matches
// the default used throughout this module's realms.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost <= 0 {
		cost = 12
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(plaintext string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(b), nil
}

// Verify performs a constant-time-safe bcrypt comparison. Returns false for
// any mismatch or malformed hash; it never returns an error to the caller
// so authentication failures can't leak implementation detail.
func (h *BcryptHasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// HashOneWay returns a deterministic SHA-256 hex digest, so a secret can be
// persisted as its digest and looked up by equality. The token and MFA
// engines compute the same digest with their own helpers rather than
// calling this method.
func (h *BcryptHasher) HashOneWay(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// ConstantTimeEqual compares two strings without leaking timing information,
// for comparing already-hashed values (e.g. MFA code digests) directly.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
