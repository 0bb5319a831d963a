package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DeriveKey derives an AES-256 key from the password using PBKDF2-HMAC-SHA256
// with DefaultIterations rounds.
func DeriveKey(password, salt []byte) ([]byte, error) {
	return DeriveKeyWithIterations(password, salt, DefaultIterations)
}

// DeriveKeyWithIterations is DeriveKey with an explicit iteration count.
// Containers only decrypt with the iteration count they were sealed with.
func DeriveKeyWithIterations(password, salt []byte, iterations int) ([]byte, error) {
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSaltSize, SaltSize, len(salt))
	}
	if iterations <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidIterations, iterations)
	}

	return pbkdf2.Key(password, salt, iterations, KeySize, sha256.New), nil
}

// zeroBytes overwrites key material once it is no longer needed.
func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
