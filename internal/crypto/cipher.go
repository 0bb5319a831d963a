package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// AlgorithmAES256GCM names the only cipher the container format carries.
const AlgorithmAES256GCM = "AES256-GCM"

// newAESGCM creates an AES-256-GCM AEAD for the given key.
func newAESGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeySize, KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return gcm, nil
}

// Seal encrypts plaintext under key and nonce. The 16-byte tag is appended
// to the returned ciphertext; no associated data is authenticated.
func Seal(key, nonce, plaintext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceSize, NonceSize, len(nonce))
	}

	gcm, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}

	return gcm.Seal(nil, nonce, plaintext, nil), nil
}

// Open decrypts and verifies ciphertext. Any tag mismatch is reported as
// ErrAuthentication and nothing else; the GCM error is dropped on purpose.
func Open(key, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidNonceSize, NonceSize, len(nonce))
	}

	gcm, err := newAESGCM(key)
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// HasAESHardwareSupport reports whether the CPU has AES instructions that
// the Go runtime uses for AES-GCM.
func HasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES && cpu.X86.HasPCLMULQDQ
	case "arm64":
		return cpu.ARM64.HasAES && cpu.ARM64.HasPMULL
	case "s390x":
		return cpu.S390X.HasAES && cpu.S390X.HasAESGCM
	default:
		return false
	}
}

// GetHardwareAccelerationInfo returns fields suitable for a startup log line.
func GetHardwareAccelerationInfo() map[string]interface{} {
	return map[string]interface{}{
		"aes_hardware_support": HasAESHardwareSupport(),
		"architecture":         runtime.GOARCH,
	}
}
