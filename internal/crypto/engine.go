package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Engine seals and opens password containers. It holds configuration only,
// never key material, and is safe for concurrent use.
type Engine struct {
	iterations int
	random     io.Reader
}

// Option configures an Engine.
type Option func(*Engine)

// WithIterations overrides the PBKDF2 iteration count. Containers sealed with
// a non-default count only open with an engine using the same count.
func WithIterations(iterations int) Option {
	return func(e *Engine) {
		if iterations > 0 {
			e.iterations = iterations
		}
	}
}

// WithRandom replaces the salt and nonce source. It must be a
// cryptographically secure generator outside of tests.
func WithRandom(r io.Reader) Option {
	return func(e *Engine) {
		if r != nil {
			e.random = r
		}
	}
}

// NewEngine creates an engine with PBKDF2 at DefaultIterations and
// crypto/rand as the randomness source.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		iterations: DefaultIterations,
		random:     rand.Reader,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Iterations returns the PBKDF2 iteration count in use.
func (e *Engine) Iterations() int {
	return e.iterations
}

// generateSalt generates a random salt.
func (e *Engine) generateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(e.random, salt); err != nil {
		return nil, fmt.Errorf("%w: failed to generate salt: %v", ErrRandomSource, err)
	}
	return salt, nil
}

// generateNonce generates a random GCM nonce.
func (e *Engine) generateNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return nil, fmt.Errorf("%w: failed to generate nonce: %v", ErrRandomSource, err)
	}
	return nonce, nil
}

// Encrypt seals plaintext under a key derived from password and a fresh salt.
func (e *Engine) Encrypt(password string, plaintext []byte) (*Container, error) {
	salt, err := e.generateSalt()
	if err != nil {
		return nil, err
	}

	nonce, err := e.generateNonce()
	if err != nil {
		return nil, err
	}

	key, err := DeriveKeyWithIterations([]byte(password), salt, e.iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zeroBytes(key)

	ciphertext, err := Seal(key, nonce, plaintext)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt: %w", err)
	}

	return &Container{Salt: salt, Nonce: nonce, Ciphertext: ciphertext}, nil
}

// Decrypt opens c with password. It returns the full plaintext or an error,
// never a partial result.
func (e *Engine) Decrypt(password string, c *Container) ([]byte, error) {
	if c == nil || len(c.Salt) != SaltSize || len(c.Nonce) != NonceSize {
		return nil, fmt.Errorf("%w: missing or mis-sized salt or nonce", ErrMalformedContainer)
	}

	key, err := DeriveKeyWithIterations([]byte(password), c.Salt, e.iterations)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	defer zeroBytes(key)

	plaintext, err := Open(key, c.Nonce, c.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}

// EncryptText seals the UTF-8 bytes of text and returns the base64 container.
func (e *Engine) EncryptText(password, text string) (string, error) {
	c, err := e.Encrypt(password, []byte(text))
	if err != nil {
		return "", err
	}
	return c.String(), nil
}

// DecryptText opens a base64 container and returns its plaintext as text.
func (e *Engine) DecryptText(password, encoded string) (string, error) {
	c, err := ParseContainer(encoded)
	if err != nil {
		return "", err
	}

	plaintext, err := e.Decrypt(password, c)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// EncryptFile wraps f in a file envelope and returns the raw container bytes.
func (e *Engine) EncryptFile(password string, f *File) ([]byte, error) {
	if f == nil {
		return nil, fmt.Errorf("file is required")
	}

	c, err := e.Encrypt(password, f.Envelope())
	if err != nil {
		return nil, err
	}
	return c.Bytes(), nil
}

// DecryptFile opens raw container bytes and unpacks the file envelope.
func (e *Engine) DecryptFile(password string, data []byte) (*File, error) {
	c, err := Unpack(data)
	if err != nil {
		return nil, err
	}

	plaintext, err := e.Decrypt(password, c)
	if err != nil {
		return nil, err
	}

	f, err := ParseEnvelope(plaintext)
	if err != nil {
		return nil, err
	}
	return f, nil
}
