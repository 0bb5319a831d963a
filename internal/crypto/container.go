package crypto

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Container is one encrypted artifact: the public salt and nonce plus the
// ciphertext with its trailing GCM tag.
type Container struct {
	Salt       []byte
	Nonce      []byte
	Ciphertext []byte
}

// Pack concatenates salt || nonce || ciphertext. There are no length
// prefixes; salt and nonce have fixed sizes and the ciphertext runs to the end.
func Pack(salt, nonce, ciphertext []byte) []byte {
	out := make([]byte, 0, len(salt)+len(nonce)+len(ciphertext))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out
}

// Unpack splits packed container bytes at the fixed offsets. The returned
// container owns copies of the fields.
func Unpack(data []byte) (*Container, error) {
	if len(data) < MinContainerSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrMalformedContainer, MinContainerSize, len(data))
	}

	return &Container{
		Salt:       cloneBytes(data[SaltOffset:NonceOffset]),
		Nonce:      cloneBytes(data[NonceOffset:CiphertextOffset]),
		Ciphertext: cloneBytes(data[CiphertextOffset:]),
	}, nil
}

// ParseContainer decodes the base64 text form and unpacks it.
func ParseContainer(encoded string) (*Container, error) {
	data, err := DecodeBase64(encoded)
	if err != nil {
		return nil, err
	}
	return Unpack(data)
}

// Bytes returns the packed binary form.
func (c *Container) Bytes() []byte {
	return Pack(c.Salt, c.Nonce, c.Ciphertext)
}

// String returns the base64 text form.
func (c *Container) String() string {
	return EncodeBase64(c.Bytes())
}

// EncodeBase64 encodes data with the standard padded alphabet and no line
// wrapping. Input is fed to the encoder in fixed chunks so large payloads
// never go through a single encode call.
func EncodeBase64(data []byte) string {
	var sb strings.Builder
	sb.Grow(base64.StdEncoding.EncodedLen(len(data)))

	enc := base64.NewEncoder(base64.StdEncoding, &sb)
	for start := 0; start < len(data); start += base64ChunkSize {
		end := start + base64ChunkSize
		if end > len(data) {
			end = len(data)
		}
		// strings.Builder never returns a write error.
		_, _ = enc.Write(data[start:end])
	}
	_ = enc.Close()

	return sb.String()
}

// DecodeBase64 decodes the standard padded alphabet. Surrounding whitespace
// from pasted text is ignored; line breaks inside the encoding are rejected.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	// The stdlib decoder silently skips \r and \n.
	if i := strings.IndexAny(s, "\r\n"); i >= 0 {
		return nil, fmt.Errorf("%w: invalid base64: line break at offset %d", ErrMalformedContainer, i)
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformedContainer, err)
	}
	return data, nil
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
