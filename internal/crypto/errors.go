package crypto

import "errors"

var (
	// ErrMalformedContainer is returned when container bytes are too short or
	// the base64 text form cannot be decoded.
	ErrMalformedContainer = errors.New("malformed container")

	// ErrAuthentication is returned when the GCM tag does not verify. A wrong
	// password and tampered data are deliberately indistinguishable.
	ErrAuthentication = errors.New("incorrect password or corrupted data")

	// ErrMalformedEnvelope is returned when decrypted plaintext is too short to
	// hold the file envelope header.
	ErrMalformedEnvelope = errors.New("malformed file envelope")

	// ErrInvalidSaltSize is returned when the salt size is invalid.
	ErrInvalidSaltSize = errors.New("invalid salt size")

	// ErrInvalidKeySize is returned when the AES key size is invalid.
	ErrInvalidKeySize = errors.New("invalid key size")

	// ErrInvalidNonceSize is returned when the nonce size is invalid.
	ErrInvalidNonceSize = errors.New("invalid nonce size")

	// ErrInvalidIterations is returned for a non-positive PBKDF2 iteration count.
	ErrInvalidIterations = errors.New("invalid iteration count")

	// ErrRandomSource is returned when the random source fails to produce a
	// salt or nonce.
	ErrRandomSource = errors.New("random source failure")
)

// Error kind labels shared by metrics, audit events and the HTTP layer.
const (
	KindMalformedContainer = "malformed_container"
	KindAuthentication     = "authentication"
	KindMalformedEnvelope  = "malformed_envelope"
	KindInternal           = "internal"
)

// ErrorKind maps err to a stable, low-cardinality label.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMalformedContainer):
		return KindMalformedContainer
	case errors.Is(err, ErrAuthentication):
		return KindAuthentication
	case errors.Is(err, ErrMalformedEnvelope):
		return KindMalformedEnvelope
	default:
		return KindInternal
	}
}
