package crypto

const (
	// Key derivation parameters
	DefaultIterations = 600000
	KeySize           = 32 // 256 bits

	// Container layout: salt || nonce || ciphertext
	SaltSize         = 16 // 128 bits
	NonceSize        = 12 // 96 bits for GCM
	TagSize          = 16 // 128 bits authentication tag
	SaltOffset       = 0
	NonceOffset      = SaltOffset + SaltSize
	CiphertextOffset = NonceOffset + NonceSize
	MinContainerSize = CiphertextOffset

	// File envelope layout: content type || filename || content
	MimeFieldSize      = 255
	NameFieldSize      = 255
	PadByte            = byte(0x20) // space
	MimeOffset         = 0
	NameOffset         = MimeOffset + MimeFieldSize
	ContentOffset      = NameOffset + NameFieldSize
	EnvelopeHeaderSize = ContentOffset

	// base64ChunkSize must stay a multiple of 3 so chunks encode without padding.
	base64ChunkSize = 3 * 0x8000
)
