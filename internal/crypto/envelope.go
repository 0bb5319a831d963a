package crypto

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// File is a payload that carries its own content type and name through the
// cipher as ordinary plaintext bytes.
type File struct {
	ContentType string
	Name        string
	Content     []byte
}

// FitString encodes s as UTF-8 into exactly size bytes. Longer input is cut
// back to the last complete code point that fits; the remainder is filled
// with pad. Lone surrogates and other invalid sequences become U+FFFD first,
// matching what a UTF-8 encoder would emit.
func FitString(s string, size int, pad byte) []byte {
	if size < 0 {
		size = 0
	}
	s = strings.ToValidUTF8(s, string(utf8.RuneError))

	out := make([]byte, size)
	n := copy(out, s)
	if len(s) > size {
		// s[n] is the first byte that did not fit. If it continues a code
		// point, that code point straddles the cut and is dropped entirely.
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
	}
	for i := n; i < size; i++ {
		out[i] = pad
	}
	return out
}

// UnfitString strips trailing pad bytes and decodes the rest as UTF-8.
// A string whose own bytes ended in pad loses them; that is accepted.
func UnfitString(b []byte, pad byte) string {
	n := len(b)
	for n > 0 && b[n-1] == pad {
		n--
	}
	return strings.ToValidUTF8(string(b[:n]), string(utf8.RuneError))
}

// BuildEnvelope lays out content type, filename and content at fixed offsets.
func BuildEnvelope(contentType, name string, content []byte) []byte {
	out := make([]byte, 0, EnvelopeHeaderSize+len(content))
	out = append(out, FitString(contentType, MimeFieldSize, PadByte)...)
	out = append(out, FitString(name, NameFieldSize, PadByte)...)
	out = append(out, content...)
	return out
}

// ParseEnvelope reverses BuildEnvelope. The returned Content aliases data;
// ownership passes to the caller.
func ParseEnvelope(data []byte) (*File, error) {
	if len(data) < EnvelopeHeaderSize {
		return nil, fmt.Errorf("%w: need at least %d bytes, got %d", ErrMalformedEnvelope, EnvelopeHeaderSize, len(data))
	}

	return &File{
		ContentType: UnfitString(data[MimeOffset:NameOffset], PadByte),
		Name:        UnfitString(data[NameOffset:ContentOffset], PadByte),
		Content:     data[ContentOffset:],
	}, nil
}

// Envelope returns the envelope bytes for f.
func (f *File) Envelope() []byte {
	return BuildEnvelope(f.ContentType, f.Name, f.Content)
}
