package api

import (
	"fmt"
	"mime"
	"net"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/kenneth/pwseal/internal/middleware"
)

// DefaultEncryptedName is the download name of an encrypted file when the
// caller does not ask to keep the original name.
const DefaultEncryptedName = "a.part"

// getClientIP extracts the client IP address from the request.
func getClientIP(r *http.Request) string {
	// X-Forwarded-For can contain multiple IPs, take the first one
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		if ip := strings.TrimSpace(ips[0]); ip != "" {
			return ip
		}
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return strings.TrimSpace(xri)
	}

	if r.RemoteAddr != "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			return host
		}
		return r.RemoteAddr
	}

	return "unknown"
}

// getRequestID returns the ID assigned by the request ID middleware, falling
// back to the caller's header when the middleware is not installed.
func getRequestID(r *http.Request) string {
	if id := middleware.RequestIDFromContext(r.Context()); id != "" {
		return id
	}
	return r.Header.Get(middleware.RequestIDHeader)
}

// safeFilename reduces a stored or uploaded name to a base name that is safe
// to put in a Content-Disposition header.
func safeFilename(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = filepath.Base(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	if name == "." || name == "/" || name == "" {
		return ""
	}
	return name
}

// encryptedName returns the attachment name for an encrypted upload.
func encryptedName(original string, keep bool) string {
	if keep {
		if base := safeFilename(original); base != "" {
			return base + ".part"
		}
	}
	return DefaultEncryptedName
}

// contentDisposition formats an attachment header, with an RFC 6266 UTF-8
// form when the name is not plain ASCII.
func contentDisposition(name string) string {
	if name == "" {
		name = "download"
	}
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return fmt.Sprintf("attachment; filename=%q", "download")
}

// resolveContentType picks the envelope content type for an upload: the part
// header when it is specific, else a guess from the extension, else content
// sniffing.
func resolveContentType(partType, filename string, content []byte) string {
	if partType != "" && partType != "application/octet-stream" {
		return partType
	}
	if byExt := mime.TypeByExtension(filepath.Ext(filename)); byExt != "" {
		return byExt
	}
	return http.DetectContentType(content)
}

// responseContentType returns the stored content type when it parses, else
// the generic binary type.
func responseContentType(f *crypto.File) string {
	if f.ContentType == "" {
		return "application/octet-stream"
	}
	if _, _, err := mime.ParseMediaType(f.ContentType); err != nil {
		return "application/octet-stream"
	}
	return f.ContentType
}
