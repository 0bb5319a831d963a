package api

import (
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/kenneth/pwseal/internal/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslateError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantCode   string
		wantStatus int
	}{
		{"api error passes through", ErrMissingFile, "MissingFile", http.StatusBadRequest},
		{"body too large", &http.MaxBytesError{Limit: 10}, "PayloadTooLarge", http.StatusRequestEntityTooLarge},
		{"authentication", fmt.Errorf("open: %w", crypto.ErrAuthentication), "AuthenticationFailed", http.StatusUnprocessableEntity},
		{"malformed container", crypto.ErrMalformedContainer, "MalformedContainer", http.StatusBadRequest},
		{"malformed envelope", crypto.ErrMalformedEnvelope, "MalformedEnvelope", http.StatusBadRequest},
		{"random source", crypto.ErrRandomSource, "InternalError", http.StatusInternalServerError},
		{"unknown", errors.New("boom"), "InternalError", http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := TranslateError(tt.err)
			require.NotNil(t, apiErr)
			assert.Equal(t, tt.wantCode, apiErr.Code)
			assert.Equal(t, tt.wantStatus, apiErr.HTTPStatus)
			assert.NotContains(t, apiErr.Message, "boom")
		})
	}

	assert.Nil(t, TranslateError(nil))
}

func TestAPIError_WithRequestID(t *testing.T) {
	e := ErrNotFound.WithRequestID("abc")
	assert.Equal(t, "abc", e.RequestID)
	assert.Empty(t, ErrNotFound.RequestID)

	w := httptest.NewRecorder()
	e.WriteJSON(w)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"code":"NotFound","message":"The requested resource does not exist.","request_id":"abc"}`, w.Body.String())
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"report.pdf", "report.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\me\secret.txt`, "secret.txt"},
		{"a\"b\r\n.txt", "ab.txt"},
		{"фото.jpg", "фото.jpg"},
		{"", ""},
		{"/", ""},
		{".", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, safeFilename(tt.in))
		})
	}
}

func TestEncryptedName(t *testing.T) {
	assert.Equal(t, DefaultEncryptedName, encryptedName("report.pdf", false))
	assert.Equal(t, "report.pdf.part", encryptedName("report.pdf", true))
	assert.Equal(t, "report.pdf.part", encryptedName("dir/report.pdf", true))
	assert.Equal(t, DefaultEncryptedName, encryptedName("", true))
}

func TestContentDisposition(t *testing.T) {
	for _, name := range []string{"a.part", "my file.txt", "résumé.docx", ""} {
		v := contentDisposition(name)
		disposition, params, err := mime.ParseMediaType(v)
		require.NoError(t, err, v)
		assert.Equal(t, "attachment", disposition)
		if name == "" {
			assert.Equal(t, "download", params["filename"])
		} else {
			assert.Equal(t, name, params["filename"])
		}
	}
}

func TestResolveContentType(t *testing.T) {
	tests := []struct {
		name     string
		partType string
		filename string
		content  []byte
		want     string
	}{
		{"part header wins", "image/png", "x.txt", nil, "image/png"},
		{"generic part header falls through", "application/octet-stream", "doc.pdf", nil, "application/pdf"},
		{"extension", "", "doc.pdf", nil, "application/pdf"},
		{"sniffed", "", "noext", []byte("<html><body>hi</body></html>"), "text/html; charset=utf-8"},
		{"sniffed binary", "", "noext", []byte{0x00, 0x01, 0x02}, "application/octet-stream"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, resolveContentType(tt.partType, tt.filename, tt.content))
		})
	}
}

func TestResponseContentType(t *testing.T) {
	assert.Equal(t, "text/plain; charset=utf-8", responseContentType(&crypto.File{ContentType: "text/plain; charset=utf-8"}))
	assert.Equal(t, "application/octet-stream", responseContentType(&crypto.File{}))
	assert.Equal(t, "application/octet-stream", responseContentType(&crypto.File{ContentType: "garbage"}))
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.1:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": " 198.51.100.7 "}, "10.0.0.1:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"remote addr without port", nil, "192.0.2.1", "192.0.2.1"},
		{"nothing", nil, "", "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, getClientIP(req))
		})
	}
}

func TestGetRequestID(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(middleware.RequestIDHeader, "from-header")
	assert.Equal(t, "from-header", getRequestID(req))

	req = req.WithContext(middleware.WithRequestID(req.Context(), "from-context"))
	assert.Equal(t, "from-context", getRequestID(req))
}
