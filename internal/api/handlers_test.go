package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/kenneth/pwseal/internal/audit"
	"github.com/kenneth/pwseal/internal/config"
	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/kenneth/pwseal/internal/metrics"
	"github.com/kenneth/pwseal/internal/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testIterations = 1000

type recordingWriter struct {
	mu     sync.Mutex
	events []*audit.AuditEvent
}

func (w *recordingWriter) WriteEvent(event *audit.AuditEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) all() []*audit.AuditEvent {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]*audit.AuditEvent(nil), w.events...)
}

type testServer struct {
	router http.Handler
	audit  *recordingWriter
}

func newTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	cfg := config.Default()
	cfg.Crypto.Iterations = testIterations
	if mutate != nil {
		mutate(cfg)
	}

	rec := &recordingWriter{}
	engine := crypto.NewEngine(crypto.WithIterations(cfg.Crypto.Iterations))
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())
	handler := NewHandlerWithFeatures(engine, logger, m, audit.NewLogger(100, rec), cfg)

	router := mux.NewRouter()
	handler.RegisterRoutes(router)

	return &testServer{
		router: middleware.RequestIDMiddleware()(router),
		audit:  rec,
	}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func (s *testServer) postJSON(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return s.do(req)
}

type multipartFile struct {
	name        string
	contentType string
	content     []byte
}

func newMultipartRequest(t *testing.T, path, password string, file *multipartFile) *http.Request {
	t.Helper()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if password != "" {
		require.NoError(t, mw.WriteField("password", password))
	}
	if file != nil {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, file.name))
		if file.contentType != "" {
			h.Set("Content-Type", file.contentType)
		}
		part, err := mw.CreatePart(h)
		require.NoError(t, err)
		_, err = part.Write(file.content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var apiErr APIError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&apiErr))
	return apiErr
}

func TestHandler_HealthEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/health", "/live"} {
		w := s.do(httptest.NewRequest("GET", path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}

	metrics.SetReady(false)
	w := s.do(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	metrics.SetReady(true)
	defer metrics.SetReady(false)
	w = s.do(httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandler_NotFoundAndMethodNotAllowed(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest("GET", "/nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NotFound", decodeAPIError(t, w).Code)

	w = s.do(httptest.NewRequest("GET", "/api/v1/text/encrypt", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	apiErr := decodeAPIError(t, w)
	assert.Equal(t, "MethodNotAllowed", apiErr.Code)
	assert.Equal(t, w.Header().Get(middleware.RequestIDHeader), apiErr.RequestID)
}

func TestHandler_TextRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)

	for _, text := range []string{"hello", "", "многоязычный ✓\nline two"} {
		w := s.postJSON(t, "/api/v1/text/encrypt", textEncryptRequest{Password: "hunter2", Text: text})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var enc textEncryptResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&enc))
		raw, err := crypto.DecodeBase64(enc.Container)
		require.NoError(t, err)
		assert.Len(t, raw, crypto.MinContainerSize+crypto.TagSize+len(text))

		w = s.postJSON(t, "/api/v1/text/decrypt", textDecryptRequest{Password: "hunter2", Container: enc.Container})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var dec textDecryptResponse
		require.NoError(t, json.NewDecoder(w.Body).Decode(&dec))
		assert.Equal(t, text, dec.Text)
	}

	events := s.audit.all()
	require.Len(t, events, 6)
	assert.Equal(t, audit.EventTypeEncrypt, events[0].EventType)
	assert.Equal(t, metrics.OpEncryptText, events[0].Operation)
	assert.Equal(t, audit.EventTypeDecrypt, events[1].EventType)
	assert.Equal(t, testIterations, events[1].Iterations)
	assert.NotEmpty(t, events[1].RequestID)
}

func TestHandler_TextDecryptNonUTF8Payload(t *testing.T) {
	s := newTestServer(t, nil)

	container, err := crypto.NewEngine(crypto.WithIterations(testIterations)).Encrypt("pw", []byte{0xff, 'o', 'k'})
	require.NoError(t, err)

	w := s.postJSON(t, "/api/v1/text/decrypt", textDecryptRequest{Password: "pw", Container: container.String()})
	require.Equal(t, http.StatusOK, w.Code)

	var dec textDecryptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&dec))
	assert.Equal(t, "\uFFFDok", dec.Text)
}

func TestHandler_TextDecryptFailuresAreIndistinguishable(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.postJSON(t, "/api/v1/text/encrypt", textEncryptRequest{Password: "right", Text: "secret"})
	require.Equal(t, http.StatusOK, w.Code)
	var enc textEncryptResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&enc))

	raw, err := crypto.DecodeBase64(enc.Container)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0x01
	tampered := crypto.EncodeBase64(raw)

	wrongPw := s.postJSON(t, "/api/v1/text/decrypt", textDecryptRequest{Password: "wrong", Container: enc.Container})
	tamper := s.postJSON(t, "/api/v1/text/decrypt", textDecryptRequest{Password: "right", Container: tampered})

	require.Equal(t, http.StatusUnprocessableEntity, wrongPw.Code)
	require.Equal(t, http.StatusUnprocessableEntity, tamper.Code)

	e1, e2 := decodeAPIError(t, wrongPw), decodeAPIError(t, tamper)
	assert.Equal(t, "AuthenticationFailed", e1.Code)
	assert.Equal(t, e1.Code, e2.Code)
	assert.Equal(t, e1.Message, e2.Message)
	assert.Equal(t, "incorrect password or corrupted data", e1.Message)

	events := s.audit.all()
	last := events[len(events)-1]
	assert.False(t, last.Success)
	assert.Equal(t, crypto.KindAuthentication, last.ErrorKind)
}

func TestHandler_TextBadRequests(t *testing.T) {
	s := newTestServer(t, nil)

	tests := []struct {
		name     string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{name: "invalid json", path: "/api/v1/text/encrypt", body: "{", wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "unknown field", path: "/api/v1/text/encrypt", body: `{"password":"p","text":"t","extra":1}`, wantCode: http.StatusBadRequest, wantErr: "InvalidRequest"},
		{name: "missing password on encrypt", path: "/api/v1/text/encrypt", body: `{"text":"t"}`, wantCode: http.StatusBadRequest, wantErr: "MissingPassword"},
		{name: "missing password on decrypt", path: "/api/v1/text/decrypt", body: `{"container":"AAAA"}`, wantCode: http.StatusBadRequest, wantErr: "MissingPassword"},
		{name: "missing container", path: "/api/v1/text/decrypt", body: `{"password":"p"}`, wantCode: http.StatusBadRequest, wantErr: "MissingContainer"},
		{name: "bad base64", path: "/api/v1/text/decrypt", body: `{"password":"p","container":"not base64!!"}`, wantCode: http.StatusBadRequest, wantErr: "MalformedContainer"},
		{name: "short container", path: "/api/v1/text/decrypt", body: `{"password":"p","container":"AAECAwQFBgcICQ=="}`, wantCode: http.StatusBadRequest, wantErr: "MalformedContainer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(httptest.NewRequest("POST", tt.path, strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeAPIError(t, w).Code)
		})
	}
}

func TestHandler_PayloadTooLarge(t *testing.T) {
	s := newTestServer(t, func(cfg *config.Config) { cfg.Crypto.MaxPayloadSize = 64 })

	w := s.postJSON(t, "/api/v1/text/encrypt", textEncryptRequest{Password: "p", Text: strings.Repeat("x", 200)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Equal(t, "PayloadTooLarge", decodeAPIError(t, w).Code)

	req := newMultipartRequest(t, "/api/v1/file/encrypt", "p", &multipartFile{name: "big.bin", content: bytes.Repeat([]byte{1}, 500)})
	w = s.do(req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestHandler_FileRoundTrip(t *testing.T) {
	s := newTestServer(t, nil)
	content := append([]byte{0x89, 'P', 'N', 'G', '\r', '\n'}, bytes.Repeat([]byte{0x20, 0x00}, 300)...)

	req := newMultipartRequest(t, "/api/v1/file/encrypt", "pw", &multipartFile{name: "photo.png", contentType: "image/png", content: content})
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, DefaultEncryptedName, params["filename"])

	container := w.Body.Bytes()
	assert.Len(t, container, crypto.MinContainerSize+crypto.TagSize+crypto.EnvelopeHeaderSize+len(content))

	req = newMultipartRequest(t, "/api/v1/file/decrypt", "pw", &multipartFile{name: "a.part", content: container})
	w = s.do(req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, content, w.Body.Bytes())

	_, params, err = mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "photo.png", params["filename"])
}

func TestHandler_FileEncryptKeepName(t *testing.T) {
	s := newTestServer(t, nil)

	req := newMultipartRequest(t, "/api/v1/file/encrypt?keep_name=1", "pw", &multipartFile{name: "отчёт.pdf", content: []byte("%PDF-1.7")})
	w := s.do(req)
	require.Equal(t, http.StatusOK, w.Code)

	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "отчёт.pdf.part", params["filename"])

	// The content type came from the extension.
	f, err := crypto.NewEngine(crypto.WithIterations(testIterations)).DecryptFile("pw", w.Body.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", f.ContentType)
	assert.Equal(t, "отчёт.pdf", f.Name)
}

func TestHandler_FileErrors(t *testing.T) {
	s := newTestServer(t, nil)

	textContainer, err := crypto.NewEngine(crypto.WithIterations(testIterations)).Encrypt("pw", []byte("not a file"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
		wantErr  string
	}{
		{
			name:     "not multipart",
			req:      httptest.NewRequest("POST", "/api/v1/file/encrypt", strings.NewReader("raw")),
			wantCode: http.StatusBadRequest,
			wantErr:  "InvalidRequest",
		},
		{
			name:     "missing password",
			req:      newMultipartRequest(t, "/api/v1/file/encrypt", "", &multipartFile{name: "a.txt", content: []byte("x")}),
			wantCode: http.StatusBadRequest,
			wantErr:  "MissingPassword",
		},
		{
			name:     "missing file",
			req:      newMultipartRequest(t, "/api/v1/file/encrypt", "pw", nil),
			wantCode: http.StatusBadRequest,
			wantErr:  "MissingFile",
		},
		{
			name:     "short container",
			req:      newMultipartRequest(t, "/api/v1/file/decrypt", "pw", &multipartFile{name: "a.part", content: make([]byte, 10)}),
			wantCode: http.StatusBadRequest,
			wantErr:  "MalformedContainer",
		},
		{
			name:     "text container is not a file",
			req:      newMultipartRequest(t, "/api/v1/file/decrypt", "pw", &multipartFile{name: "a.part", content: textContainer.Bytes()}),
			wantCode: http.StatusBadRequest,
			wantErr:  "MalformedEnvelope",
		},
		{
			name:     "wrong password",
			req:      newMultipartRequest(t, "/api/v1/file/decrypt", "nope", &multipartFile{name: "a.part", content: textContainer.Bytes()}),
			wantCode: http.StatusUnprocessableEntity,
			wantErr:  "AuthenticationFailed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(tt.req)
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, decodeAPIError(t, w).Code)
		})
	}
}

func TestHandler_DecryptFileUnsafeStoredName(t *testing.T) {
	s := newTestServer(t, nil)

	engine := crypto.NewEngine(crypto.WithIterations(testIterations))
	data, err := engine.EncryptFile("pw", &crypto.File{ContentType: "not a type", Name: "../../etc/passwd", Content: []byte("x")})
	require.NoError(t, err)

	w := s.do(newMultipartRequest(t, "/api/v1/file/decrypt", "pw", &multipartFile{name: "a.part", content: data}))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	_, params, err := mime.ParseMediaType(w.Header().Get("Content-Disposition"))
	require.NoError(t, err)
	assert.Equal(t, "passwd", params["filename"])

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), body)
}
