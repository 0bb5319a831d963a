package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/kenneth/pwseal/internal/audit"
	"github.com/kenneth/pwseal/internal/config"
	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/kenneth/pwseal/internal/metrics"
	"github.com/kenneth/pwseal/internal/tracing"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// maxPasswordBytes bounds the password form field.
const maxPasswordBytes = 4096

// Handler serves the encrypt/decrypt API.
type Handler struct {
	engine         *crypto.Engine
	logger         *logrus.Logger
	metrics        *metrics.Metrics
	auditLogger    audit.Logger
	maxPayloadSize int64
}

// NewHandler creates a new API handler without audit logging.
func NewHandler(engine *crypto.Engine, logger *logrus.Logger, m *metrics.Metrics, cfg *config.Config) *Handler {
	return NewHandlerWithFeatures(engine, logger, m, nil, cfg)
}

// NewHandlerWithFeatures creates a new API handler. auditLogger may be nil.
func NewHandlerWithFeatures(
	engine *crypto.Engine,
	logger *logrus.Logger,
	m *metrics.Metrics,
	auditLogger audit.Logger,
	cfg *config.Config,
) *Handler {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Handler{
		engine:         engine,
		logger:         logger,
		metrics:        m,
		auditLogger:    auditLogger,
		maxPayloadSize: cfg.Crypto.MaxPayloadSize,
	}
}

// RegisterRoutes registers all API routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/health", h.handleHealth).Methods("GET")
	r.HandleFunc("/ready", h.handleReady).Methods("GET")
	r.HandleFunc("/live", h.handleLive).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/text/encrypt", h.handleEncryptText).Methods("POST")
	api.HandleFunc("/text/decrypt", h.handleDecryptText).Methods("POST")
	api.HandleFunc("/file/encrypt", h.handleEncryptFile).Methods("POST")
	api.HandleFunc("/file/decrypt", h.handleDecryptFile).Methods("POST")

	r.NotFoundHandler = http.HandlerFunc(h.handleNotFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(h.handleMethodNotAllowed)
}

// textEncryptRequest is the body of POST /api/v1/text/encrypt.
type textEncryptRequest struct {
	Password string `json:"password"`
	Text     string `json:"text"`
}

// textEncryptResponse carries the base64 container.
type textEncryptResponse struct {
	Container string `json:"container"`
}

// textDecryptRequest is the body of POST /api/v1/text/decrypt.
type textDecryptRequest struct {
	Password  string `json:"password"`
	Container string `json:"container"`
}

// textDecryptResponse carries the recovered text.
type textDecryptResponse struct {
	Text string `json:"text"`
}

// handleEncryptText encrypts a JSON text payload into a base64 container.
func (h *Handler) handleEncryptText(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const route = "/api/v1/text/encrypt"

	var req textEncryptRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, route, start, err)
		return
	}
	if req.Password == "" {
		h.fail(w, r, route, start, ErrMissingPassword)
		return
	}

	_, span := tracing.StartSpan(r.Context(), "crypto.EncryptText",
		attribute.Int("payload.size", len(req.Text)))
	container, err := h.engine.EncryptText(req.Password, req.Text)
	h.observe(r, span, metrics.OpEncryptText, true, int64(len(req.Text)), start, err)
	span.End()
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	h.writeJSON(w, r, route, start, textEncryptResponse{Container: container})
}

// handleDecryptText decrypts a base64 container back into text. It is for
// UTF-8 payloads only: JSON encoding replaces invalid bytes with U+FFFD, so
// binary plaintext must go through the file endpoint.
func (h *Handler) handleDecryptText(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const route = "/api/v1/text/decrypt"

	var req textDecryptRequest
	if err := h.decodeJSON(w, r, &req); err != nil {
		h.fail(w, r, route, start, err)
		return
	}
	if req.Password == "" {
		h.fail(w, r, route, start, ErrMissingPassword)
		return
	}
	if req.Container == "" {
		h.fail(w, r, route, start, ErrMissingContainer)
		return
	}

	_, span := tracing.StartSpan(r.Context(), "crypto.DecryptText",
		attribute.Int("container.size", len(req.Container)))
	text, err := h.engine.DecryptText(req.Password, req.Container)
	h.observe(r, span, metrics.OpDecryptText, false, int64(len(text)), start, err)
	span.End()
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	h.writeJSON(w, r, route, start, textDecryptResponse{Text: text})
}

// handleEncryptFile seals an uploaded file, with its name and content type,
// into a raw container returned as a download.
func (h *Handler) handleEncryptFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const route = "/api/v1/file/encrypt"

	upload, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	file := &crypto.File{
		ContentType: resolveContentType(upload.contentType, upload.filename, upload.content),
		Name:        safeFilename(upload.filename),
		Content:     upload.content,
	}

	_, span := tracing.StartSpan(r.Context(), "crypto.EncryptFile",
		attribute.Int("payload.size", len(file.Content)),
		attribute.String("file.content_type", file.ContentType))
	data, err := h.engine.EncryptFile(upload.password, file)
	h.observe(r, span, metrics.OpEncryptFile, true, int64(len(file.Content)), start, err)
	span.End()
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	keep, _ := strconv.ParseBool(r.URL.Query().Get("keep_name"))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", contentDisposition(encryptedName(file.Name, keep)))
	h.writeBody(w, r, route, start, data)
}

// handleDecryptFile opens an uploaded container and returns the original
// file with its stored name and content type.
func (h *Handler) handleDecryptFile(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const route = "/api/v1/file/decrypt"

	upload, err := h.readUpload(w, r)
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	_, span := tracing.StartSpan(r.Context(), "crypto.DecryptFile",
		attribute.Int("container.size", len(upload.content)))
	file, err := h.engine.DecryptFile(upload.password, upload.content)
	var size int64
	if file != nil {
		size = int64(len(file.Content))
	}
	h.observe(r, span, metrics.OpDecryptFile, false, size, start, err)
	span.End()
	if err != nil {
		h.fail(w, r, route, start, err)
		return
	}

	w.Header().Set("Content-Type", responseContentType(file))
	w.Header().Set("Content-Disposition", contentDisposition(safeFilename(file.Name)))
	h.writeBody(w, r, route, start, file.Content)
}

// handleHealth handles health check requests.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	h.metrics.RecordHTTPRequest("GET", "/health", http.StatusOK, time.Since(start), 0)
}

// handleReady handles readiness check requests.
func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler()(w, r)
	h.metrics.RecordHTTPRequest("GET", "/ready", http.StatusOK, time.Since(start), 0)
}

// handleLive handles liveness check requests.
func (h *Handler) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	h.metrics.RecordHTTPRequest("GET", "/live", http.StatusOK, time.Since(start), 0)
}

func (h *Handler) handleNotFound(w http.ResponseWriter, r *http.Request) {
	ErrNotFound.WithRequestID(getRequestID(r)).WriteJSON(w)
}

func (h *Handler) handleMethodNotAllowed(w http.ResponseWriter, r *http.Request) {
	ErrMethodNotAllowed.WithRequestID(getRequestID(r)).WriteJSON(w)
}

// fileUpload is a parsed multipart request of the file endpoints.
type fileUpload struct {
	password    string
	filename    string
	contentType string
	content     []byte
}

// readUpload reads the "password" and "file" parts, in any order, from a
// size-limited body.
func (h *Handler) readUpload(w http.ResponseWriter, r *http.Request) (*fileUpload, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayloadSize)

	mr, err := r.MultipartReader()
	if err != nil {
		return nil, ErrInvalidRequest
	}

	up := &fileUpload{}
	var hasFile bool
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, h.bodyError(err)
		}

		switch part.FormName() {
		case "password":
			b, err := io.ReadAll(io.LimitReader(part, maxPasswordBytes+1))
			if err != nil {
				return nil, h.bodyError(err)
			}
			if len(b) > maxPasswordBytes {
				return nil, ErrInvalidRequest
			}
			up.password = string(b)
		case "file":
			b, err := io.ReadAll(part)
			if err != nil {
				return nil, h.bodyError(err)
			}
			up.filename = part.FileName()
			up.contentType = part.Header.Get("Content-Type")
			up.content = b
			hasFile = true
		}
		part.Close()
	}

	if up.password == "" {
		return nil, ErrMissingPassword
	}
	if !hasFile {
		return nil, ErrMissingFile
	}
	return up, nil
}

// decodeJSON decodes a size-limited JSON body into v.
func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayloadSize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return h.bodyError(err)
	}
	return nil
}

// bodyError keeps size-limit errors and reduces everything else to
// ErrInvalidRequest.
func (h *Handler) bodyError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return maxBytesErr
	}
	h.logger.WithError(err).Debug("Failed to read request body")
	return ErrInvalidRequest
}

// observe records metrics, audit and span status for one core operation.
// Passwords, plaintext and filenames are never recorded.
func (h *Handler) observe(r *http.Request, span trace.Span, op string, encrypt bool, size int64, start time.Time, err error) {
	duration := time.Since(start)
	kind := crypto.ErrorKind(err)

	if err != nil {
		h.metrics.RecordEncryptionError(op, kind)
		tracing.RecordError(span, err, kind)
	} else {
		h.metrics.RecordEncryptionOperation(op, duration, size)
	}

	if h.auditLogger != nil {
		src := audit.Source{
			ClientIP:  getClientIP(r),
			UserAgent: r.UserAgent(),
			RequestID: getRequestID(r),
		}
		if encrypt {
			h.auditLogger.LogEncrypt(op, src, h.engine.Iterations(), size, err, duration)
		} else {
			h.auditLogger.LogDecrypt(op, src, h.engine.Iterations(), size, err, duration)
		}
	}

	fields := logrus.Fields{
		"operation":   op,
		"request_id":  getRequestID(r),
		"size":        humanize.IBytes(uint64(size)),
		"duration_ms": duration.Milliseconds(),
	}
	switch kind {
	case "":
		h.logger.WithFields(fields).Debug("Crypto operation completed")
	case crypto.KindInternal:
		h.logger.WithFields(fields).WithError(err).Error("Crypto operation failed")
	default:
		h.logger.WithFields(fields).WithField("error_kind", kind).Info("Crypto operation rejected")
	}
}

// fail writes err as a JSON API error and records the request.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, route string, start time.Time, err error) {
	apiErr := TranslateError(err).WithRequestID(getRequestID(r))
	apiErr.WriteJSON(w)
	h.metrics.RecordHTTPRequest(r.Method, route, apiErr.HTTPStatus, time.Since(start), 0)
}

// writeJSON writes v with status 200 and records the request.
func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, route string, start time.Time, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.WithError(err).Error("Failed to encode response")
		h.fail(w, r, route, start, err)
		return
	}
	data = append(data, '\n')
	w.Header().Set("Content-Type", "application/json")
	h.writeBody(w, r, route, start, data)
}

// writeBody writes data with status 200 and records the request.
func (h *Handler) writeBody(w http.ResponseWriter, r *http.Request, route string, start time.Time, data []byte) {
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	n, err := w.Write(data)
	if err != nil {
		h.logger.WithError(err).WithField("request_id", getRequestID(r)).Warn("Failed to write response")
	}
	h.metrics.RecordHTTPRequest(r.Method, route, http.StatusOK, time.Since(start), int64(n))
}
