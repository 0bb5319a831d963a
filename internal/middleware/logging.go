package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kenneth/pwseal/internal/config"
	"github.com/sirupsen/logrus"
)

// LoggingSettings holds the access log configuration read by
// LoggingMiddleware on every request. Store swaps it while serving.
type LoggingSettings struct {
	cfg atomic.Pointer[config.LoggingConfig]
}

// NewLoggingSettings returns settings initialised from cfg. A nil cfg selects
// the default format with no redaction.
func NewLoggingSettings(cfg *config.LoggingConfig) *LoggingSettings {
	s := &LoggingSettings{}
	if cfg == nil {
		cfg = &config.LoggingConfig{AccessLogFormat: "default"}
	}
	s.Store(*cfg)
	return s
}

// Load returns the active configuration. Callers must not modify it.
func (s *LoggingSettings) Load() *config.LoggingConfig {
	return s.cfg.Load()
}

// Store replaces the active configuration with a copy of cfg.
func (s *LoggingSettings) Store(cfg config.LoggingConfig) {
	cfg.RedactHeaders = append([]string(nil), cfg.RedactHeaders...)
	s.cfg.Store(&cfg)
}

// LoggingMiddleware wraps handlers with access logging using a fixed
// configuration. See LoggingMiddlewareWithSettings for a reloadable one.
func LoggingMiddleware(logger *logrus.Logger, cfg *config.LoggingConfig) func(http.Handler) http.Handler {
	return LoggingMiddlewareWithSettings(logger, NewLoggingSettings(cfg))
}

// LoggingMiddlewareWithSettings wraps handlers with access logging. Header
// values named in RedactHeaders are never written; request bodies are never
// logged.
func LoggingMiddlewareWithSettings(logger *logrus.Logger, settings *LoggingSettings) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			var requestBytes int64
			if r.Method == http.MethodPost || r.Method == http.MethodPut {
				if contentLength := r.Header.Get("Content-Length"); contentLength != "" {
					if size, err := strconv.ParseInt(contentLength, 10, 64); err == nil {
						requestBytes = size
					}
				}
			}

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			cfg := settings.Load()
			entry := createLogEntry(r, rw, time.Since(start), requestBytes, cfg)

			switch cfg.AccessLogFormat {
			case "json":
				logJSON(logger, entry)
			case "clf":
				logCLF(logger, entry)
			default:
				logDefault(logger, entry)
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// LogEntry represents a structured access log entry.
type LogEntry struct {
	Timestamp     string            `json:"timestamp"`
	RequestID     string            `json:"request_id,omitempty"`
	Method        string            `json:"method"`
	Path          string            `json:"path"`
	Query         string            `json:"query,omitempty"`
	RemoteAddr    string            `json:"remote_addr"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Status        int               `json:"status"`
	DurationMs    int64             `json:"duration_ms"`
	RequestBytes  int64             `json:"request_bytes"`
	ResponseBytes int64             `json:"response_bytes"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// createLogEntry creates a log entry with header redaction.
func createLogEntry(r *http.Request, rw *responseWriter, duration time.Duration, requestBytes int64, cfg *config.LoggingConfig) *LogEntry {
	entry := &LogEntry{
		Timestamp:     time.Now().Format(time.RFC3339),
		RequestID:     RequestIDFromContext(r.Context()),
		Method:        r.Method,
		Path:          r.URL.Path,
		Query:         r.URL.RawQuery,
		RemoteAddr:    r.RemoteAddr,
		UserAgent:     r.UserAgent(),
		Status:        rw.statusCode,
		DurationMs:    duration.Milliseconds(),
		RequestBytes:  requestBytes,
		ResponseBytes: rw.bytesWritten,
	}

	// Headers only go into the structured format.
	if cfg.AccessLogFormat == "json" {
		entry.Headers = make(map[string]string)
		for name, values := range r.Header {
			lowerName := strings.ToLower(name)
			if shouldRedactHeader(lowerName, cfg.RedactHeaders) {
				entry.Headers[lowerName] = "[REDACTED]"
			} else {
				entry.Headers[lowerName] = strings.Join(values, ",")
			}
		}
	}

	return entry
}

// shouldRedactHeader checks if a header should be redacted.
func shouldRedactHeader(headerName string, redactHeaders []string) bool {
	for _, redact := range redactHeaders {
		if strings.EqualFold(redact, headerName) {
			return true
		}
	}
	return false
}

// logDefault logs in the default structured format.
func logDefault(logger *logrus.Logger, entry *LogEntry) {
	fields := logrus.Fields{
		"method":         entry.Method,
		"path":           entry.Path,
		"remote_addr":    entry.RemoteAddr,
		"status":         entry.Status,
		"duration_ms":    entry.DurationMs,
		"request_bytes":  entry.RequestBytes,
		"response_bytes": entry.ResponseBytes,
	}

	if entry.RequestID != "" {
		fields["request_id"] = entry.RequestID
	}
	if entry.Query != "" {
		fields["query"] = entry.Query
	}
	if entry.UserAgent != "" {
		fields["user_agent"] = entry.UserAgent
	}

	logger.WithFields(fields).Info("HTTP request")
}

// logJSON logs the whole entry as one JSON field.
func logJSON(logger *logrus.Logger, entry *LogEntry) {
	if jsonData, err := json.Marshal(entry); err == nil {
		logger.WithField("json", string(jsonData)).Info("HTTP request")
	} else {
		logDefault(logger, entry)
	}
}

// logCLF logs in Common Log Format.
func logCLF(logger *logrus.Logger, entry *LogEntry) {
	// %h %l %u %t "%r" %>s %b
	target := entry.Path
	if entry.Query != "" {
		target += "?" + entry.Query
	}
	clf := fmt.Sprintf(`%s - - [%s] "%s %s HTTP/1.1" %d %d`,
		entry.RemoteAddr,
		entry.Timestamp,
		entry.Method,
		target,
		entry.Status,
		entry.ResponseBytes,
	)

	logger.WithField("clf", clf).Info("HTTP request")
}
