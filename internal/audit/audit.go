package audit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/sirupsen/logrus"
)

// EventType represents the type of audit event.
type EventType string

const (
	// EventTypeEncrypt represents an encryption operation.
	EventTypeEncrypt EventType = "encrypt"
	// EventTypeDecrypt represents a decryption operation.
	EventTypeDecrypt EventType = "decrypt"
)

// AuditEvent represents a single audit log event. It never carries the
// password, the plaintext or the stored filename.
type AuditEvent struct {
	Timestamp   time.Time     `json:"timestamp"`
	EventType   EventType     `json:"event_type"`
	Operation   string        `json:"operation"`
	ClientIP    string        `json:"client_ip,omitempty"`
	UserAgent   string        `json:"user_agent,omitempty"`
	RequestID   string        `json:"request_id,omitempty"`
	Algorithm   string        `json:"algorithm,omitempty"`
	Iterations  int           `json:"iterations,omitempty"`
	PayloadSize int64         `json:"payload_size"`
	Success     bool          `json:"success"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Duration    time.Duration `json:"duration_ms"`
}

// Source identifies the caller of an audited operation.
type Source struct {
	ClientIP  string
	UserAgent string
	RequestID string
}

// Logger is the interface for audit logging.
type Logger interface {
	// Log logs an audit event.
	Log(event *AuditEvent) error

	// LogEncrypt logs an encryption operation.
	LogEncrypt(operation string, src Source, iterations int, payloadSize int64, err error, duration time.Duration)

	// LogDecrypt logs a decryption operation.
	LogDecrypt(operation string, src Source, iterations int, payloadSize int64, err error, duration time.Duration)
}

// auditLogger implements the Logger interface.
type auditLogger struct {
	mu        sync.Mutex
	events    []*AuditEvent
	maxEvents int
	writer    EventWriter
}

// EventWriter is an interface for writing audit events.
type EventWriter interface {
	WriteEvent(event *AuditEvent) error
}

// NewLogger creates a new audit logger that keeps the last maxEvents events
// in memory. A nil writer writes JSON lines to stdout.
func NewLogger(maxEvents int, writer EventWriter) Logger {
	if writer == nil {
		writer = NewJSONWriter(os.Stdout)
	}
	if maxEvents <= 0 {
		maxEvents = 1
	}

	return &auditLogger{
		events:    make([]*AuditEvent, 0, maxEvents),
		maxEvents: maxEvents,
		writer:    writer,
	}
}

// Log logs an audit event. Writer failures do not fail the operation.
func (l *auditLogger) Log(event *AuditEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var writeErr error
	if l.writer != nil {
		writeErr = l.writer.WriteEvent(event)
	}

	l.events = append(l.events, event)
	if len(l.events) > l.maxEvents {
		l.events = l.events[len(l.events)-l.maxEvents:]
	}

	return writeErr
}

// LogEncrypt logs an encryption operation.
func (l *auditLogger) LogEncrypt(operation string, src Source, iterations int, payloadSize int64, err error, duration time.Duration) {
	_ = l.Log(newEvent(EventTypeEncrypt, operation, src, iterations, payloadSize, err, duration))
}

// LogDecrypt logs a decryption operation.
func (l *auditLogger) LogDecrypt(operation string, src Source, iterations int, payloadSize int64, err error, duration time.Duration) {
	_ = l.Log(newEvent(EventTypeDecrypt, operation, src, iterations, payloadSize, err, duration))
}

func newEvent(eventType EventType, operation string, src Source, iterations int, payloadSize int64, err error, duration time.Duration) *AuditEvent {
	event := &AuditEvent{
		Timestamp:   time.Now(),
		EventType:   eventType,
		Operation:   operation,
		ClientIP:    src.ClientIP,
		UserAgent:   src.UserAgent,
		RequestID:   src.RequestID,
		Algorithm:   crypto.AlgorithmAES256GCM,
		Iterations:  iterations,
		PayloadSize: payloadSize,
		Success:     err == nil,
		Duration:    duration,
	}

	if err != nil {
		event.ErrorKind = crypto.ErrorKind(err)
		event.Error = err.Error()
	}

	return event
}

// GetEvents returns all buffered audit events (for testing/querying).
func (l *auditLogger) GetEvents() []*AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Return a copy to prevent external modifications
	events := make([]*AuditEvent, len(l.events))
	copy(events, l.events)
	return events
}

// jsonWriter writes one JSON object per line.
type jsonWriter struct {
	out io.Writer
}

// NewJSONWriter returns an EventWriter emitting JSON lines to out.
func NewJSONWriter(out io.Writer) EventWriter {
	return &jsonWriter{out: out}
}

func (w *jsonWriter) WriteEvent(event *AuditEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.out, "%s\n", data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// logrusWriter forwards events to a structured logger.
type logrusWriter struct {
	logger *logrus.Logger
}

// NewLogrusWriter returns an EventWriter that logs each event through logger
// with an "audit" marker field.
func NewLogrusWriter(logger *logrus.Logger) EventWriter {
	return &logrusWriter{logger: logger}
}

func (w *logrusWriter) WriteEvent(event *AuditEvent) error {
	entry := w.logger.WithFields(logrus.Fields{
		"audit":        true,
		"event_type":   event.EventType,
		"operation":    event.Operation,
		"client_ip":    event.ClientIP,
		"request_id":   event.RequestID,
		"iterations":   event.Iterations,
		"payload_size": event.PayloadSize,
		"success":      event.Success,
		"duration_ms":  event.Duration.Milliseconds(),
	})
	if !event.Success {
		entry.WithField("error_kind", event.ErrorKind).Warn("Audit event")
		return nil
	}
	entry.Info("Audit event")
	return nil
}
