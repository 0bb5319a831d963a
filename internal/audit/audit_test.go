package audit

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureWriter struct {
	events []*AuditEvent
	err    error
}

func (w *captureWriter) WriteEvent(event *AuditEvent) error {
	w.events = append(w.events, event)
	return w.err
}

func TestAuditLogger_LogEncrypt(t *testing.T) {
	logger := NewLogger(100, &captureWriter{})

	src := Source{ClientIP: "10.0.0.1", UserAgent: "curl/8", RequestID: "req-1"}
	logger.LogEncrypt("encrypt_text", src, 600000, 42, nil, 100*time.Millisecond)

	events := logger.(*auditLogger).GetEvents()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}

	event := events[0]
	if event.EventType != EventTypeEncrypt {
		t.Fatalf("expected event type %s, got %s", EventTypeEncrypt, event.EventType)
	}
	assert.Equal(t, "encrypt_text", event.Operation)
	assert.Equal(t, "10.0.0.1", event.ClientIP)
	assert.Equal(t, "req-1", event.RequestID)
	assert.Equal(t, crypto.AlgorithmAES256GCM, event.Algorithm)
	assert.Equal(t, 600000, event.Iterations)
	assert.Equal(t, int64(42), event.PayloadSize)
	assert.True(t, event.Success)
	assert.Empty(t, event.ErrorKind)
}

func TestAuditLogger_LogDecryptFailure(t *testing.T) {
	logger := NewLogger(100, &captureWriter{})

	err := fmt.Errorf("failed to decrypt: %w", crypto.ErrAuthentication)
	logger.LogDecrypt("decrypt_file", Source{RequestID: "req-2"}, 600000, 1024, err, 50*time.Millisecond)

	events := logger.(*auditLogger).GetEvents()
	require.Len(t, events, 1)

	event := events[0]
	assert.Equal(t, EventTypeDecrypt, event.EventType)
	assert.False(t, event.Success)
	assert.Equal(t, crypto.KindAuthentication, event.ErrorKind)
	assert.Contains(t, event.Error, "incorrect password")
}

func TestAuditLogger_MaxEvents(t *testing.T) {
	logger := NewLogger(5, &captureWriter{})

	for i := 0; i < 10; i++ {
		logger.LogEncrypt("encrypt_text", Source{RequestID: fmt.Sprintf("req-%d", i)}, 1, int64(i), nil, time.Millisecond)
	}

	events := logger.(*auditLogger).GetEvents()
	require.Len(t, events, 5)
	// Oldest events are evicted first.
	assert.Equal(t, "req-5", events[0].RequestID)
	assert.Equal(t, "req-9", events[4].RequestID)
}

func TestAuditLogger_WriterErrorStillBuffers(t *testing.T) {
	w := &captureWriter{err: errors.New("disk full")}
	logger := NewLogger(10, w)

	err := logger.Log(&AuditEvent{Operation: "encrypt_file"})
	assert.Error(t, err)
	assert.Len(t, logger.(*auditLogger).GetEvents(), 1)

	// The Log* helpers swallow writer errors.
	logger.LogEncrypt("encrypt_file", Source{}, 1, 1, nil, 0)
	assert.Len(t, w.events, 2)
}

func TestJSONWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(10, NewJSONWriter(&buf))

	logger.LogEncrypt("encrypt_text", Source{ClientIP: "127.0.0.1"}, 1000, 3, nil, 2*time.Millisecond)
	logger.LogDecrypt("decrypt_text", Source{}, 1000, 0, crypto.ErrMalformedContainer, time.Millisecond)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, "encrypt", first["event_type"])
	assert.Equal(t, "127.0.0.1", first["client_ip"])
	assert.Equal(t, true, first["success"])
	assert.Equal(t, "malformed_container", second["error_kind"])
	assert.Equal(t, false, second["success"])
}

func TestLogrusWriter(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetFormatter(&logrus.JSONFormatter{})

	logger := NewLogger(10, NewLogrusWriter(l))
	logger.LogDecrypt("decrypt_text", Source{RequestID: "abc"}, 1000, 5, crypto.ErrAuthentication, time.Millisecond)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warning", entry["level"])
	assert.Equal(t, true, entry["audit"])
	assert.Equal(t, "abc", entry["request_id"])
	assert.Equal(t, "authentication", entry["error_kind"])
}
