package tracing

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/kenneth/pwseal/internal/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func restoreProvider(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })
}

func TestManager_Disabled(t *testing.T) {
	m := NewManager(config.TracingConfig{Enabled: false}, quietLogger())
	require.NoError(t, m.Initialize(context.Background()))
	assert.Nil(t, m.tracerProvider)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestManager_StdoutExporter(t *testing.T) {
	restoreProvider(t)

	cfg := config.Default().Tracing
	cfg.Enabled = true
	m := NewManager(cfg, quietLogger())
	var out bytes.Buffer
	m.stdout = &out

	require.NoError(t, m.Initialize(context.Background()))
	require.NotNil(t, m.tracerProvider)

	_, span := StartSpan(context.Background(), "crypto.Encrypt", attribute.Int("payload.size", 3))
	span.End()

	// Shutdown flushes the batcher into the writer.
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Contains(t, out.String(), "crypto.Encrypt")
	assert.Contains(t, out.String(), "pwseal")
}

func TestManager_OTLPExporter(t *testing.T) {
	restoreProvider(t)

	cfg := config.TracingConfig{
		Enabled:       true,
		ServiceName:   "pwseal",
		Exporter:      "otlp",
		OtlpEndpoint:  "localhost:4317",
		SamplingRatio: 1.0,
	}
	m := NewManager(cfg, quietLogger())

	// The gRPC client connects lazily, so creation succeeds without a collector.
	require.NoError(t, m.Initialize(context.Background()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = m.Shutdown(ctx)
}

func TestManager_JaegerExporter(t *testing.T) {
	restoreProvider(t)

	cfg := config.TracingConfig{
		Enabled:        true,
		ServiceName:    "pwseal",
		Exporter:       "jaeger",
		JaegerEndpoint: "http://localhost:14268/api/traces",
		SamplingRatio:  1.0,
	}
	m := NewManager(cfg, quietLogger())

	require.NoError(t, m.Initialize(context.Background()))
	require.NotNil(t, m.tracerProvider)
}

func TestManager_UnknownExporter(t *testing.T) {
	cfg := config.TracingConfig{Enabled: true, ServiceName: "pwseal", Exporter: "zipkin"}
	err := NewManager(cfg, quietLogger()).Initialize(context.Background())
	assert.ErrorContains(t, err, "unsupported tracing exporter")
}

func TestRecordError(t *testing.T) {
	restoreProvider(t)
	sr := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr)))

	_, span := StartSpan(context.Background(), "crypto.Decrypt")
	RecordError(span, errors.New("incorrect password or corrupted data"), "authentication")
	span.End()

	spans := sr.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "authentication", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 1)

	// Nil and non-recording spans are ignored.
	RecordError(nil, errors.New("x"), "internal")
}
