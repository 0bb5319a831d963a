package tracing

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/kenneth/pwseal/internal/config"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer name for application spans.
const InstrumentationName = "github.com/kenneth/pwseal"

// Manager manages OpenTelemetry setup and lifecycle.
type Manager struct {
	config         config.TracingConfig
	logger         *logrus.Logger
	stdout         io.Writer
	tracerProvider *sdktrace.TracerProvider
}

// NewManager creates a new tracing manager.
func NewManager(cfg config.TracingConfig, logger *logrus.Logger) *Manager {
	return &Manager{
		config: cfg,
		logger: logger,
		stdout: os.Stdout,
	}
}

// Initialize sets up the exporter and installs the global tracer provider.
// It is a no-op when tracing is disabled.
func (m *Manager) Initialize(ctx context.Context) error {
	if !m.config.Enabled {
		m.logger.Info("OpenTelemetry tracing is disabled")
		return nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(m.config.ServiceName),
			semconv.ServiceVersionKey.String(m.config.ServiceVersion),
		),
	)
	if err != nil {
		return fmt.Errorf("failed to create resource: %w", err)
	}

	exporter, err := m.newExporter(ctx)
	if err != nil {
		return err
	}

	m.tracerProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(m.config.SamplingRatio))),
	)

	otel.SetTracerProvider(m.tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	m.logger.WithFields(logrus.Fields{
		"service":        m.config.ServiceName,
		"exporter":       m.config.Exporter,
		"sampling_ratio": m.config.SamplingRatio,
	}).Info("OpenTelemetry tracing initialized")

	return nil
}

func (m *Manager) newExporter(ctx context.Context) (sdktrace.SpanExporter, error) {
	switch m.config.Exporter {
	case "", "stdout":
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(m.stdout))
		if err != nil {
			return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
		}
		return exporter, nil
	case "otlp":
		exporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(m.config.OtlpEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create OTLP gRPC exporter: %w", err)
		}
		m.logger.WithField("endpoint", m.config.OtlpEndpoint).Info("Using OTLP gRPC trace exporter")
		return exporter, nil
	case "jaeger":
		exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(m.config.JaegerEndpoint)))
		if err != nil {
			return nil, fmt.Errorf("failed to create Jaeger exporter: %w", err)
		}
		m.logger.WithField("endpoint", m.config.JaegerEndpoint).Info("Using Jaeger trace exporter")
		return exporter, nil
	default:
		return nil, fmt.Errorf("unsupported tracing exporter: %s", m.config.Exporter)
	}
}

// Shutdown flushes pending spans and stops the provider.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.tracerProvider == nil {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := m.tracerProvider.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown tracer provider: %w", err)
	}

	m.logger.Info("OpenTelemetry tracing shutdown completed")
	return nil
}

// StartSpan starts an internal span on the application tracer.
func StartSpan(ctx context.Context, spanName string, attributes ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	spanCtx, span := otel.Tracer(InstrumentationName).Start(ctx, spanName)
	if len(attributes) > 0 {
		span.SetAttributes(attributes...)
	}
	return spanCtx, span
}

// RecordError records err on span and marks it failed. kind is a
// low-cardinality error label.
func RecordError(span oteltrace.Span, err error, kind string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err, oteltrace.WithAttributes(attribute.String("error.kind", kind)))
	span.SetStatus(codes.Error, kind)
}
