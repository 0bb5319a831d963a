package middleware

import (
	"net/http"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for HTTP server spans.
const TracerName = "github.com/kenneth/pwseal"

// spanNames maps API routes to span names.
var spanNames = map[string]string{
	"/api/v1/text/encrypt": "pwseal EncryptText",
	"/api/v1/text/decrypt": "pwseal DecryptText",
	"/api/v1/file/encrypt": "pwseal EncryptFile",
	"/api/v1/file/decrypt": "pwseal DecryptFile",
}

// TracingMiddleware wraps handlers with OpenTelemetry tracing.
func TracingMiddleware(redactSensitive bool) func(http.Handler) http.Handler {
	tracer := otel.Tracer(TracerName)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.Start(r.Context(), getSpanName(r.Method, r.URL.Path),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPMethod(r.Method),
					semconv.HTTPTarget(r.URL.Path),
					semconv.HTTPRoute(r.URL.Path),
					attribute.String("http.host", r.Host),
					attribute.String("http.user_agent", r.UserAgent()),
					attribute.String("http.remote_addr", getRemoteAddr(r)),
				),
			)

			if id := RequestIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("request.id", id))
			}

			if r.URL.RawQuery != "" {
				if redactSensitive {
					span.SetAttributes(attribute.String("http.query", "[REDACTED]"))
				} else {
					span.SetAttributes(attribute.String("http.query", r.URL.RawQuery))
				}
			}

			addHeadersToSpan(span, r.Header, redactSensitive)

			rw := &tracingResponseWriter{
				ResponseWriter: w,
				span:           span,
			}

			defer func() {
				status := rw.statusCode
				if status == 0 {
					status = http.StatusOK
				}
				span.SetAttributes(semconv.HTTPStatusCode(status))

				if status >= 400 {
					span.SetStatus(codes.Error, http.StatusText(status))
				} else {
					span.SetStatus(codes.Ok, "")
				}

				span.End()
			}()

			next.ServeHTTP(rw, r.WithContext(ctx))
		})
	}
}

// getSpanName returns a descriptive span name for known routes.
func getSpanName(method, path string) string {
	if name, ok := spanNames[strings.TrimSuffix(path, "/")]; ok && method == http.MethodPost {
		return name
	}
	return "HTTP " + method
}

// getRemoteAddr extracts the real remote address, handling X-Forwarded-For and X-Real-IP
func getRemoteAddr(r *http.Request) string {
	// X-Real-IP is a single IP and more trusted than X-Forwarded-For
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	return r.RemoteAddr
}

// addHeadersToSpan adds relevant headers to the span, redacting sensitive ones
func addHeadersToSpan(span trace.Span, headers http.Header, redactSensitive bool) {
	safeHeaders := []string{
		"content-type",
		"content-length",
		"accept",
		"accept-encoding",
		"x-request-id",
	}

	sensitiveHeaders := []string{
		"authorization",
		"cookie",
		"x-password",
		"x-forwarded-for", // Already handled separately
		"x-real-ip",       // Already handled separately
	}

	for _, header := range safeHeaders {
		if value := headers.Get(header); value != "" {
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}

	for _, header := range sensitiveHeaders {
		if value := headers.Get(header); value != "" {
			if redactSensitive {
				value = "[REDACTED]"
			}
			span.SetAttributes(attribute.String("http.request.header."+header, value))
		}
	}
}

// tracingResponseWriter wraps http.ResponseWriter to capture status code for tracing
type tracingResponseWriter struct {
	http.ResponseWriter
	span       trace.Span
	statusCode int
}

func (w *tracingResponseWriter) WriteHeader(code int) {
	if w.statusCode == 0 {
		w.statusCode = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *tracingResponseWriter) Write(b []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}
