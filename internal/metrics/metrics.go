package metrics

import (
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation labels.
const (
	OpEncryptText = "encrypt_text"
	OpDecryptText = "decrypt_text"
	OpEncryptFile = "encrypt_file"
	OpDecryptFile = "decrypt_file"
)

// Metrics holds all application metrics.
type Metrics struct {
	gatherer prometheus.Gatherer

	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestBytes     *prometheus.CounterVec
	encryptionOperations *prometheus.CounterVec
	encryptionDuration   *prometheus.HistogramVec
	encryptionErrors     *prometheus.CounterVec
	encryptionBytes      *prometheus.CounterVec
	kdfIterations        prometheus.Gauge
	buildInfo            *prometheus.GaugeVec
	activeConnections    prometheus.Gauge
	goroutines           prometheus.Gauge
	memoryAllocBytes     prometheus.Gauge
	memorySysBytes       prometheus.Gauge

	collectorOnce sync.Once
	stopCollector chan struct{}
}

// NewMetrics creates a metrics instance on the default Prometheus registry.
func NewMetrics() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewMetricsWithRegistry creates a metrics instance on a private registry.
func NewMetricsWithRegistry(reg *prometheus.Registry) *Metrics {
	return newMetrics(reg, reg)
}

func newMetrics(reg prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		gatherer: gatherer,
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		httpRequestBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_request_bytes_total",
				Help: "Total bytes transferred in HTTP responses",
			},
			[]string{"method", "path"},
		),
		encryptionOperations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_operations_total",
				Help: "Total number of successful encryption/decryption operations",
			},
			[]string{"operation"},
		),
		encryptionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "encryption_duration_seconds",
				Help: "Encryption/decryption operation duration in seconds, key derivation included",
				// PBKDF2 at 600k rounds dominates; buckets start where it does.
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"operation"},
		),
		encryptionErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_errors_total",
				Help: "Total number of encryption/decryption errors",
			},
			[]string{"operation", "error_type"},
		),
		encryptionBytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "encryption_bytes_total",
				Help: "Total plaintext bytes encrypted/decrypted",
			},
			[]string{"operation"},
		),
		kdfIterations: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kdf_iterations",
				Help: "Configured PBKDF2 iteration count",
			},
		),
		buildInfo: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "build_info",
				Help: "Build information, value is always 1",
			},
			[]string{"version", "commit", "aes_hardware"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		goroutines: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "goroutines_total",
				Help: "Number of goroutines",
			},
		),
		memoryAllocBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_alloc_bytes",
				Help: "Number of bytes allocated and not yet freed",
			},
		),
		memorySysBytes: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "memory_sys_bytes",
				Help: "Total bytes of memory obtained from OS",
			},
		),
		stopCollector: make(chan struct{}),
	}
}

// RecordHTTPRequest records an HTTP request metric.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration, bytes int64) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
	m.httpRequestBytes.WithLabelValues(method, path).Add(float64(bytes))
}

// RecordEncryptionOperation records a successful encryption operation.
func (m *Metrics) RecordEncryptionOperation(operation string, duration time.Duration, bytes int64) {
	m.encryptionOperations.WithLabelValues(operation).Inc()
	m.encryptionDuration.WithLabelValues(operation).Observe(duration.Seconds())
	m.encryptionBytes.WithLabelValues(operation).Add(float64(bytes))
}

// RecordEncryptionError records a failed encryption operation. errorType is
// one of the crypto error kinds.
func (m *Metrics) RecordEncryptionError(operation, errorType string) {
	m.encryptionErrors.WithLabelValues(operation, errorType).Inc()
}

// SetKDFIterations publishes the configured iteration count.
func (m *Metrics) SetKDFIterations(n int) {
	m.kdfIterations.Set(float64(n))
}

// SetBuildInfo publishes version labels.
func (m *Metrics) SetBuildInfo(version, commit string, aesHardware bool) {
	m.buildInfo.WithLabelValues(version, commit, strconv.FormatBool(aesHardware)).Set(1)
}

// UpdateSystemMetrics updates system-level metrics (goroutines, memory).
func (m *Metrics) UpdateSystemMetrics() {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.goroutines.Set(float64(runtime.NumGoroutine()))
	m.memoryAllocBytes.Set(float64(memStats.Alloc))
	m.memorySysBytes.Set(float64(memStats.Sys))
}

// IncrementActiveConnections increments the active connections counter.
func (m *Metrics) IncrementActiveConnections() {
	m.activeConnections.Inc()
}

// DecrementActiveConnections decrements the active connections counter.
func (m *Metrics) DecrementActiveConnections() {
	m.activeConnections.Dec()
}

// StartSystemMetricsCollector starts a goroutine that periodically updates
// system metrics until StopSystemMetricsCollector is called.
func (m *Metrics) StartSystemMetricsCollector(interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.UpdateSystemMetrics()
			case <-m.stopCollector:
				return
			}
		}
	}()
}

// StopSystemMetricsCollector stops the collector goroutine.
func (m *Metrics) StopSystemMetricsCollector() {
	m.collectorOnce.Do(func() { close(m.stopCollector) })
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
