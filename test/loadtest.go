package test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	atomic_file "github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/sirupsen/logrus"
)

// Load test modes.
const (
	ModeText = "text"
	ModeFile = "file"
)

// LoadTestConfig holds configuration for a round-trip load test.
type LoadTestConfig struct {
	ServerURL           string
	Mode                string // text or file
	Password            string
	NumWorkers          int
	Duration            time.Duration
	QPS                 int   // per worker; 0 means unthrottled
	PayloadSize         int64 // plaintext bytes per round trip
	BaselineFile        string
	RegressionThreshold float64 // Max allowed regression percentage
}

// LoadTestMetrics holds comprehensive metrics for regression tracking. One
// request is one encrypt plus the matching decrypt.
type LoadTestMetrics struct {
	Timestamp          time.Time     `json:"timestamp"`
	TestName           string        `json:"test_name"`
	Duration           time.Duration `json:"duration"`
	TotalRequests      int64         `json:"total_requests"`
	SuccessfulRequests int64         `json:"successful_requests"`
	FailedRequests     int64         `json:"failed_requests"`
	MismatchedPayloads int64         `json:"mismatched_payloads"`
	P50Latency         time.Duration `json:"p50_latency"`
	P95Latency         time.Duration `json:"p95_latency"`
	P99Latency         time.Duration `json:"p99_latency"`
	AvgLatency         time.Duration `json:"avg_latency"`
	MinLatency         time.Duration `json:"min_latency"`
	MaxLatency         time.Duration `json:"max_latency"`
	Throughput         float64       `json:"throughput_req_per_sec"`
	TotalBytesSent     int64         `json:"total_bytes_sent"`
	TotalBytesReceived int64         `json:"total_bytes_received"`
	ErrorRate          float64       `json:"error_rate"`
}

// RegressionResult holds the result of regression analysis.
type RegressionResult struct {
	TestName              string
	BaselineMetrics       *LoadTestMetrics
	CurrentMetrics        *LoadTestMetrics
	LatencyRegression     float64 // Percentage change in latency
	ThroughputRegression  float64 // Percentage change in throughput
	ErrorRateRegression   float64 // Percentage point change in error rate
	SignificantRegression bool
	Details               []string
}

// roundTripper performs one encrypt/decrypt cycle and reports bytes moved.
type roundTripper func(ctx context.Context, client *http.Client, payload []byte) (sent, received int64, err error)

// RunLoadTest drives encrypt/decrypt round trips against a running server
// until the configured duration elapses or ctx is cancelled.
func RunLoadTest(ctx context.Context, config LoadTestConfig, logger *logrus.Logger) (*LoadTestMetrics, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.InfoLevel)
	}
	if config.NumWorkers <= 0 {
		config.NumWorkers = 1
	}
	if config.Password == "" {
		config.Password = "load-test-password"
	}

	var rt roundTripper
	switch config.Mode {
	case ModeText, "":
		config.Mode = ModeText
		rt = textRoundTrip(config.ServerURL, config.Password)
	case ModeFile:
		rt = fileRoundTrip(config.ServerURL, config.Password)
	default:
		return nil, fmt.Errorf("unknown load test mode %q", config.Mode)
	}

	logger.WithFields(logrus.Fields{
		"mode":         config.Mode,
		"workers":      config.NumWorkers,
		"duration":     config.Duration,
		"qps":          config.QPS,
		"payload_size": humanize.IBytes(uint64(config.PayloadSize)),
	}).Info("Starting load test")

	payload := makePayload(config.Mode, config.PayloadSize)
	client := &http.Client{Timeout: 60 * time.Second}

	ctx, cancel := context.WithTimeout(ctx, config.Duration)
	defer cancel()

	var (
		mu        sync.Mutex
		latencies []time.Duration
		total     int64
		failed    int64
		mismatch  int64
		sent      int64
		received  int64
	)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < config.NumWorkers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()

			var tick <-chan time.Time
			if config.QPS > 0 {
				ticker := time.NewTicker(time.Second / time.Duration(config.QPS))
				defer ticker.Stop()
				tick = ticker.C
			}

			for {
				if tick != nil {
					select {
					case <-ctx.Done():
						return
					case <-tick:
					}
				} else if ctx.Err() != nil {
					return
				}

				reqStart := time.Now()
				s, r, err := rt(ctx, client, payload)
				latency := time.Since(reqStart)

				if ctx.Err() != nil && err != nil {
					// Cut off by the deadline; not a server failure.
					return
				}

				atomic.AddInt64(&total, 1)
				atomic.AddInt64(&sent, s)
				atomic.AddInt64(&received, r)
				if err != nil {
					atomic.AddInt64(&failed, 1)
					if errors.Is(err, errPayloadMismatch) {
						atomic.AddInt64(&mismatch, 1)
					}
					logger.WithError(err).WithField("worker", worker).Debug("Round trip failed")
					continue
				}

				mu.Lock()
				latencies = append(latencies, latency)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	elapsed := time.Since(start)

	results := &LoadTestMetrics{
		Timestamp:          time.Now(),
		TestName:           config.Mode + "_load_test",
		Duration:           elapsed,
		TotalRequests:      total,
		SuccessfulRequests: total - failed,
		FailedRequests:     failed,
		MismatchedPayloads: mismatch,
		TotalBytesSent:     sent,
		TotalBytesReceived: received,
	}
	summarizeLatencies(results, latencies)
	if elapsed > 0 {
		results.Throughput = float64(results.SuccessfulRequests) / elapsed.Seconds()
	}
	if total > 0 {
		results.ErrorRate = float64(failed) / float64(total)
	}

	return results, nil
}

var errPayloadMismatch = errors.New("decrypted payload does not match")

func makePayload(mode string, size int64) []byte {
	if size <= 0 {
		size = 1024
	}
	if mode == ModeText {
		return []byte(strings.Repeat("pwseal ", int(size/7)+1)[:size])
	}
	payload := make([]byte, size)
	for i := range payload {
		payload[i] = byte(i * 31)
	}
	return payload
}

func textRoundTrip(serverURL, password string) roundTripper {
	return func(ctx context.Context, client *http.Client, payload []byte) (int64, int64, error) {
		var sent, received int64

		var enc struct {
			Container string `json:"container"`
		}
		s, r, err := doJSON(ctx, client, serverURL+"/api/v1/text/encrypt",
			map[string]string{"password": password, "text": string(payload)}, &enc)
		sent, received = sent+s, received+r
		if err != nil {
			return sent, received, err
		}

		var dec struct {
			Text string `json:"text"`
		}
		s, r, err = doJSON(ctx, client, serverURL+"/api/v1/text/decrypt",
			map[string]string{"password": password, "container": enc.Container}, &dec)
		sent, received = sent+s, received+r
		if err != nil {
			return sent, received, err
		}
		if dec.Text != string(payload) {
			return sent, received, errPayloadMismatch
		}
		return sent, received, nil
	}
}

func fileRoundTrip(serverURL, password string) roundTripper {
	return func(ctx context.Context, client *http.Client, payload []byte) (int64, int64, error) {
		var sent, received int64

		s, sealed, err := doMultipart(ctx, client, serverURL+"/api/v1/file/encrypt", password, "load.bin", payload)
		sent, received = sent+s, received+int64(len(sealed))
		if err != nil {
			return sent, received, err
		}

		s, opened, err := doMultipart(ctx, client, serverURL+"/api/v1/file/decrypt", password, "a.part", sealed)
		sent, received = sent+s, received+int64(len(opened))
		if err != nil {
			return sent, received, err
		}
		if !bytes.Equal(opened, payload) {
			return sent, received, errPayloadMismatch
		}
		return sent, received, nil
	}
}

func doJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) (int64, int64, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return 0, 0, err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := do(client, req)
	if err != nil {
		return int64(len(data)), int64(len(body)), err
	}
	return int64(len(data)), int64(len(body)), json.Unmarshal(body, out)
}

func doMultipart(ctx context.Context, client *http.Client, url, password, filename string, content []byte) (int64, []byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	_ = mw.WriteField("password", password)
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, nil, err
	}
	_, _ = part.Write(content)
	_ = mw.Close()

	sent := int64(buf.Len())
	req, err := http.NewRequestWithContext(ctx, "POST", url, &buf)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := do(client, req)
	return sent, body, err
}

func do(client *http.Client, req *http.Request) ([]byte, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return body, err
	}
	if resp.StatusCode != http.StatusOK {
		return body, fmt.Errorf("%s returned status %d: %s", req.URL.Path, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

func summarizeLatencies(results *LoadTestMetrics, latencies []time.Duration) {
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	results.MinLatency = latencies[0]
	results.MaxLatency = latencies[len(latencies)-1]
	results.AvgLatency = calculateAverageLatency(latencies)
	results.P50Latency = calculatePercentileLatency(latencies, 0.50)
	results.P95Latency = calculatePercentileLatency(latencies, 0.95)
	results.P99Latency = calculatePercentileLatency(latencies, 0.99)
}

func calculateAverageLatency(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}

	var total time.Duration
	for _, lat := range latencies {
		total += lat
	}
	return total / time.Duration(len(latencies))
}

// calculatePercentileLatency expects latencies sorted ascending.
func calculatePercentileLatency(latencies []time.Duration, percentile float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	index := int(float64(len(latencies)-1) * percentile)
	return latencies[index]
}

// SaveBaselineMetrics writes metrics as the new baseline.
func SaveBaselineMetrics(metrics *LoadTestMetrics, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(metrics, "", "  ")
	if err != nil {
		return err
	}
	return atomic_file.WriteFile(filename, bytes.NewReader(data))
}

func loadBaselineMetrics(filename string) (*LoadTestMetrics, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var metrics LoadTestMetrics
	if err := json.Unmarshal(data, &metrics); err != nil {
		return nil, err
	}
	return &metrics, nil
}

// AnalyzeRegression compares current metrics against baseline and detects regressions.
func AnalyzeRegression(current *LoadTestMetrics, baselineFile string, threshold float64) (*RegressionResult, error) {
	baseline, err := loadBaselineMetrics(baselineFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load baseline metrics: %w", err)
	}

	result := &RegressionResult{
		TestName:        current.TestName,
		BaselineMetrics: baseline,
		CurrentMetrics:  current,
		Details:         []string{},
	}

	if baseline.AvgLatency > 0 {
		latencyChange := float64(current.AvgLatency-baseline.AvgLatency) / float64(baseline.AvgLatency) * 100
		result.LatencyRegression = latencyChange
		if latencyChange > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Latency regression: %.2f%% (threshold: %.2f%%)", latencyChange, threshold))
		}
	}

	if baseline.Throughput > 0 {
		throughputChange := (current.Throughput - baseline.Throughput) / baseline.Throughput * 100
		result.ThroughputRegression = throughputChange
		if -throughputChange > threshold {
			result.SignificantRegression = true
			result.Details = append(result.Details, fmt.Sprintf("Throughput regression: %.2f%% (threshold: %.2f%%)", throughputChange, threshold))
		}
	}

	errorRateChange := current.ErrorRate - baseline.ErrorRate
	result.ErrorRateRegression = errorRateChange * 100
	if errorRateChange > threshold/100 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("Error rate increased by %.2f percentage points", errorRateChange*100))
	}

	if current.MismatchedPayloads > 0 {
		result.SignificantRegression = true
		result.Details = append(result.Details, fmt.Sprintf("%d round trips returned a different payload", current.MismatchedPayloads))
	}

	return result, nil
}

// PrintLoadTestResults prints comprehensive load test results to w.
func PrintLoadTestResults(w io.Writer, results *LoadTestMetrics) {
	fmt.Fprintf(w, "\n=== %s Results ===\n", results.TestName)
	fmt.Fprintf(w, "Timestamp: %s\n", results.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(w, "Duration: %v\n", results.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Total Round Trips: %s\n", humanize.Comma(results.TotalRequests))
	fmt.Fprintf(w, "Successful: %s\n", humanize.Comma(results.SuccessfulRequests))
	fmt.Fprintf(w, "Failed: %s\n", humanize.Comma(results.FailedRequests))
	fmt.Fprintf(w, "Mismatched: %s\n", humanize.Comma(results.MismatchedPayloads))
	fmt.Fprintf(w, "Error Rate: %.2f%%\n", results.ErrorRate*100)
	fmt.Fprintf(w, "Throughput: %s round trips/s\n", humanize.CommafWithDigits(results.Throughput, 2))
	fmt.Fprintf(w, "Latency (avg): %v\n", results.AvgLatency)
	fmt.Fprintf(w, "Latency (p50): %v\n", results.P50Latency)
	fmt.Fprintf(w, "Latency (p95): %v\n", results.P95Latency)
	fmt.Fprintf(w, "Latency (p99): %v\n", results.P99Latency)
	fmt.Fprintf(w, "Min Latency: %v\n", results.MinLatency)
	fmt.Fprintf(w, "Max Latency: %v\n", results.MaxLatency)
	fmt.Fprintf(w, "Bytes Sent: %s\n", humanize.IBytes(uint64(results.TotalBytesSent)))
	fmt.Fprintf(w, "Bytes Received: %s\n", humanize.IBytes(uint64(results.TotalBytesReceived)))
	fmt.Fprintf(w, "==============================\n\n")
}

// PrintRegressionResult prints regression analysis results to w.
func PrintRegressionResult(w io.Writer, result *RegressionResult) {
	fmt.Fprintf(w, "\n=== Regression Analysis for %s ===\n", result.TestName)
	fmt.Fprintf(w, "Significant Regression: %t\n", result.SignificantRegression)
	fmt.Fprintf(w, "Latency Regression: %.2f%%\n", result.LatencyRegression)
	fmt.Fprintf(w, "Throughput Regression: %.2f%%\n", result.ThroughputRegression)
	fmt.Fprintf(w, "Error Rate Regression: %.2f percentage points\n", result.ErrorRateRegression)

	if len(result.Details) > 0 {
		fmt.Fprintf(w, "\nDetails:\n")
		for _, detail := range result.Details {
			fmt.Fprintf(w, "- %s\n", detail)
		}
	}
	fmt.Fprintf(w, "=====================================\n\n")
}

// PrometheusQueries are evaluated by QueryPrometheusMetrics over the test window.
var PrometheusQueries = map[string]string{
	"encryption_duration_p95_seconds":   `histogram_quantile(0.95, sum by (le) (rate(encryption_duration_seconds_bucket[%s])))`,
	"http_request_duration_p95_seconds": `histogram_quantile(0.95, sum by (le) (rate(http_request_duration_seconds_bucket[%s])))`,
	"encryption_errors_per_second":      `sum(rate(encryption_errors_total[%s]))`,
	"memory_alloc_bytes":                `avg_over_time(memory_alloc_bytes[%s])`,
	"goroutines":                        `avg_over_time(goroutines_total[%s])`,
}

// QueryPrometheusMetrics queries Prometheus for server-side metrics covering
// the load test window.
func QueryPrometheusMetrics(ctx context.Context, prometheusURL string, startTime, endTime time.Time) (map[string]float64, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, err
	}
	v1api := v1.NewAPI(client)

	window := model.Duration(endTime.Sub(startTime).Round(time.Second))
	if window < model.Duration(time.Minute) {
		window = model.Duration(time.Minute)
	}

	results := make(map[string]float64)
	for name, query := range PrometheusQueries {
		value, _, err := v1api.Query(ctx, fmt.Sprintf(query, window.String()), endTime)
		if err != nil {
			return nil, fmt.Errorf("failed to query %s: %w", name, err)
		}

		if vector, ok := value.(model.Vector); ok && len(vector) > 0 {
			v := float64(vector[0].Value)
			if !math.IsNaN(v) {
				results[name] = v
			}
		}
	}

	return results, nil
}
