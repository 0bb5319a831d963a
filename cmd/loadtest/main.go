package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kenneth/pwseal/test"
)

func main() {
	var (
		serverURL      = flag.String("server-url", "http://localhost:8080", "pwseal server URL")
		mode           = flag.String("mode", "both", "Round trip mode: text, file, or both")
		password       = flag.String("password", "load-test-password", "Password used for every round trip")
		duration       = flag.Duration("duration", 30*time.Second, "Test duration")
		workers        = flag.Int("workers", 4, "Number of worker goroutines")
		qps            = flag.Int("qps", 0, "Round trips per second per worker (0 = as fast as possible)")
		payloadSize    = flag.Int64("payload-size", 64*1024, "Plaintext size in bytes")
		baselineDir    = flag.String("baseline-dir", "testdata/baselines", "Directory for baseline files")
		threshold      = flag.Float64("threshold", 10.0, "Regression threshold percentage")
		prometheusURL  = flag.String("prometheus-url", "", "Prometheus URL for server-side metrics")
		verbose        = flag.Bool("verbose", false, "Enable verbose logging")
		updateBaseline = flag.Bool("update-baseline", false, "Update baseline files instead of checking regression")
	)

	flag.Parse()

	logger := logrus.New()
	if *verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}

	if err := os.MkdirAll(*baselineDir, 0755); err != nil {
		logger.WithError(err).Fatal("Failed to create baseline directory")
	}

	fmt.Println("=== pwseal Load Test Runner ===")
	fmt.Printf("Server URL: %s\n", *serverURL)
	fmt.Printf("Mode: %s\n", *mode)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Workers: %d\n", *workers)
	fmt.Printf("QPS per Worker: %d\n", *qps)
	fmt.Printf("Regression Threshold: %.1f%%\n", *threshold)
	if *prometheusURL != "" {
		fmt.Printf("Prometheus URL: %s\n", *prometheusURL)
	}
	fmt.Println()

	var modes []string
	switch *mode {
	case "both":
		modes = []string{test.ModeText, test.ModeFile}
	case test.ModeText, test.ModeFile:
		modes = []string{*mode}
	default:
		logger.Fatalf("Unknown mode %q", *mode)
	}

	var exitCode int
	startTime := time.Now()

	for _, m := range modes {
		fmt.Printf("--- Running %s Load Test ---\n", m)
		cfg := test.LoadTestConfig{
			ServerURL:           *serverURL,
			Mode:                m,
			Password:            *password,
			NumWorkers:          *workers,
			Duration:            *duration,
			QPS:                 *qps,
			PayloadSize:         *payloadSize,
			BaselineFile:        filepath.Join(*baselineDir, m+"_load_test_baseline.json"),
			RegressionThreshold: *threshold,
		}
		if err := run(cfg, *prometheusURL, *updateBaseline, logger); err != nil {
			logger.WithError(err).Errorf("%s load test failed", m)
			exitCode = 1
		}
		fmt.Println()
	}

	fmt.Printf("=== Load Tests Complete (Total Time: %v) ===\n", time.Since(startTime).Round(time.Millisecond))

	if exitCode != 0 {
		fmt.Println("Some tests failed or regressions detected")
		os.Exit(exitCode)
	}
	fmt.Println("All tests passed")
}

func run(cfg test.LoadTestConfig, prometheusURL string, updateBaseline bool, logger *logrus.Logger) error {
	ctx := context.Background()
	startTime := time.Now()

	results, err := test.RunLoadTest(ctx, cfg, logger)
	if err != nil {
		return err
	}
	test.PrintLoadTestResults(os.Stdout, results)

	if prometheusURL != "" {
		promMetrics, err := test.QueryPrometheusMetrics(ctx, prometheusURL, startTime, time.Now())
		if err != nil {
			logger.WithError(err).Warn("Failed to query Prometheus metrics")
		} else {
			fmt.Println("--- Prometheus Metrics ---")
			for metric, value := range promMetrics {
				fmt.Printf("%s: %v\n", metric, value)
			}
			fmt.Println()
		}
	}

	if updateBaseline {
		if err := test.SaveBaselineMetrics(results, cfg.BaselineFile); err != nil {
			return fmt.Errorf("failed to save baseline: %w", err)
		}
		fmt.Printf("Baseline updated: %s\n", cfg.BaselineFile)
		return nil
	}

	regression, err := test.AnalyzeRegression(results, cfg.BaselineFile, cfg.RegressionThreshold)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Println("No baseline found; run with --update-baseline to create one")
			return nil
		}
		return fmt.Errorf("regression analysis failed: %w", err)
	}

	test.PrintRegressionResult(os.Stdout, regression)
	if regression.SignificantRegression {
		return fmt.Errorf("significant regression detected in %s", results.TestName)
	}
	return nil
}
