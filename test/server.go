package test

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/kenneth/pwseal/internal/audit"
	"github.com/kenneth/pwseal/internal/config"
	"github.com/kenneth/pwseal/internal/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// TestServer represents a running pwseal server for testing.
type TestServer struct {
	Addr  string
	URL   string
	Audit audit.Logger

	server *server.Server
	client *http.Client
}

// StartServer starts a pwseal server with the production wiring on
// cfg.ListenAddr (use "127.0.0.1:0" for a free port).
func StartServer(t testing.TB, cfg *config.Config) *TestServer {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Only errors in tests
	cfg.LogLevel = "error"

	return StartServerWithOptions(t, cfg, logger, server.Options{})
}

// StartServerWithOptions is StartServer with a caller-supplied logger and
// options. A nil Registry is replaced with a private one so tests do not
// collide on the default registry.
func StartServerWithOptions(t testing.TB, cfg *config.Config, logger *logrus.Logger, opts server.Options) *TestServer {
	t.Helper()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		t.Fatalf("Failed to listen on %s: %v", cfg.ListenAddr, err)
	}

	addr := listener.Addr().String()
	url := "http://" + addr

	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	srv, err := server.New(context.Background(), cfg, logger, opts)
	if err != nil {
		listener.Close()
		t.Fatalf("Failed to build server: %v", err)
	}

	go func() {
		if err := srv.Serve(listener); err != nil {
			t.Logf("Server error: %v", err)
		}
	}()

	ts := &TestServer{
		Addr:   addr,
		URL:    url,
		Audit:  srv.Audit(),
		server: srv,
		client: &http.Client{Timeout: 30 * time.Second},
	}

	if err := waitHealthy(url, 5*time.Second); err != nil {
		ts.Close()
		t.Fatalf("Timeout waiting for server to start: %v", err)
	}
	t.Cleanup(ts.Close)
	return ts
}

// Server returns the underlying wired server.
func (s *TestServer) Server() *server.Server {
	return s.server
}

func waitHealthy(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	for {
		req, _ := http.NewRequestWithContext(ctx, "GET", url+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// Close shuts down the server. It is safe to call more than once.
func (s *TestServer) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// GetHTTPClient returns the HTTP client for making requests.
func (s *TestServer) GetHTTPClient() *http.Client {
	return s.client
}

// NewTestConfig returns a configuration suited to tests: a free local port and a
// low iteration count.
func NewTestConfig() *config.Config {
	cfg := config.Default()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.Crypto.Iterations = 1000
	cfg.Audit.Enabled = true
	cfg.Audit.MaxEvents = 100
	return cfg
}
