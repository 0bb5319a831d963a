package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/kenneth/pwseal/internal/api"
	"github.com/kenneth/pwseal/internal/audit"
	"github.com/kenneth/pwseal/internal/config"
	"github.com/kenneth/pwseal/internal/crypto"
	"github.com/kenneth/pwseal/internal/metrics"
	"github.com/kenneth/pwseal/internal/middleware"
	"github.com/kenneth/pwseal/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Options carries the process-level inputs that are not part of Config.
type Options struct {
	// ConfigPath is watched for hot reload. Empty disables file watching;
	// SIGHUP is still honoured.
	ConfigPath string
	Version    string
	Commit     string

	// Registry receives the Prometheus collectors. Nil uses the default registry.
	Registry *prometheus.Registry

	// SystemMetricsInterval enables the runtime metrics collector when positive.
	SystemMetricsInterval time.Duration
}

// Server is a fully wired pwseal HTTP service.
type Server struct {
	cfg    *config.Config
	logger *logrus.Logger

	metrics  *metrics.Metrics
	audit    audit.Logger
	tracer   *tracing.Manager
	limiter  *middleware.RateLimiter
	logging  *middleware.LoggingSettings
	reloader *config.ConfigReloader

	handler    http.Handler
	httpServer *http.Server

	startReloader sync.Once
	closeOnce     sync.Once
}

// New builds the engine, handlers and middleware chain for cfg. Nothing is
// listening until Serve or ListenAndServe is called.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger, opts Options) (*Server, error) {
	SetLogLevel(logger, cfg.LogLevel)

	s := &Server{
		cfg:     cfg,
		logger:  logger,
		logging: middleware.NewLoggingSettings(&cfg.Logging),
	}

	hwInfo := crypto.GetHardwareAccelerationInfo()
	logger.WithFields(logrus.Fields{
		"aes_hardware_support": hwInfo["aes_hardware_support"],
		"architecture":         hwInfo["architecture"],
	}).Info("Hardware acceleration status")

	engine := crypto.NewEngine(crypto.WithIterations(cfg.Crypto.Iterations))
	if cfg.Crypto.Iterations != crypto.DefaultIterations {
		logger.WithField("iterations", cfg.Crypto.Iterations).
			Warn("Non-default PBKDF2 iteration count; containers are not portable to other implementations")
	}

	if opts.Registry != nil {
		s.metrics = metrics.NewMetricsWithRegistry(opts.Registry)
	} else {
		s.metrics = metrics.NewMetrics()
	}
	s.metrics.SetBuildInfo(opts.Version, opts.Commit, crypto.HasAESHardwareSupport())
	s.metrics.SetKDFIterations(engine.Iterations())
	if opts.SystemMetricsInterval > 0 {
		s.metrics.StartSystemMetricsCollector(opts.SystemMetricsInterval)
	}

	tracingCfg := cfg.Tracing
	if opts.Version != "" && (tracingCfg.ServiceVersion == "" || tracingCfg.ServiceVersion == "dev") {
		tracingCfg.ServiceVersion = opts.Version
	}
	s.tracer = tracing.NewManager(tracingCfg, logger)
	if err := s.tracer.Initialize(ctx); err != nil {
		s.metrics.StopSystemMetricsCollector()
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	if cfg.Audit.Enabled {
		s.audit = audit.NewLogger(cfg.Audit.MaxEvents, audit.NewLogrusWriter(logger))
		logger.WithField("max_events", cfg.Audit.MaxEvents).Info("Audit logging enabled")
	}

	handler := api.NewHandlerWithFeatures(engine, logger, s.metrics, s.audit, cfg)

	router := mux.NewRouter()
	router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	handler.RegisterRoutes(router)

	// Apply middleware, innermost first
	var httpHandler http.Handler = router
	if cfg.Tracing.Enabled {
		httpHandler = middleware.TracingMiddleware(cfg.Tracing.RedactSensitive)(httpHandler)
	}
	if cfg.RateLimit.Enabled {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Window, logger)
		httpHandler = middleware.RateLimitMiddleware(s.limiter)(httpHandler)
		logger.WithFields(logrus.Fields{
			"limit":  cfg.RateLimit.Limit,
			"window": cfg.RateLimit.Window,
		}).Info("Rate limiting enabled")
	}
	httpHandler = middleware.SecurityHeadersMiddleware()(httpHandler)
	httpHandler = middleware.LoggingMiddlewareWithSettings(logger, s.logging)(httpHandler)
	httpHandler = middleware.RecoveryMiddleware(logger)(httpHandler)
	httpHandler = middleware.RequestIDMiddleware()(httpHandler)
	s.handler = httpHandler

	reloader, err := config.NewConfigReloader(opts.ConfigPath, cfg, logger)
	if err != nil {
		logger.WithError(err).Warn("Configuration hot reload disabled")
	} else {
		reloader.SetOnReloadCallback(s.applyReload)
		s.reloader = reloader
	}

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           httpHandler,
		ReadTimeout:       cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
		ConnState: func(_ net.Conn, state http.ConnState) {
			switch state {
			case http.StateNew:
				s.metrics.IncrementActiveConnections()
			case http.StateHijacked, http.StateClosed:
				s.metrics.DecrementActiveConnections()
			}
		},
	}

	return s, nil
}

// Handler returns the root handler with the full middleware chain.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Metrics returns the server's metrics instance.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Audit returns the audit logger, or nil when auditing is disabled.
func (s *Server) Audit() audit.Logger {
	return s.audit
}

// LoggingSettings returns the live access log settings.
func (s *Server) LoggingSettings() *middleware.LoggingSettings {
	return s.logging
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	return s.Serve(listener)
}

// Serve starts the config reloader in the background, marks the process
// ready and serves on listener until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.startReloader.Do(func() {
		if s.reloader != nil {
			go s.reloader.Start()
		}
	})

	fields := logrus.Fields{
		"addr":             listener.Addr().String(),
		"max_payload_size": humanize.IBytes(uint64(s.cfg.Crypto.MaxPayloadSize)),
		"iterations":       s.cfg.Crypto.Iterations,
	}
	metrics.SetReady(true)

	var err error
	if s.cfg.TLS.Enabled {
		fields["cert_file"] = s.cfg.TLS.CertFile
		fields["key_file"] = s.cfg.TLS.KeyFile
		s.logger.WithFields(fields).Info("Starting HTTPS server")
		err = s.httpServer.ServeTLS(listener, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	} else {
		s.logger.WithFields(fields).Info("Starting HTTP server")
		err = s.httpServer.Serve(listener)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains connections and stops background work. It is safe to call
// more than once.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.closeOnce.Do(func() {
		metrics.SetReady(false)
		err = s.httpServer.Shutdown(ctx)

		if s.reloader != nil {
			s.reloader.Stop()
		}
		if s.limiter != nil {
			s.limiter.Stop()
		}
		s.metrics.StopSystemMetricsCollector()

		if tracerErr := s.tracer.Shutdown(ctx); tracerErr != nil {
			s.logger.WithError(tracerErr).Warn("Failed to flush traces")
		}
	})
	return err
}

// applyReload pushes the runtime-mutable settings of updated into the
// running server.
func (s *Server) applyReload(old, updated *config.Config) error {
	SetLogLevel(s.logger, updated.LogLevel)
	s.logging.Store(updated.Logging)

	if old.RateLimit.Enabled != updated.RateLimit.Enabled {
		s.logger.Warn("rate_limit.enabled change requires a restart")
	}
	if s.limiter != nil && updated.RateLimit.Enabled {
		s.limiter.Update(updated.RateLimit.Limit, updated.RateLimit.Window)
	}
	return nil
}

// SetLogLevel applies a config log level name, falling back to info.
func SetLogLevel(logger *logrus.Logger, name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		logger.WithError(err).Warn("Invalid log level, using info")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}
