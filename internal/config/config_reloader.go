package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of write events editors produce.
const reloadDebounce = 50 * time.Millisecond

// ConfigReloader reloads configuration on file change or SIGHUP and hands
// the result to a callback. Only fields that are safe to change at runtime
// are accepted.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stop     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload func(old, new *Config) error
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP is still handled.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
		current: initial,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic rename-over writes are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function invoked after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(fn func(old, new *Config) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = fn
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cfg := *r.current
	if r.current.Logging.RedactHeaders != nil {
		cfg.Logging.RedactHeaders = append([]string(nil), r.current.Logging.RedactHeaders...)
	}
	return &cfg
}

// Start blocks, processing file events and SIGHUP until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(reloadDebounce)
			}
		case <-debounce:
			debounce = nil
			r.logger.WithField("path", r.path).Info("Configuration file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop stops watching. It is safe to call more than once.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Debug("No configuration file to reload")
		return
	}

	newConfig, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.RLock()
	oldConfig := r.current
	callback := r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(oldConfig, newConfig); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}

	if callback != nil {
		if err := callback(oldConfig, newConfig); err != nil {
			r.logger.WithError(err).Error("Configuration reload callback failed")
			return
		}
	}

	r.mu.Lock()
	r.current = newConfig
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"log_level":          newConfig.LogLevel,
		"rate_limit_enabled": newConfig.RateLimit.Enabled,
	}).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that cannot be applied to a running
// server. A changed listen address is accepted but only takes effect on restart.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Crypto.Iterations != new.Crypto.Iterations {
		return fmt.Errorf("crypto.iterations cannot be changed during hot reload")
	}
	if old.Crypto.MaxPayloadSize != new.Crypto.MaxPayloadSize {
		return fmt.Errorf("crypto.max_payload_size cannot be changed during hot reload")
	}
	if old.TLS != new.TLS {
		return fmt.Errorf("tls cannot be changed during hot reload")
	}
	if old.Tracing.Enabled != new.Tracing.Enabled || old.Tracing.Exporter != new.Tracing.Exporter {
		return fmt.Errorf("tracing exporter settings cannot be changed during hot reload")
	}
	if old.ListenAddr != new.ListenAddr {
		r.logger.WithField("listen_addr", new.ListenAddr).Warn("listen_addr change requires a restart")
	}
	return nil
}
