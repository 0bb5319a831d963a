package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// SecurityHeadersMiddleware adds security headers to all responses.
func SecurityHeadersMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Prevent clickjacking
			w.Header().Set("X-Frame-Options", "DENY")
			// Prevent MIME type sniffing
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-XSS-Protection", "1; mode=block")
			if r.TLS != nil {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}
			w.Header().Set("Content-Security-Policy", "default-src 'none'")
			w.Header().Set("Referrer-Policy", "no-referrer")
			w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")
			// Responses may carry decrypted content.
			w.Header().Set("Cache-Control", "no-store")

			next.ServeHTTP(w, r)
		})
	}
}

// RateLimiter implements a simple token bucket rate limiter keyed by client.
type RateLimiter struct {
	mu              sync.Mutex
	requests        map[string]*tokenBucket
	limit           int           // requests per window
	window          time.Duration // time window
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *logrus.Logger
}

type tokenBucket struct {
	tokens     int
	lastUpdate time.Time
}

// NewRateLimiter creates a new rate limiter.
func NewRateLimiter(limit int, window time.Duration, logger *logrus.Logger) *RateLimiter {
	rl := &RateLimiter{
		requests:        make(map[string]*tokenBucket),
		limit:           limit,
		window:          window,
		cleanupInterval: window * 2,
		stopCleanup:     make(chan struct{}),
		logger:          logger,
	}

	go rl.cleanup()

	return rl
}

// cleanup periodically removes idle entries.
func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.mu.Lock()
			now := time.Now()
			for key, bucket := range rl.requests {
				if now.Sub(bucket.lastUpdate) > rl.cleanupInterval {
					delete(rl.requests, key)
				}
			}
			rl.mu.Unlock()
		case <-rl.stopCleanup:
			return
		}
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCleanup) })
}

// Update changes the limit and window, resetting all buckets. Used on
// configuration reload.
func (rl *RateLimiter) Update(limit int, window time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limit = limit
	rl.window = window
	rl.requests = make(map[string]*tokenBucket)
}

// Window returns the current window.
func (rl *RateLimiter) Window() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.window
}

// Allow checks if a request from the given key should be allowed.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	bucket, exists := rl.requests[key]

	if !exists {
		rl.requests[key] = &tokenBucket{
			tokens:     rl.limit - 1,
			lastUpdate: now,
		}
		return true
	}

	// Refill once the window has elapsed
	if now.Sub(bucket.lastUpdate) >= rl.window {
		bucket.tokens = rl.limit - 1
		bucket.lastUpdate = now
		return true
	}

	if bucket.tokens > 0 {
		bucket.tokens--
		bucket.lastUpdate = now
		return true
	}

	return false
}

// getClientKey extracts the client IP: the first X-Forwarded-For entry when
// present, otherwise the host part of RemoteAddr.
func getClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx >= 0 {
			xff = xff[:idx]
		}
		return strings.TrimSpace(xff)
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// RateLimitMiddleware creates a middleware that enforces rate limiting.
// Password endpoints are the main target: every attempt costs a full KDF.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientKey := getClientKey(r)

			if !limiter.Allow(clientKey) {
				requestID := RequestIDFromContext(r.Context())
				limiter.logger.WithFields(logrus.Fields{
					"client":     clientKey,
					"path":       r.URL.Path,
					"request_id": requestID,
				}).Warn("Rate limit exceeded")

				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", strconv.Itoa(int(limiter.Window().Seconds())))
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"code":       "RateLimitExceeded",
					"message":    "rate limit exceeded",
					"request_id": requestID,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
