package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

var (
	startTime = time.Now()
	ready     atomic.Bool
)

// SetReady marks the process as ready (or not) to serve traffic.
func SetReady(v bool) {
	ready.Store(v)
}

type healthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime,omitempty"`
}

func writeHealth(w http.ResponseWriter, status int, body healthResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// HealthHandler reports overall health.
func HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{
			Status: "healthy",
			Uptime: time.Since(startTime).Round(time.Second).String(),
		})
	}
}

// ReadinessHandler returns 503 until SetReady(true) has been called.
func ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !ready.Load() {
			writeHealth(w, http.StatusServiceUnavailable, healthResponse{Status: "not ready"})
			return
		}
		writeHealth(w, http.StatusOK, healthResponse{Status: "ready"})
	}
}

// LivenessHandler always reports alive while the process can serve HTTP.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeHealth(w, http.StatusOK, healthResponse{Status: "alive"})
	}
}
