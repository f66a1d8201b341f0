package observability

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	jsonAlive      = []byte(`{"status":"alive"}`)
	jsonReady      = []byte(`{"status":"ready"}`)
	jsonNotReady   = []byte(`{"status":"not_ready"}`)
	jsonStarted    = []byte(`{"status":"started"}`)
	jsonNotStarted = []byte(`{"status":"not_started"}`)
	jsonDeepOK     = []byte(`{"status":"ready","store":"ok"}`)
	jsonDeepFail   = []byte(`{"status":"not_ready","store":"unreachable"}`)
)

// Pinger checks connectivity to a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker serves the startup, liveness, and readiness probes.
//
// Readiness does not depend on the counter store: the gateway keeps serving
// through store outages by policy. ?deep=true adds a store ping for
// operators who want to see it.
type HealthChecker struct {
	started atomic.Bool
	ready   atomic.Bool

	mu          sync.RWMutex
	storePinger Pinger
	pingTimeout time.Duration
}

// NewHealthChecker returns a checker that is neither started nor ready.
func NewHealthChecker() *HealthChecker {
	return &HealthChecker{pingTimeout: 2 * time.Second}
}

func (h *HealthChecker) SetStarted()     { h.started.Store(true) }
func (h *HealthChecker) IsStarted() bool { return h.started.Load() }
func (h *HealthChecker) SetReady()       { h.ready.Store(true) }

// SetNotReady is called when draining.
func (h *HealthChecker) SetNotReady() { h.ready.Store(false) }
func (h *HealthChecker) IsReady() bool { return h.ready.Load() }

// SetStorePinger registers the counter store for deep readiness checks.
func (h *HealthChecker) SetStorePinger(p Pinger) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.storePinger = p
}

func writeStatus(w http.ResponseWriter, code int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(body)
}

// StartzHandler returns 200 once startup has completed, 503 before.
func (h *HealthChecker) StartzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if h.IsStarted() {
			writeStatus(w, http.StatusOK, jsonStarted)
			return
		}
		writeStatus(w, http.StatusServiceUnavailable, jsonNotStarted)
	}
}

// HealthzHandler returns 200 while the process is alive.
func (h *HealthChecker) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeStatus(w, http.StatusOK, jsonAlive)
	}
}

// ReadyzHandler returns 200 when ready and 503 otherwise. With ?deep=true
// and a registered store, an unreachable store also yields 503.
func (h *HealthChecker) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeStatus(w, http.StatusServiceUnavailable, jsonNotReady)
			return
		}
		if r.URL.Query().Get("deep") != "true" {
			writeStatus(w, http.StatusOK, jsonReady)
			return
		}

		h.mu.RLock()
		pinger := h.storePinger
		h.mu.RUnlock()

		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), h.pingTimeout)
			defer cancel()
			if err := pinger.Ping(ctx); err != nil {
				writeStatus(w, http.StatusServiceUnavailable, jsonDeepFail)
				return
			}
		}
		writeStatus(w, http.StatusOK, jsonDeepOK)
	}
}
