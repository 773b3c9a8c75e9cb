package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/dedupd/pkg/controller"
	"github.com/cuemby/dedupd/pkg/metrics"
)

// version is reported in health responses; overridden at build time via
// -ldflags if the build pipeline sets one.
var version = "dev"

// HealthServer provides HTTP health/readiness endpoints alongside the
// Prometheus /metrics handler, served on the controller's admin listener.
type HealthServer struct {
	ctrl *controller.Controller
	mux  *http.ServeMux
}

// NewHealthServer creates a new health check HTTP server. ctrl may be nil,
// in which case /ready always reports not-ready.
func NewHealthServer(ctrl *controller.Controller) *HealthServer {
	mux := http.NewServeMux()
	hs := &HealthServer{
		ctrl: ctrl,
		mux:  mux,
	}

	mux.HandleFunc("/health", hs.healthHandler)
	mux.HandleFunc("/ready", hs.readyHandler)
	mux.Handle("/metrics", metrics.Handler())

	return hs
}

// Start starts the health check HTTP server.
func (hs *HealthServer) Start(addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response.
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// healthHandler implements the /health endpoint, a plain liveness check.
func (hs *HealthServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(response)
}

// readyHandler implements the /ready endpoint: ready once the controller is
// wired up and has at least one registered machine to schedule onto.
func (hs *HealthServer) readyHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	checks := make(map[string]string)
	ready := true
	var message string

	if hs.ctrl == nil {
		checks["controller"] = "not initialized"
		ready = false
		message = "controller not initialized"
	} else {
		checks["controller"] = "ok"

		if machines := hs.ctrl.Machines(); len(machines) == 0 {
			checks["machines"] = "none registered"
			ready = false
			message = "no worker machines registered"
		} else {
			checks["machines"] = "ok"
		}
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(response)
}

// GetHandler returns the HTTP handler for embedding in other servers.
func (hs *HealthServer) GetHandler() http.Handler {
	return hs.mux
}
