// Package healthsrv exposes a tiny loopback HTTP server so the deployment
// and orchestration layer can probe bridge liveness without going through
// the control-plane WebSocket. Grounded on the teacher's
// cmd/server/main.go router/middleware wiring (chi + chiMiddleware), scaled
// down from a full API surface to two read-only JSON endpoints (/healthz,
// /debugz) plus chi's /ping heartbeat.
package healthsrv

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Status reports bridge liveness for /healthz.
type Status struct {
	InstanceID      string `json:"instanceId"`
	SandboxID       string `json:"sandboxId"`
	ConnectedAt     string `json:"connectedAt,omitempty"`
	SubAgentSession string `json:"subAgentSessionId,omitempty"`
}

// StatusProvider supplies the live values Status needs at request time.
type StatusProvider interface {
	Status() Status
}

// New builds the health/debug HTTP server. It is not meant to be exposed
// outside loopback; callers should bind it to 127.0.0.1.
func New(provider StatusProvider) *http.Server {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(provider.Status())
	})
	r.Get("/debugz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(provider.Status())
	})

	return &http.Server{
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}
