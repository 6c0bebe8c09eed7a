// Package adminapi serves the operator endpoints of fleetd: health,
// Prometheus metrics and control of the periodic daemons.
package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ccheshirecat/fleet/internal/server/daemon"
	"github.com/ccheshirecat/fleet/internal/server/db"
	"github.com/ccheshirecat/fleet/internal/server/telemetry"
)

// Handler wires the admin endpoints.
type Handler struct {
	store   db.Store
	daemons *daemon.Registry
	metrics *telemetry.Metrics
}

// New constructs the admin router. store may be nil, in which case health
// only reports the process as up.
func New(store db.Store, daemons *daemon.Registry, metrics *telemetry.Metrics) http.Handler {
	h := &Handler{store: store, daemons: daemons, metrics: metrics}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	r.Route("/daemons", func(r chi.Router) {
		r.Get("/", h.handleListDaemons)
		r.Get("/{name}", h.handleGetDaemon)
		r.Post("/{name}/pause", h.handlePause)
		r.Post("/{name}/resume", h.handleResume)
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if h.store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		err := h.store.View(ctx, func(q db.Queries) error {
			_, err := q.Computes().Get(ctx, "")
			return err
		})
		if err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable: "+err.Error())
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleListDaemons(w http.ResponseWriter, r *http.Request) {
	if h.daemons == nil {
		writeJSON(w, http.StatusOK, []daemon.Status{})
		return
	}
	writeJSON(w, http.StatusOK, h.daemons.List())
}

func (h *Handler) runner(w http.ResponseWriter, r *http.Request) *daemon.Runner {
	name := chi.URLParam(r, "name")
	var runner *daemon.Runner
	if h.daemons != nil {
		runner = h.daemons.Get(name)
	}
	if runner == nil {
		writeError(w, http.StatusNotFound, "unknown daemon "+name)
	}
	return runner
}

func (h *Handler) handleGetDaemon(w http.ResponseWriter, r *http.Request) {
	if runner := h.runner(w, r); runner != nil {
		writeJSON(w, http.StatusOK, runner.Status())
	}
}

func (h *Handler) handlePause(w http.ResponseWriter, r *http.Request) {
	if runner := h.runner(w, r); runner != nil {
		runner.Pause()
		writeJSON(w, http.StatusOK, runner.Status())
	}
}

func (h *Handler) handleResume(w http.ResponseWriter, r *http.Request) {
	if runner := h.runner(w, r); runner != nil {
		runner.Resume()
		writeJSON(w, http.StatusOK, runner.Status())
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
