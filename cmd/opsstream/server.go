package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/rickgao/opsstream/internal/connection"
	"github.com/rickgao/opsstream/internal/resilience"
	"github.com/rickgao/opsstream/internal/service"
	"github.com/rickgao/opsstream/internal/version"
)

// Pinger checks a dependency's health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type healthResponse struct {
	Status     string         `json:"status"`
	Version    version.Info   `json:"version"`
	Components map[string]any `json:"components"`
}

// newRouter serves health, session state and metrics. db may be nil.
func newRouter(svc *service.Service, metricsPath string, metricsHandler http.Handler, db Pinger, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler(svc, db))
	r.Get("/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, version.Get(), logger)
	})

	r.Route("/session", func(r chi.Router) {
		r.Get("/subscriptions", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Subscriptions(), logger)
		})
		r.Get("/notifications", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Notifications().List(), logger)
		})
		r.Delete("/notifications/{id}", func(w http.ResponseWriter, req *http.Request) {
			if !svc.Notifications().Dismiss(chi.URLParam(req, "id")) {
				http.NotFound(w, req)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Health(), logger)
		})
		r.Get("/stats", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, svc.Stats(), logger)
		})
	})

	if metricsHandler != nil {
		r.Handle(metricsPath, metricsHandler)
	}
	return r
}

func healthHandler(svc *service.Service, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		health := healthResponse{
			Status:     "healthy",
			Version:    version.Get(),
			Components: make(map[string]any),
		}

		state := svc.ConnectionState()
		health.Components["connection"] = state.String()
		switch state {
		case connection.StateConnected:
		case connection.StateDisconnected:
			health.Status = "unhealthy"
		default:
			health.Status = "degraded"
		}

		var open []string
		for key, st := range svc.Executor().Snapshot() {
			if st.State != resilience.StateClosed {
				open = append(open, key)
			}
		}
		if len(open) > 0 {
			slices.Sort(open)
			health.Components["open_circuits"] = open
			if health.Status == "healthy" {
				health.Status = "degraded"
			}
		}

		if db != nil {
			if err := db.Ping(ctx); err != nil {
				health.Status = "unhealthy"
				health.Components["database"] = map[string]string{
					"status": "disconnected",
					"error":  err.Error(),
				}
			} else {
				health.Components["database"] = "connected"
			}
		}

		if deps := svc.Health(); len(deps) > 0 {
			health.Components["dependencies"] = deps
			for _, d := range deps {
				if !d.Healthy && health.Status == "healthy" {
					health.Status = "degraded"
				}
			}
		}

		health.Components["subscriptions"] = len(svc.Subscriptions())

		code := http.StatusOK
		if health.Status == "unhealthy" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, health, nil)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil && logger != nil {
		logger.Debug("write response", "error", err)
	}
}
