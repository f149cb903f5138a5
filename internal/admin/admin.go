// Package admin implements the read-only introspection surface: per-backend
// health status, per-model status with backends inlined, and a redacted
// view of the loaded settings.
package admin

import (
	"net/http"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/health"
	"github.com/berry-api/berry/utils/copy"
)

// BackendStatus is one row of GET /admin/backends.
type BackendStatus struct {
	ID               string  `json:"id"`
	Model            string  `json:"model"`
	Provider         string  `json:"provider"`
	Status           string  `json:"status"`
	LatencyEWMAMs    float64 `json:"latency_ewma_ms"`
	WeightMultiplier float64 `json:"weight_multiplier"`
	BreakerState     string  `json:"breaker_state"`
}

// Server serves the admin API. It holds no mutable state of its own beyond
// pointers to the config snapshot and health registry it reads from.
type Server struct {
	cfg      *config.Config
	registry *health.Registry
	token    string
}

// New builds an admin Server requiring token on every request.
func New(cfg *config.Config, registry *health.Registry, token string) *Server {
	return &Server{cfg: cfg, registry: registry, token: token}
}

// Register mounts the admin routes on router, behind bearer-token auth.
func (s *Server) Register(router *mux.Router) {
	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(s.requireAdminToken)
	admin.HandleFunc("/backends", s.handleBackends).Methods(http.MethodGet)
	admin.HandleFunc("/models", s.handleModels).Methods(http.MethodGet)
	admin.HandleFunc("/config", s.handleConfig).Methods(http.MethodGet)
}

func (s *Server) requireAdminToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if s.token == "" || len(header) <= len(prefix) || header[:len(prefix)] != prefix || header[len(prefix):] != s.token {
			http.Error(w, `{"error":"admin token required"}`, http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleBackends(w http.ResponseWriter, r *http.Request) {
	var out []BackendStatus
	for _, m := range s.cfg.Models {
		for _, b := range m.Backends {
			snap := s.registry.Snapshot(b.Key(m.ID))
			out = append(out, BackendStatus{
				ID:               b.Key(m.ID),
				Model:            m.ID,
				Provider:         b.Provider,
				Status:           snap.Status.String(),
				LatencyEWMAMs:    snap.LatencyEWMAMillis,
				WeightMultiplier: snap.WeightMultiplier,
				BreakerState:     snap.BreakerState,
			})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// modelView is GET /admin/models: a logical model with its backends' live
// health inlined.
type modelView struct {
	ID       string          `json:"id"`
	Strategy string          `json:"strategy"`
	Enabled  bool            `json:"enabled"`
	Backends []BackendStatus `json:"backends"`
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	out := make([]modelView, 0, len(s.cfg.Models))
	for _, m := range s.cfg.Models {
		view := modelView{ID: m.ID, Strategy: m.Strategy, Enabled: m.Enabled}
		for _, b := range m.Backends {
			snap := s.registry.Snapshot(b.Key(m.ID))
			view.Backends = append(view.Backends, BackendStatus{
				ID:               b.Key(m.ID),
				Model:            m.ID,
				Provider:         b.Provider,
				Status:           snap.Status.String(),
				LatencyEWMAMs:    snap.LatencyEWMAMillis,
				WeightMultiplier: snap.WeightMultiplier,
				BreakerState:     snap.BreakerState,
			})
		}
		out = append(out, view)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	redacted, err := copy.Deep(s.cfg.Settings)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "failed to render config"})
		return
	}
	redacted.AdminToken = "***"
	writeJSON(w, http.StatusOK, redacted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
