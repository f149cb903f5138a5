// Package httpapi implements the public HTTP surface: the OpenAI-compatible
// endpoints, liveness, and the wiring that turns an inbound request into a
// dispatch.Driver.Dispatch call. Routing is gorilla/mux and CORS is rs/cors.
package httpapi

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/berry-api/berry/config"
	"github.com/berry-api/berry/internal/admin"
	"github.com/berry-api/berry/internal/auth"
	"github.com/berry-api/berry/internal/berrors"
	"github.com/berry-api/berry/internal/dispatch"
	"github.com/berry-api/berry/internal/forwarder"
	"github.com/berry-api/berry/internal/metrics"
	"github.com/berry-api/berry/utils/array"
)

// Server is the public HTTP surface.
type Server struct {
	cfg     *config.Config
	driver  *dispatch.Driver
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
	jwtSecret string
}

// New builds a Server. cfg, driver and metrics are wired by cmd/berry-api/main.go.
func New(cfg *config.Config, driver *dispatch.Driver, m *metrics.Metrics, logger *zap.SugaredLogger, jwtSecret string) *Server {
	return &Server{cfg: cfg, driver: driver, metrics: m, logger: logger, jwtSecret: jwtSecret}
}

// Handler builds the full mux, including /admin/* and CORS.
func (s *Server) Handler(adminServer *admin.Server, metricsHandler http.Handler) http.Handler {
	router := mux.NewRouter()
	router.Use(requestIDMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", metricsHandler).Methods(http.MethodGet)

	router.HandleFunc("/v1/chat/completions", s.handleCompletion("/chat/completions")).Methods(http.MethodPost)
	router.HandleFunc("/v1/completions", s.handleCompletion("/completions")).Methods(http.MethodPost)
	router.HandleFunc("/v1/embeddings", s.handleCompletion("/embeddings")).Methods(http.MethodPost)
	router.HandleFunc("/v1/models", s.handleListModels).Methods(http.MethodGet)

	adminServer.Register(router)

	return cors.Default().Handler(router)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
			r.Header.Set("X-Request-Id", id)
		}
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type modelSummary struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	user, err := auth.FromRequest(r, s.cfg, s.jwtSecret)
	if err != nil {
		writeError(w, err)
		return
	}

	var allowed []*config.LogicalModel
	for _, m := range s.cfg.Models {
		if m.Enabled && user.AllowsModel(m.ID) {
			allowed = append(allowed, m)
		}
	}
	out := array.Map(allowed, func(m *config.LogicalModel) modelSummary {
		return modelSummary{ID: m.ID, Object: "model", OwnedBy: "berry-api"}
	})
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": out})
}

type inboundBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

func (s *Server) handleCompletion(path string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := auth.FromRequest(r, s.cfg, s.jwtSecret)
		if err != nil {
			writeError(w, err)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
		if err != nil {
			writeError(w, &berrors.ModelNotFound{Model: ""})
			return
		}

		var parsed inboundBody
		if err := json.Unmarshal(body, &parsed); err != nil || parsed.Model == "" {
			http.Error(w, `{"error":"invalid request body: missing model"}`, http.StatusBadRequest)
			return
		}

		model, ok := s.cfg.Models[parsed.Model]
		if !ok || !model.Enabled {
			writeError(w, &berrors.ModelNotFound{Model: parsed.Model})
			return
		}
		if err := auth.Authorize(user, parsed.Model); err != nil {
			writeError(w, err)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), time.Duration(s.cfg.Settings.RequestTimeoutSeconds)*2*time.Second)
		defer cancel()

		result, err := s.driver.Dispatch(ctx, model, path, body, r.Header, parsed.Stream)
		if err != nil {
			s.writeDispatchError(w, parsed.Model, err)
			return
		}

		s.writeOutcome(w, result)
	}
}

func (s *Server) writeDispatchError(w http.ResponseWriter, model string, err error) {
	switch e := err.(type) {
	case *dispatch.AllBackendsFailedError:
		writeError(w, &berrors.AllBackendsFailed{Model: model, LastKind: outcomeKindName(e.Last)})
	default:
		if err == dispatch.ErrNoHealthyBackends {
			writeError(w, &berrors.NoHealthyBackends{Model: model})
			return
		}
		writeError(w, &berrors.AllBackendsFailed{Model: model, LastKind: "unknown"})
	}
}

func outcomeKindName(o forwarder.Outcome) string {
	switch o.Kind {
	case forwarder.Retryable:
		return "retryable"
	case forwarder.Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

func (s *Server) writeOutcome(w http.ResponseWriter, result dispatch.Result) {
	outcome := result.Outcome
	switch outcome.Kind {
	case forwarder.Completed, forwarder.Fatal:
		copyHeaders(w.Header(), outcome.Header)
		w.WriteHeader(outcome.StatusCode)
		w.Write(outcome.Body)

	case forwarder.FirstByteSent:
		copyHeaders(w.Header(), outcome.Stream.Header)
		w.WriteHeader(outcome.Stream.StatusCode)
		w.Write(outcome.Stream.FirstEvent)
		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}
		defer outcome.Stream.Rest.Close()
		io.Copy(flushWriter{w}, outcome.Stream.Rest)
	}
}

// flushWriter flushes after every write so an SSE passthrough doesn't sit
// buffered behind the response writer's own internal buffer.
type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func copyHeaders(dst http.Header, src http.Header) {
	for k, vs := range src {
		if k == "Content-Length" || k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if sc, ok := err.(berrors.StatusCoder); ok {
		status = sc.StatusCode()
	}
	writeJSON(w, status, map[string]any{"error": map[string]string{"message": err.Error()}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
