// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/stopsearch-ingest/internal/config"
	"github.com/JakeFAU/stopsearch-ingest/internal/ingest"
	"github.com/JakeFAU/stopsearch-ingest/internal/metrics"
	"github.com/JakeFAU/stopsearch-ingest/internal/orchestrator"
)

// Runner is the slice of the orchestrator the API drives.
type Runner interface {
	Run(ctx context.Context, scope orchestrator.Scope) (ingest.BatchResult, error)
	Remediate(ctx context.Context, force string, period *time.Time) (int, error)
}

// Server wires HTTP handlers to the orchestrator and the registry.
type Server struct {
	router   chi.Router
	runner   Runner
	registry ingest.Registry
	cfg      config.Config
	logger   *zap.Logger
	running  atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(runner Runner, registry ingest.Registry, cfg config.Config, logger *zap.Logger) *Server {
	s := &Server{
		runner:   runner,
		registry: registry,
		cfg:      cfg,
		logger:   logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(s.apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ingest", s.triggerIngest)
		r.Post("/remediate", s.triggerRemediate)
		r.Get("/periods", s.listPeriods)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The registry is the critical dependency; one cheap read proves it.
	// The probe force matches no rows and returns immediately.
	if _, err := s.registry.ListPeriods(r.Context(), "readiness-probe"); err != nil {
		s.writeError(w, http.StatusServiceUnavailable, "registry unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type ingestRequest struct {
	Forces []string `json:"forces"`
	From   string   `json:"from"`
	To     string   `json:"to"`
}

// triggerIngest starts one ingestion run in the background. Overlapping
// runs are rejected; the registry claim would make them safe but they only
// fight over the shared rate limit.
func (s *Server) triggerIngest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	scope := orchestrator.Scope{Forces: req.Forces}
	if req.From != "" {
		from, err := ingest.ParseMonth(req.From)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "from must be YYYY-MM")
			return
		}
		scope.From = &from
	}
	if req.To != "" {
		to, err := ingest.ParseMonth(req.To)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "to must be YYYY-MM")
			return
		}
		scope.To = &to
	}

	if !s.running.CompareAndSwap(false, true) {
		s.writeError(w, http.StatusConflict, "an ingestion run is already in progress")
		return
	}

	go func() {
		defer s.running.Store(false)
		result, err := s.runner.Run(context.Background(), scope)
		if err != nil {
			s.logger.Error("Ingestion run failed", zap.Error(err))
			return
		}
		s.logger.Info("Ingestion run triggered via API finished",
			zap.String("run_id", result.RunID),
			zap.Int("written", result.Written),
			zap.Int("failed_periods", len(result.Failed)),
		)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type remediateRequest struct {
	Force  string `json:"force"`
	Period string `json:"period"`
}

func (s *Server) triggerRemediate(w http.ResponseWriter, r *http.Request) {
	var req remediateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	var period *time.Time
	if req.Period != "" {
		start, err := ingest.ParseMonth(req.Period)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "period must be YYYY-MM")
			return
		}
		period = &start
	}

	remediated, err := s.runner.Remediate(r.Context(), req.Force, period)
	if err != nil {
		s.logger.Error("Remediation failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "remediation failed")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"remediated": remediated})
}

func (s *Server) listPeriods(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force")
	if force == "" {
		s.writeError(w, http.StatusBadRequest, "force query parameter is required")
		return
	}
	states, err := s.registry.ListPeriods(r.Context(), force)
	if err != nil {
		s.logger.Error("Period listing failed", zap.String("force", force), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to list periods")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"force": force, "periods": states})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("Request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("Panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func (s *Server) apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				s.writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
