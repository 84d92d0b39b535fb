// Package api exposes the HTTP interface for the job execution service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/browsermill/browsermill/internal/automation"
	"github.com/browsermill/browsermill/internal/engine"
	"github.com/browsermill/browsermill/internal/metrics"
)

// Core is the engine surface the HTTP layer depends on.
type Core interface {
	Submit(ctx context.Context, req engine.SubmitRequest) (automation.Job, error)
	Status(ctx context.Context, jobID string) (automation.Result, error)
	Cancel(ctx context.Context, jobID string) (automation.Job, error)
}

// Server wires HTTP handlers to the execution core.
type Server struct {
	router chi.Router
	core   Core
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(core Core, logger *zap.Logger) *Server {
	s := &Server{
		core:   core,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Post("/cancel", s.cancelJob)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req engine.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	job, err := s.core.Submit(r.Context(), req)
	var perr *automation.PersistenceError
	switch {
	case errors.Is(err, automation.ErrDuplicateJob):
		s.writeError(w, http.StatusConflict, "duplicate job for dedup key")
		return
	case errors.As(err, &perr):
		s.writeError(w, http.StatusInternalServerError, "failed to persist job")
		return
	case err != nil:
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	result, err := s.core.Status(r.Context(), jobID)
	switch {
	case errors.Is(err, automation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to fetch job")
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.core.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, automation.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"job_id": job.ID,
		"state":  string(job.State),
	})
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
		s.logger.Info("request completed",
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
				s.logger.Error("panic recovered", zap.Any("error", rec))
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
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
