// Package httpapi exposes the dispatcher over HTTP and provides the client
// the worker uses to reach it. Keeping the cluster credentials inside the
// dispatcher process is the point: workers hold no cluster access.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/observability"
)

// Server wraps a domain.Dispatcher with the HTTP surface.
type Server struct {
	dispatcher domain.Dispatcher
}

// NewServer builds the dispatcher HTTP server.
func NewServer(d domain.Dispatcher) *Server { return &Server{dispatcher: d} }

// Router assembles the dispatcher's route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.HTTPMetricsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Route("/v1", func(r chi.Router) {
		r.Get("/capacity", s.handleCapacity)
		r.Post("/execute", s.handleExecute)
		r.Get("/jobs/{job}/status", s.handleJobStatus)
		r.Get("/jobs/{job}/logs", s.handleJobLogs)
		r.Delete("/jobs/{job}", s.handleDeleteJob)
	})
	return r
}

func (s *Server) handleCapacity(w http.ResponseWriter, r *http.Request) {
	item := domain.WorkItem{
		EvalID:      r.URL.Query().Get("eval_id"),
		MemoryLimit: r.URL.Query().Get("memory"),
		CPULimit:    r.URL.Query().Get("cpu"),
	}
	if item.MemoryLimit == "" || item.CPULimit == "" {
		writeError(w, http.StatusBadRequest, "memory and cpu query parameters are required")
		return
	}
	capacity, err := s.dispatcher.CheckCapacity(r.Context(), item)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, capacity)
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var item domain.WorkItem
	if err := json.NewDecoder(r.Body).Decode(&item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if item.EvalID == "" || item.Code == "" {
		writeError(w, http.StatusBadRequest, "eval_id and code are required")
		return
	}
	job, err := s.dispatcher.Execute(r.Context(), item)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"job": job})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.dispatcher.JobStatus(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleJobLogs(w http.ResponseWriter, r *http.Request) {
	result, err := s.dispatcher.JobResult(r.Context(), chi.URLParam(r, "job"))
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if v := r.URL.Query().Get("tail_lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			result.Logs = tailLines(result.Logs, n)
		}
	}
	writeJSON(w, http.StatusOK, result)
}

// tailLines keeps the last n lines of text.
func tailLines(text string, n int) string {
	lines := strings.Split(strings.TrimRight(text, "\n"), "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n") + "\n"
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.dispatcher.DeleteJob(r.Context(), chi.URLParam(r, "job")); err != nil {
		writeDispatchError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeDispatchError maps dispatcher errors onto the HTTP surface, keeping
// the status code meaningful for the worker's retry classification.
func writeDispatchError(w http.ResponseWriter, err error) {
	var se *domain.StatusError
	switch {
	case errors.Is(err, domain.ErrQuotaRejected):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrResourceExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.Is(err, domain.ErrValidationFailed):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrIsolationUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &se):
		writeError(w, se.Code, se.Message)
	default:
		slog.Error("dispatcher request failed", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
