package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/evalgrid/evalgrid/internal/domain"
	"github.com/evalgrid/evalgrid/internal/usecase"
)

// Server holds the gateway's handler dependencies.
type Server struct {
	svc *usecase.Service
}

// NewServer builds the gateway handler set over the evaluation service.
func NewServer(svc *usecase.Service) *Server { return &Server{svc: svc} }

// handleSubmit accepts one submission and answers 202 with the record.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req usecase.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, fmt.Errorf("malformed request body: %w", domain.ErrInvalidRequest), nil)
		return
	}
	e, err := s.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, e)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	events, err := s.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := domain.EvaluationStatus(r.URL.Query().Get("status"))

	page, err := s.svc.List(r.Context(), limit, offset, status)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	e, err := s.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleOutput streams the full output or error text, following the blob
// store when the inline copy is a preview.
func (s *Server) handleOutput(w http.ResponseWriter, r *http.Request) {
	field := chi.URLParam(r, "field")
	b, err := s.svc.Output(r.Context(), chi.URLParam(r, "id"), field)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.svc.DeadLetters(r.Context(), limit)
	if err != nil {
		writeError(w, r, err, nil)
		return
	}
	if entries == nil {
		entries = []domain.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
