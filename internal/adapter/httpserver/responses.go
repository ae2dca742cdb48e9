// Package httpserver contains the gateway's HTTP handlers and middleware.
//
// It exposes the submission intake and read API and keeps HTTP concerns
// apart from the evaluation service behind it.
package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/evalgrid/evalgrid/internal/domain"
)

type errorEnvelope struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, _ *http.Request, err error, details interface{}) {
	code := http.StatusInternalServerError
	codeStr := "INTERNAL"
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		code = http.StatusBadRequest
		codeStr = "INVALID_REQUEST"
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
		codeStr = "NOT_FOUND"
	case errors.Is(err, domain.ErrConflict):
		code = http.StatusConflict
		codeStr = "CONFLICT"
	case errors.Is(err, domain.ErrQuotaRejected):
		code = http.StatusUnprocessableEntity
		codeStr = "QUOTA_REJECTED"
	case errors.Is(err, domain.ErrResourceExhausted):
		code = http.StatusTooManyRequests
		codeStr = "RESOURCE_EXHAUSTED"
	case errors.Is(err, domain.ErrValidationFailed):
		code = http.StatusBadRequest
		codeStr = "VALIDATION_FAILED"
	case errors.Is(err, domain.ErrIsolationUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "ISOLATION_UNAVAILABLE"
	case errors.Is(err, domain.ErrUnavailable):
		code = http.StatusServiceUnavailable
		codeStr = "UNAVAILABLE"
	}
	writeJSON(w, code, errorEnvelope{Error: apiError{Code: codeStr, Message: err.Error(), Details: details}})
}
