// Package api exposes the core over HTTP: intent submission, sessions,
// execution status and cancellation, boundary contracts, and WAL export.
// Error responses follow RFC 7807 (Problem Details for HTTP APIs).
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/weftlabs/weft/core/pkg/contracts"
)

// ProblemDetail implements RFC 7807. All API error responses use this
// format; raw internal errors are never exposed.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request for log correlation.
	TraceID string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, r *http.Request, status int, title, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://weftlabs.dev/errors/%d", status),
		Title:  title,
		Status: status,
		Detail: detail,
	}
	if r != nil {
		problem.Instance = r.URL.Path
		problem.TraceID = w.Header().Get("X-Request-ID")
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	WriteError(w, r, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, r, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, r, http.StatusTooManyRequests, "Too Many Requests",
		"Rate limit exceeded. Retry after the specified interval.")
}

// WriteDomainError maps the core error taxonomy onto HTTP statuses.
// Unknown errors become 500 with the cause logged, never echoed.
func WriteDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	var corruption *contracts.StateCorruptionError
	switch {
	case errors.Is(err, contracts.ErrValidation):
		WriteError(w, r, http.StatusBadRequest, "Bad Request", err.Error())
	case errors.Is(err, contracts.ErrAuthorization):
		WriteError(w, r, http.StatusForbidden, "Forbidden", err.Error())
	case errors.Is(err, contracts.ErrCapabilityNotFound),
		errors.Is(err, contracts.ErrNotFound):
		WriteError(w, r, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, contracts.ErrVersionConflict),
		errors.Is(err, contracts.ErrCancelled):
		WriteError(w, r, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, contracts.ErrTimeout):
		WriteError(w, r, http.StatusGatewayTimeout, "Gateway Timeout", err.Error())
	case errors.Is(err, contracts.ErrTransientInfra):
		logger.Error("transient infrastructure failure", "error", err)
		WriteError(w, r, http.StatusServiceUnavailable, "Service Unavailable",
			"A dependency is temporarily unavailable. Please retry.")
	case errors.As(err, &corruption):
		logger.Error("state corruption detected", "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"The execution record is inconsistent and has been frozen.")
	default:
		logger.Error("internal server error", "error", err)
		WriteError(w, r, http.StatusInternalServerError, "Internal Server Error",
			"An unexpected error occurred. Please try again later.")
	}
}

// WriteJSON writes a JSON response body with the given status.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
