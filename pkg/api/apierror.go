// Package api — HTTP surface of the ledger: RFC 7807 Problem Detail errors
// and the JSON route handlers.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
)

// Error kinds surfaced to callers as the problem Title.
const (
	KindSchemaViolation    = "CANONICAL_SCHEMA_VIOLATION"
	KindInvalidEventType   = "INVALID_EVENT_TYPE"
	KindUnsupportedVersion = "UNSUPPORTED_SCHEMA_VERSION"
	KindHashMismatch       = "LEDGER_HASH_MISMATCH"
	KindEventNotFound      = "EVENT_NOT_FOUND"
	KindProofNotFound      = "PROOF_NOT_FOUND"
	KindInvalidPayload     = "INVALID_PAYLOAD"
	KindUnauthorized       = "UNAUTHORIZED"
	KindForbidden          = "FORBIDDEN"
	KindInternal           = "INTERNAL_ERROR"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// All API error responses use this format; Title carries the error kind.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteProblem writes an RFC 7807 Problem Detail JSON response.
func WriteProblem(w http.ResponseWriter, status int, kind, detail string) {
	problem := &ProblemDetail{
		Type:   fmt.Sprintf("https://proveniq.io/errors/%s", kind),
		Title:  kind,
		Status: status,
		Detail: detail,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, kind, detail string) {
	if kind == "" {
		kind = KindInvalidPayload
	}
	WriteProblem(w, http.StatusBadRequest, kind, detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteProblem(w, http.StatusUnauthorized, KindUnauthorized, detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteProblem(w, http.StatusForbidden, KindForbidden, detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, kind, detail string) {
	WriteProblem(w, http.StatusNotFound, kind, detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteProblem(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteProblem(w, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteProblem(w, http.StatusInternalServerError, KindInternal, "An unexpected error occurred. Please try again later.")
}

// WriteJSON writes a JSON success response.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
