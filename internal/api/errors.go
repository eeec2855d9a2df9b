package api

import (
	"encoding/json"
	"net/http"
)

// Error codes for consistent error identification.
const (
	ErrCodeBadRequest     = "bad_request"
	ErrCodeNotFound       = "not_found"
	ErrCodeInvalidGraph   = "invalid_graph"
	ErrCodeRateLimited    = "rate_limited"
	ErrCodeUpstreamError  = "upstream_error"
	ErrCodeInternalError  = "internal_error"
	ErrCodeServiceUnavail = "service_unavailable"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error     string `json:"error"`                // Short error code
	Message   string `json:"message"`              // Human-readable message
	RequestID string `json:"request_id,omitempty"` // Request ID for correlation
}

// writeError writes a standardized JSON error response.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	requestID := r.Header.Get("X-Request-ID")
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     code,
		Message:   message,
		RequestID: requestID,
	})
}

// writeJSON writes a JSON response with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
