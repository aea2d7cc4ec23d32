package api

import (
	"net/http"
)

// Codes shared by every service. Handlers add their own for domain errors.
const (
	CodeInvalidJSON  = "INVALID_JSON"
	CodeMissingToken = "MISSING_TOKEN"
	CodeInvalidToken = "INVALID_TOKEN"
	CodeForbidden    = "FORBIDDEN"
	CodeRateLimited  = "RATE_LIMITED"
	CodeInternal     = "INTERNAL"
)

// ErrorResponse is the envelope of every non-2xx JSON body:
//
//	{"error": {"code": "...", "message": "...", "request_id": "..."}}
type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

func (e APIError) String() string { return e.Code + ": " + e.Message }

func WriteError(w http.ResponseWriter, status int, code, message, requestID string, details map[string]any) {
	WriteJSON(w, status, ErrorResponse{Error: APIError{Code: code, Message: message, Details: details, RequestID: requestID}})
}

func BadRequest(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusBadRequest, code, message, requestID, details)
}

// InvalidJSON reports a body DecodeJSON rejected.
func InvalidJSON(w http.ResponseWriter, message, requestID string) {
	if message == "" {
		message = "invalid request body"
	}
	BadRequest(w, CodeInvalidJSON, message, requestID, nil)
}

func Unauthorized(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusUnauthorized, code, message, requestID, nil)
}

func Forbidden(w http.ResponseWriter, message, requestID string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message, requestID, nil)
}

func NotFound(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusNotFound, code, message, requestID, nil)
}

func Conflict(w http.ResponseWriter, code, message, requestID string, details map[string]any) {
	WriteError(w, http.StatusConflict, code, message, requestID, details)
}

// RateLimited writes a 429. retryAfter is copied into details as seconds
// when positive; callers set the Retry-After header themselves.
func RateLimited(w http.ResponseWriter, message, requestID string, retryAfter int) {
	var details map[string]any
	if retryAfter > 0 {
		details = map[string]any{"retry_after_seconds": retryAfter}
	}
	WriteError(w, http.StatusTooManyRequests, CodeRateLimited, message, requestID, details)
}

func Unavailable(w http.ResponseWriter, code, message, requestID string) {
	WriteError(w, http.StatusServiceUnavailable, code, message, requestID, nil)
}

func Internal(w http.ResponseWriter, requestID string) {
	WriteError(w, http.StatusInternalServerError, CodeInternal, "Internal server error", requestID, nil)
}
