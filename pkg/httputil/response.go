// Package httputil provides JSON response and request helpers shared by the
// tenantauth HTTP handlers and middleware.
package httputil

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the body of every error answer: a stable machine reason
// plus a human readable message.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes an error body with the given reason code
func WriteError(w http.ResponseWriter, status int, reason, message string) {
	WriteJSON(w, status, ErrorResponse{Error: reason, Message: message})
}

// WriteBadRequest writes a 400 with the invalid_request reason
func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "invalid_request", message)
}

// WriteUnauthorized writes a 401 and a Bearer challenge
func WriteUnauthorized(w http.ResponseWriter, reason, message string) {
	w.Header().Set("WWW-Authenticate", `Bearer error="`+reason+`"`)
	WriteError(w, http.StatusUnauthorized, reason, message)
}

// WriteForbidden writes a 403
func WriteForbidden(w http.ResponseWriter, reason, message string) {
	WriteError(w, http.StatusForbidden, reason, message)
}

// WriteTooManyRequests writes a rate limit error (429)
func WriteTooManyRequests(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusTooManyRequests, "rate_limited", message)
}

// WriteInternalError writes a 503. Internal detail never reaches the client.
func WriteInternalError(w http.ResponseWriter) {
	WriteError(w, http.StatusServiceUnavailable, "internal_error", "the request could not be completed")
}

// WriteNoContent writes a successful response with no content (204 No Content)
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
