// Package httputil holds small JSON response helpers shared by every REST
// handler, so error responses carry the same {"error": "...", "message":
// "..."} shape everywhere.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/inkwell/collabd/internal/env"
)

// ReturnJSON writes v as a JSON response with status 200.
func ReturnJSON(w http.ResponseWriter, v interface{}) {
	ReturnJSONCode(w, http.StatusOK, v)
}

// ReturnJSONCode writes v as a JSON response with the given status code.
func ReturnJSONCode(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("httputil: error encoding JSON response: %v", err)
	}
}

// ErrorResponse is the wire shape of every error body the core returns.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// codeForError maps a machine-readable error code to the HTTP status it is
// surfaced with. Codes not listed here default to 400.
var codeForError = map[string]int{
	"not_authenticated":       http.StatusUnauthorized,
	"access_denied":           http.StatusForbidden,
	"rate_limited":            http.StatusTooManyRequests,
	"empty_question":          http.StatusBadRequest,
	"no_matching_pages":       http.StatusNotFound,
	"ai_key_not_configured":   http.StatusFailedDependency,
	"api_error":               http.StatusBadGateway,
	"unexpected":              http.StatusInternalServerError,
	"feature_disabled":        http.StatusServiceUnavailable,
	"content_too_large":       http.StatusRequestEntityTooLarge,
	"invalid_invitation":      http.StatusBadRequest,
	"email_mismatch":          http.StatusForbidden,
	"invalid_content_type":    http.StatusBadRequest,
	"file_too_large":          http.StatusRequestEntityTooLarge,
	"invalid_zip":             http.StatusBadRequest,
	"compression_ratio":       http.StatusBadRequest,
	"extracted_size":          http.StatusBadRequest,
	"file_count":              http.StatusBadRequest,
	"nested_archive":          http.StatusBadRequest,
	"path_depth":              http.StatusBadRequest,
	"no_importable_content":   http.StatusUnprocessableEntity,
	"temporarily_blocked":     http.StatusForbidden,
}

// ServeError writes code/message as a JSON error response, choosing the
// HTTP status from codeForError. In dev mode the message is passed through
// verbatim; outside dev mode, codes mapped to 500 are replaced with a
// generic message so internal detail never leaks.
func ServeError(w http.ResponseWriter, code, message string) {
	status, ok := codeForError[code]
	if !ok {
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError && !env.IsDev() {
		message = "an internal error occurred"
	}
	ReturnJSONCode(w, status, ErrorResponse{Error: code, Message: message})
}

// IsGet reports whether req is an HTTP GET.
func IsGet(req *http.Request) bool {
	return req.Method == "GET" || req.Method == "HEAD"
}
