package web

// errors.go provides unified error response handling for the web layer.
//
// It ensures all errors are:
//   - Logged with full technical details for debugging (server-side)
//   - Returned to clients as user-friendly messages with action suggestions
//   - Formatted appropriately based on request type (HTMX or JSON)
//
// The error flow:
//  1. Handler encounters an error
//  2. Calls s.fail(w, r, err), which picks the status code from the error
//  3. Error is mapped via core.MapError to get user-friendly message
//  4. Technical error + context is logged with request ID for correlation
//  5. User message is rendered in appropriate format for the client

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/scah/internal/auth"
	"github.com/JonMunkholm/scah/internal/batch"
	"github.com/JonMunkholm/scah/internal/core"
	"github.com/JonMunkholm/scah/internal/logging"
	"github.com/JonMunkholm/scah/internal/mapping"
	"github.com/JonMunkholm/scah/internal/tabular"
	"github.com/JonMunkholm/scah/internal/web/templates"
)

var (
	errNoFile     = errors.New("no file provided")
	errBadRequest = errors.New("malformed request")
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action)
// fields, plus the failed fields or identity conflict when there is one.
type ErrorResponse struct {
	Error    string                 `json:"error"`
	Message  string                 `json:"message"`
	Action   string                 `json:"action,omitempty"`
	Code     string                 `json:"code"`
	Fields   []core.FieldError      `json:"fields,omitempty"`
	Conflict *core.IdentityConflict `json:"conflict,omitempty"`
}

// statusFor picks the HTTP status for an error.
func statusFor(err error) int {
	var (
		ve *core.ValidationError
		ic *core.IdentityConflict
		cv *core.ConstraintViolation
		mb *http.MaxBytesError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ic), errors.As(err, &cv):
		return http.StatusConflict
	case errors.Is(err, core.ErrUnauthorized),
		errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrAccountDisabled):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountLocked):
		return http.StatusLocked
	case errors.Is(err, core.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, core.ErrNotFound), errors.Is(err, batch.ErrSessionExpired):
		return http.StatusNotFound
	case errors.Is(err, batch.ErrRunning), errors.Is(err, batch.ErrCommitStarted):
		return http.StatusConflict
	case errors.Is(err, batch.ErrTooManyImports), errors.Is(err, core.ErrStorageBusy):
		return http.StatusServiceUnavailable
	case errors.As(err, &mb), errors.Is(err, tabular.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, tabular.ErrUnsupported):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, batch.ErrIncompleteMapping),
		errors.Is(err, batch.ErrUnresolvedMapping),
		errors.Is(err, batch.ErrUnconfirmedMapping),
		errors.Is(err, batch.ErrEmptyBatch),
		errors.Is(err, batch.ErrAborted),
		errors.Is(err, mapping.ErrUnknownColumn),
		errors.Is(err, mapping.ErrUnknownField),
		errors.Is(err, mapping.ErrDuplicateField),
		errors.Is(err, tabular.ErrEmpty):
		return http.StatusUnprocessableEntity
	case errors.Is(err, errNoFile), errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// fail responds with the status statusFor picks.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.respondError(w, r, err, statusFor(err))
}

// respondError handles error responses with user-friendly messages.
// It logs the technical error server-side and returns an HTMX fragment or
// JSON depending on the request.
func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error, statusCode int) {
	userMsg := core.MapError(err)

	log := logging.FromContext(r.Context()).Warn
	if statusCode >= 500 {
		log = logging.FromContext(r.Context()).Error
	}
	log("request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", statusCode,
		"error", err.Error(),
		"code", userMsg.Code,
	)

	if isHTMX(r) {
		renderErrorPartial(w, r, userMsg, statusCode)
		return
	}

	resp := ErrorResponse{
		Error:   userMsg.Message,
		Message: userMsg.Message,
		Action:  userMsg.Action,
		Code:    userMsg.Code,
	}
	var ve *core.ValidationError
	if errors.As(err, &ve) {
		resp.Fields = ve.Fields
	}
	var ic *core.IdentityConflict
	if errors.As(err, &ic) {
		resp.Conflict = ic
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(resp)
}

// renderErrorPartial renders an HTMX-compatible error fragment.
func renderErrorPartial(w http.ResponseWriter, r *http.Request, msg core.UserMessage, statusCode int) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	// HTMX ignores error responses unless told where to put them.
	w.Header().Set("HX-Reswap", "innerHTML")
	w.WriteHeader(statusCode)
	templates.ErrorAlert(msg.Message, msg.Action, msg.Code).Render(r.Context(), w)
}

// isHTMX checks if the request is an HTMX request.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}
