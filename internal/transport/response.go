// Package transport is the HTTP adapter: router, middleware chain, bearer
// authentication and the workflow handlers.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/listflow/model"
)

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrUnauthenticated:    http.StatusUnauthorized,
	model.ErrUnauthorized:       http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrInvalidState:       http.StatusConflict,
	model.ErrValidationError:    http.StatusUnprocessableEntity,
	model.ErrAIProcessingFailed: http.StatusBadGateway,
	model.ErrInternalError:      http.StatusInternalServerError,
}

// StatusFor returns the HTTP status for err.
func StatusFor(err error) int {
	if status := statusForCode[model.CodeOf(err)]; status != 0 {
		return status
	}
	return http.StatusInternalServerError
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// envelopeOf returns the envelope carried by err. Errors without one are
// rendered as INTERNAL_ERROR so infrastructure detail never leaks.
func envelopeOf(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	return model.NewInternalError()
}

// WriteError writes err as an ErrorEnvelope with the matching HTTP status.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, StatusFor(err), errorResponse{Error: envelopeOf(err)})
}

// WriteErrorWithTrace is WriteError with the trace id stamped on the
// envelope copy.
func WriteErrorWithTrace(w http.ResponseWriter, err error, traceID string) {
	ee := *envelopeOf(err)
	if ee.TraceID == "" {
		ee.TraceID = traceID
	}
	WriteJSON(w, StatusFor(err), errorResponse{Error: &ee})
}

func notFoundRoute() *model.ErrorEnvelope {
	return model.NewNotFoundError("route not found")
}

func methodNotAllowed() *model.ErrorEnvelope {
	return model.NewBadRequestError("method not allowed")
}
