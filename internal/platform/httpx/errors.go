// Package httpx provides HTTP response utilities.
package httpx

import (
	"context"
	"errors"
	"net/http"
)

// Sentinel errors for domain layer.
var (
	ErrNotFound     = errors.New("resource not found")
	ErrConflict     = errors.New("conflict")
	ErrValidation   = errors.New("validation failed")
	ErrUnauthorized = errors.New("unauthorized")
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		Problem(w, http.StatusGatewayTimeout, "Timeout", "request timed out")
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
