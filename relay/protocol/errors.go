package protocol

import (
	"errors"
	"net/http"
)

var (
	ErrMissingFields = errors.New("missing required fields")
	ErrInvalidBody   = errors.New("invalid request body")
	ErrRoomNotFound  = errors.New("room not found")
	ErrRateLimited   = errors.New("too many requests")
	ErrInternal      = errors.New("internal server error")
	ErrFormat        = errors.New("message format error")
)

// StatusFor maps an error from the taxonomy to its HTTP status code.
// Errors outside the taxonomy are treated as internal.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingFields):
		return http.StatusBadRequest
	case errors.Is(err, ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Outcome is a short label for err used in metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingFields):
		return "validation"
	case errors.Is(err, ErrInvalidBody):
		return "invalid_body"
	case errors.Is(err, ErrRoomNotFound):
		return "not_found"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	default:
		return "internal"
	}
}

// ErrorResponse builds the JSON error response for err. Errors outside the
// taxonomy are reported with the generic internal message so that details
// never leak to the caller.
func ErrorResponse(err error) Response {
	status := StatusFor(err)
	msg := ErrInternal.Error()
	switch {
	case errors.Is(err, ErrMissingFields):
		msg = ErrMissingFields.Error()
	case errors.Is(err, ErrRoomNotFound):
		msg = ErrRoomNotFound.Error()
	case errors.Is(err, ErrRateLimited):
		msg = ErrRateLimited.Error()
	}
	return Response{Status: status, Body: ErrorBody{Error: msg}}
}
