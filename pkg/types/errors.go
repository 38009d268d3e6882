package types

import (
	"errors"
	"net/http"
)

// Error taxonomy shared by every chat component. Component errors wrap one
// of these so the HTTP and WebSocket boundaries can classify them with errors.Is.
var (
	ErrValidation      = errors.New("validation error")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrStore           = errors.New("store error")
	ErrTransport       = errors.New("transport error")
	ErrRateLimited     = errors.New("rate limit exceeded")
	ErrUnauthenticated = errors.New("unauthenticated")
)

// Validation failures
var (
	ErrEmptyBody       = errors.New("message cannot be empty")
	ErrBodyTooLong     = errors.New("message too long")
	ErrInvalidID       = errors.New("identifier must be 1-64 characters, alphanumeric + underscore/hyphen only")
	ErrInvalidLimit    = errors.New("limit must be a positive integer")
	ErrInvalidAfter    = errors.New("after must be an RFC3339 timestamp")
	ErrUnknownFrame    = errors.New("unknown frame type")
	ErrMissingCourseID = errors.New("course_id is required")
)

// ErrConnectionClosed marks a transport failure that will not recover;
// subscribers returning it are removed from every group.
var ErrConnectionClosed = errors.New("connection closed")

// HTTPStatus maps an error onto the status code reported to clients
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
