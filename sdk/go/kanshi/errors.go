// Package kanshi provides a Go client for the kanshi execution tracking API.
package kanshi

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents an error from the kanshi API with the HTTP status code
// and the server's error message.
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("kanshi: %s (%d): %s", e.Code, e.StatusCode, e.Message)
}

func hasStatus(err error, code int) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode == code
	}
	return false
}

// IsNotFound returns true if the error is a 404.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict returns true if the error is a 409 (correlation ID reused).
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsGone returns true if the error is a 410: the execution was evicted from
// the hub's memory before it finished.
func IsGone(err error) bool { return hasStatus(err, http.StatusGone) }

// IsRateLimited returns true if the error is a 429 (Too Many Requests).
func IsRateLimited(err error) bool { return hasStatus(err, http.StatusTooManyRequests) }

// IsUnavailable returns true if the error is a 503, returned when the hub
// has the requested feature (dispatch, archive, SSE) disabled.
func IsUnavailable(err error) bool { return hasStatus(err, http.StatusServiceUnavailable) }
