package request

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is delivered when a pending request is cancelled before
	// its outcome arrives. Cancellation is not a failure; the dispatcher
	// routes it to the cancel callback, never the error callback.
	ErrCancelled = errors.New("request: cancelled")

	// ErrQueueClosed reports a submission against a stopped transport queue.
	ErrQueueClosed = errors.New("request: transport queue closed")
)

// StatusError reports an HTTP error status (>= 400). The response body, when
// present, is kept on the Response alongside the error.
type StatusError struct {
	Code   int
	Status string
}

func (e *StatusError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("request: http %d %s", e.Code, e.Status)
	}
	return fmt.Sprintf("request: http %d", e.Code)
}

// IsAuthError reports whether err is an authentication-class HTTP failure.
func IsAuthError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == 401 || se.Code == 403
}

// IsNotFoundError reports whether err is an HTTP 404. Not-found is only
// auth-relevant when the active domain depends on login state.
func IsNotFoundError(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == 404
}
