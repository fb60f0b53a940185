package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSourceNotFound is returned for unknown or runtime-disabled sources.
var ErrSourceNotFound = errors.New("source not found")

// RetryableError marks an adapter failure as transient.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so the runner retries it with backoff.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// StatusError is an upstream HTTP failure. 5xx and 429 are retryable.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("upstream returned %d: %s", e.Code, e.Body)
}

// Temporary reports whether the status is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsRetryable reports whether the runner should retry err.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *RetryableError
	if errors.As(err, &re) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return false
}

func causeOf(err error) error {
	cause := err
	for {
		next := errors.Unwrap(cause)
		if next == nil {
			break
		}
		cause = next
	}
	if cause == err {
		return nil
	}
	return cause
}
