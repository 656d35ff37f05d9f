package network

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRetriesExhausted is wrapped by the RequestError returned once every
	// retry of a transient failure has been used up.
	ErrRetriesExhausted = errors.New("retries exhausted")
	// ErrAuthentication marks credential and token failures. They are never
	// retried and abort the current run.
	ErrAuthentication = errors.New("authentication failed")
)

// maxErrorBody bounds the response excerpt carried by a RequestError.
const maxErrorBody = 512

// RequestError describes a failed outbound call with enough context to replay it.
type RequestError struct {
	Method     string
	URL        string
	StatusCode int
	Attempts   int
	Body       string
	Err        error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Method, e.URL)
	if e.StatusCode > 0 {
		msg += fmt.Sprintf(": status %d", e.StatusCode)
	}
	if e.Attempts > 1 {
		msg += fmt.Sprintf(" after %d attempts", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error { return e.Err }

// StatusCode extracts the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

func truncateBody(b []byte) string {
	if len(b) > maxErrorBody {
		return string(b[:maxErrorBody]) + "..."
	}
	return string(b)
}
