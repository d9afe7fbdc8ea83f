package adapter

import (
	"errors"
	"net/http"
)

var (
	ErrOptionsRequired  = errors.New("adapter: options are required")
	ErrExecutorRequired = errors.New("adapter: executor is required")
)

// HTTPQueryError is the executor's typed failure. It already knows how it
// should be rendered over HTTP, so the adapter turns it into a response
// instead of propagating it.
type HTTPQueryError struct {
	StatusCode int
	Headers    map[string]string
	Message    string
}

func (e *HTTPQueryError) Error() string {
	return e.Message
}

// NewHTTPQueryError builds a typed failure. A zero status becomes 500.
func NewHTTPQueryError(status int, message string, headers map[string]string) *HTTPQueryError {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return &HTTPQueryError{
		StatusCode: status,
		Headers:    headers,
		Message:    message,
	}
}
