package server

import (
	"encoding/json"
	"net/http"
)

// HTTPQueryErrorName tags the executor's typed failure on the wire.
const HTTPQueryErrorName = "HttpQueryError"

type RequestPayload struct {
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Query   json.RawMessage `json:"query"`
	Options json.RawMessage `json:"options"`
	Request RequestInfo     `json:"request"`
}

type RequestInfo struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers http.Header `json:"headers"`
}

type ResponsePayload struct {
	ID              string        `json:"id"`
	GraphQLResponse string        `json:"graphqlResponse"`
	ResponseInit    ResponseInit  `json:"responseInit"`
	Error           *ErrorPayload `json:"error,omitempty"`
}

type ResponseInit struct {
	Headers map[string]string `json:"headers,omitempty"`
}

// ErrorPayload is a failed execution. Name is HTTPQueryErrorName for
// failures that carry their own HTTP status.
type ErrorPayload struct {
	Name       string            `json:"name"`
	StatusCode int               `json:"statusCode,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Message    string            `json:"message"`
}
