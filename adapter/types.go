package adapter

import (
	"encoding/json"
	"net/http"
)

// Request is the inbound HTTP request as delivered by the function host.
// A nil or empty Body means the request carried no body.
type Request struct {
	Method  string
	URL     string
	Query   map[string]string
	Headers map[string][]string
	Body    []byte
}

// InvocationContext is per-call metadata supplied by the host. The adapter
// never reads it; it is handed to Derived options through Invocation.
type InvocationContext struct {
	InvocationID string
	FunctionName string
	Metadata     map[string]json.RawMessage
}

// Invocation is the pass-through data given to the executor alongside the
// query request.
type Invocation struct {
	Request *Request
	Context *InvocationContext
}

// QuerySource holds where the query was read from: the raw request body on
// POST, the query-string parameters otherwise.
type QuerySource struct {
	Body   []byte
	Params map[string]string
}

// FromBody reports whether the query was taken from the request body.
func (s QuerySource) FromBody() bool {
	return s.Body != nil
}

// MarshalJSON encodes a body source as its raw text (embedded as-is when it
// is valid JSON) and a parameter source as an object.
func (s QuerySource) MarshalJSON() ([]byte, error) {
	if s.FromBody() {
		if json.Valid(s.Body) {
			return s.Body, nil
		}
		return json.Marshal(string(s.Body))
	}
	if s.Params == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s.Params)
}

// NormalizedRequest is the request record the executor sees.
type NormalizedRequest struct {
	URL     string
	Method  string
	Headers http.Header
}

// QueryRequest is built fresh for every invocation and discarded after the
// executor returns.
type QueryRequest struct {
	Method  string
	Options Options
	Query   QuerySource
	Request NormalizedRequest
}

type ResponseInit struct {
	Headers map[string]string
}

// QueryResult is a successful execution: the serialized GraphQL response
// plus response metadata.
type QueryResult struct {
	GraphQLResponse string
	ResponseInit    ResponseInit
}

// Response is what the host writes back to the client.
type Response struct {
	Status  int
	Body    string
	Headers map[string]string
}
