// Package adapter turns one function-host HTTP request into a call on a
// GraphQL executor and maps the outcome back onto the host's
// status/body/headers response.
//
//	h, err := adapter.New(exec, adapter.Static(adapter.Config{"schema": "schema.graphql"}))
//	resp, err := h.Handle(ctx, ictx, req)
//
// A typed executor failure (*HTTPQueryError) becomes a response; any other
// failure is returned to the caller untouched.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

const postBodyMissing = "POST body missing."

// Executor runs a GraphQL query. inv is pass-through data for resolving
// Derived options.
type Executor interface {
	Execute(ctx context.Context, inv Invocation, q *QueryRequest) (*QueryResult, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, inv Invocation, q *QueryRequest) (*QueryResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, inv Invocation, q *QueryRequest) (*QueryResult, error) {
	return f(ctx, inv, q)
}

// Callback receives the outcome of Serve: either err or res is set.
type Callback func(err error, res *Response)

// Handler is safe for concurrent use; it keeps nothing but its executor and
// the options captured at construction.
type Handler struct {
	exec    Executor
	options Options
}

// New builds a Handler. Options are the only configuration and must carry a
// non-nil static Config (empty is fine) or a non-nil OptionsFunc.
func New(exec Executor, opts Options) (*Handler, error) {
	if exec == nil {
		return nil, ErrExecutorRequired
	}
	if opts.IsZero() {
		return nil, ErrOptionsRequired
	}
	return &Handler{exec: exec, options: opts}, nil
}

// Handle runs a single invocation. It returns a response for successful
// executions, typed failures and POSTs without a body; anything else the
// executor fails with is returned as err with a nil response.
func (h *Handler) Handle(ctx context.Context, ictx *InvocationContext, req *Request) (*Response, error) {
	post := isPost(req.Method)
	if post && len(req.Body) == 0 {
		return &Response{
			Status: http.StatusInternalServerError,
			Body:   postBodyMissing,
		}, nil
	}

	q := &QueryRequest{
		Method:  req.Method,
		Options: h.options,
		Query:   selectSource(req, post),
		Request: NormalizedRequest{
			URL:     req.URL,
			Method:  req.Method,
			Headers: normalizeHeaders(req.Headers),
		},
	}

	res, err := h.execute(ctx, Invocation{Request: req, Context: ictx}, q)
	if err != nil {
		var qe *HTTPQueryError
		if errors.As(err, &qe) {
			return &Response{
				Status:  qe.StatusCode,
				Body:    qe.Message,
				Headers: qe.Headers,
			}, nil
		}
		return nil, err
	}

	return &Response{
		Status:  http.StatusOK,
		Body:    res.GraphQLResponse,
		Headers: res.ResponseInit.Headers,
	}, nil
}

// Serve is the error-first callback form of Handle. done is called exactly
// once.
func (h *Handler) Serve(ctx context.Context, ictx *InvocationContext, req *Request, done Callback) {
	res, err := h.Handle(ctx, ictx, req)
	if err != nil {
		done(err, nil)
		return
	}
	done(nil, res)
}

func (h *Handler) execute(ctx context.Context, inv Invocation, q *QueryRequest) (res *QueryResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, fmt.Errorf("adapter: executor panic: %v", r)
		}
	}()

	res, err = h.exec.Execute(ctx, inv, q)
	if err == nil && res == nil {
		err = errors.New("adapter: executor returned no result")
	}
	return res, err
}

func isPost(method string) bool {
	return method == http.MethodPost
}

func selectSource(req *Request, post bool) QuerySource {
	if post && len(req.Body) > 0 {
		return QuerySource{Body: req.Body}
	}
	return QuerySource{Params: req.Query}
}

// normalizeHeaders copies headers into an http.Header with canonical keys,
// without sharing backing arrays with the caller's map.
func normalizeHeaders(in map[string][]string) http.Header {
	out := make(http.Header, len(in))
	for name, values := range in {
		canonical := http.CanonicalHeaderKey(name)
		copied := make([]string, len(values))
		copy(copied, values)
		out[canonical] = append(out[canonical], copied...)
	}
	return out
}
