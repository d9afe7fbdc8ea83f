package azfunc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-gqlfn/adapter"
	"go-gqlfn/server"
)

func TestBuildRequestCopiesHeadersAndRequestURI(t *testing.T) {
	body := bytes.NewBufferString(`{"query":"{ hello }"}`)
	r := httptest.NewRequest(http.MethodPost, "/api/graphql?x=1", body)
	r.RemoteAddr = net.IPv4(127, 0, 0, 1).String() + ":12345"
	r.Header.Set("X-Custom", "val")

	req, err := BuildRequest(r)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if req.Method != http.MethodPost {
		t.Fatalf("expected method %s, got %s", http.MethodPost, req.Method)
	}
	if req.URL != "/api/graphql?x=1" {
		t.Fatalf("expected full RequestURI, got %q", req.URL)
	}
	if string(req.Body) != `{"query":"{ hello }"}` {
		t.Fatalf("unexpected body: %q", req.Body)
	}
	if req.Query["x"] != "1" {
		t.Fatalf("expected query params, got %v", req.Query)
	}
	if req.Headers["X-Custom"][0] != "val" {
		t.Fatalf("expected X-Custom header to be copied")
	}
	if req.Headers["X-Forwarded-For"][0] != "127.0.0.1" {
		t.Fatalf("unexpected X-Forwarded-For: %v", req.Headers["X-Forwarded-For"])
	}
	if req.Headers["X-Request-Id"][0] == "" || req.Headers[InvocationIDHeader][0] == "" {
		t.Fatalf("expected generated request and invocation ids")
	}
}

func TestBuildRequestExtendsForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/api/graphql", nil)
	r.RemoteAddr = "10.0.0.2:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9")
	r.Header.Set("X-Request-Id", "client-id")

	req, err := BuildRequest(r)
	if err != nil {
		t.Fatalf("BuildRequest: %v", err)
	}
	if got := req.Headers["X-Forwarded-For"][0]; got != "203.0.113.9, 10.0.0.2" {
		t.Fatalf("unexpected X-Forwarded-For: %q", got)
	}
	if got := req.Headers["X-Request-Id"][0]; got != "client-id" {
		t.Fatalf("client X-Request-Id should be kept, got %q", got)
	}
}

func TestHTTPHandlerSuccess(t *testing.T) {
	exec := &stubExecutor{res: &adapter.QueryResult{
		GraphQLResponse: `{"data":{"hello":"world"}}`,
		ResponseInit:    adapter.ResponseInit{Headers: map[string]string{"Content-Type": "application/json"}},
	}}
	h := NewHTTPHandler(newAdapter(t, exec), discardLogger(), "/api/")

	r := httptest.NewRequest(http.MethodGet, "/api/graphql?query=%7B%20hello%20%7D", nil)
	r.Header.Set(InvocationIDHeader, "inv-9")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != `{"data":{"hello":"world"}}` {
		t.Fatalf("unexpected body: %q", w.Body.String())
	}
	if w.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("unexpected content type: %q", w.Header().Get("Content-Type"))
	}
	if exec.last.Query.Params["query"] != "{ hello }" {
		t.Fatalf("unexpected query source: %+v", exec.last.Query)
	}
	if exec.inv.Context.FunctionName != "graphql" || exec.inv.Context.InvocationID != "inv-9" {
		t.Fatalf("unexpected invocation context: %+v", exec.inv.Context)
	}
}

func TestHTTPHandlerPostWithoutBody(t *testing.T) {
	exec := &stubExecutor{}
	h := NewHTTPHandler(newAdapter(t, exec), discardLogger(), "/api/")

	r := httptest.NewRequest(http.MethodPost, "/api/graphql", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError || w.Body.String() != "POST body missing." {
		t.Fatalf("unexpected response: %d %q", w.Code, w.Body.String())
	}
	if exec.last != nil {
		t.Fatalf("executor should not be called")
	}
}

func TestHTTPHandlerTypedFailure(t *testing.T) {
	exec := &stubExecutor{err: adapter.NewHTTPQueryError(405, "GET and POST only", map[string]string{"Allow": "GET, POST"})}
	h := NewHTTPHandler(newAdapter(t, exec), discardLogger(), "/api/")

	r := httptest.NewRequest(http.MethodPut, "/api/graphql", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != 405 || w.Body.String() != "GET and POST only" || w.Header().Get("Allow") != "GET, POST" {
		t.Fatalf("unexpected response: %d %q %v", w.Code, w.Body.String(), w.Header())
	}
}

func TestHTTPHandlerUntypedFailure(t *testing.T) {
	exec := &stubExecutor{err: fmt.Errorf("dispatch: %w", io.ErrUnexpectedEOF)}
	h := NewHTTPHandler(newAdapter(t, exec), discardLogger(), "/api/")

	r := httptest.NewRequest(http.MethodGet, "/api/graphql", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
}

func TestMapExecutorErrorToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{errors.New("worker request timeout after 1s"), http.StatusGatewayTimeout},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{io.ErrUnexpectedEOF, http.StatusBadGateway},
		{errors.New("write |1: broken pipe"), http.StatusBadGateway},
		{errors.New("worker pool is draining"), http.StatusServiceUnavailable},
		{errors.New("something else"), http.StatusInternalServerError},
		{fmt.Errorf("dispatch: %w", server.ErrPoolDraining), http.StatusServiceUnavailable},
		{server.ErrWorkerStopped, http.StatusServiceUnavailable},
		{fmt.Errorf("%w after 2s", server.ErrRequestTimeout), http.StatusGatewayTimeout},
		// resolver text must not steer the status
		{&server.ExecutorError{Name: "Error", Message: "upstream timeout while draining queue"}, http.StatusInternalServerError},
		{&server.ExecutorError{Message: "unexpected EOF in input"}, http.StatusInternalServerError},
	}

	for _, tc := range cases {
		if got := mapExecutorErrorToStatus(tc.err); got != tc.want {
			t.Fatalf("%v: got %d, want %d", tc.err, got, tc.want)
		}
	}
}
