package azfunc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-gqlfn/adapter"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubExecutor records the last query request and replies with res/err.
type stubExecutor struct {
	last *adapter.QueryRequest
	inv  adapter.Invocation
	res  *adapter.QueryResult
	err  error
}

func (s *stubExecutor) Execute(_ context.Context, inv adapter.Invocation, q *adapter.QueryRequest) (*adapter.QueryResult, error) {
	s.last, s.inv = q, inv
	return s.res, s.err
}

func newAdapter(t *testing.T, exec adapter.Executor) *adapter.Handler {
	t.Helper()
	h, err := adapter.New(exec, adapter.Static(adapter.Config{"schema": "schema.graphql"}))
	if err != nil {
		t.Fatalf("adapter.New: %v", err)
	}
	return h
}

func invoke(t *testing.T, h http.Handler, envelope string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/graphql", bytes.NewBufferString(envelope))
	r.Header.Set(InvocationIDHeader, "inv-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func decodeOutput(t *testing.T, w *httptest.ResponseRecorder) HTTPOutput {
	t.Helper()

	var resp struct {
		Outputs map[string]HTTPOutput `json:"Outputs"`
		Logs    []string              `json:"Logs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode invoke response: %v (%s)", err, w.Body.String())
	}
	out, ok := resp.Outputs["res"]
	if !ok {
		t.Fatalf("missing res output: %s", w.Body.String())
	}
	return out
}

func TestInvokeGetUsesQueryParams(t *testing.T) {
	exec := &stubExecutor{res: &adapter.QueryResult{
		GraphQLResponse: `{"data":{"hello":"world"}}`,
		ResponseInit:    adapter.ResponseInit{Headers: map[string]string{"Content-Type": "application/json"}},
	}}
	h := NewInvokeHandler(newAdapter(t, exec), discardLogger())

	w := invoke(t, h, `{
		"Data": {"req": {
			"Url": "https://fn.example.net/api/graphql?query=%7B%20hello%20%7D",
			"Method": "GET",
			"Query": {"query": "{ hello }"},
			"Headers": {"accept": ["application/json"]}
		}},
		"Metadata": {"sys": {"MethodName": "graphql"}}
	}`)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from handler, got %d: %s", w.Code, w.Body.String())
	}

	out := decodeOutput(t, w)
	if out.StatusCode != 200 || out.Body != `{"data":{"hello":"world"}}` {
		t.Fatalf("unexpected output: %+v", out)
	}
	if out.Headers["Content-Type"] != "application/json" {
		t.Fatalf("unexpected output headers: %v", out.Headers)
	}

	if exec.last.Query.FromBody() || exec.last.Query.Params["query"] != "{ hello }" {
		t.Fatalf("expected params query source, got %+v", exec.last.Query)
	}
	if exec.last.Request.Headers.Get("Accept") != "application/json" {
		t.Fatalf("expected canonical headers, got %v", exec.last.Request.Headers)
	}
	if exec.inv.Context.InvocationID != "inv-1" || exec.inv.Context.FunctionName != "graphql" {
		t.Fatalf("unexpected invocation context: %+v", exec.inv.Context)
	}
	if _, ok := exec.inv.Context.Metadata["sys"]; !ok {
		t.Fatalf("expected metadata to be passed through")
	}
}

func TestInvokePostBodyVariants(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"string body", `"{\"query\":\"{ hello }\"}"`, `{"query":"{ hello }"}`},
		{"object body", `{"query": "{ hello }"}`, `{"query": "{ hello }"}`},
	}

	for _, tc := range cases {
		exec := &stubExecutor{res: &adapter.QueryResult{GraphQLResponse: "{}"}}
		h := NewInvokeHandler(newAdapter(t, exec), discardLogger())

		w := invoke(t, h, `{"Data": {"req": {"Url": "/api/graphql", "Method": "POST", "Body": `+tc.body+`}}}`)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: unexpected status %d", tc.name, w.Code)
		}
		if got := string(exec.last.Query.Body); got != tc.want {
			t.Fatalf("%s: got body %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestInvokePostWithoutBody(t *testing.T) {
	for _, body := range []string{``, `, "Body": null`, `, "Body": ""`} {
		exec := &stubExecutor{}
		h := NewInvokeHandler(newAdapter(t, exec), discardLogger())

		w := invoke(t, h, `{"Data": {"req": {"Url": "/api/graphql", "Method": "POST"`+body+`}}}`)
		out := decodeOutput(t, w)
		if out.StatusCode != 500 || out.Body != "POST body missing." {
			t.Fatalf("unexpected output: %+v", out)
		}
		if exec.last != nil {
			t.Fatalf("executor should not be called")
		}
	}
}

func TestInvokeTypedFailure(t *testing.T) {
	exec := &stubExecutor{err: adapter.NewHTTPQueryError(400, "Must provide query string.", map[string]string{"Content-Type": "text/plain"})}
	h := NewInvokeHandler(newAdapter(t, exec), discardLogger())

	w := invoke(t, h, `{"Data": {"req": {"Url": "/api/graphql", "Method": "GET"}}}`)
	out := decodeOutput(t, w)
	if out.StatusCode != 400 || out.Body != "Must provide query string." {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestInvokeUntypedFailureFailsInvocation(t *testing.T) {
	exec := &stubExecutor{err: errors.New("executor crashed")}
	h := NewInvokeHandler(newAdapter(t, exec), discardLogger())

	w := invoke(t, h, `{"Data": {"req": {"Url": "/api/graphql", "Method": "GET"}}}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 to the host, got %d", w.Code)
	}
}

func TestInvokeCustomBindings(t *testing.T) {
	exec := &stubExecutor{res: &adapter.QueryResult{GraphQLResponse: "ok"}}
	h := NewInvokeHandler(newAdapter(t, exec), discardLogger(), WithBindings("request", "$return"))

	w := invoke(t, h, `{"Data": {"request": {"Url": "/api/graphql", "Method": "GET"}}}`)

	var resp InvokeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp.Outputs["$return"]; !ok {
		t.Fatalf("expected $return output, got %v", resp.Outputs)
	}
}

func TestInvokeRejectsBadEnvelope(t *testing.T) {
	h := NewInvokeHandler(newAdapter(t, &stubExecutor{}), discardLogger())

	if w := invoke(t, h, `not json`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for invalid json, got %d", w.Code)
	}
	if w := invoke(t, h, `{"Data": {}}`); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing binding, got %d", w.Code)
	}

	r := httptest.NewRequest(http.MethodGet, "/graphql", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET envelope, got %d", w.Code)
	}
}
