// Package azfunc connects the adapter to the Azure Functions custom handler
// protocol. InvokeHandler speaks the invocation envelope the host POSTs for
// every trigger; HTTPHandler serves requests the host forwards verbatim
// (enableForwardingHttpRequest).
package azfunc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go-gqlfn/adapter"
)

const (
	// InvocationIDHeader carries the host's invocation ID on every request.
	InvocationIDHeader = "X-Azure-Functions-Invocationid"

	defaultTriggerBinding = "req"
	defaultOutputBinding  = "res"
)

// InvokeRequest is the envelope the host POSTs to /{functionName}.
type InvokeRequest struct {
	Data     map[string]json.RawMessage `json:"Data"`
	Metadata map[string]json.RawMessage `json:"Metadata"`
}

// HTTPTrigger is the HTTP trigger binding inside InvokeRequest.Data.
type HTTPTrigger struct {
	URL     string              `json:"Url"`
	Method  string              `json:"Method"`
	Query   map[string]string   `json:"Query"`
	Headers map[string][]string `json:"Headers"`
	Params  map[string]string   `json:"Params"`
	Body    json.RawMessage     `json:"Body"`
}

type InvokeResponse struct {
	Outputs     map[string]any `json:"Outputs"`
	Logs        []string       `json:"Logs"`
	ReturnValue any            `json:"ReturnValue"`
}

// HTTPOutput is the HTTP output binding written back to the host.
type HTTPOutput struct {
	StatusCode int               `json:"statusCode"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers,omitempty"`
}

type InvokeHandler struct {
	handler *adapter.Handler
	logger  *slog.Logger
	trigger string
	output  string
}

type InvokeOption func(*InvokeHandler)

// WithBindings overrides the trigger and output binding names from
// function.json ("req" and "res" by default).
func WithBindings(trigger, output string) InvokeOption {
	return func(h *InvokeHandler) {
		if trigger != "" {
			h.trigger = trigger
		}
		if output != "" {
			h.output = output
		}
	}
}

func NewInvokeHandler(h *adapter.Handler, logger *slog.Logger, opts ...InvokeOption) *InvokeHandler {
	if logger == nil {
		logger = slog.Default()
	}
	ih := &InvokeHandler{
		handler: h,
		logger:  logger,
		trigger: defaultTriggerBinding,
		output:  defaultOutputBinding,
	}
	for _, opt := range opts {
		opt(ih)
	}
	return ih
}

func (h *InvokeHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var env InvokeRequest
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid invocation envelope", http.StatusBadRequest)
		return
	}

	req, err := env.HTTPRequest(h.trigger)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ictx := &adapter.InvocationContext{
		InvocationID: r.Header.Get(InvocationIDHeader),
		FunctionName: strings.Trim(r.URL.Path, "/"),
		Metadata:     env.Metadata,
	}
	log := h.logger.With("invocation_id", ictx.InvocationID, "function", ictx.FunctionName)

	h.handler.Serve(r.Context(), ictx, req, func(err error, res *adapter.Response) {
		if err != nil {
			// a non-2xx reply makes the host record the invocation as failed
			log.Error("invocation failed", "method", req.Method, "url", req.URL, "error", err)
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		log.Debug("invocation completed", "method", req.Method, "url", req.URL, "status", res.Status)
		writeJSON(w, http.StatusOK, InvokeResponse{
			Outputs: map[string]any{
				h.output: HTTPOutput{
					StatusCode: res.Status,
					Body:       res.Body,
					Headers:    res.Headers,
				},
			},
			Logs: []string{fmt.Sprintf("%s %s -> %d", req.Method, req.URL, res.Status)},
		})
	})
}

// HTTPRequest decodes the named trigger binding into an adapter.Request.
func (env *InvokeRequest) HTTPRequest(binding string) (*adapter.Request, error) {
	raw, ok := env.Data[binding]
	if !ok {
		return nil, fmt.Errorf("invocation has no %q binding", binding)
	}

	var trig HTTPTrigger
	if err := json.Unmarshal(raw, &trig); err != nil {
		return nil, fmt.Errorf("decode %q binding: %w", binding, err)
	}

	body, err := decodeBody(trig.Body)
	if err != nil {
		return nil, fmt.Errorf("decode %q body: %w", binding, err)
	}

	return &adapter.Request{
		Method:  strings.ToUpper(trig.Method),
		URL:     trig.URL,
		Query:   trig.Query,
		Headers: trig.Headers,
		Body:    body,
	}, nil
}

// decodeBody returns the text of a JSON string body, the raw JSON of any
// other value, and nil for null or a missing body.
func decodeBody(raw json.RawMessage) ([]byte, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return nil, err
		}
		if s == "" {
			return nil, nil
		}
		return []byte(s), nil
	}
	return trimmed, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = io.Copy(w, &buf)
}
