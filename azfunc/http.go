package azfunc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"go-gqlfn/adapter"
	"go-gqlfn/server"
)

// HTTPHandler serves requests the host forwards unchanged.
type HTTPHandler struct {
	handler *adapter.Handler
	logger  *slog.Logger
	prefix  string
}

// NewHTTPHandler serves forwarded requests. prefix (usually "/api/") is
// stripped from the path to find the function name.
func NewHTTPHandler(h *adapter.Handler, logger *slog.Logger, prefix string) *HTTPHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{handler: h, logger: logger, prefix: prefix}
}

func (h *HTTPHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	req, err := BuildRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read request: %v", err), http.StatusBadRequest)
		return
	}

	ictx := &adapter.InvocationContext{
		InvocationID: req.Headers[InvocationIDHeader][0],
		FunctionName: strings.Trim(strings.TrimPrefix(r.URL.Path, h.prefix), "/"),
	}

	h.handler.Serve(r.Context(), ictx, req, func(err error, res *adapter.Response) {
		var status int
		if err != nil {
			status = writeExecutorError(w, err)
		} else {
			status = writeResponse(w, res)
		}

		attrs := []any{
			"invocation_id", ictx.InvocationID,
			"method", req.Method,
			"url", req.URL,
			"status", status,
			"duration_ms", float64(time.Since(start).Microseconds()) / 1000,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if err != nil {
			h.logger.Error("request failed", append(attrs, "error", err)...)
			return
		}
		h.logger.Info("request", attrs...)
	})
}

// BuildRequest reads r into an adapter.Request. Header names are
// canonicalized; X-Request-Id and the invocation ID header are filled with
// a fresh UUID when the client sent none, and the direct client IP is
// appended to X-Forwarded-For.
func BuildRequest(r *http.Request) (*adapter.Request, error) {
	reqID := uuid.New().String()

	headers := make(map[string][]string, len(r.Header)+3)
	for name, values := range r.Header {
		copied := make([]string, len(values))
		copy(copied, values)
		headers[http.CanonicalHeaderKey(name)] = copied
	}

	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if host != "" {
		headers["Host"] = []string{host}
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && ip != "" {
		if existing, ok := headers["X-Forwarded-For"]; ok && len(existing) > 0 {
			headers["X-Forwarded-For"] = []string{existing[0] + ", " + ip}
		} else {
			headers["X-Forwarded-For"] = []string{ip}
		}
	}

	if v := headers["X-Request-Id"]; len(v) == 0 {
		headers["X-Request-Id"] = []string{reqID}
	}
	if v := headers[InvocationIDHeader]; len(v) == 0 {
		headers[InvocationIDHeader] = []string{reqID}
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	var body []byte
	if r.Body != nil {
		var err error
		body, err = io.ReadAll(r.Body)
		_ = r.Body.Close()
		if err != nil {
			return nil, err
		}
	}

	return &adapter.Request{
		Method:  r.Method,
		URL:     r.URL.RequestURI(),
		Query:   query,
		Headers: headers,
		Body:    body,
	}, nil
}

func writeResponse(w http.ResponseWriter, res *adapter.Response) int {
	for k, v := range res.Headers {
		w.Header().Set(k, v)
	}

	status := res.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, res.Body)
	return status
}

// mapExecutorErrorToStatus converts an untyped executor failure into an
// HTTP status code.
func mapExecutorErrorToStatus(err error) int {
	var execErr *server.ExecutorError
	switch {
	case errors.As(err, &execErr):
		// the executor answered with its own failure; its message is not ours to parse
		return http.StatusInternalServerError
	case errors.Is(err, server.ErrPoolDraining):
		return http.StatusServiceUnavailable
	case errors.Is(err, server.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	msg := err.Error()

	switch {
	case strings.Contains(msg, "timeout"):
		// the executor process timed out handling the request
		return http.StatusGatewayTimeout
	case strings.Contains(msg, "unexpected EOF"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection reset"):
		// connection to the executor died mid-request
		return http.StatusBadGateway
	case strings.Contains(msg, "draining"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeExecutorError sends a status-only error; executor internals are
// logged, not shown to the client.
func writeExecutorError(w http.ResponseWriter, err error) int {
	status := mapExecutorErrorToStatus(err)
	http.Error(w, http.StatusText(status), status)
	return status
}
