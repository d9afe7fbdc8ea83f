// Package server runs GraphQL executors as long-lived child processes and
// exposes them to the adapter as an adapter.Executor.
//
// Requests travel to the executor as length-prefixed JSON frames (4-byte
// big-endian length, then a RequestPayload); each request gets exactly one
// ResponsePayload frame back.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-gqlfn/adapter"
)

// SlowRequestConfig decides which requests go to the slow pool.
type SlowRequestConfig struct {
	RoutePrefixes    []string
	Methods          []string
	BodyThreshold    int
	LatencyThreshold time.Duration
}

type Server struct {
	fastPool *WorkerPool
	slowPool *WorkerPool
	slowCfg  SlowRequestConfig

	latMu   sync.Mutex
	latency map[string]time.Duration
}

type HealthSummary struct {
	Fast PoolStats `json:"fast"`
	Slow PoolStats `json:"slow"`
}

// ExecutorError is an untyped failure reported by an executor process.
type ExecutorError struct {
	Name    string
	Message string
}

func (e *ExecutorError) Error() string {
	if e.Name == "" {
		return "executor: " + e.Message
	}
	return "executor: " + e.Name + ": " + e.Message
}

func NewServer(fastCount, slowCount int, workerCfg WorkerConfig, slowCfg SlowRequestConfig) (*Server, error) {
	fp, err := NewPool(fastCount, workerCfg)
	if err != nil {
		return nil, err
	}

	var sp *WorkerPool
	if slowCount > 0 {
		sp, err = NewPool(slowCount, workerCfg)
		if err != nil {
			fp.Drain()
			return nil, err
		}
	}

	return &Server{
		fastPool: fp,
		slowPool: sp,
		slowCfg:  slowCfg,
		latency:  make(map[string]time.Duration),
	}, nil
}

// Classification logic -----------------------

func (s *Server) IsSlowRequest(r *RequestPayload) bool {
	path := requestPath(r.Request.URL)

	for _, prefix := range s.slowCfg.RoutePrefixes {
		if prefix != "" && strings.HasPrefix(path, prefix) {
			return true
		}
	}

	// large query documents / variables
	if s.slowCfg.BodyThreshold > 0 && len(r.Query) > s.slowCfg.BodyThreshold {
		return true
	}

	for _, m := range s.slowCfg.Methods {
		if strings.EqualFold(m, r.Method) {
			return true
		}
	}

	if s.slowCfg.LatencyThreshold > 0 {
		s.latMu.Lock()
		avg, ok := s.latency[path]
		s.latMu.Unlock()
		if ok && avg > s.slowCfg.LatencyThreshold {
			return true
		}
	}

	return false
}

// RecordLatency folds d into the moving average for the request path.
func (s *Server) RecordLatency(rawURL string, d time.Duration) {
	path := requestPath(rawURL)

	s.latMu.Lock()
	defer s.latMu.Unlock()

	if s.latency == nil {
		s.latency = make(map[string]time.Duration)
	}
	prev, ok := s.latency[path]
	if !ok {
		s.latency[path] = d
		return
	}
	s.latency[path] = (prev*4 + d) / 5
}

func requestPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Path == "" {
		return rawURL
	}
	return u.Path
}

// Dispatch -----------------------

func (s *Server) Dispatch(req *RequestPayload) (*ResponsePayload, error) {
	if s.slowPool != nil && s.IsSlowRequest(req) {
		return s.slowPool.Dispatch(req)
	}
	return s.fastPool.Dispatch(req)
}

// Execute implements adapter.Executor. Options are resolved here, since a
// derived OptionsFunc cannot cross the process boundary.
func (s *Server) Execute(ctx context.Context, inv adapter.Invocation, q *adapter.QueryRequest) (*adapter.QueryResult, error) {
	cfg, err := q.Options.Resolve(ctx, inv)
	if err != nil {
		return nil, fmt.Errorf("resolve options: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	payload, err := BuildPayload(inv, q, cfg)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := s.Dispatch(payload)
	if err != nil {
		return nil, err
	}
	s.RecordLatency(payload.Request.URL, time.Since(start))

	if resp.Error != nil {
		return nil, resp.Error.asError()
	}

	return &adapter.QueryResult{
		GraphQLResponse: resp.GraphQLResponse,
		ResponseInit:    adapter.ResponseInit{Headers: resp.ResponseInit.Headers},
	}, nil
}

// BuildPayload encodes a query request for the executor process. The
// invocation ID doubles as the request ID when the host supplied one.
func BuildPayload(inv adapter.Invocation, q *adapter.QueryRequest, cfg adapter.Config) (*RequestPayload, error) {
	id := ""
	if inv.Context != nil {
		id = inv.Context.InvocationID
	}
	if id == "" {
		id = uuid.New().String()
	}

	query, err := json.Marshal(q.Query)
	if err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	options, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}

	return &RequestPayload{
		ID:      id,
		Method:  q.Method,
		Query:   query,
		Options: options,
		Request: RequestInfo{
			URL:     q.Request.URL,
			Method:  q.Request.Method,
			Headers: q.Request.Headers,
		},
	}, nil
}

// asError converts the wire error into the adapter's typed failure when it
// carries the HttpQueryError tag.
func (e *ErrorPayload) asError() error {
	if e.Name == HTTPQueryErrorName {
		return adapter.NewHTTPQueryError(e.StatusCode, e.Message, e.Headers)
	}
	return &ExecutorError{Name: e.Name, Message: e.Message}
}

// Operations -----------------------

func (s *Server) Health() HealthSummary {
	return HealthSummary{
		Fast: s.fastPool.Stats(),
		Slow: s.slowPool.Stats(),
	}
}

func (s *Server) ForceRecycleWorkers() {
	s.fastPool.Recycle()
	s.slowPool.Recycle()
}

func (s *Server) DrainWorkers() {
	s.fastPool.Drain()
	s.slowPool.Drain()
}
