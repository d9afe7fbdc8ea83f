package server

import (
	"encoding/json"
	"io"
	"testing"
	"time"
)

// fakeReply builds the executor's answer for a request.
type fakeReply func(req *RequestPayload) *ResponsePayload

// echoReply answers every request with label + ":" + URL, so tests can tell
// which worker handled it.
func echoReply(label string) fakeReply {
	return func(req *RequestPayload) *ResponsePayload {
		return &ResponsePayload{
			ID:              req.ID,
			GraphQLResponse: label + ":" + req.Request.URL,
			ResponseInit: ResponseInit{
				Headers: map[string]string{"X-Worker": label},
			},
		}
	}
}

// newFakeWorker returns a Worker whose stdin/stdout are in-memory pipes
// served by a goroutine that speaks the executor frame protocol.
func newFakeWorker(t *testing.T, reply fakeReply, timeout time.Duration) *Worker {
	t.Helper()

	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()

	w := &Worker{
		stdin:          stdinW,
		stdout:         stdoutR,
		maxRequests:    1000,
		requestTimeout: timeout,
	}

	go func() {
		defer stdinR.Close()
		defer stdoutW.Close()

		for {
			var req RequestPayload
			if err := readFrame(stdinR, &req); err != nil {
				return
			}

			resp := reply(&req)
			if resp == nil {
				// simulate a hung executor
				time.Sleep(time.Hour)
				return
			}

			if err := writeFrame(stdoutW, resp); err != nil {
				return
			}
		}
	}()

	t.Cleanup(func() {
		_ = stdinW.Close()
		_ = stdoutR.Close()
	})

	return w
}

// newFakePool builds a WorkerPool with n echo workers labeled w0, w1, ...
func newFakePool(t *testing.T, n int, timeout time.Duration) *WorkerPool {
	t.Helper()
	workers := make([]*Worker, 0, n)
	for i := 0; i < n; i++ {
		workers = append(workers, newFakeWorker(t, echoReply("w"+string(rune('0'+i))), timeout))
	}

	return &WorkerPool{workers: workers}
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}
