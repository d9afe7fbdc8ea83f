package server

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// maxFrameSize bounds a single response frame from an executor process.
const maxFrameSize = 10 * 1024 * 1024

var (
	// ErrRequestTimeout is returned when an executor does not reply within
	// WorkerConfig.RequestTimeout.
	ErrRequestTimeout = errors.New("worker request timeout")

	// ErrWorkerStopped is returned once a worker has been stopped; it is
	// never restarted again.
	ErrWorkerStopped = fmt.Errorf("%w: worker stopped", ErrPoolDraining)
)

// WorkerConfig describes how to start an executor process.
type WorkerConfig struct {
	Command        []string
	Dir            string
	MaxRequests    int
	RequestTimeout time.Duration
}

// Worker owns one executor process and talks to it with length-prefixed
// JSON frames over stdin/stdout. One request is in flight at a time.
type Worker struct {
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	stdout         io.ReadCloser
	mu             sync.Mutex
	command        []string
	dir            string
	dead           bool
	stopped        bool
	deadMu         sync.RWMutex
	maxRequests    int
	requestTimeout time.Duration
	requestCount   uint64
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if len(cfg.Command) == 0 {
		return nil, fmt.Errorf("worker: executor command is empty")
	}

	w := &Worker{
		command:        cfg.Command,
		dir:            cfg.Dir,
		maxRequests:    cfg.MaxRequests,
		requestTimeout: cfg.RequestTimeout,
	}

	if err := w.start(); err != nil {
		return nil, err
	}
	return w, nil
}

// start spawns the executor process. Callers hold w.mu or own w exclusively.
func (w *Worker) start() error {
	cmd := exec.Command(w.command[0], w.command[1:]...)
	cmd.Dir = w.dir
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return err
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		return err
	}

	w.cmd = cmd
	w.stdin = stdin
	w.stdout = stdout
	return nil
}

func (w *Worker) isDead() bool {
	w.deadMu.RLock()
	defer w.deadMu.RUnlock()
	return w.dead
}

func (w *Worker) markDead() {
	w.deadMu.Lock()
	w.dead = true
	w.deadMu.Unlock()
}

func (w *Worker) kill() {
	if w.cmd != nil && w.cmd.Process != nil {
		_ = w.cmd.Process.Kill()
		_, _ = w.cmd.Process.Wait()
	}
}

func (w *Worker) restart() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stopped {
		return ErrWorkerStopped
	}

	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	if w.stdout != nil {
		_ = w.stdout.Close()
	}
	w.kill()

	if err := w.start(); err != nil {
		return err
	}

	w.deadMu.Lock()
	w.dead = false
	w.deadMu.Unlock()

	atomic.StoreUint64(&w.requestCount, 0)

	slog.Info("restarted executor worker", "command", strings.Join(w.command, " "), "dir", w.dir)

	return nil
}

// stop terminates the process without restarting it.
func (w *Worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopped = true
	w.markDead()
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
	w.kill()
}

// Handle sends payload to the executor and waits for its reply. A broken
// pipe while sending restarts the process and retries once; once the frame
// is delivered a failure is returned as is, so a request never runs twice.
func (w *Worker) Handle(payload *RequestPayload) (*ResponsePayload, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if w.isDead() {
			if err := w.restart(); err != nil {
				return nil, err
			}
		}

		resp, delivered, err := w.handleRequest(payload)
		if err != nil {
			w.markDead()
			if !delivered && isBrokenPipe(err) {
				continue
			}
			return nil, err
		}

		// recycle after maxRequests
		n := atomic.AddUint64(&w.requestCount, 1)
		if w.maxRequests > 0 && int(n) >= w.maxRequests {
			w.markDead()
		}

		return resp, nil
	}

	return nil, io.ErrUnexpectedEOF
}

func isBrokenPipe(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return err == io.EOF ||
		err == io.ErrUnexpectedEOF ||
		err == io.ErrClosedPipe ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "write |1:") ||
		strings.Contains(errStr, "read |0:")
}

func writeFrame(wr io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	// header and body go out in one write
	frame := make([]byte, 4+len(b))
	binary.BigEndian.PutUint32(frame, uint32(len(b)))
	copy(frame[4:], b)

	_, err = wr.Write(frame)
	return err
}

func readFrame(r io.Reader, v any) error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(hdr)
	if n == 0 || n > maxFrameSize {
		return io.ErrUnexpectedEOF
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	return json.Unmarshal(body, v)
}

// handleRequest reports whether the frame reached the executor, so Handle
// knows if a retry could run the request twice.
func (w *Worker) handleRequest(payload *RequestPayload) (*ResponsePayload, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := writeFrame(w.stdin, payload); err != nil {
		return nil, false, err
	}

	type result struct {
		resp *ResponsePayload
		err  error
	}

	resCh := make(chan result, 1)
	stdout := w.stdout

	go func() {
		var resp ResponsePayload
		if err := readFrame(stdout, &resp); err != nil {
			resCh <- result{nil, err}
			return
		}
		if resp.ID != "" && resp.ID != payload.ID {
			w.markDead()
			resCh <- result{nil, fmt.Errorf("worker replied to %q while handling %q", resp.ID, payload.ID)}
			return
		}
		resCh <- result{&resp, nil}
	}()

	if w.requestTimeout > 0 {
		select {
		case res := <-resCh:
			return res.resp, true, res.err
		case <-time.After(w.requestTimeout):
			w.markDead()
			w.kill()
			return nil, true, fmt.Errorf("%w after %s", ErrRequestTimeout, w.requestTimeout)
		}
	}

	res := <-resCh
	return res.resp, true, res.err
}
