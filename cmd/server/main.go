package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go-gqlfn/adapter"
	"go-gqlfn/azfunc"
	"go-gqlfn/server"
)

// workerService is the part of *server.Server the HTTP routes use.
type workerService interface {
	Health() server.HealthSummary
	ForceRecycleWorkers()
}

//
// -------------------------------------------------------------
// LOGGING
// -------------------------------------------------------------
//

func newLogger(level, format string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

//
// -------------------------------------------------------------
// EXECUTION OPTIONS
// -------------------------------------------------------------
//

// invocationOptions derives the executor config per invocation: the static
// options from gqlfn.json plus the function name and invocation ID.
func invocationOptions(static map[string]any) adapter.Options {
	return adapter.Derived(func(_ context.Context, inv adapter.Invocation) (adapter.Config, error) {
		cfg := adapter.Config(maps.Clone(static))
		if cfg == nil {
			cfg = adapter.Config{}
		}
		if inv.Context != nil {
			cfg["functionName"] = inv.Context.FunctionName
			cfg["invocationId"] = inv.Context.InvocationID
		}
		return cfg, nil
	})
}

//
// -------------------------------------------------------------
// ROUTES
// -------------------------------------------------------------
//

func newMux(cfg *AppServerConfig, svc workerService, h *adapter.Handler, metrics *Metrics, logger *slog.Logger) *http.ServeMux {
	mux := http.NewServeMux()

	// forwarded HTTP requests (enableForwardingHttpRequest)
	mux.Handle(cfg.RoutePrefix, metrics.Instrument("forward", azfunc.NewHTTPHandler(h, logger, cfg.RoutePrefix)))

	// invocation envelopes: POST /{functionName}
	mux.Handle("/", metrics.Instrument("invoke", azfunc.NewInvokeHandler(h, logger)))

	// Health summary: executor pools
	mux.HandleFunc("/__gqlfn/health", func(w http.ResponseWriter, r *http.Request) {
		summary := svc.Health()
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(summary); err != nil {
			http.Error(w, "failed to encode health summary", http.StatusInternalServerError)
		}
	})

	// Force recycle: mark all workers dead so they respawn on next requests
	mux.HandleFunc("/__gqlfn/recycle", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}

		svc.ForceRecycleWorkers()
		logger.Info("executor workers recycled on request", "remote_addr", r.RemoteAddr)

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"status": "ok",
			"note":   "all workers marked dead; will respawn on next requests",
		})
	})

	mux.Handle("/__gqlfn/metrics", metrics.Handler())

	return mux
}

//
// -------------------------------------------------------------
// PROJECT ROOT DISCOVERY (dir containing go.mod or host.json)
// -------------------------------------------------------------
//

func getProjectRoot() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}

	dir := wd
	for {
		for _, marker := range []string{"host.json", "go.mod"} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return wd
		}
		dir = parent
	}
}

//
// -------------------------------------------------------------
// MAIN SERVER SETUP
// -------------------------------------------------------------
//

func main() {
	root := getProjectRoot()
	cfg := loadConfig(root)

	logger := newLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	srv, err := server.NewServer(
		cfg.FastWorkers,
		cfg.SlowWorkers,
		server.WorkerConfig{
			Command:        cfg.ExecutorCommand,
			Dir:            cfg.ExecutorDir,
			MaxRequests:    cfg.MaxRequestsPerWorker,
			RequestTimeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		},
		server.SlowRequestConfig{
			RoutePrefixes:    cfg.SlowRoutes,
			Methods:          cfg.SlowMethods,
			BodyThreshold:    cfg.SlowBodyThreshold,
			LatencyThreshold: time.Duration(cfg.SlowLatencyMs) * time.Millisecond,
		},
	)
	if err != nil {
		logger.Error("failed to start executor workers", "command", cfg.ExecutorCommand, "error", err)
		os.Exit(1)
	}

	handler, err := adapter.New(srv, invocationOptions(cfg.Options))
	if err != nil {
		logger.Error("failed to create graphql handler", "error", err)
		os.Exit(1)
	}

	metrics := NewMetrics()
	mux := newMux(cfg, srv, handler, metrics, logger)

	// Hot reload (if enabled)
	if cfg.HotReload {
		watcher, err := srv.EnableHotReload(cfg.ExecutorDir)
		if err != nil {
			logger.Warn("hot reload disabled", "error", err)
		} else {
			defer watcher.Close()
			logger.Info("hot reload enabled", "dir", cfg.ExecutorDir)
		}
	}

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown on SIGINT/SIGTERM
	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		<-shutdownCh
		logger.Info("shutdown signal received, stopping HTTP server and draining workers")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// stop taking new requests before the executors go away
		if err := httpSrv.Shutdown(ctx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		} else {
			logger.Info("http server shut down cleanly")
		}

		srv.DrainWorkers()
	}()

	logger.Info("gqlfn custom handler listening",
		"addr", cfg.Addr,
		"fast_workers", cfg.FastWorkers,
		"slow_workers", cfg.SlowWorkers,
		"timeout_ms", cfg.RequestTimeoutMs,
		"max_requests_per_worker", cfg.MaxRequestsPerWorker,
		"executor", strings.Join(cfg.ExecutorCommand, " "),
		"route_prefix", cfg.RoutePrefix,
	)

	// blocks until shutdown
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("listen error", "error", err)
		srv.DrainWorkers()
		os.Exit(1)
	}
	<-drained
}
