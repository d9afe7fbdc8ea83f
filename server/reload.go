package server

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// reloadDebounce collapses bursts of editor writes into one recycle.
const reloadDebounce = 200 * time.Millisecond

// EnableHotReload watches dir (and its subdirectories) and recycles all
// workers when an executor source file changes. The returned watcher is
// owned by the caller.
func (s *Server) EnableHotReload(dir string) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if (path != dir && strings.HasPrefix(d.Name(), ".")) || d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		watcher.Close()
		return nil, err
	}

	go s.watch(watcher)
	return watcher, nil
}

func (s *Server) watch(watcher *fsnotify.Watcher) {
	var timer *time.Timer

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) &&
				!ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}

			slog.Debug("executor source changed", "path", ev.Name, "op", ev.Op.String())
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				slog.Info("hot reload: recycling executor workers")
				s.ForceRecycleWorkers()
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("hot reload watcher error", "error", err)
		}
	}
}
