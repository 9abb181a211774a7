package app

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"

	"github.com/searchktools/blizzard/internal/logger"
)

// watchLogs reopens the log file and asks the plugin to rotate its own logs
// on SIGHUP, or when the log file is renamed or removed.
func (a *App) watchLogs(ctx context.Context) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	path := logger.OutputPath()
	if path != "" {
		path, _ = filepath.Abs(path)
		w, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("log watcher: %v", err)
		} else {
			defer w.Close()
			// the directory, so the watch survives the file being replaced
			if err := w.Add(filepath.Dir(path)); err != nil {
				logger.Warn("log watcher: watch %s: %v", filepath.Dir(path), err)
			} else {
				events, errs = w.Events, w.Errors
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			a.rotate("SIGHUP")
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Name != path {
				continue
			}
			if ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Remove) {
				a.rotate(ev.Op.String())
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			logger.Warn("log watcher: %v", err)
		}
	}
}

func (a *App) rotate(reason string) {
	if err := logger.Reopen(); err != nil {
		logger.Error("reopen log (%s): %v", reason, err)
	} else {
		logger.Info("log reopened (%s)", reason)
	}
	if err := a.plugin.RotateCustomLogs(); err != nil {
		logger.Error("plugin log rotation: %v", err)
	}
}
