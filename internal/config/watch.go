package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aristath/autoqueue/internal/logging"
)

// reloadDelay coalesces the burst of events a single save produces.
const reloadDelay = 100 * time.Millisecond

// Watch reloads the configuration whenever the global or project file is
// written, created, renamed or removed, and passes the result to fn. A reload
// that fails validation reaches fn as an error; the caller keeps whatever it
// had. The parent directories are watched so editors that replace the file
// are seen. Watch blocks until ctx ends.
func Watch(ctx context.Context, globalPath, projectPath string, logger *slog.Logger, fn func(*Config, error)) error {
	logger = logging.Component(logger, "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	targets := make(map[string]bool)
	dirs := make(map[string]bool)
	for _, p := range []string{globalPath, projectPath} {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", p, err)
		}
		targets[abs] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			logger.Debug("config directory not watched", "dir", dir, "error", err)
			continue
		}
		if err := watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
	}

	timer := time.NewTimer(reloadDelay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(event.Name)
			if err != nil || !targets[name] {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			logger.Debug("config file changed", "file", event.Name, "op", event.Op.String())
			timer.Reset(reloadDelay)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("fsnotify error", "error", err)
		case <-timer.C:
			cfg, err := Load(globalPath, projectPath)
			if err != nil {
				logger.Warn("config reload rejected", "error", err)
			} else {
				logger.Info("config reloaded")
			}
			fn(cfg, err)
		}
	}
}
