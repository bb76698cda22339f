package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 300 * time.Millisecond

// configWatcher reloads the configuration when the settings file changes and
// reports what changed.
type configWatcher struct {
	path     string
	load     func() (Config, error)
	current  Config
	onChange func(old, new Config, d configDiff)
	logger   *slog.Logger
	debounce time.Duration
}

func newConfigWatcher(path string, current Config, load func() (Config, error), onChange func(old, new Config, d configDiff), logger *slog.Logger) *configWatcher {
	return &configWatcher{
		path:     filepath.Clean(path),
		load:     load,
		current:  current,
		onChange: onChange,
		logger:   logger.With(slog.String("component", "config")),
		debounce: reloadDebounce,
	}
}

// Run watches until ctx is done. A watcher that cannot be set up disables hot
// reload without failing the server.
func (w *configWatcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return nil
	}
	defer fsw.Close()

	// The directory is watched so editors that replace the file are seen.
	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return nil
	}
	if err := fsw.Add(dir); err != nil {
		w.logger.Warn("config hot reload disabled", slog.String("error", err.Error()))
		return nil
	}
	w.logger.Debug("watching settings", slog.String("path", w.path))

	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Write) {
				continue
			}
			fire = time.After(w.debounce)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-fire:
			fire = nil
			w.reload()
		}
	}
}

func (w *configWatcher) reload() {
	next, err := w.load()
	if err != nil {
		w.logger.Warn("config reload failed, keeping current settings", slog.String("error", err.Error()))
		return
	}
	d := diffConfigs(w.current, next)
	if d.empty() {
		return
	}
	old := w.current
	w.current = next
	if w.onChange != nil {
		w.onChange(old, next, d)
	}
}
