package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay is how long to wait for further writes before reloading.
// Editors often write config files in several operations.
const debounceDelay = 500 * time.Millisecond

// Watcher reloads the config file on change and hands the result to a
// callback. Used to hot-apply concurrency ceilings without a restart.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
}

// NewWatcher creates a watcher for the given config file. The callback
// receives only configs that pass validation.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory, not the file: many editors replace the file,
	// which drops a direct watch.
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return nil, err
	}
	return &Watcher{path: path, onChange: onChange, logger: logger, fsw: fsw}, nil
}

// Run watches until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsw.Close()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceDelay)
				timerC = timer.C
			} else {
				timer.Reset(debounceDelay)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", "path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded",
		"path", w.path,
		"user_limit", cfg.Queue.UserLimit,
		"global_limit", cfg.Queue.GlobalLimit)
	w.onChange(cfg)
}
