package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 250 * time.Millisecond

// WatchRouting reloads path whenever it changes and passes the result to
// onChange. Parse failures are logged and the previous configuration stays
// active. It blocks until ctx is done.
func WatchRouting(ctx context.Context, path string, logger *slog.Logger, onChange func(*Routing)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	// Editors often replace the file, so watch its directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			timerC = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("routing watcher error", "err", err)
		case <-timerC:
			timerC = nil
			r, err := LoadRouting(abs)
			if err != nil {
				logger.Warn("routing reload failed; keeping previous configuration", "path", abs, "err", err)
				continue
			}
			logger.Info("routing reloaded", "path", abs, "policies", len(r.Policies), "aliases", len(r.Aliases))
			onChange(r)
		}
	}
}
