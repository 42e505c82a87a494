package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of events editors produce on save.
const debounce = 100 * time.Millisecond

// Watch reloads path whenever it is written, created or renamed into place
// and calls fn with each valid replacement. Invalid replacements are logged
// and skipped; the previous configuration stays in effect. Watch blocks
// until ctx is done.
//
// The containing directory is watched rather than the file itself so that
// atomic rename-over saves are observed.
func Watch(ctx context.Context, path string, log *slog.Logger, fn func(*Config)) error {
	if log == nil {
		log = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: watch: %w", err)
	}
	defer func() {
		// Best-effort watcher close; no actionable error handling path.
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config: watch %s: %w", filepath.Dir(abs), err)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			c, err := Load(abs)
			if err != nil {
				log.WarnContext(ctx, "config.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			log.InfoContext(ctx, "config.reload.ok", slog.String("path", abs))
			fn(c)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.DebugContext(ctx, "config.watch.error", slog.String("err", err.Error()))
		}
	}
}
