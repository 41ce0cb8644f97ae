package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/joseph-ayodele/exchange-relay/internal/workdir"
)

// Watch nudges the returned channel when files appear in dir. Bursts are
// coalesced over debounce. The channel carries no data and is never closed;
// polling stays the source of truth.
func Watch(ctx context.Context, dir string, debounce time.Duration, logger *slog.Logger) (<-chan struct{}, error) {
	if dir == "" {
		return nil, errors.New("no directory provided")
	}
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Error("failed to create fsnotify watcher", "error", err)
		return nil, err
	}
	if err := w.Add(dir); err != nil {
		logger.Error("failed to watch directory", "dir", dir, "error", err)
		_ = w.Close()
		return nil, err
	}

	nudges := make(chan struct{}, 1)
	notify := func() {
		select {
		case nudges <- struct{}{}:
		default:
		}
	}

	go func() {
		defer func() {
			if err := w.Close(); err != nil {
				logger.Warn("failed to close watcher", "error", err)
			}
		}()

		var (
			mu    sync.Mutex
			timer *time.Timer
		)
		defer func() {
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			mu.Unlock()
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-w.Events:
				if !ok {
					return
				}
				if workdir.IsHidden(e.Name) || e.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if debounce <= 0 {
					notify()
					continue
				}
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, notify)
				mu.Unlock()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Warn("watcher error", "dir", dir, "error", err)
			}
		}
	}()

	return nudges, nil
}
