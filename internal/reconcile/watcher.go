package reconcile

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultDebounce is how long the watcher waits for the input directory to
// go quiet before starting a pass.
const DefaultDebounce = 2 * time.Second

// Watcher starts a pass when files land in the input directory. Bursts of
// events are coalesced into one pass once the directory has been quiet for
// the debounce window. If a pass is already running the trigger is re-armed.
type Watcher struct {
	runner   Runner
	dir      string
	debounce time.Duration
	logger   *zap.Logger
}

// NewWatcher creates a Watcher for dir.
func NewWatcher(runner Runner, dir string, debounce time.Duration, logger *zap.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{runner: runner, dir: dir, debounce: debounce, logger: logger}
}

// Run watches until ctx is cancelled. It returns an error only if the
// watch cannot be established.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("watching input directory", zap.String("dir", w.dir))

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !relevant(ev) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", zap.Error(err))

		case <-timer.C:
			_, err := w.runner.TryRun(ctx)
			switch {
			case errors.Is(err, ErrPassInProgress):
				timer.Reset(w.debounce)
			case err != nil:
				w.logger.Error("triggered pass failed", zap.Error(err))
			}
		}
	}
}

// relevant reports whether ev can introduce a new candidate file. Renames
// matter because uploads are written as .part files and renamed into place.
func relevant(ev fsnotify.Event) bool {
	if Skip(filepath.Base(ev.Name)) {
		return false
	}
	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}
