package kb

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounceWindow coalesces rapid write events (editors and bulk
// imports write in bursts).
const DefaultDebounceWindow = 500 * time.Millisecond

// Watcher observes the knowledge-base data file and invokes a callback
// after the file changes settle. The callback typically marks retriever
// caches stale so the next build pass rebuilds them.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()

	mu      sync.Mutex
	fs      *fsnotify.Watcher
	stopped bool
}

// NewWatcher creates a watcher for the data file at path.
func NewWatcher(path string, debounce time.Duration, onChange func()) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}
	return &Watcher{path: filepath.Clean(path), debounce: debounce, onChange: onChange}
}

// Start begins watching until ctx is cancelled or Stop is called.
// The parent directory is watched rather than the file itself so that
// atomic rename-into-place updates are observed.
func (w *Watcher) Start(ctx context.Context) error {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fs.Add(filepath.Dir(w.path)); err != nil {
		_ = fs.Close()
		return err
	}

	w.mu.Lock()
	w.fs = fs
	w.mu.Unlock()

	go w.loop(ctx, fs)
	return nil
}

// Stop stops the watcher. Safe to call multiple times.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	if w.fs != nil {
		_ = w.fs.Close()
	}
}

func (w *Watcher) loop(ctx context.Context, fs *fsnotify.Watcher) {
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case ev, ok := <-fs.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			slog.Debug("data file changed", slog.String("path", w.path), slog.String("op", ev.Op.String()))
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.onChange)
		case err, ok := <-fs.Errors:
			if !ok {
				return
			}
			slog.Warn("data file watcher error", slog.String("error", err.Error()))
		}
	}
}
