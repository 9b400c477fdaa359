// Package watch re-runs a reload function when watched files change on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ReloadFunc is invoked after a debounced change. changed is the last path
// that produced an event.
type ReloadFunc func(ctx context.Context, changed string) error

// Options configure a Watcher.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches a set of files and triggers reloads.
// Directories are watched rather than files, since editors and config
// management tools often replace files by renaming a temporary file.
type Watcher struct {
	paths    map[string]struct{}
	dirs     []string
	reload   ReloadFunc
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.RWMutex
	running bool
	fsw     *fsnotify.Watcher
	stopCh  chan struct{}
	done    chan struct{}
}

// New creates a watcher for paths. Nothing is watched until Start.
func New(paths []string, reload ReloadFunc, opts Options) (*Watcher, error) {
	if len(paths) == 0 {
		return nil, errors.New("watch: no paths given")
	}
	if reload == nil {
		return nil, errors.New("watch: reload function is required")
	}

	w := &Watcher{
		paths:    make(map[string]struct{}, len(paths)),
		reload:   reload,
		logger:   opts.Logger,
		debounce: opts.Debounce,
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	if w.debounce <= 0 {
		w.debounce = defaultDebounce
	}

	seenDirs := map[string]struct{}{}
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: resolve %s: %w", p, err)
		}
		w.paths[abs] = struct{}{}
		dir := filepath.Dir(abs)
		if _, ok := seenDirs[dir]; !ok {
			seenDirs[dir] = struct{}{}
			w.dirs = append(w.dirs, dir)
		}
	}
	return w, nil
}

// Start begins watching. It returns once the watches are registered; events
// are processed on a background goroutine until Stop or ctx is done. A
// watcher whose context was cancelled can be started again.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}
	for _, dir := range w.dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}

	w.fsw = fsw
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	w.running = true

	w.logger.Info("file watcher started", "dirs", w.dirs, "debounce", w.debounce)
	go w.loop(ctx, fsw, w.stopCh, w.done)
	return nil
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	fsw, stopCh, done := w.fsw, w.stopCh, w.done
	w.fsw = nil
	w.mu.Unlock()

	if fsw == nil {
		return nil
	}
	close(stopCh)
	<-done
	return fsw.Close()
}

// IsRunning reports whether the event loop is active.
func (w *Watcher) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher, stopCh <-chan struct{}, done chan<- struct{}) {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		changed string
	)

	defer func() {
		if timer != nil {
			timer.Stop()
		}
		w.mu.Lock()
		owned := w.fsw == fsw
		if owned {
			w.fsw = nil
		}
		if w.done == done {
			w.running = false
		}
		w.mu.Unlock()
		// Stop closes the watcher it took; otherwise release it here so a
		// later Start registers fresh watches.
		if owned {
			if err := fsw.Close(); err != nil {
				w.logger.Warn("failed to close file watcher", "error", err)
			}
		}
		close(done)
	}()

	for {
		select {
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.isWatched(event) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			w.logger.Debug("watched file event", "event", event.Op.String(), "file", event.Name)
			changed = event.Name
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.trigger(ctx, changed)

		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("file watcher error", "error", err)

		case <-stopCh:
			w.logger.Info("file watcher stopped")
			return

		case <-ctx.Done():
			w.logger.Info("file watcher context cancelled")
			return
		}
	}
}

func (w *Watcher) isWatched(event fsnotify.Event) bool {
	abs, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	_, ok := w.paths[abs]
	return ok
}

func (w *Watcher) trigger(ctx context.Context, changed string) {
	w.logger.Info("watched file changed, reloading", "file", changed)

	start := time.Now()
	if err := w.reload(ctx, changed); err != nil {
		w.logger.Error("reload failed", "error", err, "duration", time.Since(start))
		return
	}
	w.logger.Info("reload completed", "duration", time.Since(start))
}
