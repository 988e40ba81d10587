package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"addinhost/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 100 * time.Millisecond

// FileWatcher calls back when a watched file changes. It watches the parent
// directory so files replaced by rename are still seen.
type FileWatcher struct {
	logger   logging.Logger
	debounce time.Duration

	mu        sync.RWMutex
	watcher   *fsnotify.Watcher
	callbacks map[string][]func()
	dirs      map[string]bool
	stopCh    chan struct{}
	done      chan struct{}

	pendingMu sync.Mutex
	pending   map[string]bool
	timer     *time.Timer
}

func NewFileWatcher(logger logging.Logger) *FileWatcher {
	return &FileWatcher{
		logger:    logging.OrNop(logger),
		debounce:  defaultDebounce,
		callbacks: make(map[string][]func()),
		dirs:      make(map[string]bool),
		pending:   make(map[string]bool),
	}
}

// WithDebounce sets how long events for a path are coalesced.
func (w *FileWatcher) WithDebounce(d time.Duration) *FileWatcher {
	w.debounce = d
	return w
}

func (w *FileWatcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startLocked()
}

func (w *FileWatcher) startLocked() error {
	if w.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	w.watcher = watcher
	w.stopCh = make(chan struct{})
	w.done = make(chan struct{})
	go w.watchLoop(watcher, w.stopCh, w.done)
	return nil
}

// Watch registers cb for path, starting the watcher if needed.
func (w *FileWatcher) Watch(path string, cb func()) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.startLocked(); err != nil {
		return err
	}

	dir := filepath.Dir(abs)
	if !w.dirs[dir] {
		if err := w.watcher.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	w.callbacks[abs] = append(w.callbacks[abs], cb)
	return nil
}

func (w *FileWatcher) Stop() error {
	w.mu.Lock()
	watcher, stopCh, done := w.watcher, w.stopCh, w.done
	w.watcher = nil
	w.dirs = make(map[string]bool)
	w.mu.Unlock()

	if watcher == nil {
		return nil
	}
	close(stopCh)
	err := watcher.Close()
	<-done

	w.pendingMu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.pending = make(map[string]bool)
	w.pendingMu.Unlock()
	return err
}

func (w *FileWatcher) watchLoop(watcher *fsnotify.Watcher, stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	for {
		select {
		case <-stopCh:
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			name := filepath.Clean(event.Name)
			w.mu.RLock()
			_, exists := w.callbacks[name]
			w.mu.RUnlock()
			if exists {
				w.schedule(name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("File watcher error", "error", err)
		}
	}
}

func (w *FileWatcher) schedule(path string) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	w.pending[path] = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.debounce, w.flush)
	}
}

func (w *FileWatcher) flush() {
	w.pendingMu.Lock()
	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]bool)
	w.timer = nil
	w.pendingMu.Unlock()

	w.mu.RLock()
	var callbacks []func()
	for _, path := range paths {
		callbacks = append(callbacks, w.callbacks[path]...)
	}
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb()
	}
}
