package discovery

import (
	"os"
	"sync"
	"sync/atomic"
	"time"

	"addinhost/pkg/logging"

	"github.com/fsnotify/fsnotify"
)

const debounceInterval = 100 * time.Millisecond

// rootWatcher watches every directory below a discovery root. Relevant
// events invalidate immediately; the settle callback fires once per burst.
type rootWatcher struct {
	root      string
	changes   atomic.Int64
	watcher   *fsnotify.Watcher
	isRelated func(path string) bool
	onChange  func(root string)
	onSettled func(root string)
	logger    logging.Logger

	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// newRootWatcher starts a watcher with no directories; the scan adds them
// with add as it walks.
func newRootWatcher(root string, isRelated func(string) bool,
	onChange, onSettled func(string), logger logging.Logger,
) (*rootWatcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &rootWatcher{
		root:      root,
		watcher:   fw,
		isRelated: isRelated,
		onChange:  onChange,
		onSettled: onSettled,
		logger:    logger,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

func (w *rootWatcher) watchLoop() {
	defer close(w.doneCh)

	for {
		select {
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if w.relevant(event) {
				w.changes.Add(1)
				w.onChange(w.root)
				w.scheduleSettled()
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("discovery watcher error", "root", w.root, "error", err)
		}
	}
}

func (w *rootWatcher) add(dir string) error {
	return w.watcher.Add(dir)
}

func (w *rootWatcher) relevant(event fsnotify.Event) bool {
	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return true
		}
	}
	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		// A removed directory may have held manifests.
		return true
	}
	if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
		return false
	}
	return w.isRelated(event.Name)
}

func (w *rootWatcher) scheduleSettled() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(debounceInterval, func() {
		w.onSettled(w.root)
	})
}

func (w *rootWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.doneCh

		w.debounceMu.Lock()
		if w.debounceTimer != nil {
			w.debounceTimer.Stop()
		}
		w.debounceMu.Unlock()
	})
	return err
}
