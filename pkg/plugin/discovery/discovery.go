package discovery

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"
	"addinhost/pkg/plugin/manifest"

	"github.com/hashicorp/go-multierror"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type Options struct {
	CacheTTL  time.Duration
	CacheSize int
	// Watch installs a file-system watcher on every scanned root so manifest
	// changes invalidate the cache before the TTL runs out.
	Watch bool
	// OnInvalidate is called, debounced, after a watched root changed.
	OnInvalidate func(root string)
}

func DefaultOptions() Options {
	return Options{
		CacheTTL:  5 * time.Minute,
		CacheSize: 64,
		Watch:     true,
	}
}

type Stats struct {
	Hits          int64
	Misses        int64
	Invalidations int64
	Skipped       int64
}

// cacheEntry is one cached scan. keepWatcher is set when the entry is
// dropped because its own watcher reported a change.
type cacheEntry struct {
	descriptors []*plugin.PluginDescriptor
	keepWatcher atomic.Bool
}

// Discoverer scans directory trees for plugin manifests.
type Discoverer struct {
	store  *manifest.Store
	logger logging.Logger
	opts   Options

	cache *lru.LRU[string, *cacheEntry]
	group singleflight.Group

	// scanned runs after a scan and before its result is cached.
	scanned func(root string)

	mu       sync.Mutex
	watchers map[string]*rootWatcher
	closed   bool

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
	skipped       atomic.Int64
}

func New(store *manifest.Store, logger logging.Logger, opts Options) *Discoverer {
	if store == nil {
		store = manifest.NewStore()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultOptions().CacheTTL
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = DefaultOptions().CacheSize
	}

	d := &Discoverer{
		store:    store,
		logger:   logging.OrNop(logger),
		opts:     opts,
		watchers: make(map[string]*rootWatcher),
	}
	d.cache = lru.NewLRU[string, *cacheEntry](opts.CacheSize, d.onEvict, opts.CacheTTL)
	return d
}

func rootKey(root string) (string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("invalid discovery root: %w", err)
	}
	return filepath.Clean(abs), nil
}

// Discover returns the descriptors of every valid manifest below root,
// sorted by id then version. Invalid manifests are logged and skipped.
// Callers receive their own copies and may freeze or mutate them.
func (d *Discoverer) Discover(ctx context.Context, root string) ([]*plugin.PluginDescriptor, error) {
	key, err := rootKey(root)
	if err != nil {
		return nil, err
	}

	if cached, ok := d.cache.Get(key); ok {
		d.hits.Add(1)
		return cloneAll(cached.descriptors), nil
	}
	d.misses.Add(1)

	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		if err := checkRoot(key); err != nil {
			return nil, err
		}

		// Watch before walking. A change seen during the walk keeps the
		// result out of the cache.
		var w *rootWatcher
		if d.opts.Watch {
			w = d.watch(key)
		}
		var before int64
		if w != nil {
			before = w.changes.Load()
		}

		descs, err := d.scan(ctx, key, w)
		if err != nil {
			if w != nil && !d.cache.Contains(key) {
				d.unwatch(key)
			}
			return nil, err
		}
		if d.scanned != nil {
			d.scanned(key)
		}
		if w == nil || w.changes.Load() == before {
			d.cache.Add(key, &cacheEntry{descriptors: descs})
		} else {
			d.logger.Debug("discovery root changed during scan, result not cached", "root", key)
		}
		return descs, nil
	})
	if err != nil {
		return nil, err
	}
	return cloneAll(v.([]*plugin.PluginDescriptor)), nil
}

func checkRoot(root string) error {
	info, err := statDir(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("discovery root %s is not a directory", filepath.Base(root))
	}
	return nil
}

// scan walks root. Every directory is added to w, when set, before its
// entries are read.
func (d *Discoverer) scan(ctx context.Context, root string, w *rootWatcher) ([]*plugin.PluginDescriptor, error) {
	var descs []*plugin.PluginDescriptor
	start := time.Now()

	walkErr := filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == root {
				return err
			}
			d.logger.Warn("skipping unreadable path", "path", path, "error", err)
			if entry != nil && entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if entry.IsDir() {
			if w != nil {
				if err := w.add(path); err != nil {
					d.logger.Warn("failed to watch directory", "path", path, "error", err)
				}
			}
			return nil
		}
		if !d.store.Handles(path) {
			return nil
		}

		desc, err := d.store.Descriptor(path)
		if err != nil {
			d.skipped.Add(1)
			d.logger.Warn("skipping invalid manifest", "manifest", path, "error", err)
			return nil
		}
		descs = append(descs, desc)
		return nil
	})
	if walkErr != nil {
		return nil, fmt.Errorf("discovery of %s failed: %w", filepath.Base(root), walkErr)
	}

	sort.SliceStable(descs, func(i, j int) bool {
		a, b := descs[i], descs[j]
		if a.ID != b.ID {
			return a.ID < b.ID
		}
		return a.Version.LessThan(b.Version)
	})

	d.logger.Info("discovery completed", "root", root,
		"plugins", len(descs), "duration", time.Since(start))
	return descs, nil
}

// Invalidate drops the cached result for root.
func (d *Discoverer) Invalidate(root string) {
	key, err := rootKey(root)
	if err != nil {
		return
	}
	if e, ok := d.cache.Peek(key); ok {
		e.keepWatcher.Store(true)
	}
	if d.cache.Remove(key) {
		d.invalidations.Add(1)
		d.logger.Debug("discovery cache invalidated", "root", key)
	}
}

func (d *Discoverer) Stats() Stats {
	return Stats{
		Hits:          d.hits.Load(),
		Misses:        d.misses.Load(),
		Invalidations: d.invalidations.Load(),
		Skipped:       d.skipped.Load(),
	}
}

// Close stops all watchers. The cache stays usable.
func (d *Discoverer) Close() error {
	d.mu.Lock()
	watchers := d.watchers
	d.watchers = make(map[string]*rootWatcher)
	d.closed = true
	d.mu.Unlock()

	var result *multierror.Error
	for _, w := range watchers {
		if err := w.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// watch returns the watcher of root, installing one if needed. It returns
// nil once the discoverer is closed or when no watcher can be created.
func (d *Discoverer) watch(root string) *rootWatcher {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	if w, exists := d.watchers[root]; exists {
		return w
	}

	w, err := newRootWatcher(root, d.store.Handles, d.onChange, d.onSettled, d.logger)
	if err != nil {
		d.logger.Warn("failed to watch discovery root", "root", root, "error", err)
		return nil
	}
	d.watchers[root] = w
	return w
}

// unwatch stops the watcher of root. It may run on the watcher's own
// goroutine or under the cache lock, so the close happens asynchronously.
func (d *Discoverer) unwatch(root string) {
	d.mu.Lock()
	w, ok := d.watchers[root]
	delete(d.watchers, root)
	d.mu.Unlock()
	if !ok {
		return
	}
	go func() {
		if err := w.Close(); err != nil {
			d.logger.Warn("failed to close discovery watcher", "root", root, "error", err)
		}
	}()
}

// onEvict releases the watcher of a root that left the cache through
// capacity or TTL eviction.
func (d *Discoverer) onEvict(root string, e *cacheEntry) {
	if e.keepWatcher.Load() {
		return
	}
	d.unwatch(root)
	d.logger.Debug("discovery root evicted", "root", root)
}

func (d *Discoverer) onChange(root string) {
	d.Invalidate(root)
}

func (d *Discoverer) onSettled(root string) {
	if d.opts.OnInvalidate != nil {
		d.opts.OnInvalidate(root)
	}
}

func statDir(path string) (fs.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("discovery root unavailable: %w", err)
	}
	return info, nil
}

func cloneAll(in []*plugin.PluginDescriptor) []*plugin.PluginDescriptor {
	out := make([]*plugin.PluginDescriptor, len(in))
	for i, desc := range in {
		c := desc.Clone()
		c.SetState(plugin.StateValidated)
		out[i] = c
	}
	return out
}
