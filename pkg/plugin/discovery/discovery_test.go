package discovery

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"addinhost/pkg/plugin"
	"addinhost/pkg/plugin/manifest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeManifest(t *testing.T, dir, id, version string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, id+".addin.json")
	content := fmt.Sprintf(`{"id": %q, "name": %q, "version": %q, "runtime": {"assembly": "%s.so"}}`,
		id, id, version, id)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func ids(descs []*plugin.PluginDescriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.ID + "@" + d.VersionString()
	}
	return out
}

func TestDiscover_RecursiveAndSkipsInvalid(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, filepath.Join(root, "b"), "beta", "1.0")
	writeManifest(t, filepath.Join(root, "a", "nested", "deep"), "alpha", "2.0")
	writeManifest(t, filepath.Join(root, "a2"), "alpha", "1.5")
	require.NoError(t, os.WriteFile(filepath.Join(root, "broken.addin.json"), []byte("{"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0o644))

	d := New(nil, nil, Options{})
	t.Cleanup(func() { d.Close() })

	descs, err := d.Discover(context.Background(), root)
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha@1.5.0", "alpha@2.0.0", "beta@1.0.0"}, ids(descs))
	assert.Equal(t, int64(1), d.Stats().Skipped)
	for _, desc := range descs {
		assert.Equal(t, plugin.StateValidated, desc.State())
	}
}

func TestDiscover_CachesPerRoot(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "alpha", "1.0")

	d := New(manifest.NewStore(), nil, Options{CacheTTL: time.Minute})
	t.Cleanup(func() { d.Close() })

	first, err := d.Discover(context.Background(), root)
	require.NoError(t, err)

	writeManifest(t, root, "beta", "1.0")

	second, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, ids(first), ids(second))
	assert.Equal(t, Stats{Hits: 1, Misses: 1}, d.Stats())

	first[0].Freeze()
	first[0].SetState(plugin.StateFailed)
	assert.False(t, second[0].Frozen())
	assert.Equal(t, plugin.StateValidated, second[0].State())

	d.Invalidate(root)
	third, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha@1.0.0", "beta@1.0.0"}, ids(third))
}

func TestDiscover_TTLExpiry(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "alpha", "1.0")

	d := New(nil, nil, Options{CacheTTL: 50 * time.Millisecond})
	_, err := d.Discover(context.Background(), root)
	require.NoError(t, err)

	writeManifest(t, root, "beta", "1.0")

	assert.Eventually(t, func() bool {
		descs, err := d.Discover(context.Background(), root)
		return err == nil && len(descs) == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestDiscover_WatcherInvalidates(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "alpha", "1.0")

	var mu sync.Mutex
	var settled []string
	d := New(nil, nil, Options{
		CacheTTL: time.Hour,
		Watch:    true,
		OnInvalidate: func(r string) {
			mu.Lock()
			settled = append(settled, r)
			mu.Unlock()
		},
	})
	t.Cleanup(func() { d.Close() })

	_, err := d.Discover(context.Background(), root)
	require.NoError(t, err)

	writeManifest(t, filepath.Join(root, "late"), "beta", "1.0")

	assert.Eventually(t, func() bool {
		descs, err := d.Discover(context.Background(), root)
		return err == nil && len(descs) == 2
	}, 3*time.Second, 50*time.Millisecond)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(settled) > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, d.Stats().Invalidations, int64(1))
}

func watching(d *Discoverer, root string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.watchers[root]
	return ok
}

func TestDiscover_ChangeDuringScanIsNotCached(t *testing.T) {
	root := t.TempDir()
	writeManifest(t, root, "alpha", "1.0")

	d := New(nil, nil, Options{CacheTTL: time.Hour, Watch: true})
	t.Cleanup(func() { d.Close() })
	key, err := rootKey(root)
	require.NoError(t, err)

	var once sync.Once
	d.scanned = func(r string) {
		once.Do(func() {
			w := d.watch(r)
			require.NotNil(t, w)
			before := w.changes.Load()
			writeManifest(t, root, "beta", "1.0")
			require.Eventually(t, func() bool { return w.changes.Load() > before },
				3*time.Second, 10*time.Millisecond)
		})
	}

	first, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha@1.0.0"}, ids(first))
	assert.True(t, watching(d, key))

	second, err := d.Discover(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha@1.0.0", "beta@1.0.0"}, ids(second))
	assert.Equal(t, int64(2), d.Stats().Misses)
}

func TestDiscover_EvictionClosesWatcher(t *testing.T) {
	rootA, rootB := t.TempDir(), t.TempDir()
	writeManifest(t, rootA, "alpha", "1.0")
	writeManifest(t, rootB, "beta", "1.0")

	d := New(nil, nil, Options{CacheTTL: time.Hour, CacheSize: 1, Watch: true})
	t.Cleanup(func() { d.Close() })
	keyA, _ := rootKey(rootA)
	keyB, _ := rootKey(rootB)

	_, err := d.Discover(context.Background(), rootA)
	require.NoError(t, err)
	assert.True(t, watching(d, keyA))

	_, err = d.Discover(context.Background(), rootB)
	require.NoError(t, err)
	assert.False(t, watching(d, keyA), "evicted root keeps its watcher")
	assert.True(t, watching(d, keyB))

	// a watcher-driven invalidation keeps the watcher
	writeManifest(t, filepath.Join(rootB, "late"), "gamma", "1.0")
	assert.Eventually(t, func() bool {
		return d.Stats().Invalidations > 0
	}, 3*time.Second, 20*time.Millisecond)
	assert.True(t, watching(d, keyB))
}

func TestDiscover_Errors(t *testing.T) {
	d := New(nil, nil, Options{})

	_, err := d.Discover(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = d.Discover(context.Background(), file)
	assert.ErrorContains(t, err, "not a directory")

	root := t.TempDir()
	writeManifest(t, root, "alpha", "1.0")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Discover(ctx, root)
	assert.ErrorIs(t, err, context.Canceled)
}
