package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestTracker_ReleaseOrder(t *testing.T) {
	tr := NewTracker(nil)
	var mu sync.Mutex
	var order []string
	record := func(s string) {
		mu.Lock()
		order = append(order, s)
		mu.Unlock()
	}

	tr.TrackFunc("p", "f1", func() error { record("f1"); return nil })
	tr.TrackCancel("p", "c1", func() { record("c1") })
	tr.TrackDisposable("p", "d1", closerFunc(func() error { record("d1"); return nil }))
	tr.TrackCancel("p", "c2", func() { record("c2") })
	tr.TrackFunc("p", "f2", func() error { record("f2"); return nil })

	require.NoError(t, tr.Release(context.Background(), "p"))
	assert.Equal(t, []string{"c2", "c1", "f2", "d1", "f1"}, order)
}

func TestTracker_ExactlyOnceEvenWhenOneFails(t *testing.T) {
	tr := NewTracker(nil)
	calls := make(map[string]int)

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("r%d", i)
		switch i {
		case 1:
			tr.TrackFunc("p", name, func() error { calls[name]++; return errors.New("fail") })
		case 3:
			tr.TrackDisposable("p", name, closerFunc(func() error { calls[name]++; panic("kaboom") }))
		default:
			tr.TrackFunc("p", name, func() error { calls[name]++; return nil })
		}
	}
	assert.Equal(t, 5, tr.Count("p"))

	err := tr.Release(context.Background(), "p")
	require.Error(t, err)
	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, err.Error(), "kaboom")

	require.NoError(t, tr.Release(context.Background(), "p"))
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, calls[fmt.Sprintf("r%d", i)], "r%d", i)
	}
}

func TestTracker_CancelsBeforeAwaitingTasks(t *testing.T) {
	tr := NewTracker(nil)

	inner, cancelInner := context.WithCancel(context.Background())
	tr.TrackCancel("p", "inner", cancelInner)

	finished := make(chan struct{})
	tr.For("p").TrackTask("loop", func(ctx context.Context) {
		select {
		case <-ctx.Done():
		case <-inner.Done():
		}
		close(finished)
	})

	require.NoError(t, tr.Release(context.Background(), "p"))
	select {
	case <-finished:
	default:
		t.Fatal("release returned before the task finished")
	}
	assert.Error(t, inner.Err())
}

func TestTracker_TaskTimeout(t *testing.T) {
	tr := NewTracker(nil)
	block := make(chan struct{})
	defer close(block)
	tr.TrackTask("p", "stubborn", func(ctx context.Context) { <-block })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := tr.Release(ctx, "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracker_ContextScopedPerPlugin(t *testing.T) {
	tr := NewTracker(nil)
	a := tr.Context("a")
	b := tr.Context("b")

	require.NoError(t, tr.Release(context.Background(), "a"))
	assert.Error(t, a.Err())
	assert.NoError(t, b.Err())
	assert.NoError(t, tr.Release(context.Background(), "missing"))
}
