package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"addinhost/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type phaseCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (p *phaseCounter) ObserveTransition(phase string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	p.counts[phase]++
}

func runToRunning(t *testing.T, m *Manager, id string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Register(id))
	require.NoError(t, m.OnInitializing(ctx, id))
	require.NoError(t, m.OnInitialized(ctx, id))
	require.NoError(t, m.OnStarting(ctx, id))
	require.NoError(t, m.OnStarted(ctx, id))
}

func TestManager_FullLifecycle(t *testing.T) {
	counter := &phaseCounter{}
	m := NewManager(nil).WithMetrics(counter)
	ctx := context.Background()

	var events []string
	m.AddHook("recorder", func(ctx context.Context, ev Event) error {
		events = append(events, ev.From.String()+">"+ev.To.String())
		return nil
	})

	runToRunning(t, m, "p")
	require.NoError(t, m.OnStopping(ctx, "p"))
	require.NoError(t, m.OnStopped(ctx, "p"))

	// restart
	require.NoError(t, m.OnStarting(ctx, "p"))
	require.NoError(t, m.OnStarted(ctx, "p"))

	s, ok := m.Get("p")
	require.True(t, ok)
	assert.Equal(t, PhaseRunning, s.Phase)
	assert.Equal(t, 2, s.StartCount)
	assert.Equal(t, 1, s.StopCount)

	require.NoError(t, m.OnStopping(ctx, "p"))
	require.NoError(t, m.OnStopped(ctx, "p"))
	require.NoError(t, m.OnDisposing(ctx, "p"))
	require.NoError(t, m.OnDisposed(ctx, "p"))

	_, ok = m.Get("p")
	assert.False(t, ok)
	assert.Equal(t, []string{
		"Created>Initializing", "Initializing>Initialized", "Initialized>Starting", "Starting>Running",
		"Running>Stopping", "Stopping>Stopped", "Stopped>Starting", "Starting>Running",
		"Running>Stopping", "Stopping>Stopped", "Stopped>Disposing", "Disposing>Disposed",
	}, events)
	assert.Equal(t, 2, counter.counts["Running"])
	assert.Equal(t, 1, counter.counts["Disposed"])
}

func TestManager_InvalidTransitions(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	require.NoError(t, m.Register("p"))

	assert.ErrorIs(t, m.OnStarted(ctx, "p"), plugin.ErrInvalidTransition)
	assert.ErrorIs(t, m.OnStopped(ctx, "p"), plugin.ErrInvalidTransition)
	assert.ErrorIs(t, m.OnInitializing(ctx, "ghost"), plugin.ErrPluginNotFound)
	assert.ErrorIs(t, m.Register("p"), plugin.ErrPluginAlreadyLoaded)

	s, _ := m.Get("p")
	assert.Equal(t, PhaseCreated, s.Phase)
}

func TestManager_OnErrorFromAnyPhase(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	runToRunning(t, m, "p")

	boom := errors.New("boom")
	require.NoError(t, m.OnError(ctx, "p", boom))

	s, _ := m.Get("p")
	assert.Equal(t, PhaseFailed, s.Phase)
	assert.Equal(t, 1, s.ErrorCount)
	assert.Same(t, boom, s.LastError)

	require.NoError(t, m.OnStopping(ctx, "p"))
	require.NoError(t, m.OnStopped(ctx, "p"))
	require.NoError(t, m.OnDisposing(ctx, "p"))
	require.NoError(t, m.OnDisposed(ctx, "p"))
	assert.Empty(t, m.States())
}

func TestManager_HooksAreIsolated(t *testing.T) {
	m := NewManager(nil)
	var order []string
	m.AddHook("failing", func(ctx context.Context, ev Event) error {
		order = append(order, "failing")
		return errors.New("hook failed")
	})
	m.AddHook("panicking", func(ctx context.Context, ev Event) error {
		order = append(order, "panicking")
		panic("hook panic")
	})
	m.AddHook("last", func(ctx context.Context, ev Event) error {
		order = append(order, "last")
		return nil
	})

	require.NoError(t, m.Register("p"))
	require.NoError(t, m.OnInitializing(context.Background(), "p"))
	assert.Equal(t, []string{"failing", "panicking", "last"}, order)

	s, _ := m.Get("p")
	assert.Equal(t, PhaseInitializing, s.Phase)
}

func TestManager_StopReleasesResources(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	runToRunning(t, m, "p")

	res := m.Resources("p")
	released := 0
	res.TrackFunc("cleanup", func() error { released++; return nil })
	taskStopped := make(chan struct{})
	res.TrackTask("worker", func(ctx context.Context) {
		<-ctx.Done()
		close(taskStopped)
	})

	require.NoError(t, m.OnStopping(ctx, "p"))
	require.NoError(t, m.OnStopped(ctx, "p"))
	assert.Equal(t, 1, released)
	select {
	case <-taskStopped:
	case <-time.After(time.Second):
		t.Fatal("task not cancelled")
	}
	assert.Zero(t, m.Tracker().Count("p"))
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(PhaseCreated, PhaseInitializing))
	assert.True(t, CanTransition(PhaseStopped, PhaseStarting))
	assert.True(t, CanTransition(PhaseRunning, PhaseFailed))
	assert.True(t, CanTransition(PhaseFailed, PhaseDisposing))
	assert.False(t, CanTransition(PhaseDisposed, PhaseFailed))
	assert.False(t, CanTransition(PhaseRunning, PhaseInitializing))
	assert.False(t, CanTransition(PhaseDisposed, PhaseCreated))
	assert.False(t, CanTransition(PhaseCreated, PhaseDisposing))
	assert.False(t, CanTransition(PhaseInitialized, PhaseDisposing))
	assert.False(t, CanTransition(PhaseRunning, PhaseDisposing))
	assert.True(t, CanTransition(PhaseStopped, PhaseDisposing))
	assert.Equal(t, "Unknown", Phase(42).String())
}

func TestManager_DisposeRequiresStopOrFailure(t *testing.T) {
	m := NewManager(nil)
	ctx := context.Background()
	require.NoError(t, m.Register("p"))

	assert.ErrorIs(t, m.OnDisposing(ctx, "p"), plugin.ErrInvalidTransition)
	require.NoError(t, m.OnInitializing(ctx, "p"))
	require.NoError(t, m.OnInitialized(ctx, "p"))
	assert.ErrorIs(t, m.OnDisposing(ctx, "p"), plugin.ErrInvalidTransition)

	require.NoError(t, m.OnError(ctx, "p", errors.New("init hook failed")))
	require.NoError(t, m.OnDisposing(ctx, "p"))
	require.NoError(t, m.OnDisposed(ctx, "p"))
	assert.Empty(t, m.States())
}
