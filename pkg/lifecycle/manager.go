package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"
)

// Hook observes a completed transition.
type Hook func(ctx context.Context, ev Event) error

type hookRegistration struct {
	name    string
	handler Hook
}

// TransitionObserver receives a count per phase entered.
type TransitionObserver interface {
	ObserveTransition(phase string)
}

// Manager supervises the lifecycle phase of every plugin and owns the
// resources plugins register for teardown.
type Manager struct {
	mu      sync.RWMutex
	states  map[string]*State
	hooks   []hookRegistration
	tracker *Tracker
	logger  logging.Logger
	metrics TransitionObserver
}

func NewManager(logger logging.Logger) *Manager {
	logger = logging.OrNop(logger)
	return &Manager{
		states:  make(map[string]*State),
		tracker: NewTracker(logger),
		logger:  logger,
	}
}

func (m *Manager) WithMetrics(obs TransitionObserver) *Manager {
	m.metrics = obs
	return m
}

func (m *Manager) Tracker() *Tracker { return m.tracker }

// Resources returns the registration surface handed to pluginID.
func (m *Manager) Resources(pluginID string) plugin.Resources {
	return m.tracker.For(pluginID)
}

// AddHook appends a hook. Hooks run in registration order.
func (m *Manager) AddHook(name string, h Hook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, hookRegistration{name: name, handler: h})
}

// Register starts tracking pluginID in the Created phase.
func (m *Manager) Register(pluginID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.states[pluginID]; exists {
		return fmt.Errorf("%w: %s", plugin.ErrPluginAlreadyLoaded, pluginID)
	}
	m.states[pluginID] = &State{
		PluginID:       pluginID,
		Phase:          PhaseCreated,
		LastTransition: time.Now(),
	}
	m.logger.Debug("lifecycle registered", "plugin", pluginID)
	return nil
}

func (m *Manager) Get(pluginID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.states[pluginID]
	if !ok {
		return State{}, false
	}
	return *s, true
}

func (m *Manager) States() []State {
	m.mu.RLock()
	out := make([]State, 0, len(m.states))
	for _, s := range m.states {
		out = append(out, *s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

func (m *Manager) transition(ctx context.Context, pluginID string, to Phase, cause error) error {
	m.mu.Lock()
	s, ok := m.states[pluginID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", plugin.ErrPluginNotFound, pluginID)
	}
	from := s.Phase
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s from %s to %s", plugin.ErrInvalidTransition, pluginID, from, to)
	}

	now := time.Now()
	s.Phase = to
	s.LastTransition = now
	switch to {
	case PhaseRunning:
		s.StartCount++
	case PhaseStopped:
		s.StopCount++
	case PhaseFailed:
		s.ErrorCount++
		s.LastError = cause
	}
	hooks := append([]hookRegistration(nil), m.hooks...)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ObserveTransition(to.String())
	}
	m.logger.Debug("lifecycle transition", "plugin", pluginID, "from", from.String(), "to", to.String())

	ev := Event{PluginID: pluginID, From: from, To: to, Err: cause, Timestamp: now}
	for _, h := range hooks {
		m.runHook(ctx, h, ev)
	}
	return nil
}

func (m *Manager) runHook(ctx context.Context, h hookRegistration, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("lifecycle hook panicked", "hook", h.name, "plugin", ev.PluginID, "panic", r)
		}
	}()
	if err := h.handler(ctx, ev); err != nil {
		m.logger.Error("Hook execution failed", "hook", h.name, "plugin", ev.PluginID,
			"phase", ev.To.String(), "error", err)
	}
}

func (m *Manager) OnInitializing(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseInitializing, nil)
}

func (m *Manager) OnInitialized(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseInitialized, nil)
}

func (m *Manager) OnStarting(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseStarting, nil)
}

func (m *Manager) OnStarted(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseRunning, nil)
}

func (m *Manager) OnStopping(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseStopping, nil)
}

// OnStopped moves pluginID to Stopped and releases every resource it
// registered. The release error, if any, is returned.
func (m *Manager) OnStopped(ctx context.Context, pluginID string) error {
	if err := m.transition(ctx, pluginID, PhaseStopped, nil); err != nil {
		return err
	}
	return m.tracker.Release(ctx, pluginID)
}

func (m *Manager) OnDisposing(ctx context.Context, pluginID string) error {
	return m.transition(ctx, pluginID, PhaseDisposing, nil)
}

// OnDisposed finishes the lifecycle and forgets pluginID. Resources still
// registered at this point are released.
func (m *Manager) OnDisposed(ctx context.Context, pluginID string) error {
	if err := m.transition(ctx, pluginID, PhaseDisposed, nil); err != nil {
		return err
	}
	releaseErr := m.tracker.Release(ctx, pluginID)

	m.mu.Lock()
	delete(m.states, pluginID)
	m.mu.Unlock()
	m.logger.Debug("lifecycle disposed", "plugin", pluginID)
	return releaseErr
}

// OnError forces pluginID into Failed.
func (m *Manager) OnError(ctx context.Context, pluginID string, err error) error {
	m.logger.Warn("plugin failed", "plugin", pluginID, "error", err)
	return m.transition(ctx, pluginID, PhaseFailed, err)
}

// Forget drops pluginID without running transitions, releasing anything
// it still holds.
func (m *Manager) Forget(ctx context.Context, pluginID string) error {
	m.mu.Lock()
	delete(m.states, pluginID)
	m.mu.Unlock()
	return m.tracker.Release(ctx, pluginID)
}
