package lifecycle

import (
	"context"
	"fmt"
	"io"
	"sync"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"github.com/hashicorp/go-multierror"
)

type resourceKind int

const (
	kindCancel resourceKind = iota
	kindTask
	kindDisposable
	kindFunc
)

func (k resourceKind) String() string {
	return [...]string{"cancel", "task", "disposable", "func"}[k]
}

type registration struct {
	name   string
	kind   resourceKind
	cancel context.CancelFunc
	closer io.Closer
	fn     func() error
	done   chan struct{}
}

type scope struct {
	ctx    context.Context
	cancel context.CancelFunc
	regs   []*registration
}

// Tracker records what each plugin owns so teardown can release it
// deterministically.
type Tracker struct {
	mu     sync.Mutex
	scopes map[string]*scope
	logger logging.Logger
}

func NewTracker(logger logging.Logger) *Tracker {
	return &Tracker{
		scopes: make(map[string]*scope),
		logger: logging.OrNop(logger),
	}
}

func (t *Tracker) scopeLocked(pluginID string) *scope {
	s, ok := t.scopes[pluginID]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		s = &scope{ctx: ctx, cancel: cancel}
		t.scopes[pluginID] = s
	}
	return s
}

func (t *Tracker) add(pluginID string, r *registration) *scope {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.scopeLocked(pluginID)
	s.regs = append(s.regs, r)
	return s
}

// Context returns the context cancelled when pluginID is released.
func (t *Tracker) Context(pluginID string) context.Context {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scopeLocked(pluginID).ctx
}

func (t *Tracker) TrackDisposable(pluginID, name string, c io.Closer) {
	t.add(pluginID, &registration{name: name, kind: kindDisposable, closer: c})
}

func (t *Tracker) TrackFunc(pluginID, name string, fn func() error) {
	t.add(pluginID, &registration{name: name, kind: kindFunc, fn: fn})
}

func (t *Tracker) TrackCancel(pluginID, name string, cancel context.CancelFunc) {
	t.add(pluginID, &registration{name: name, kind: kindCancel, cancel: cancel})
}

// TrackTask runs fn on its own goroutine with the plugin-scoped context.
// Release waits for it to return.
func (t *Tracker) TrackTask(pluginID, name string, fn func(ctx context.Context)) {
	r := &registration{name: name, kind: kindTask, done: make(chan struct{})}
	s := t.add(pluginID, r)
	go func() {
		defer close(r.done)
		defer func() {
			if p := recover(); p != nil {
				t.logger.Error("tracked task panicked", "plugin", pluginID, "task", name, "panic", p)
			}
		}()
		fn(s.ctx)
	}()
}

func (t *Tracker) Count(pluginID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.scopes[pluginID]; ok {
		return len(s.regs)
	}
	return 0
}

// Release cancels every cancellation source of pluginID, then releases the
// remaining registrations in reverse order. Each registration is released
// exactly once; failures and panics are collected, not short-circuited.
func (t *Tracker) Release(ctx context.Context, pluginID string) error {
	t.mu.Lock()
	s, ok := t.scopes[pluginID]
	delete(t.scopes, pluginID)
	t.mu.Unlock()
	if !ok {
		return nil
	}

	var result *multierror.Error
	s.cancel()

	for i := len(s.regs) - 1; i >= 0; i-- {
		r := s.regs[i]
		if r.kind != kindCancel {
			continue
		}
		if err := t.safeRelease(ctx, r); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for i := len(s.regs) - 1; i >= 0; i-- {
		r := s.regs[i]
		if r.kind == kindCancel {
			continue
		}
		if err := t.safeRelease(ctx, r); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		t.logger.Warn("resource release incomplete", "plugin", pluginID, "errors", len(result.Errors))
		return err
	}
	t.logger.Debug("resources released", "plugin", pluginID, "count", len(s.regs))
	return nil
}

func (t *Tracker) safeRelease(ctx context.Context, r *registration) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%s %q panicked: %v", r.kind, r.name, p)
		}
	}()

	switch r.kind {
	case kindCancel:
		r.cancel()
	case kindTask:
		select {
		case <-r.done:
		case <-ctx.Done():
			return fmt.Errorf("task %q did not stop: %w", r.name, ctx.Err())
		}
	case kindDisposable:
		if cerr := r.closer.Close(); cerr != nil {
			return fmt.Errorf("disposable %q: %w", r.name, cerr)
		}
	case kindFunc:
		if ferr := r.fn(); ferr != nil {
			return fmt.Errorf("func %q: %w", r.name, ferr)
		}
	}
	return nil
}

// For returns the plugin.Resources view scoped to pluginID.
func (t *Tracker) For(pluginID string) plugin.Resources {
	return scopedResources{tracker: t, pluginID: pluginID}
}

type scopedResources struct {
	tracker  *Tracker
	pluginID string
}

func (s scopedResources) TrackDisposable(name string, c io.Closer) {
	s.tracker.TrackDisposable(s.pluginID, name, c)
}

func (s scopedResources) TrackFunc(name string, fn func() error) {
	s.tracker.TrackFunc(s.pluginID, name, fn)
}

func (s scopedResources) TrackCancel(name string, cancel context.CancelFunc) {
	s.tracker.TrackCancel(s.pluginID, name, cancel)
}

func (s scopedResources) TrackTask(name string, fn func(ctx context.Context)) {
	s.tracker.TrackTask(s.pluginID, name, fn)
}
