package resilience

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"github.com/hashicorp/go-multierror"
)

var ErrNoStrategy = errors.New("no recovery strategy applies")

// RecoveryStrategy repairs a class of runtime failures. Strategies with a
// higher Priority are consulted first.
type RecoveryStrategy interface {
	Name() string
	Priority() int
	CanRecover(err error) bool
	Recover(ctx context.Context, err error) error
}

// UnhealthyError carries one failing check out of a health report.
type UnhealthyError struct {
	Check CheckResult
}

func (e *UnhealthyError) Error() string {
	return fmt.Sprintf("health check %s unhealthy: %s", e.Check.Name, e.Check.Message)
}

// PluginCheckPrefix names health checks that belong to one plugin.
const PluginCheckPrefix = "plugin:"

// PluginIDOf extracts the plugin a failure belongs to, if known.
func PluginIDOf(err error) string {
	var ue *UnhealthyError
	if errors.As(err, &ue) {
		if id, ok := strings.CutPrefix(ue.Check.Name, PluginCheckPrefix); ok {
			return id
		}
		return ""
	}
	var pe *plugin.Error
	if errors.As(err, &pe) {
		return pe.PluginID
	}
	return ""
}

type RecoveryAttempt struct {
	Strategy string
	PluginID string
	Failure  string
	Err      error
	Time     time.Time
	Duration time.Duration
}

// RecoveryObserver counts recovery outcomes per strategy.
type RecoveryObserver interface {
	ObserveRecovery(strategy, result string)
}

const historySize = 100

type SelfHealer struct {
	logger logging.Logger

	mu         sync.RWMutex
	strategies []RecoveryStrategy
	history    []RecoveryAttempt
	metrics    RecoveryObserver
}

func NewSelfHealer(logger logging.Logger) *SelfHealer {
	return &SelfHealer{logger: logging.OrNop(logger)}
}

func (h *SelfHealer) WithMetrics(obs RecoveryObserver) *SelfHealer {
	h.mu.Lock()
	h.metrics = obs
	h.mu.Unlock()
	return h
}

func (h *SelfHealer) AddStrategy(s RecoveryStrategy) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.strategies = append(h.strategies, s)
	sort.SliceStable(h.strategies, func(i, j int) bool {
		return h.strategies[i].Priority() > h.strategies[j].Priority()
	})
}

func (h *SelfHealer) Strategies() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, len(h.strategies))
	for i, s := range h.strategies {
		names[i] = s.Name()
	}
	return names
}

// HandleFailure runs the first strategy able to recover err.
func (h *SelfHealer) HandleFailure(ctx context.Context, err error) error {
	h.mu.RLock()
	strategies := append([]RecoveryStrategy(nil), h.strategies...)
	h.mu.RUnlock()

	for _, s := range strategies {
		if !s.CanRecover(err) {
			continue
		}
		return h.run(ctx, s, err)
	}
	h.logger.Warn("no recovery strategy for failure", "error", err)
	return fmt.Errorf("%w: %v", ErrNoStrategy, err)
}

func (h *SelfHealer) run(ctx context.Context, s RecoveryStrategy, failure error) (err error) {
	start := time.Now()
	h.logger.Info("recovery started", "strategy", s.Name(), "plugin", PluginIDOf(failure), "failure", failure)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovery strategy %s panicked: %v", s.Name(), r)
		}

		attempt := RecoveryAttempt{
			Strategy: s.Name(),
			PluginID: PluginIDOf(failure),
			Failure:  failure.Error(),
			Err:      err,
			Time:     start,
			Duration: time.Since(start),
		}
		result := "success"
		if err != nil {
			result = "failure"
			h.logger.Error("recovery failed", "strategy", s.Name(), "error", err)
		} else {
			h.logger.Info("recovery succeeded", "strategy", s.Name(), "duration", attempt.Duration)
		}

		h.mu.Lock()
		h.history = append(h.history, attempt)
		if len(h.history) > historySize {
			h.history = h.history[len(h.history)-historySize:]
		}
		metrics := h.metrics
		h.mu.Unlock()
		if metrics != nil {
			metrics.ObserveRecovery(s.Name(), result)
		}
	}()

	return s.Recover(ctx, failure)
}

// HandleReport starts recovery for each unhealthy check of an Unhealthy
// report.
func (h *SelfHealer) HandleReport(ctx context.Context, report HealthReport) error {
	if report.Status != Unhealthy {
		return nil
	}
	var result *multierror.Error
	for _, c := range report.Checks {
		if c.Status != Unhealthy {
			continue
		}
		if err := h.HandleFailure(ctx, &UnhealthyError{Check: c}); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (h *SelfHealer) History() []RecoveryAttempt {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]RecoveryAttempt(nil), h.history...)
}

// Reloader is implemented by whatever owns plugin instances.
type Reloader interface {
	UnloadPlugin(ctx context.Context, id string) error
	RestorePlugin(ctx context.Context, id string) error
}

// RestartStrategy unloads the failing plugin, waits for GracePeriod and
// loads it again.
type RestartStrategy struct {
	Reloader    Reloader
	GracePeriod time.Duration
}

func (s *RestartStrategy) Name() string  { return "restart" }
func (s *RestartStrategy) Priority() int { return 100 }

func (s *RestartStrategy) CanRecover(err error) bool {
	if PluginIDOf(err) == "" {
		return false
	}
	var ue *UnhealthyError
	if errors.As(err, &ue) {
		return strings.HasPrefix(ue.Check.Name, PluginCheckPrefix)
	}
	switch plugin.KindOf(err) {
	case plugin.KindFatal, plugin.KindStart, plugin.KindInitialization, plugin.KindTimeout:
		return true
	}
	return false
}

func (s *RestartStrategy) Recover(ctx context.Context, err error) error {
	id := PluginIDOf(err)
	if uerr := s.Reloader.UnloadPlugin(ctx, id); uerr != nil && !errors.Is(uerr, plugin.ErrPluginNotFound) {
		return fmt.Errorf("unload %s: %w", id, uerr)
	}

	if s.GracePeriod > 0 {
		timer := time.NewTimer(s.GracePeriod)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if rerr := s.Reloader.RestorePlugin(ctx, id); rerr != nil {
		return fmt.Errorf("reload %s: %w", id, rerr)
	}
	return nil
}

// ResourceCleanupStrategy forces a full collection and deletes temp
// artifacts matching Pattern older than MaxAge.
type ResourceCleanupStrategy struct {
	TempDir string
	Pattern string
	MaxAge  time.Duration
	Now     func() time.Time
}

func (s *ResourceCleanupStrategy) Name() string  { return "resource-cleanup" }
func (s *ResourceCleanupStrategy) Priority() int { return 0 }

func (s *ResourceCleanupStrategy) CanRecover(err error) bool {
	return err != nil && plugin.KindOf(err) != plugin.KindSecurityViolation
}

func (s *ResourceCleanupStrategy) Recover(ctx context.Context, _ error) error {
	runtime.GC()
	debug.FreeOSMemory()

	if s.Pattern == "" {
		return nil
	}
	dir := s.TempDir
	if dir == "" {
		dir = os.TempDir()
	}
	matches, err := filepath.Glob(filepath.Join(dir, s.Pattern))
	if err != nil {
		return fmt.Errorf("invalid cleanup pattern: %w", err)
	}

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	var result *multierror.Error
	for _, path := range matches {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if now().Sub(info.ModTime()) < s.MaxAge {
			continue
		}
		if err := os.RemoveAll(path); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
