package concurrency

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrQueueFull rejects a caller without waiting. It carries KindConfiguration
// and is not retryable.
var ErrQueueFull = errors.New("operation rejected: admission queue full")

type Config struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// QueueSize bounds the number of callers waiting for admission; zero
	// means unbounded.
	QueueSize int `mapstructure:"queue_size"`
	// Timeout bounds the wait for admission, not the operation itself.
	Timeout           time.Duration `mapstructure:"timeout"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RequestsPerSecond int           `mapstructure:"requests_per_second"`
}

func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 10,
		QueueSize:      100,
		Timeout:        30 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 1
	}
	if c.RequestsPerSecond <= 0 {
		c.RateLimitEnabled = false
	}
	return c
}

type Stats struct {
	Name           string
	MaxConcurrency int
	Active         int64
	Queued         int64
	Peak           int64
	Completed      int64
	Failed         int64
	Rejected       int64
	TimedOut       int64
	AvgWait        time.Duration
	AvgExec        time.Duration
}

// MetricsSink receives per-operation observations.
type MetricsSink interface {
	ObserveOperation(name, result string, wait, exec time.Duration)
	SetActive(name string, active int64)
}

const ewmaAlpha = 0.2

type controller struct {
	name string

	mu      sync.Mutex
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	avgWait float64
	avgExec float64

	active    atomic.Int64
	queued    atomic.Int64
	peak      atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
	timedOut  atomic.Int64
}

func newController(name string, cfg Config) *controller {
	cfg = cfg.normalized()
	c := &controller{
		name: name,
		cfg:  cfg,
		sem:  semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
	}
	if cfg.RateLimitEnabled {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestsPerSecond)
	}
	return c
}

func (c *controller) snapshot() (Config, *semaphore.Weighted, *rate.Limiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg, c.sem, c.limiter
}

func (c *controller) record(wait, exec time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.avgWait = ewma(c.avgWait, float64(wait))
	c.avgExec = ewma(c.avgExec, float64(exec))
}

func ewma(avg, sample float64) float64 {
	if avg == 0 {
		return sample
	}
	return avg*(1-ewmaAlpha) + sample*ewmaAlpha
}

func (c *controller) stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Name:           c.name,
		MaxConcurrency: c.cfg.MaxConcurrency,
		Active:         c.active.Load(),
		Queued:         c.queued.Load(),
		Peak:           c.peak.Load(),
		Completed:      c.completed.Load(),
		Failed:         c.failed.Load(),
		Rejected:       c.rejected.Load(),
		TimedOut:       c.timedOut.Load(),
		AvgWait:        time.Duration(c.avgWait),
		AvgExec:        time.Duration(c.avgExec),
	}
}

// Manager governs concurrent access to host operations. Each operation name
// gets its own semaphore and, optionally, token bucket, created on first use.
type Manager struct {
	mu          sync.RWMutex
	controllers map[string]*controller
	configs     map[string]Config
	defaults    Config
	logger      logging.Logger
	metrics     MetricsSink
}

func NewManager(defaults Config, logger logging.Logger) *Manager {
	return &Manager{
		controllers: make(map[string]*controller),
		configs:     make(map[string]Config),
		defaults:    defaults.normalized(),
		logger:      logging.OrNop(logger),
	}
}

func (m *Manager) WithMetrics(sink MetricsSink) *Manager {
	m.mu.Lock()
	m.metrics = sink
	m.mu.Unlock()
	return m
}

// Configure presets the configuration used when name is first executed
// without an explicit one.
func (m *Manager) Configure(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[name] = cfg
}

func (m *Manager) controller(name string, cfg *Config) *controller {
	m.mu.RLock()
	c, ok := m.controllers[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.controllers[name]; ok {
		return c
	}

	effective := m.defaults
	if preset, ok := m.configs[name]; ok {
		effective = preset
	}
	if cfg != nil {
		effective = *cfg
	}
	c = newController(name, effective)
	m.controllers[name] = c
	m.logger.Debug("admission controller created", "operation", name,
		"max_concurrency", c.cfg.MaxConcurrency, "rate_limit", c.cfg.RateLimitEnabled)
	return c
}

// Execute runs op under the admission control of name. cfg is only
// consulted the first time name is seen.
func (m *Manager) Execute(ctx context.Context, name string, op func(ctx context.Context) error, cfg *Config) error {
	c := m.controller(name, cfg)
	settings, sem, limiter := c.snapshot()

	if settings.QueueSize > 0 && c.queued.Load() >= int64(settings.QueueSize) {
		c.rejected.Add(1)
		m.observe(name, "rejected", 0, 0)
		return plugin.NewError(plugin.KindConfiguration, "", name, ErrQueueFull)
	}

	c.queued.Add(1)
	waitStart := time.Now()

	acqCtx := ctx
	if settings.Timeout > 0 {
		var cancel context.CancelFunc
		acqCtx, cancel = context.WithTimeout(ctx, settings.Timeout)
		defer cancel()
	}

	if limiter != nil {
		if err := limiter.Wait(acqCtx); err != nil {
			c.queued.Add(-1)
			return m.admissionFailure(ctx, c, settings, "rate limit", err)
		}
	}

	if err := sem.Acquire(acqCtx, 1); err != nil {
		c.queued.Add(-1)
		return m.admissionFailure(ctx, c, settings, "semaphore", err)
	}
	defer sem.Release(1)

	c.queued.Add(-1)
	wait := time.Since(waitStart)
	active := c.active.Add(1)
	for {
		peak := c.peak.Load()
		if active <= peak || c.peak.CompareAndSwap(peak, active) {
			break
		}
	}
	m.setActive(name, active)

	execStart := time.Now()
	defer func() {
		m.setActive(name, c.active.Add(-1))
	}()

	err := op(ctx)
	exec := time.Since(execStart)
	c.record(wait, exec)

	if err != nil {
		c.failed.Add(1)
		m.observe(name, "error", wait, exec)
		return err
	}
	c.completed.Add(1)
	m.observe(name, "success", wait, exec)
	return nil
}

func (m *Manager) admissionFailure(ctx context.Context, c *controller, settings Config, stage string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	c.timedOut.Add(1)
	m.observe(c.name, "timeout", 0, 0)
	m.logger.Warn("admission timed out", "operation", c.name, "stage", stage, "timeout", settings.Timeout)
	return plugin.NewError(plugin.KindTimeout, "", c.name,
		fmt.Errorf("no %s admission within %s: %w", stage, settings.Timeout, err))
}

// ExecuteWithControl is Execute for operations that produce a value.
func ExecuteWithControl[T any](ctx context.Context, m *Manager, name string,
	op func(ctx context.Context) (T, error), cfg *Config,
) (T, error) {
	var result T
	err := m.Execute(ctx, name, func(ctx context.Context) error {
		var err error
		result, err = op(ctx)
		return err
	}, cfg)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// SetMaxConcurrency swaps in a new semaphore. Callers already admitted
// release the semaphore they acquired.
func (m *Manager) SetMaxConcurrency(name string, n int) {
	if n <= 0 {
		n = 1
	}
	c := m.controller(name, nil)
	c.mu.Lock()
	c.cfg.MaxConcurrency = n
	c.sem = semaphore.NewWeighted(int64(n))
	c.mu.Unlock()
	m.logger.Info("max concurrency changed", "operation", name, "max_concurrency", n)
}

// SetRateLimit changes the token bucket of name; zero disables it.
func (m *Manager) SetRateLimit(name string, rps int) {
	c := m.controller(name, nil)
	c.mu.Lock()
	defer c.mu.Unlock()

	if rps <= 0 {
		c.cfg.RateLimitEnabled = false
		c.cfg.RequestsPerSecond = 0
		c.limiter = nil
		return
	}
	c.cfg.RateLimitEnabled = true
	c.cfg.RequestsPerSecond = rps
	if c.limiter == nil {
		c.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		return
	}
	c.limiter.SetLimit(rate.Limit(rps))
	c.limiter.SetBurst(rps)
}

func (m *Manager) Stats(name string) (Stats, bool) {
	m.mu.RLock()
	c, ok := m.controllers[name]
	m.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	return c.stats(), true
}

func (m *Manager) AllStats() []Stats {
	m.mu.RLock()
	controllers := make([]*controller, 0, len(m.controllers))
	for _, c := range m.controllers {
		controllers = append(controllers, c)
	}
	m.mu.RUnlock()

	out := make([]Stats, 0, len(controllers))
	for _, c := range controllers {
		out = append(out, c.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Manager) observe(name, result string, wait, exec time.Duration) {
	m.mu.RLock()
	sink := m.metrics
	m.mu.RUnlock()
	if sink != nil {
		sink.ObserveOperation(name, result, wait, exec)
	}
}

func (m *Manager) setActive(name string, active int64) {
	m.mu.RLock()
	sink := m.metrics
	m.mu.RUnlock()
	if sink != nil {
		sink.SetActive(name, active)
	}
}
