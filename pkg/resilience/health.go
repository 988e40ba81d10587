package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"addinhost/pkg/logging"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

type HealthStatus int

const (
	Healthy HealthStatus = iota
	Degraded
	Unhealthy
)

func (s HealthStatus) String() string {
	if s < Healthy || s > Unhealthy {
		return "Unknown"
	}
	return [...]string{"Healthy", "Degraded", "Unhealthy"}[s]
}

func (s HealthStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

type CheckResult struct {
	Name     string                 `json:"name" yaml:"name"`
	Status   HealthStatus           `json:"status" yaml:"status"`
	Message  string                 `json:"message,omitempty" yaml:"message,omitempty"`
	Data     map[string]interface{} `json:"data,omitempty" yaml:"data,omitempty"`
	Duration time.Duration          `json:"duration" yaml:"duration"`
}

// Check probes one aspect of the runtime.
type Check func(ctx context.Context) CheckResult

// CheckFunc adapts an error-returning probe: nil is Healthy, anything else
// Unhealthy.
func CheckFunc(fn func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := fn(ctx); err != nil {
			return CheckResult{Status: Unhealthy, Message: err.Error()}
		}
		return CheckResult{Status: Healthy}
	}
}

type HealthReport struct {
	Status    HealthStatus  `json:"status" yaml:"status"`
	Checks    []CheckResult `json:"checks" yaml:"checks"`
	Timestamp time.Time     `json:"timestamp" yaml:"timestamp"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
}

// Rollup is Unhealthy if any check is, Degraded if not all are Healthy,
// and Healthy otherwise.
func Rollup(results []CheckResult) HealthStatus {
	status := Healthy
	for _, r := range results {
		switch r.Status {
		case Unhealthy:
			return Unhealthy
		case Degraded:
			status = Degraded
		case Healthy:
		default:
			status = Degraded
		}
	}
	return status
}

// HealthObserver receives the status of every check after each run.
type HealthObserver interface {
	SetHealth(check string, status int)
}

type HealthOptions struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	Schedule    string        `mapstructure:"schedule"`
}

func DefaultHealthOptions() HealthOptions {
	return HealthOptions{Timeout: 5 * time.Second, Concurrency: 4, Schedule: "@every 30s"}
}

type HealthMonitor struct {
	opts   HealthOptions
	logger logging.Logger

	mu          sync.RWMutex
	checks      map[string]Check
	last        *HealthReport
	subscribers []func(HealthReport)
	metrics     HealthObserver
	cron        *cron.Cron
}

func NewHealthMonitor(opts HealthOptions, logger logging.Logger) *HealthMonitor {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &HealthMonitor{
		opts:   opts,
		logger: logging.OrNop(logger),
		checks: make(map[string]Check),
	}
}

func (m *HealthMonitor) WithMetrics(obs HealthObserver) *HealthMonitor {
	m.mu.Lock()
	m.metrics = obs
	m.mu.Unlock()
	return m
}

func (m *HealthMonitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

func (m *HealthMonitor) Unregister(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Subscribe registers fn to receive every completed report.
func (m *HealthMonitor) Subscribe(fn func(HealthReport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Last returns the most recent report, if any run has completed.
func (m *HealthMonitor) Last() (HealthReport, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.last == nil {
		return HealthReport{}, false
	}
	return *m.last, true
}

// Run executes every registered check concurrently and publishes the
// aggregate report.
func (m *HealthMonitor) Run(ctx context.Context) HealthReport {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	checks := make(map[string]Check, len(m.checks))
	for k, v := range m.checks {
		checks[k] = v
	}
	m.mu.RUnlock()
	sort.Strings(names)

	start := time.Now()
	results := make([]CheckResult, len(names))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = m.runCheck(gctx, name, checks[name])
			return nil
		})
	}
	_ = g.Wait()

	report := HealthReport{
		Status:    Rollup(results),
		Checks:    results,
		Timestamp: start,
		Duration:  time.Since(start),
	}

	m.mu.Lock()
	m.last = &report
	subscribers := append(([]func(HealthReport))(nil), m.subscribers...)
	metrics := m.metrics
	m.mu.Unlock()

	if metrics != nil {
		for _, r := range results {
			metrics.SetHealth(r.Name, int(r.Status))
		}
	}
	if report.Status != Healthy {
		m.logger.Warn("health check degraded", "status", report.Status.String(), "checks", len(results))
	} else {
		m.logger.Debug("health check passed", "checks", len(results))
	}

	for _, fn := range subscribers {
		m.notify(fn, report)
	}
	return report
}

func (m *HealthMonitor) notify(fn func(HealthReport), report HealthReport) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health subscriber panicked", "panic", r)
		}
	}()
	fn(report)
}

func (m *HealthMonitor) runCheck(ctx context.Context, name string, check Check) CheckResult {
	if m.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	done := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- CheckResult{Status: Unhealthy, Message: fmt.Sprintf("check panicked: %v", r)}
			}
		}()
		done <- check(ctx)
	}()

	var result CheckResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = CheckResult{Status: Unhealthy, Message: fmt.Sprintf("check timed out: %v", ctx.Err())}
	}
	result.Name = name
	result.Duration = time.Since(start)
	return result
}

// Start runs the checks on schedule (cron syntax, "@every 30s" by default)
// until Stop.
func (m *HealthMonitor) Start(schedule string) error {
	if schedule == "" {
		schedule = m.opts.Schedule
	}
	if schedule == "" {
		schedule = DefaultHealthOptions().Schedule
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cron != nil {
		return fmt.Errorf("health monitor already started")
	}

	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { m.Run(context.Background()) }); err != nil {
		return fmt.Errorf("invalid health schedule %q: %w", schedule, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("health monitor started", "schedule", schedule)
	return nil
}

// Stop halts scheduling and waits for a running pass to finish.
func (m *HealthMonitor) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
}
