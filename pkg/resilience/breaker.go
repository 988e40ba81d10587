package resilience

import (
	"sync"
	"time"
)

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	if s < StateClosed || s > StateHalfOpen {
		return "Unknown"
	}
	return [...]string{"Closed", "Open", "HalfOpen"}[s]
}

type BreakerConfig struct {
	Threshold    int           `mapstructure:"threshold"`
	ResetTimeout time.Duration `mapstructure:"reset_timeout"`
}

// CircuitBreaker opens after Threshold consecutive failures and lets a
// probe through once ResetTimeout has passed since the last failure.
type CircuitBreaker struct {
	mu           sync.Mutex
	threshold    int
	resetTimeout time.Duration
	failures     int
	state        BreakerState
	lastFailure  time.Time
	now          func() time.Time
	onChange     func(from, to BreakerState)
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1
	}
	return &CircuitBreaker{
		threshold:    cfg.Threshold,
		resetTimeout: cfg.ResetTimeout,
		now:          time.Now,
	}
}

// WithClock replaces the time source.
func (b *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
	return b
}

func (b *CircuitBreaker) OnStateChange(fn func(from, to BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *CircuitBreaker) setLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onChange != nil {
		b.onChange(from, to)
	}
}

func (b *CircuitBreaker) currentLocked() BreakerState {
	if b.state == StateOpen && b.now().Sub(b.lastFailure) >= b.resetTimeout {
		b.setLocked(StateHalfOpen)
	}
	return b.state
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentLocked()
}

// Allow reports whether a call may proceed.
func (b *CircuitBreaker) Allow() bool {
	return b.State() != StateOpen
}

func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.setLocked(StateClosed)
}

func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.setLocked(StateOpen)
	}
}

func (b *CircuitBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

func (b *CircuitBreaker) Reset() {
	b.RecordSuccess()
}
