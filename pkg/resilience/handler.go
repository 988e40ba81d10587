package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	MaxRetries        int            `mapstructure:"max_retries"`
	BaseDelay         time.Duration  `mapstructure:"base_delay"`
	BackoffMultiplier float64        `mapstructure:"backoff_multiplier"`
	MaxRetryDelay     time.Duration  `mapstructure:"max_retry_delay"`
	CircuitBreaker    *BreakerConfig `mapstructure:"circuit_breaker"`
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:        3,
		BaseDelay:         100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxRetryDelay:     5 * time.Second,
		CircuitBreaker:    &BreakerConfig{Threshold: 5, ResetTimeout: 30 * time.Second},
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.Multiplier = p.BackoffMultiplier
	if bo.Multiplier < 1 {
		bo.Multiplier = 1
	}
	bo.MaxInterval = p.MaxRetryDelay
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = p.BaseDelay
	}
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Delay returns the wait after the given zero-based failed attempt:
// BaseDelay * BackoffMultiplier^attempt, capped at MaxRetryDelay.
func (p Policy) Delay(attempt int) time.Duration {
	bo := p.newBackOff()
	d := bo.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}

// AttemptError annotates a failed attempt with its position in the retry
// sequence.
type AttemptError struct {
	Operation   string
	Attempt     int
	MaxAttempts int
	Err         error
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("%s failed (attempt %d/%d): %v", e.Operation, e.Attempt, e.MaxAttempts, e.Err)
}

func (e *AttemptError) Unwrap() error { return e.Err }

type KindHandler func(ctx context.Context, err *AttemptError)

type RecoveryAction func(ctx context.Context, err error) error

// BreakerObserver receives circuit state changes per operation.
type BreakerObserver interface {
	SetCircuitState(operation string, state int)
}

// Handler retries operations with exponential backoff behind an optional
// per-operation circuit breaker.
type Handler struct {
	policy Policy
	logger logging.Logger

	mu         sync.RWMutex
	handlers   map[plugin.ErrorKind][]KindHandler
	recoveries map[plugin.ErrorKind][]RecoveryAction
	breakers   map[string]*CircuitBreaker
	clock      func() time.Time
	metrics    BreakerObserver
}

func NewHandler(policy Policy, logger logging.Logger) *Handler {
	return &Handler{
		policy:     policy,
		logger:     logging.OrNop(logger),
		handlers:   make(map[plugin.ErrorKind][]KindHandler),
		recoveries: make(map[plugin.ErrorKind][]RecoveryAction),
		breakers:   make(map[string]*CircuitBreaker),
		clock:      time.Now,
	}
}

func (h *Handler) WithMetrics(obs BreakerObserver) *Handler {
	h.mu.Lock()
	h.metrics = obs
	h.mu.Unlock()
	return h
}

// WithClock sets the time source of breakers created afterwards.
func (h *Handler) WithClock(now func() time.Time) *Handler {
	h.mu.Lock()
	h.clock = now
	h.mu.Unlock()
	return h
}

func (h *Handler) Policy() Policy { return h.policy }

// OnKind registers a handler run after each failed attempt of that kind.
func (h *Handler) OnKind(kind plugin.ErrorKind, fn KindHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[kind] = append(h.handlers[kind], fn)
}

// WithRecovery registers an action run before the next retry of an
// operation that failed with kind.
func (h *Handler) WithRecovery(kind plugin.ErrorKind, action RecoveryAction) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.recoveries[kind] = append(h.recoveries[kind], action)
}

// Breaker returns the breaker guarding operation, or nil when the policy
// has none.
func (h *Handler) Breaker(operation string) *CircuitBreaker {
	if h.policy.CircuitBreaker == nil {
		return nil
	}

	h.mu.RLock()
	b, ok := h.breakers[operation]
	h.mu.RUnlock()
	if ok {
		return b
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if b, ok := h.breakers[operation]; ok {
		return b
	}
	b = NewCircuitBreaker(*h.policy.CircuitBreaker).WithClock(h.clock)
	obs := h.metrics
	b.OnStateChange(func(from, to BreakerState) {
		h.logger.Info("circuit breaker state changed", "operation", operation,
			"from", from.String(), "to", to.String())
		if obs != nil {
			obs.SetCircuitState(operation, int(to))
		}
	})
	h.breakers[operation] = b
	return b
}

// Execute runs fn until it succeeds, fails with a non-retryable error, or
// exhausts MaxRetries.
func (h *Handler) Execute(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	breaker := h.Breaker(operation)
	bo := h.policy.newBackOff()
	maxAttempts := h.policy.MaxRetries + 1

	for attempt := 1; ; attempt++ {
		if breaker != nil && !breaker.Allow() {
			return plugin.NewError(plugin.KindLoad, "", operation,
				fmt.Errorf("%w: %s", plugin.ErrCircuitOpen, operation))
		}

		err := fn(ctx)
		if err == nil {
			if breaker != nil {
				breaker.RecordSuccess()
			}
			return nil
		}
		if breaker != nil {
			breaker.RecordFailure()
		}

		ae := &AttemptError{Operation: operation, Attempt: attempt, MaxAttempts: maxAttempts, Err: err}
		h.logger.Warn("operation attempt failed", "operation", operation, "attempt", attempt,
			"max_attempts", maxAttempts, "kind", plugin.KindOf(err).String(), "error", err)

		if !plugin.IsRetryable(err) || attempt >= maxAttempts {
			return ae
		}

		h.handle(ctx, ae)

		delay := bo.NextBackOff()
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s retry aborted: %w", operation, ctx.Err())
		case <-timer.C:
		}
	}
}

func (h *Handler) handle(ctx context.Context, ae *AttemptError) {
	kind := plugin.KindOf(ae.Err)
	h.mu.RLock()
	handlers := append([]KindHandler(nil), h.handlers[kind]...)
	recoveries := append([]RecoveryAction(nil), h.recoveries[kind]...)
	h.mu.RUnlock()

	for _, fn := range handlers {
		h.guard("error handler", ae.Operation, func() error { fn(ctx, ae); return nil })
	}
	for _, action := range recoveries {
		h.guard("recovery action", ae.Operation, func() error { return action(ctx, ae.Err) })
	}
}

func (h *Handler) guard(what, operation string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error(what+" panicked", "operation", operation, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		h.logger.Warn(what+" failed", "operation", operation, "error", err)
	}
}

// ExecuteValue is Execute for operations that produce a value.
func ExecuteValue[T any](ctx context.Context, h *Handler, operation string, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := h.Execute(ctx, operation, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
