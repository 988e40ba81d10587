package resilience

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

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func fastPolicy(retries int) Policy {
	return Policy{MaxRetries: retries, BaseDelay: time.Millisecond, BackoffMultiplier: 2, MaxRetryDelay: 5 * time.Millisecond}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{BaseDelay: 100 * time.Millisecond, BackoffMultiplier: 2, MaxRetryDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.Delay(0))
	assert.Equal(t, 200*time.Millisecond, p.Delay(1))
	assert.Equal(t, 400*time.Millisecond, p.Delay(2))
	assert.Equal(t, 800*time.Millisecond, p.Delay(3))
	assert.Equal(t, time.Second, p.Delay(4))
	assert.Equal(t, time.Second, p.Delay(10))
}

func TestExecute_RetriesUntilSuccess(t *testing.T) {
	h := NewHandler(fastPolicy(3), nil)
	calls := 0
	err := h.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestExecute_ExhaustsRetries(t *testing.T) {
	h := NewHandler(fastPolicy(2), nil)
	calls := 0
	boom := errors.New("boom")
	err := h.Execute(context.Background(), "LoadPlugin", func(ctx context.Context) error {
		calls++
		return boom
	})
	assert.Equal(t, 3, calls)
	assert.ErrorIs(t, err, boom)

	var ae *AttemptError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "LoadPlugin", ae.Operation)
	assert.Equal(t, 3, ae.Attempt)
	assert.Equal(t, 3, ae.MaxAttempts)
	assert.Contains(t, err.Error(), "attempt 3/3")
}

func TestExecute_NonRetryable(t *testing.T) {
	h := NewHandler(fastPolicy(5), nil)
	calls := 0
	err := h.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		return plugin.NewError(plugin.KindSecurityViolation, "p", "op", errors.New("denied"))
	})
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, err, plugin.ErrSecurityViolation)
}

func TestExecute_HandlersAndRecoveries(t *testing.T) {
	h := NewHandler(fastPolicy(2), nil)

	var seen []int
	h.OnKind(plugin.KindTimeout, func(ctx context.Context, err *AttemptError) {
		seen = append(seen, err.Attempt)
	})
	h.OnKind(plugin.KindLoad, func(ctx context.Context, err *AttemptError) {
		t.Error("handler for another kind ran")
	})
	recovered := 0
	h.WithRecovery(plugin.KindTimeout, func(ctx context.Context, err error) error {
		recovered++
		return errors.New("recovery failed but retry continues")
	})
	h.WithRecovery(plugin.KindTimeout, func(ctx context.Context, err error) error {
		panic("isolated")
	})

	calls := 0
	err := h.Execute(context.Background(), "op", func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return nil
		}
		return plugin.NewError(plugin.KindTimeout, "", "op", errors.New("slow"))
	})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 2, recovered)
}

func TestExecute_CircuitOpenSkipsExecution(t *testing.T) {
	clock := newFakeClock()
	policy := fastPolicy(0)
	policy.CircuitBreaker = &BreakerConfig{Threshold: 2, ResetTimeout: time.Minute}
	h := NewHandler(policy, nil).WithClock(clock.Now)

	calls := 0
	failing := func(ctx context.Context) error { calls++; return errors.New("down") }

	assert.Error(t, h.Execute(context.Background(), "op", failing))
	assert.Error(t, h.Execute(context.Background(), "op", failing))
	assert.Equal(t, StateOpen, h.Breaker("op").State())

	err := h.Execute(context.Background(), "op", failing)
	assert.ErrorIs(t, err, plugin.ErrCircuitOpen)
	assert.Equal(t, plugin.KindLoad, plugin.KindOf(err))
	assert.False(t, plugin.IsCritical(err))
	assert.Equal(t, 2, calls)

	// other operations have their own breaker
	assert.NoError(t, h.Execute(context.Background(), "other", func(ctx context.Context) error { return nil }))

	clock.Advance(time.Minute)
	assert.NoError(t, h.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }))
	assert.Equal(t, StateClosed, h.Breaker("op").State())
}

func TestExecute_ContextCancelledDuringBackoff(t *testing.T) {
	h := NewHandler(Policy{MaxRetries: 5, BaseDelay: time.Second, BackoffMultiplier: 1, MaxRetryDelay: time.Second}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := h.Execute(ctx, "op", func(ctx context.Context) error { return errors.New("x") })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestExecuteValue(t *testing.T) {
	h := NewHandler(fastPolicy(1), nil)
	v, err := ExecuteValue(context.Background(), h, "op", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestCircuitBreaker(t *testing.T) {
	clock := newFakeClock()
	b := NewCircuitBreaker(BreakerConfig{Threshold: 3, ResetTimeout: 10 * time.Second}).WithClock(clock.Now)

	var transitions []string
	b.OnStateChange(func(from, to BreakerState) { transitions = append(transitions, from.String()+">"+to.String()) })

	b.RecordFailure()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "opens after exactly threshold failures")
	assert.False(t, b.Allow())

	clock.Advance(9 * time.Second)
	assert.Equal(t, StateOpen, b.State(), "stays open before the timeout")

	clock.Advance(time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, b.Allow())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State(), "half-open failure reopens")

	clock.Advance(10 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.Failures())

	assert.Equal(t, []string{
		"Closed>Open", "Open>HalfOpen", "HalfOpen>Open", "Open>HalfOpen", "HalfOpen>Closed",
	}, transitions)
}

func TestCircuitBreaker_SuccessResetsCount(t *testing.T) {
	b := NewCircuitBreaker(BreakerConfig{Threshold: 2, ResetTimeout: time.Second})
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 1, b.Failures())
}
