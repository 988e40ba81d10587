package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"addinhost/pkg/plugin"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu      sync.Mutex
	results map[string]int
}

func (s *recordingSink) ObserveOperation(name, result string, wait, exec time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.results == nil {
		s.results = make(map[string]int)
	}
	s.results[name+"/"+result]++
}

func (s *recordingSink) SetActive(string, int64) {}

func (s *recordingSink) count(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results[key]
}

func TestExecute_NeverExceedsMaxConcurrency(t *testing.T) {
	m := NewManager(Config{MaxConcurrency: 3, Timeout: 5 * time.Second}, nil)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := m.Execute(context.Background(), "LoadPlugin", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(2 * time.Millisecond)
				running.Add(-1)
				return nil
			}, nil)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(3))
	stats, ok := m.Stats("LoadPlugin")
	require.True(t, ok)
	assert.Equal(t, int64(40), stats.Completed)
	assert.LessOrEqual(t, stats.Peak, int64(3))
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Queued)
}

func TestExecute_TimeoutDoesNotRunOperation(t *testing.T) {
	m := NewManager(Config{MaxConcurrency: 1, Timeout: 50 * time.Millisecond}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Execute(context.Background(), "op", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started

	var ran atomic.Bool
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}, nil)
	close(release)

	require.Error(t, err)
	assert.True(t, errors.Is(err, plugin.ErrTimeout))
	assert.Equal(t, plugin.KindTimeout, plugin.KindOf(err))
	assert.False(t, ran.Load())

	stats, _ := m.Stats("op")
	assert.Equal(t, int64(1), stats.TimedOut)
}

func TestExecute_RejectsWhenQueueFull(t *testing.T) {
	sink := &recordingSink{}
	m := NewManager(Config{MaxConcurrency: 1, QueueSize: 1, Timeout: 5 * time.Second}, nil).WithMetrics(sink)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 2)
	go func() {
		done <- m.Execute(context.Background(), "op", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started
	go func() {
		done <- m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, nil)
	}()

	require.Eventually(t, func() bool {
		s, _ := m.Stats("op")
		return s.Queued == 1
	}, time.Second, 5*time.Millisecond)

	err := m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, plugin.KindConfiguration, plugin.KindOf(err))
	assert.False(t, errors.Is(err, plugin.ErrTimeout))
	assert.False(t, plugin.IsRetryable(err))

	close(release)
	assert.NoError(t, <-done)
	assert.NoError(t, <-done)

	stats, _ := m.Stats("op")
	assert.Equal(t, int64(1), stats.Rejected)
	assert.Equal(t, int64(2), stats.Completed)
	assert.Equal(t, 1, sink.count("op/rejected"))
	assert.Equal(t, 2, sink.count("op/success"))
}

func TestExecute_ParentCancellation(t *testing.T) {
	m := NewManager(Config{MaxConcurrency: 1, Timeout: time.Second}, nil)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = m.Execute(context.Background(), "op", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		}, nil)
	}()
	<-started
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := m.Execute(ctx, "op", func(ctx context.Context) error { return nil }, nil)
	assert.ErrorIs(t, err, context.Canceled)

	stats, _ := m.Stats("op")
	assert.Zero(t, stats.TimedOut)
}

func TestExecute_OperationErrorPropagates(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	boom := errors.New("boom")

	err := m.Execute(context.Background(), "op", func(ctx context.Context) error { return boom }, nil)
	assert.ErrorIs(t, err, boom)

	stats, _ := m.Stats("op")
	assert.Equal(t, int64(1), stats.Failed)
	assert.Zero(t, stats.Completed)
}

func TestExecuteWithControl(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)

	n, err := ExecuteWithControl(context.Background(), m, "GetService", func(ctx context.Context) (int, error) {
		return 42, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, n)

	s, err := ExecuteWithControl(context.Background(), m, "GetService", func(ctx context.Context) (string, error) {
		return "partial", errors.New("failed")
	}, nil)
	assert.Error(t, err)
	assert.Empty(t, s)
}

func TestRateLimit(t *testing.T) {
	m := NewManager(Config{MaxConcurrency: 10, Timeout: 5 * time.Second}, nil)
	m.SetRateLimit("op", 5)

	start := time.Now()
	for i := 0; i < 7; i++ {
		require.NoError(t, m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, nil))
	}
	// burst of 5, then two tokens at 200ms each
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	m.SetRateLimit("op", 0)
	start = time.Now()
	for i := 0; i < 20; i++ {
		require.NoError(t, m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, nil))
	}
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestRateLimit_TimeoutWhenTokensUnavailable(t *testing.T) {
	cfg := Config{MaxConcurrency: 1, Timeout: 20 * time.Millisecond, RateLimitEnabled: true, RequestsPerSecond: 1}
	m := NewManager(DefaultConfig(), nil)

	require.NoError(t, m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, &cfg))
	err := m.Execute(context.Background(), "op", func(ctx context.Context) error { return nil }, nil)
	assert.Equal(t, plugin.KindTimeout, plugin.KindOf(err))
}

func TestSetMaxConcurrency(t *testing.T) {
	m := NewManager(Config{MaxConcurrency: 1, Timeout: time.Second}, nil)
	m.SetMaxConcurrency("op", 4)

	var running, peak atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.Execute(context.Background(), "op", func(ctx context.Context) error {
				n := running.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				<-gate
				running.Add(-1)
				return nil
			}, nil)
		}()
	}

	assert.Eventually(t, func() bool { return running.Load() == 4 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()

	stats, _ := m.Stats("op")
	assert.Equal(t, 4, stats.MaxConcurrency)
	assert.Equal(t, int64(4), peak.Load())
}

func TestConfigurePresetAndAllStats(t *testing.T) {
	m := NewManager(DefaultConfig(), nil)
	m.Configure("UnloadPlugin", Config{MaxConcurrency: 2})

	noop := func(ctx context.Context) error { return nil }
	require.NoError(t, m.Execute(context.Background(), "UnloadPlugin", noop, nil))
	require.NoError(t, m.Execute(context.Background(), "LoadPlugin", noop, nil))

	all := m.AllStats()
	require.Len(t, all, 2)
	assert.Equal(t, "LoadPlugin", all[0].Name)
	assert.Equal(t, 10, all[0].MaxConcurrency)
	assert.Equal(t, "UnloadPlugin", all[1].Name)
	assert.Equal(t, 2, all[1].MaxConcurrency)

	_, ok := m.Stats("GetService")
	assert.False(t, ok)
}

func TestEWMA(t *testing.T) {
	assert.Equal(t, 100.0, ewma(0, 100))
	assert.InDelta(t, 120.0, ewma(100, 200), 1e-9)
}
