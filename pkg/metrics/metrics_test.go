package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"addinhost/pkg/concurrency"
	"addinhost/pkg/lifecycle"
	"addinhost/pkg/resilience"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	_ concurrency.MetricsSink      = (*Metrics)(nil)
	_ lifecycle.TransitionObserver = (*Metrics)(nil)
	_ resilience.HealthObserver    = (*Metrics)(nil)
	_ resilience.BreakerObserver   = (*Metrics)(nil)
	_ resilience.RecoveryObserver  = (*Metrics)(nil)
)

func TestObserveOperation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOperation("LoadPlugin", "success", 10*time.Millisecond, 20*time.Millisecond)
	m.ObserveOperation("LoadPlugin", "success", 0, 0)
	m.ObserveOperation("LoadPlugin", "rejected", 0, 0)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("LoadPlugin", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("LoadPlugin", "rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationWait))
}

func TestWiredIntoComponents(t *testing.T) {
	m := New(prometheus.NewRegistry())

	cm := concurrency.NewManager(concurrency.DefaultConfig(), nil).WithMetrics(m)
	require.NoError(t, cm.Execute(context.Background(), "GetService", func(ctx context.Context) error { return nil }, nil))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OperationsTotal.WithLabelValues("GetService", "success")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.OperationsActive.WithLabelValues("GetService")))

	lm := lifecycle.NewManager(nil).WithMetrics(m)
	require.NoError(t, lm.Register("p"))
	require.NoError(t, lm.OnInitializing(context.Background(), "p"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LifecycleTransitions.WithLabelValues("Initializing")))

	hm := resilience.NewHealthMonitor(resilience.DefaultHealthOptions(), nil).WithMetrics(m)
	hm.Register("plugin:p", func(ctx context.Context) resilience.CheckResult {
		return resilience.CheckResult{Status: resilience.Unhealthy}
	})
	hm.Run(context.Background())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HealthStatus.WithLabelValues("plugin:p")))

	policy := resilience.Policy{CircuitBreaker: &resilience.BreakerConfig{Threshold: 1, ResetTimeout: time.Hour}}
	h := resilience.NewHandler(policy, nil).WithMetrics(m)
	_ = h.Execute(context.Background(), "LoadPlugin:p", func(ctx context.Context) error { return assert.AnError })
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CircuitState.WithLabelValues("LoadPlugin:p")))

	m.ObserveRecovery("restart", "success")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveriesTotal.WithLabelValues("restart", "success")))
}

func TestHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.ObserveTransition("Running")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), `addinhost_lifecycle_transitions_total{phase="Running"} 1`))
}
