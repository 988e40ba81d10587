package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics of the runtime
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	OperationsTotal   *prometheus.CounterVec
	OperationWait     *prometheus.HistogramVec
	OperationDuration *prometheus.HistogramVec
	OperationsActive  *prometheus.GaugeVec

	// Lifecycle metrics
	LifecycleTransitions *prometheus.CounterVec

	// Resilience metrics
	HealthStatus    *prometheus.GaugeVec
	CircuitState    *prometheus.GaugeVec
	RecoveriesTotal *prometheus.CounterVec
}

// New creates and registers all metrics on registry.
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		OperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "addinhost_operations_total",
				Help: "Total number of admitted or rejected host operations",
			},
			[]string{"operation", "result"},
		),
		OperationWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "addinhost_operation_wait_seconds",
				Help:    "Time spent waiting for admission in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "addinhost_operation_duration_seconds",
				Help:    "Operation execution time in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		OperationsActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addinhost_operations_active",
				Help: "Operations currently executing",
			},
			[]string{"operation"},
		),
		LifecycleTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "addinhost_lifecycle_transitions_total",
				Help: "Lifecycle phase transitions by target phase",
			},
			[]string{"phase"},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addinhost_health_status",
				Help: "Last health check status (0 healthy, 1 degraded, 2 unhealthy)",
			},
			[]string{"check"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "addinhost_circuit_state",
				Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"operation"},
		),
		RecoveriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "addinhost_recoveries_total",
				Help: "Self-healing attempts by strategy and result",
			},
			[]string{"strategy", "result"},
		),
	}

	if registry != nil {
		registry.MustRegister(
			m.OperationsTotal,
			m.OperationWait,
			m.OperationDuration,
			m.OperationsActive,
			m.LifecycleTransitions,
			m.HealthStatus,
			m.CircuitState,
			m.RecoveriesTotal,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOperation(name, result string, wait, exec time.Duration) {
	m.OperationsTotal.WithLabelValues(name, result).Inc()
	if result == "success" || result == "error" {
		m.OperationWait.WithLabelValues(name).Observe(wait.Seconds())
		m.OperationDuration.WithLabelValues(name).Observe(exec.Seconds())
	}
}

func (m *Metrics) SetActive(name string, active int64) {
	m.OperationsActive.WithLabelValues(name).Set(float64(active))
}

func (m *Metrics) ObserveTransition(phase string) {
	m.LifecycleTransitions.WithLabelValues(phase).Inc()
}

func (m *Metrics) SetHealth(check string, status int) {
	m.HealthStatus.WithLabelValues(check).Set(float64(status))
}

func (m *Metrics) SetCircuitState(operation string, state int) {
	m.CircuitState.WithLabelValues(operation).Set(float64(state))
}

func (m *Metrics) ObserveRecovery(strategy, result string) {
	m.RecoveriesTotal.WithLabelValues(strategy, result).Inc()
}
