package host

import (
	"context"
	"fmt"
	"time"

	"addinhost/pkg/lifecycle"
	"addinhost/pkg/plugin"
	"addinhost/pkg/resilience"
	"addinhost/pkg/security"
)

const healingTimeout = 2 * time.Minute

func (h *Host) pluginCheck(id string, inst plugin.Plugin) resilience.Check {
	return func(ctx context.Context) resilience.CheckResult {
		state, ok := h.lifecycle.Get(id)
		if !ok {
			return resilience.CheckResult{Status: resilience.Unhealthy, Message: "plugin is not tracked"}
		}
		data := map[string]interface{}{
			"phase":  state.Phase.String(),
			"errors": state.ErrorCount,
		}
		switch state.Phase {
		case lifecycle.PhaseRunning:
		case lifecycle.PhaseFailed:
			return resilience.CheckResult{Status: resilience.Unhealthy, Message: fmt.Sprint(state.LastError), Data: data}
		default:
			return resilience.CheckResult{Status: resilience.Degraded, Message: "plugin is " + state.Phase.String(), Data: data}
		}

		if reporter, ok := inst.(plugin.HealthReporter); ok {
			if err := reporter.Health(ctx); err != nil {
				return resilience.CheckResult{
					Status:  resilience.Unhealthy,
					Message: security.ScrubError(err).Error(),
					Data:    data,
				}
			}
		}
		return resilience.CheckResult{Status: resilience.Healthy, Data: data}
	}
}

// Health runs every registered check now.
func (h *Host) Health(ctx context.Context) resilience.HealthReport {
	ctx, span := h.tracer.Start(ctx, "Health")
	defer span.End()
	return h.health.Run(ctx)
}

// StartHealth schedules health checks when enabled in configuration.
// Unhealthy reports are handed to the self-healer.
func (h *Host) StartHealth() error {
	if !h.cfg.Health.Enabled {
		return nil
	}
	return h.health.Start(h.cfg.Health.Schedule)
}

// onHealthReport starts recovery in the background. Reports arriving
// while a recovery pass runs are dropped.
func (h *Host) onHealthReport(report resilience.HealthReport) {
	if report.Status != resilience.Unhealthy || h.closed.Load() {
		return
	}
	if !h.healing.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer h.healing.Store(false)
		ctx, cancel := context.WithTimeout(h.ctx, healingTimeout)
		defer cancel()
		if err := h.healer.HandleReport(ctx, report); err != nil {
			h.logger.Warn("Self-healing incomplete", "error", err)
		}
	}()
}

// Heal runs recovery for err directly.
func (h *Host) Heal(ctx context.Context, err error) error {
	return h.healer.HandleFailure(ctx, err)
}
