package host

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"addinhost/pkg/lifecycle"
	"addinhost/pkg/plugin"
	"addinhost/pkg/resilience"

	"github.com/hashicorp/go-multierror"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// UnloadPlugin stops and disposes a loaded plugin. It refuses while other
// loaded plugins require it.
func (h *Host) UnloadPlugin(ctx context.Context, id string) error {
	ctx, span := h.tracer.Start(ctx, OpUnloadPlugin, trace.WithAttributes(attribute.String("addin.id", id)))
	defer span.End()

	err := h.admission.Execute(ctx, OpUnloadPlugin, func(ctx context.Context) error {
		return h.unload(ctx, id)
	}, nil)
	if err != nil && !errors.Is(err, plugin.ErrPluginNotFound) && !errors.Is(err, plugin.ErrHasDependents) {
		h.recordFailure(id, withPluginID(err, id))
	}
	return endSpan(span, err)
}

func (h *Host) unload(ctx context.Context, id string) error {
	info, err := h.registry.Get(id)
	if err != nil {
		return plugin.NewError(plugin.KindUnload, id, OpUnloadPlugin, err)
	}
	if dependents := h.registry.Dependents(id); len(dependents) > 0 {
		return plugin.NewError(plugin.KindUnload, id, OpUnloadPlugin,
			fmt.Errorf("%w: %s", plugin.ErrHasDependents, strings.Join(dependents, ", ")))
	}

	h.health.Unregister(resilience.PluginCheckPrefix + id)
	h.removeServices(id)

	var result *multierror.Error
	if state, ok := h.lifecycle.Get(id); ok {
		switch state.Phase {
		case lifecycle.PhaseRunning, lifecycle.PhaseFailed:
			if err := h.lifecycle.OnStopping(ctx, id); err != nil {
				result = multierror.Append(result, err)
				break
			}
			if err := h.invoke(ctx, info.Descriptor, "Stop", plugin.KindUnload, info.Instance.Stop); err != nil {
				result = multierror.Append(result, err)
			}
			if err := h.lifecycle.OnStopped(ctx, id); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if err := h.lifecycle.OnDisposing(ctx, id); err == nil {
			if err := h.lifecycle.OnDisposed(ctx, id); err != nil {
				result = multierror.Append(result, err)
			}
		} else if err := h.lifecycle.Forget(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if _, err := h.registry.Remove(id); err != nil {
		result = multierror.Append(result, err)
	}
	info.Descriptor.SetState(plugin.StateResolved)

	if err := result.ErrorOrNil(); err != nil {
		h.logger.Warn("Plugin unloaded with errors", "plugin", id, "error", err)
		return plugin.NewError(plugin.KindUnload, id, OpUnloadPlugin, err)
	}
	h.logger.Info("Plugin unloaded", "plugin", id)
	return nil
}

// RestorePlugin loads id again from the manifest it was last loaded from.
func (h *Host) RestorePlugin(ctx context.Context, id string) error {
	h.mu.RLock()
	path, ok := h.manifests[id]
	h.mu.RUnlock()
	if !ok {
		return plugin.NewError(plugin.KindLoad, id, OpLoadPlugin,
			fmt.Errorf("%w: no manifest recorded for %s", plugin.ErrPluginNotFound, id))
	}
	_, err := h.LoadPlugin(ctx, path)
	return err
}

// Reload unloads id and restores it from its manifest.
func (h *Host) Reload(ctx context.Context, id string) error {
	if err := h.UnloadPlugin(ctx, id); err != nil {
		return err
	}
	return h.RestorePlugin(ctx, id)
}
