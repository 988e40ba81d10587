package host

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"addinhost/pkg/concurrency"
	"addinhost/pkg/plugin"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrServiceNotFound = errors.New("service not found")

type service struct {
	pluginID string
	impl     interface{}
}

// ServiceInfo names a published service and the plugin providing it.
type ServiceInfo struct {
	Name     string `json:"name" yaml:"name"`
	PluginID string `json:"plugin" yaml:"plugin"`
	Type     string `json:"type" yaml:"type"`
}

func (h *Host) registerServices(pluginID string, inst plugin.Plugin) ([]string, error) {
	provider, ok := inst.(plugin.ServiceProvider)
	if !ok {
		return nil, nil
	}
	published := provider.Services()
	names := make([]string, 0, len(published))
	for name := range published {
		names = append(names, name)
	}
	sort.Strings(names)

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		if name == "" || published[name] == nil {
			return nil, fmt.Errorf("plugin %s published an empty service", pluginID)
		}
		if existing, taken := h.services[name]; taken {
			return nil, fmt.Errorf("service %s already provided by %s", name, existing.pluginID)
		}
	}
	for _, name := range names {
		h.services[name] = service{pluginID: pluginID, impl: published[name]}
	}
	return names, nil
}

func (h *Host) removeServices(pluginID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for name, s := range h.services {
		if s.pluginID == pluginID {
			delete(h.services, name)
		}
	}
}

// Service returns the implementation registered under name.
func (h *Host) Service(ctx context.Context, name string) (interface{}, error) {
	ctx, span := h.tracer.Start(ctx, OpGetService, trace.WithAttributes(attribute.String("addin.service", name)))
	defer span.End()

	impl, err := concurrency.ExecuteWithControl(ctx, h.admission, OpGetService,
		func(ctx context.Context) (interface{}, error) {
			h.mu.RLock()
			s, ok := h.services[name]
			h.mu.RUnlock()
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrServiceNotFound, name)
			}
			span.SetAttributes(attribute.String("addin.id", s.pluginID))
			return s.impl, nil
		}, nil)
	return impl, endSpan(span, err)
}

// Services lists the registered services sorted by name.
func (h *Host) Services() []ServiceInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ServiceInfo, 0, len(h.services))
	for name, s := range h.services {
		out = append(out, ServiceInfo{Name: name, PluginID: s.pluginID, Type: fmt.Sprintf("%T", s.impl)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// GetService returns the first service, by name, that implements T.
func GetService[T any](ctx context.Context, h *Host) (T, error) {
	var zero T
	ctx, span := h.tracer.Start(ctx, OpGetService,
		trace.WithAttributes(attribute.String("addin.service_type", fmt.Sprintf("%T", (*T)(nil)))))
	defer span.End()

	v, err := concurrency.ExecuteWithControl(ctx, h.admission, OpGetService,
		func(ctx context.Context) (T, error) {
			h.mu.RLock()
			names := make([]string, 0, len(h.services))
			for name := range h.services {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if impl, ok := h.services[name].impl.(T); ok {
					h.mu.RUnlock()
					return impl, nil
				}
			}
			h.mu.RUnlock()
			return zero, fmt.Errorf("%w: no service implements %T", ErrServiceNotFound, (*T)(nil))
		}, nil)
	return v, endSpan(span, err)
}

// NamedService is Service with a typed result.
func NamedService[T any](ctx context.Context, h *Host, name string) (T, error) {
	var zero T
	v, err := h.Service(ctx, name)
	if err != nil {
		return zero, err
	}
	impl, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("service %s is %T, not %T", name, v, (*T)(nil))
	}
	return impl, nil
}
