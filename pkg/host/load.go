package host

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"
	"addinhost/pkg/resilience"
	"addinhost/pkg/security"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// LoadPlugin loads the plugin described by the manifest at path, or by the
// manifest found directly inside path when it is a directory.
func (h *Host) LoadPlugin(ctx context.Context, path string) (*plugin.PluginInfo, error) {
	ctx, span := h.tracer.Start(ctx, OpLoadPlugin,
		trace.WithAttributes(attribute.String("addin.manifest", filepath.Base(path))))
	defer span.End()

	d, err := h.readManifest(path)
	if err != nil {
		h.recordFailure(pluginIDOf(err), err)
		return nil, endSpan(span, err)
	}
	info, err := h.load(ctx, d)
	return info, endSpan(span, err)
}

func (h *Host) readManifest(path string) (*plugin.PluginDescriptor, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, plugin.NewError(plugin.KindLoad, "", OpLoadPlugin, security.ScrubError(err))
	}
	if st.IsDir() {
		if path, err = h.findManifest(path); err != nil {
			return nil, err
		}
	}
	return h.store.Descriptor(path)
}

func (h *Host) findManifest(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", plugin.NewError(plugin.KindLoad, "", OpLoadPlugin, security.ScrubError(err))
	}
	var found []string
	for _, e := range entries {
		if !e.IsDir() && h.store.Handles(e.Name()) {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	switch len(found) {
	case 0:
		return "", plugin.NewError(plugin.KindConfiguration, "", OpLoadPlugin,
			fmt.Errorf("no manifest in directory %s", filepath.Base(dir)))
	case 1:
		return found[0], nil
	}
	sort.Strings(found)
	return "", plugin.NewError(plugin.KindConfiguration, "", OpLoadPlugin,
		fmt.Errorf("directory %s holds %d manifests", filepath.Base(dir), len(found)))
}

// load admits one load of d, retries transient failures and records the
// outcome. Critical failures block d.ID.
func (h *Host) load(ctx context.Context, d *plugin.PluginDescriptor) (*plugin.PluginInfo, error) {
	if h.closed.Load() {
		return nil, ErrClosed
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("addin.id", d.ID),
		attribute.String("addin.version", d.VersionString()))

	var info *plugin.PluginInfo
	err := h.admission.Execute(ctx, OpLoadPlugin, func(ctx context.Context) error {
		if err := h.preflight(d); err != nil {
			return err
		}
		var err error
		info, err = resilience.ExecuteValue(ctx, h.handler, OpLoadPlugin+":"+d.ID,
			func(ctx context.Context) (*plugin.PluginInfo, error) {
				return h.attempt(ctx, d)
			})
		return err
	}, nil)
	if err != nil {
		err = security.ScrubError(withPluginID(err, d.ID))
		h.recordFailure(d.ID, err)
		return nil, err
	}

	h.mu.Lock()
	if d.ManifestPath != "" {
		h.manifests[d.ID] = d.ManifestPath
	}
	h.mu.Unlock()
	h.logger.Info("Plugin loaded", "plugin", d.ID, "version", d.VersionString(), "services", len(info.Services))
	return info, nil
}

// preflight rejects loads no retry can fix.
func (h *Host) preflight(d *plugin.PluginDescriptor) error {
	if summary, blocked := h.blockedFor(d.ID); blocked {
		return plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin,
			fmt.Errorf("%w since %s: %s", plugin.ErrPluginBlocked, summary.Time.Format(time.RFC3339), summary.Message))
	}
	if h.registry.IsLoaded(d.ID) {
		return plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin,
			fmt.Errorf("%w: %s", plugin.ErrPluginAlreadyLoaded, d.ID))
	}
	if err := h.verifier.Verify(d); err != nil {
		return err
	}
	if err := h.registry.CheckDependencies(d); err != nil {
		return plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin, err)
	}
	return nil
}

// attempt instantiates and starts d. A failed attempt leaves nothing
// behind so the next one starts from a clean slate.
func (h *Host) attempt(ctx context.Context, d *plugin.PluginDescriptor) (*plugin.PluginInfo, error) {
	inst, err := h.loader.Load(ctx, d)
	if err != nil {
		return nil, plugin.NewError(plugin.KindLoad, d.ID, OpLoadPlugin, security.ScrubError(err))
	}
	if err := h.lifecycle.Register(d.ID); err != nil {
		return nil, plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin, err)
	}
	h.registry.RegisterDescriptor(d)

	started, err := h.activate(ctx, d, inst)
	if err != nil {
		h.abort(ctx, d, inst, started, err)
		return nil, err
	}

	info := &plugin.PluginInfo{
		Descriptor: d,
		Instance:   inst,
		StartedAt:  time.Now(),
	}
	if info.Services, err = h.registerServices(d.ID, inst); err != nil {
		err = plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin, err)
		h.abort(ctx, d, inst, true, err)
		return nil, err
	}
	if err := h.registry.Add(info); err != nil {
		h.removeServices(d.ID)
		h.abort(ctx, d, inst, true, err)
		return nil, plugin.NewError(plugin.KindConfiguration, d.ID, OpLoadPlugin, err)
	}

	d.SetState(plugin.StateLoaded)
	h.health.Register(resilience.PluginCheckPrefix+d.ID, h.pluginCheck(d.ID, inst))
	return info, nil
}

// activate drives inst through Init and Start. started reports whether
// Start ran successfully.
func (h *Host) activate(ctx context.Context, d *plugin.PluginDescriptor, inst plugin.Plugin) (started bool, err error) {
	id := d.ID
	pctx := &plugin.Context{
		Descriptor: d,
		Logger:     h.pluginLogger(id),
		FileSystem: security.NewSecureFileSystem(h.gateway, id, filepath.Dir(d.ManifestPath)),
		HTTPClient: func() *http.Client { return h.clients.Client(id) },
		Resources:  h.lifecycle.Resources(id),
		Config:     h.configFor(id),
	}

	if err := h.lifecycle.OnInitializing(ctx, id); err != nil {
		return false, plugin.NewError(plugin.KindInitialization, id, "Init", err)
	}
	if err := h.invoke(ctx, d, "Init", plugin.KindInitialization, func(ctx context.Context) error {
		return inst.Init(ctx, pctx)
	}); err != nil {
		return false, err
	}
	if err := h.lifecycle.OnInitialized(ctx, id); err != nil {
		return false, plugin.NewError(plugin.KindInitialization, id, "Init", err)
	}

	if err := h.lifecycle.OnStarting(ctx, id); err != nil {
		return false, plugin.NewError(plugin.KindStart, id, "Start", err)
	}
	if err := h.invoke(ctx, d, "Start", plugin.KindStart, inst.Start); err != nil {
		return false, err
	}
	if err := h.lifecycle.OnStarted(ctx, id); err != nil {
		return true, plugin.NewError(plugin.KindStart, id, "Start", err)
	}
	return true, nil
}

// invoke runs one plugin entry point in the in-process sandbox. Errors
// keep the kind the sandbox or plugin assigned and fall back to kind.
func (h *Host) invoke(ctx context.Context, d *plugin.PluginDescriptor, op string, kind plugin.ErrorKind,
	fn func(ctx context.Context) error,
) error {
	err := h.runner.Execute(ctx, security.Action{Name: op, Func: fn}, d.Permissions)
	if err == nil {
		return nil
	}
	var pe *plugin.Error
	switch {
	case errors.As(err, &pe):
		kind = pe.Kind
	case errors.Is(err, context.DeadlineExceeded):
		kind = plugin.KindTimeout
	}
	return plugin.NewError(kind, d.ID, op, err)
}

// abort tears down a partially activated plugin after cause.
func (h *Host) abort(ctx context.Context, d *plugin.PluginDescriptor, inst plugin.Plugin, started bool, cause error) {
	id := d.ID
	_ = h.lifecycle.OnError(ctx, id, cause)

	if started {
		if err := h.lifecycle.OnStopping(ctx, id); err == nil {
			if err := h.invoke(ctx, d, "Stop", plugin.KindUnload, inst.Stop); err != nil {
				h.logger.Warn("Failed to stop plugin after failed load", "plugin", id, "error", err)
			}
			if err := h.lifecycle.OnStopped(ctx, id); err != nil {
				h.logger.Warn("Failed to release plugin resources", "plugin", id, "error", err)
			}
		}
	}

	if err := h.lifecycle.OnDisposing(ctx, id); err != nil {
		_ = h.lifecycle.Forget(ctx, id)
	} else if err := h.lifecycle.OnDisposed(ctx, id); err != nil {
		h.logger.Warn("Failed to release plugin resources", "plugin", id, "error", err)
	}
	h.registry.UnregisterDescriptor(id)
	d.SetState(plugin.StateFailed)
}

func (h *Host) pluginLogger(id string) logging.Logger {
	return logging.With(h.logger, "plugin", id)
}

func (h *Host) configFor(id string) map[string]interface{} {
	if h.pluginConfig == nil {
		return map[string]interface{}{}
	}
	cfg := h.pluginConfig(id)
	if cfg == nil {
		return map[string]interface{}{}
	}
	return cfg
}

// withPluginID fills in the plugin id on errors raised before it was known.
func withPluginID(err error, id string) error {
	var pe *plugin.Error
	if errors.As(err, &pe) && pe.PluginID == "" {
		pe.PluginID = id
	}
	return err
}

func pluginIDOf(err error) string {
	var pe *plugin.Error
	if errors.As(err, &pe) {
		return pe.PluginID
	}
	return ""
}

func endSpan(span trace.Span, err error) error {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("addin.error_kind", plugin.KindOf(err).String()))
	}
	return err
}
