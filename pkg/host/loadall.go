package host

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"time"

	"addinhost/pkg/plugin"
	"addinhost/pkg/plugin/dependency"
	"addinhost/pkg/security"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// LoadReport summarizes one LoadAll pass.
type LoadReport struct {
	Order       []string                `json:"order" yaml:"order"`
	Loaded      []string                `json:"loaded" yaml:"loaded"`
	Skipped     []string                `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Failed      map[string]string       `json:"failed,omitempty" yaml:"failed,omitempty"`
	Excluded    map[string]string       `json:"excluded,omitempty" yaml:"excluded,omitempty"`
	Cycle       []string                `json:"cycle,omitempty" yaml:"cycle,omitempty"`
	Diagnostics []dependency.Diagnostic `json:"diagnostics,omitempty" yaml:"diagnostics,omitempty"`
	RootErrors  map[string]string       `json:"rootErrors,omitempty" yaml:"rootErrors,omitempty"`
	Duration    time.Duration           `json:"duration" yaml:"duration"`
}

// Plan discovers every root and resolves the combined descriptor set.
// Unreadable roots are reported in the returned map.
func (h *Host) Plan(ctx context.Context, roots ...string) (*dependency.Resolution, map[string]string, error) {
	if len(roots) == 0 {
		roots = h.cfg.Plugins.Roots
	}
	rootErrors := make(map[string]string)
	var descs []*plugin.PluginDescriptor
	for _, root := range roots {
		found, err := h.discovery.Discover(ctx, root)
		if err != nil {
			if ctx.Err() != nil {
				return nil, nil, ctx.Err()
			}
			rootErrors[root] = security.ScrubError(err).Error()
			h.logger.Warn("Failed to discover plugins", "root", root, "error", err)
			continue
		}
		descs = append(descs, found...)
	}

	res, err := h.resolver.Resolve(descs, h.resolveOpts)
	if err != nil {
		return nil, rootErrors, err
	}
	return res, rootErrors, nil
}

// LoadAll discovers, resolves and loads every plugin below roots (the
// configured roots when none are given) in dependency order. A plugin that
// fails to resolve or load does not stop unrelated plugins.
func (h *Host) LoadAll(ctx context.Context, roots ...string) (*LoadReport, error) {
	ctx, span := h.tracer.Start(ctx, "LoadAll")
	defer span.End()
	start := time.Now()

	res, rootErrors, err := h.Plan(ctx, roots...)
	if err != nil {
		return nil, endSpan(span, err)
	}

	report := &LoadReport{
		Order:       res.Order,
		Failed:      make(map[string]string),
		Excluded:    res.Excluded,
		Cycle:       res.Cycle,
		Diagnostics: res.Diagnostics,
		RootErrors:  rootErrors,
	}

	excluded := make([]string, 0, len(res.Excluded))
	for id := range res.Excluded {
		excluded = append(excluded, id)
	}
	sort.Strings(excluded)
	for _, id := range excluded {
		h.recordFailure(id, plugin.NewError(plugin.KindConfiguration, id, "Resolve", errors.New(res.Excluded[id])))
	}

	for _, d := range res.Descriptors() {
		if err := ctx.Err(); err != nil {
			return report, endSpan(span, err)
		}
		if h.registry.IsLoaded(d.ID) {
			report.Skipped = append(report.Skipped, d.ID)
			continue
		}

		lctx, lspan := h.tracer.Start(ctx, OpLoadPlugin,
			trace.WithAttributes(attribute.String("addin.manifest", filepath.Base(d.ManifestPath))))
		_, err := h.load(lctx, d)
		endSpan(lspan, err)
		lspan.End()

		if err != nil {
			report.Failed[d.ID] = err.Error()
			continue
		}
		report.Loaded = append(report.Loaded, d.ID)
	}

	report.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("addin.loaded", len(report.Loaded)),
		attribute.Int("addin.failed", len(report.Failed)),
		attribute.Int("addin.excluded", len(report.Excluded)))
	h.logger.Info("Plugins loaded", "loaded", len(report.Loaded), "failed", len(report.Failed),
		"excluded", len(report.Excluded), "duration", report.Duration)
	return report, nil
}
