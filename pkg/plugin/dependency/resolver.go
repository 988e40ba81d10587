package dependency

import (
	"fmt"
	"sort"
	"strings"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"github.com/Masterminds/semver/v3"
)

// Strategy picks one descriptor when several versions share an id.
type Strategy int

const (
	HighestVersion Strategy = iota
	LowestVersion
	MostDependents
	Explicit
)

func (s Strategy) String() string {
	if s < HighestVersion || s > Explicit {
		return "Unknown"
	}
	return [...]string{"HighestVersion", "LowestVersion", "MostDependents", "Explicit"}[s]
}

func ParseStrategy(s string) (Strategy, error) {
	for _, st := range []Strategy{HighestVersion, LowestVersion, MostDependents, Explicit} {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return HighestVersion, fmt.Errorf("unknown conflict strategy %q", s)
}

type Options struct {
	Strategy Strategy
	// Explicit maps plugin id to the version to select under Explicit.
	Explicit map[string]string
	// CountTransitive makes MostDependents also count plugins that reach
	// the id through other dependents.
	CountTransitive bool
}

type DiagnosticKind int

const (
	IncompatibleVersion DiagnosticKind = iota
	MissingDependency
	CircularDependency
	VersionConflict
	ExcludedDependency
)

func (k DiagnosticKind) String() string {
	if k < IncompatibleVersion || k > ExcludedDependency {
		return "Unknown"
	}
	return [...]string{
		"IncompatibleVersion",
		"MissingDependency",
		"CircularDependency",
		"VersionConflict",
		"ExcludedDependency",
	}[k]
}

type Diagnostic struct {
	Kind       DiagnosticKind
	PluginID   string
	Dependency string
	Required   string
	Found      string
	Optional   bool
	Message    string
}

// Fatal reports whether the diagnostic kept its plugin out of the load plan.
func (d Diagnostic) Fatal() bool {
	switch d.Kind {
	case VersionConflict:
		return false
	case IncompatibleVersion, MissingDependency:
		return !d.Optional
	}
	return true
}

type Resolution struct {
	// Order lists loadable plugins, dependencies first.
	Order       []string
	Selected    map[string]*plugin.PluginDescriptor
	HasCycle    bool
	Cycle       []string
	Diagnostics []Diagnostic
	// Excluded maps plugin id to the reason it is not loadable.
	Excluded map[string]string
}

func (r *Resolution) Descriptors() []*plugin.PluginDescriptor {
	out := make([]*plugin.PluginDescriptor, 0, len(r.Order))
	for _, id := range r.Order {
		out = append(out, r.Selected[id])
	}
	return out
}

// ConflictError is returned under the Explicit strategy when no choice was
// supplied for an id with several candidates.
type ConflictError struct {
	ID         string
	Candidates []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict for %s: no explicit choice among %s",
		e.ID, strings.Join(e.Candidates, ", "))
}

type Resolver struct {
	logger logging.Logger
}

func NewResolver(logger logging.Logger) *Resolver {
	return &Resolver{logger: logging.OrNop(logger)}
}

// Resolve selects one descriptor per id, checks version compatibility,
// excludes plugins on cycles or with unsatisfiable requirements, and orders
// the rest. Selected loadable descriptors are frozen in the Resolved state;
// excluded ones are marked Failed.
func (r *Resolver) Resolve(descs []*plugin.PluginDescriptor, opts Options) (*Resolution, error) {
	res := &Resolution{
		Selected: make(map[string]*plugin.PluginDescriptor),
		Excluded: make(map[string]string),
	}

	groups := make(map[string][]*plugin.PluginDescriptor)
	for _, d := range descs {
		groups[d.ID] = append(groups[d.ID], d)
	}
	ids := make([]string, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		candidates := groups[id]
		chosen, err := r.selectCandidate(id, candidates, descs, opts)
		if err != nil {
			return nil, err
		}
		res.Selected[id] = chosen
		if len(candidates) > 1 {
			res.Diagnostics = append(res.Diagnostics, Diagnostic{
				Kind:     VersionConflict,
				PluginID: id,
				Found:    chosen.VersionString(),
				Message: fmt.Sprintf("selected %s of %s using %s",
					chosen.VersionString(), strings.Join(versions(candidates), ", "), opts.Strategy),
			})
		}
	}

	r.checkCompatibility(res, ids)
	r.excludeCycles(res, ids)
	r.propagateExclusions(res, ids)

	var loadable []*plugin.PluginDescriptor
	for _, id := range ids {
		if _, excluded := res.Excluded[id]; !excluded {
			loadable = append(loadable, res.Selected[id])
		}
	}

	order, err := BuildGraph(loadable).TopologicalOrder()
	if err != nil {
		return nil, err
	}
	res.Order = order

	for _, id := range ids {
		d := res.Selected[id]
		if _, excluded := res.Excluded[id]; excluded {
			d.SetState(plugin.StateFailed)
			continue
		}
		d.SetState(plugin.StateResolved)
		d.Freeze()
	}

	r.logger.Info("Dependencies resolved", "order", order,
		"excluded", len(res.Excluded), "strategy", opts.Strategy.String())
	return res, nil
}

func versions(descs []*plugin.PluginDescriptor) []string {
	out := make([]string, len(descs))
	for i, d := range descs {
		out[i] = d.VersionString()
	}
	sort.Strings(out)
	return out
}

func (r *Resolver) selectCandidate(id string, candidates, all []*plugin.PluginDescriptor, opts Options) (*plugin.PluginDescriptor, error) {
	if len(candidates) == 1 {
		return candidates[0], nil
	}

	switch opts.Strategy {
	case LowestVersion:
		return extreme(candidates, func(a, b *semver.Version) bool { return a.LessThan(b) }), nil
	case MostDependents:
		return r.byDependents(id, candidates, all, opts.CountTransitive), nil
	case Explicit:
		want, ok := opts.Explicit[id]
		if !ok {
			return nil, &ConflictError{ID: id, Candidates: versions(candidates)}
		}
		wantVersion, err := semver.NewVersion(want)
		if err != nil {
			return nil, fmt.Errorf("invalid explicit version %q for %s: %w", want, id, err)
		}
		for _, c := range candidates {
			if c.Version.Equal(wantVersion) {
				return c, nil
			}
		}
		return nil, &ConflictError{ID: id, Candidates: versions(candidates)}
	default:
		return extreme(candidates, func(a, b *semver.Version) bool { return a.GreaterThan(b) }), nil
	}
}

func extreme(candidates []*plugin.PluginDescriptor, better func(a, b *semver.Version) bool) *plugin.PluginDescriptor {
	best := candidates[0]
	for _, c := range candidates[1:] {
		if better(c.Version, best.Version) {
			best = c
		}
	}
	return best
}

func (r *Resolver) byDependents(id string, candidates, all []*plugin.PluginDescriptor, transitive bool) *plugin.PluginDescriptor {
	// reverse id-level dependency map across every candidate
	dependents := make(map[string]map[string]bool)
	for _, d := range all {
		for _, dep := range d.Dependencies {
			if dependents[dep.PluginID] == nil {
				dependents[dep.PluginID] = make(map[string]bool)
			}
			dependents[dep.PluginID][d.ID] = true
		}
	}

	var best *plugin.PluginDescriptor
	bestCount := -1
	for _, c := range candidates {
		direct := make(map[string]bool)
		for _, d := range all {
			if d.ID == id {
				continue
			}
			if dep, ok := d.Dependency(id); ok && dep.Range.IsInRange(c.Version) {
				direct[d.ID] = true
			}
		}

		counted := direct
		if transitive {
			counted = closure(direct, dependents, id)
		}

		n := len(counted)
		if n > bestCount || (n == bestCount && c.Version.GreaterThan(best.Version)) {
			best, bestCount = c, n
		}
	}
	return best
}

func closure(seed map[string]bool, dependents map[string]map[string]bool, exclude string) map[string]bool {
	out := make(map[string]bool, len(seed))
	stack := make([]string, 0, len(seed))
	for id := range seed {
		out[id] = true
		stack = append(stack, id)
	}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for parent := range dependents[cur] {
			if parent != exclude && !out[parent] {
				out[parent] = true
				stack = append(stack, parent)
			}
		}
	}
	return out
}

func (r *Resolver) checkCompatibility(res *Resolution, ids []string) {
	for _, id := range ids {
		d := res.Selected[id]
		for _, dep := range d.Dependencies {
			target, ok := res.Selected[dep.PluginID]
			if !ok {
				diag := Diagnostic{
					Kind:       MissingDependency,
					PluginID:   id,
					Dependency: dep.PluginID,
					Required:   dep.Range.String(),
					Optional:   dep.Optional,
					Message:    fmt.Sprintf("%s requires %s %s which was not found", id, dep.PluginID, dep.Range),
				}
				r.record(res, diag)
				continue
			}
			if dep.Range.IsInRange(target.Version) {
				continue
			}
			diag := Diagnostic{
				Kind:       IncompatibleVersion,
				PluginID:   id,
				Dependency: dep.PluginID,
				Required:   dep.Range.String(),
				Found:      target.VersionString(),
				Optional:   dep.Optional,
				Message: fmt.Sprintf("%s requires %s %s but %s is selected",
					id, dep.PluginID, dep.Range, target.VersionString()),
			}
			r.record(res, diag)
		}
	}
}

func (r *Resolver) record(res *Resolution, diag Diagnostic) {
	res.Diagnostics = append(res.Diagnostics, diag)
	if diag.Fatal() {
		if _, already := res.Excluded[diag.PluginID]; !already {
			res.Excluded[diag.PluginID] = diag.Message
		}
		r.logger.Warn("plugin excluded from load plan", "plugin", diag.PluginID,
			"reason", diag.Kind.String(), "dependency", diag.Dependency)
		return
	}
	r.logger.Debug("dependency diagnostic", "plugin", diag.PluginID,
		"kind", diag.Kind.String(), "dependency", diag.Dependency)
}

func (r *Resolver) excludeCycles(res *Resolution, ids []string) {
	remaining := make([]*plugin.PluginDescriptor, 0, len(ids))
	for _, id := range ids {
		remaining = append(remaining, res.Selected[id])
	}

	for {
		found, cycle := BuildGraph(remaining).DetectCycle()
		if !found {
			return
		}
		if !res.HasCycle {
			res.HasCycle = true
			res.Cycle = cycle
		}

		onCycle := make(map[string]bool, len(cycle))
		for _, id := range cycle {
			onCycle[id] = true
		}
		msg := (&CycleError{Cycle: cycle}).Error()
		for _, id := range cycle {
			r.record(res, Diagnostic{Kind: CircularDependency, PluginID: id, Message: msg})
		}

		next := remaining[:0]
		for _, d := range remaining {
			if !onCycle[d.ID] {
				next = append(next, d)
			}
		}
		remaining = next
	}
}

// propagateExclusions excludes every plugin that requires an excluded one.
func (r *Resolver) propagateExclusions(res *Resolution, ids []string) {
	for changed := true; changed; {
		changed = false
		for _, id := range ids {
			if _, excluded := res.Excluded[id]; excluded {
				continue
			}
			for _, dep := range res.Selected[id].Dependencies {
				if dep.Optional {
					continue
				}
				if _, excluded := res.Excluded[dep.PluginID]; excluded {
					r.record(res, Diagnostic{
						Kind:       ExcludedDependency,
						PluginID:   id,
						Dependency: dep.PluginID,
						Message:    fmt.Sprintf("%s requires excluded plugin %s", id, dep.PluginID),
					})
					changed = true
					break
				}
			}
		}
	}
}
