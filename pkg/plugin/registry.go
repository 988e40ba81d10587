package plugin

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"addinhost/pkg/logging"
)

// PluginInfo holds information about a loaded plugin
type PluginInfo struct {
	Descriptor *PluginDescriptor
	Instance   Plugin
	LoadedAt   time.Time
	StartedAt  time.Time
	Services   []string
}

// PluginRegistry tracks the selected descriptor per id and the plugins
// currently loaded.
type PluginRegistry struct {
	mu          sync.RWMutex
	descriptors map[string]*PluginDescriptor
	plugins     map[string]*PluginInfo
	loadOrder   []string
	logger      logging.Logger
}

// NewPluginRegistry creates a new plugin registry
func NewPluginRegistry(logger logging.Logger) *PluginRegistry {
	return &PluginRegistry{
		descriptors: make(map[string]*PluginDescriptor),
		plugins:     make(map[string]*PluginInfo),
		logger:      logging.OrNop(logger),
	}
}

// RegisterDescriptor records d as the selected descriptor for its id,
// replacing any earlier one.
func (r *PluginRegistry) RegisterDescriptor(d *PluginDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.descriptors[d.ID]; ok && prev != d {
		r.logger.Debug("descriptor replaced", "plugin", d.ID,
			"old_version", prev.VersionString(), "new_version", d.VersionString())
	}
	r.descriptors[d.ID] = d
}

func (r *PluginRegistry) UnregisterDescriptor(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, loaded := r.plugins[id]; loaded {
		return
	}
	delete(r.descriptors, id)
}

func (r *PluginRegistry) Descriptor(id string) (*PluginDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[id]
	return d, ok
}

func (r *PluginRegistry) Descriptors() []*PluginDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PluginDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *PluginRegistry) Add(info *PluginInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := info.Descriptor.ID
	if _, exists := r.plugins[id]; exists {
		return fmt.Errorf("%w: %s", ErrPluginAlreadyLoaded, id)
	}
	if info.LoadedAt.IsZero() {
		info.LoadedAt = time.Now()
	}

	r.plugins[id] = info
	r.descriptors[id] = info.Descriptor
	r.loadOrder = append(r.loadOrder, id)

	r.logger.Info("Plugin registered", "plugin_id", id, "name", info.Descriptor.Name)
	return nil
}

func (r *PluginRegistry) Remove(id string) (*PluginInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, exists := r.plugins[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	delete(r.plugins, id)
	for i, loaded := range r.loadOrder {
		if loaded == id {
			r.loadOrder = append(r.loadOrder[:i], r.loadOrder[i+1:]...)
			break
		}
	}
	return info, nil
}

func (r *PluginRegistry) Get(id string) (*PluginInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, exists := r.plugins[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}
	return info, nil
}

func (r *PluginRegistry) IsLoaded(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.plugins[id]
	return ok
}

// Loaded returns loaded plugins in the order they were added.
func (r *PluginRegistry) Loaded() []*PluginInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*PluginInfo, 0, len(r.loadOrder))
	for _, id := range r.loadOrder {
		out = append(out, r.plugins[id])
	}
	return out
}

// Dependents returns the loaded plugins that require id.
func (r *PluginRegistry) Dependents(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []string
	for pid, info := range r.plugins {
		if dep, ok := info.Descriptor.Dependency(id); ok && !dep.Optional {
			out = append(out, pid)
		}
	}
	sort.Strings(out)
	return out
}

// CheckDependencies verifies every required dependency of d is loaded at a
// version inside the declared range.
func (r *PluginRegistry) CheckDependencies(d *PluginDescriptor) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var missing []string
	for _, dep := range d.Dependencies {
		if dep.Optional {
			continue
		}
		info, ok := r.plugins[dep.PluginID]
		if !ok {
			missing = append(missing, dep.PluginID)
			continue
		}
		if !dep.Range.IsInRange(info.Descriptor.Version) {
			missing = append(missing, fmt.Sprintf("%s %s (loaded %s)",
				dep.PluginID, dep.Range, info.Descriptor.VersionString()))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrDependencyMissing, missing)
	}
	return nil
}
