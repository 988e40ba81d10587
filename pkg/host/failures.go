package host

import (
	"sort"
	"time"

	"addinhost/pkg/plugin"
)

// FailureSummary is what the host reports about one failed operation.
type FailureSummary struct {
	PluginID string           `json:"plugin" yaml:"plugin"`
	Kind     plugin.ErrorKind `json:"-" yaml:"-"`
	KindName string           `json:"kind" yaml:"kind"`
	Message  string           `json:"message" yaml:"message"`
	Time     time.Time        `json:"time" yaml:"time"`
}

func (h *Host) recordFailure(pluginID string, err error) {
	kind := plugin.KindOf(err)
	summary := FailureSummary{
		PluginID: pluginID,
		Kind:     kind,
		KindName: kind.String(),
		Message:  err.Error(),
		Time:     time.Now(),
	}

	critical := pluginID != "" && plugin.IsCritical(err)
	h.mu.Lock()
	h.failures = append(h.failures, summary)
	if len(h.failures) > failureLimit {
		h.failures = h.failures[len(h.failures)-failureLimit:]
	}
	if critical {
		h.blocked[pluginID] = summary
	}
	h.mu.Unlock()

	if critical {
		h.logger.Error("Plugin blocked after critical failure", "plugin", pluginID, "kind", kind.String(), "error", err)
		return
	}
	h.logger.Warn("Plugin operation failed", "plugin", pluginID, "kind", kind.String(), "error", err)
}

// Failures returns recorded failures, oldest first.
func (h *Host) Failures() []FailureSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]FailureSummary(nil), h.failures...)
}

func (h *Host) blockedFor(id string) (FailureSummary, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.blocked[id]
	return s, ok
}

// Block keeps id from loading until Unblock.
func (h *Host) Block(id, reason string) {
	h.mu.Lock()
	h.blocked[id] = FailureSummary{
		PluginID: id,
		Kind:     plugin.KindSecurityViolation,
		KindName: plugin.KindSecurityViolation.String(),
		Message:  reason,
		Time:     time.Now(),
	}
	h.mu.Unlock()
	h.logger.Warn("Plugin blocked", "plugin", id, "reason", reason)
}

// Unblock reports whether id was blocked.
func (h *Host) Unblock(id string) bool {
	h.mu.Lock()
	_, ok := h.blocked[id]
	delete(h.blocked, id)
	h.mu.Unlock()
	if ok {
		h.logger.Info("Plugin unblocked", "plugin", id)
	}
	return ok
}

func (h *Host) Blocked() []FailureSummary {
	h.mu.RLock()
	out := make([]FailureSummary, 0, len(h.blocked))
	for _, s := range h.blocked {
		out = append(out, s)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].PluginID < out[j].PluginID })
	return out
}

// ToolEntry is one palette item contributed by a loaded plugin.
type ToolEntry struct {
	Category    string `json:"category" yaml:"category"`
	Name        string `json:"name" yaml:"name"`
	Icon        string `json:"icon,omitempty" yaml:"icon,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	NodeType    string `json:"nodeType" yaml:"nodeType"`
	PluginID    string `json:"plugin" yaml:"plugin"`
}

const defaultCategory = "General"

// Toolbox lists the nodes of every loaded plugin sorted by category then
// name.
func (h *Host) Toolbox() []ToolEntry {
	var out []ToolEntry
	for _, info := range h.registry.Loaded() {
		for _, n := range info.Descriptor.Nodes {
			category := n.Category
			if category == "" {
				category = defaultCategory
			}
			out = append(out, ToolEntry{
				Category:    category,
				Name:        n.Name,
				Icon:        n.IconCode,
				Description: n.Description,
				NodeType:    n.TypeName,
				PluginID:    info.Descriptor.ID,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Category != out[j].Category {
			return out[i].Category < out[j].Category
		}
		return out[i].Name < out[j].Name
	})
	return out
}
