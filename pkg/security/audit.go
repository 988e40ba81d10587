package security

import (
	"sync"
	"time"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"

	"github.com/google/uuid"
)

type AuditEntry struct {
	ID         string            `json:"id"`
	PluginID   string            `json:"pluginId"`
	Permission plugin.Permission `json:"permission"`
	Action     string            `json:"action"`
	// Target is already sanitized.
	Target    string    `json:"target"`
	Allowed   bool      `json:"allowed"`
	Timestamp time.Time `json:"timestamp"`
}

const DefaultAuditSize = 1024

// AuditLog keeps the most recent entries in a ring and mirrors each one to
// the logger.
type AuditLog struct {
	mu      sync.RWMutex
	entries []AuditEntry
	next    int
	full    bool
	logger  logging.Logger
}

func NewAuditLog(size int, logger logging.Logger) *AuditLog {
	if size <= 0 {
		size = DefaultAuditSize
	}
	return &AuditLog{
		entries: make([]AuditEntry, size),
		logger:  logging.OrNop(logger),
	}
}

func (a *AuditLog) Record(entry AuditEntry) AuditEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	a.mu.Lock()
	a.entries[a.next] = entry
	a.next = (a.next + 1) % len(a.entries)
	if a.next == 0 {
		a.full = true
	}
	a.mu.Unlock()

	args := []interface{}{
		"audit_id", entry.ID,
		"plugin", entry.PluginID,
		"permission", entry.Permission.String(),
		"action", entry.Action,
		"target", entry.Target,
	}
	if entry.Allowed {
		a.logger.Info("access granted", args...)
	} else {
		a.logger.Warn("access denied", args...)
	}
	return entry
}

// Entries returns the retained entries, oldest first.
func (a *AuditLog) Entries() []AuditEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if !a.full {
		out := make([]AuditEntry, a.next)
		copy(out, a.entries[:a.next])
		return out
	}
	out := make([]AuditEntry, 0, len(a.entries))
	out = append(out, a.entries[a.next:]...)
	return append(out, a.entries[:a.next]...)
}

func (a *AuditLog) ForPlugin(id string) []AuditEntry {
	var out []AuditEntry
	for _, e := range a.Entries() {
		if e.PluginID == id {
			out = append(out, e)
		}
	}
	return out
}
