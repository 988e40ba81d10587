package security

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"addinhost/pkg/logging"
	"addinhost/pkg/plugin"
)

// DescriptorSource looks up the declared permissions of a plugin.
type DescriptorSource interface {
	Descriptor(id string) (*plugin.PluginDescriptor, bool)
}

// Policy narrows what a permission grants. Empty lists place no extra
// restriction.
type Policy struct {
	AllowedPaths []string `mapstructure:"allowed_paths"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

// Gateway is the only mediator between plugin code and host resources.
type Gateway struct {
	source  DescriptorSource
	audit   *AuditLog
	sandbox Sandbox
	logger  logging.Logger

	mu            sync.RWMutex
	policies      map[string]Policy
	defaultPolicy Policy
}

func NewGateway(source DescriptorSource, audit *AuditLog, sandbox Sandbox, logger logging.Logger) *Gateway {
	logger = logging.OrNop(logger)
	if audit == nil {
		audit = NewAuditLog(DefaultAuditSize, logger)
	}
	if sandbox == nil {
		sandbox = NewInProcessSandbox(DefaultLimits())
	}
	return &Gateway{
		source:   source,
		audit:    audit,
		sandbox:  sandbox,
		logger:   logger,
		policies: make(map[string]Policy),
	}
}

func (g *Gateway) Audit() *AuditLog { return g.audit }

func (g *Gateway) Sandbox() Sandbox { return g.sandbox }

func validatePolicy(p Policy) error {
	for _, path := range p.AllowedPaths {
		if !filepath.IsAbs(path) {
			return plugin.NewError(plugin.KindConfiguration, "", "SetPolicy",
				fmt.Errorf("allowed path must be absolute: %s", path))
		}
	}
	return nil
}

func (g *Gateway) SetPolicy(pluginID string, p Policy) error {
	if pluginID == "" {
		return plugin.NewError(plugin.KindConfiguration, "", "SetPolicy", fmt.Errorf("plugin ID is required"))
	}
	if err := validatePolicy(p); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[pluginID] = p
	return nil
}

// SetDefaultPolicy applies to plugins without a policy of their own.
func (g *Gateway) SetDefaultPolicy(p Policy) error {
	if err := validatePolicy(p); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.defaultPolicy = p
	return nil
}

func (g *Gateway) Policy(pluginID string) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[pluginID]; ok {
		return p
	}
	return g.defaultPolicy
}

// Permissions returns the declared permission set of pluginID.
func (g *Gateway) Permissions(pluginID string) (plugin.Permission, bool) {
	d, ok := g.source.Descriptor(pluginID)
	if !ok {
		return plugin.PermissionNone, false
	}
	return d.Permissions, true
}

// Check fails with a SecurityViolation when the plugin is unknown or lacks
// any bit of perm.
func (g *Gateway) Check(pluginID string, perm plugin.Permission) error {
	granted, ok := g.Permissions(pluginID)
	if !ok {
		return plugin.NewError(plugin.KindSecurityViolation, pluginID, "Check", plugin.ErrPluginNotFound)
	}
	if missing := granted.Missing(perm); missing != plugin.PermissionNone {
		return plugin.NewError(plugin.KindSecurityViolation, pluginID, "Check",
			fmt.Errorf("missing permission %s", missing))
	}
	return nil
}

func (g *Gateway) record(pluginID string, perm plugin.Permission, action, target string, err error) error {
	g.audit.Record(AuditEntry{
		PluginID:   pluginID,
		Permission: perm,
		Action:     action,
		Target:     SanitizePath(target),
		Allowed:    err == nil,
	})
	return ScrubError(err)
}

// CheckFileSystem checks the FileSystem permission and confines path to
// the plugin's allowed roots.
func (g *Gateway) CheckFileSystem(pluginID, path, action string) error {
	err := g.Check(pluginID, plugin.PermissionFileSystem)
	if err == nil {
		if roots := g.Policy(pluginID).AllowedPaths; len(roots) > 0 && !isPathAllowed(path, roots) {
			err = plugin.NewError(plugin.KindSecurityViolation, pluginID, "CheckFileSystem",
				fmt.Errorf("path outside allowed roots: %s", path))
		}
	}
	return g.record(pluginID, plugin.PermissionFileSystem, "fs."+action, path, err)
}

func (g *Gateway) CheckNetwork(pluginID, host string) error {
	err := g.Check(pluginID, plugin.PermissionNetwork)
	if err == nil {
		if hosts := g.Policy(pluginID).AllowedHosts; len(hosts) > 0 && !isHostAllowed(host, hosts) {
			err = plugin.NewError(plugin.KindSecurityViolation, pluginID, "CheckNetwork",
				fmt.Errorf("host not allowed: %s", host))
		}
	}
	return g.record(pluginID, plugin.PermissionNetwork, "net.connect", host, err)
}

func (g *Gateway) CheckReflection(pluginID, target string) error {
	err := g.Check(pluginID, plugin.PermissionReflection)
	return g.record(pluginID, plugin.PermissionReflection, "reflect", target, err)
}

// isPathAllowed reports whether path, with symlinks resolved, lies under
// one of allowedPaths.
func isPathAllowed(path string, allowedPaths []string) bool {
	realTarget, err := realPath(path)
	if err != nil {
		return false
	}

	for _, allowedPath := range allowedPaths {
		realRoot, err := realPath(allowedPath)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(realRoot, realTarget)
		if err != nil {
			continue
		}
		if rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// realPath resolves symlinks in path. A path that does not exist yet
// resolves through its nearest existing parent.
func realPath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	cur, rest := abs, ""
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(resolved, rest), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
		// dangling symlink
		if _, lerr := os.Lstat(cur); lerr == nil {
			return "", err
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return abs, nil
		}
		rest = filepath.Join(filepath.Base(cur), rest)
		cur = parent
	}
}

// isHostAllowed matches host (with or without port) against exact names
// and "*.suffix" wildcards.
func isHostAllowed(host string, allowed []string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(a)
		if a == host {
			return true
		}
		if strings.HasPrefix(a, "*.") && strings.HasSuffix(host, a[1:]) {
			return true
		}
	}
	return false
}
