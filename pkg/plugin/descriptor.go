package plugin

import (
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
)

type PluginState int32

const (
	StateDiscovered PluginState = iota
	StateValidated
	StateResolved
	StateLoaded
	StateFailed
)

func (s PluginState) String() string {
	if s < StateDiscovered || s > StateFailed {
		return "Unknown"
	}
	return [...]string{
		"Discovered",
		"Validated",
		"Resolved",
		"Loaded",
		"Failed",
	}[s]
}

type DependencyInfo struct {
	PluginID string
	Range    VersionRange
	Optional bool
}

type ExtensionPoint struct {
	Path string
}

type Extension struct {
	Path       string
	TypeName   string
	Properties map[string]string
}

// NodeInfo describes a tool a plugin contributes to the palette.
type NodeInfo struct {
	Name        string
	TypeName    string
	IconCode    string
	Description string
	Category    string
}

// PluginDescriptor is the static description of a plugin. Once frozen by
// dependency resolution only its state may change.
type PluginDescriptor struct {
	ID           string
	Name         string
	Version      *semver.Version
	Description  string
	Author       string
	Dependencies []DependencyInfo
	Permissions  Permission

	AssemblyPath string
	TypeName     string
	IconPath     string
	ManifestPath string
	Signature    string

	ExtensionPoints []ExtensionPoint
	Extensions      []Extension
	Nodes           []NodeInfo

	state  atomic.Int32
	frozen atomic.Bool
}

func (d *PluginDescriptor) State() PluginState {
	return PluginState(d.state.Load())
}

func (d *PluginDescriptor) SetState(s PluginState) {
	d.state.Store(int32(s))
}

func (d *PluginDescriptor) Freeze() {
	d.frozen.Store(true)
}

func (d *PluginDescriptor) Frozen() bool {
	return d.frozen.Load()
}

// Amend applies fn unless the descriptor is frozen.
func (d *PluginDescriptor) Amend(fn func(*PluginDescriptor)) error {
	if d.frozen.Load() {
		return ErrDescriptorFrozen
	}
	fn(d)
	return nil
}

func (d *PluginDescriptor) VersionString() string {
	if d.Version == nil {
		return ""
	}
	return d.Version.String()
}

// Dependency returns the declared dependency on id, if any.
func (d *PluginDescriptor) Dependency(id string) (DependencyInfo, bool) {
	for _, dep := range d.Dependencies {
		if dep.PluginID == id {
			return dep, true
		}
	}
	return DependencyInfo{}, false
}

// Clone returns an unfrozen deep copy in the Discovered state.
func (d *PluginDescriptor) Clone() *PluginDescriptor {
	c := &PluginDescriptor{
		ID:           d.ID,
		Name:         d.Name,
		Version:      d.Version,
		Description:  d.Description,
		Author:       d.Author,
		Permissions:  d.Permissions,
		AssemblyPath: d.AssemblyPath,
		TypeName:     d.TypeName,
		IconPath:     d.IconPath,
		ManifestPath: d.ManifestPath,
		Signature:    d.Signature,
	}
	c.Dependencies = append([]DependencyInfo(nil), d.Dependencies...)
	c.ExtensionPoints = append([]ExtensionPoint(nil), d.ExtensionPoints...)
	c.Nodes = append([]NodeInfo(nil), d.Nodes...)
	for _, ext := range d.Extensions {
		props := make(map[string]string, len(ext.Properties))
		for k, v := range ext.Properties {
			props[k] = v
		}
		c.Extensions = append(c.Extensions, Extension{Path: ext.Path, TypeName: ext.TypeName, Properties: props})
	}
	return c
}
