package plugin

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	goplugin "plugin"
	"sort"
	"sync"
)

// ModuleLoader turns a descriptor into a plugin instance.
type ModuleLoader interface {
	CanLoad(d *PluginDescriptor) bool
	Load(ctx context.Context, d *PluginDescriptor) (Plugin, error)
}

type Factory func(d *PluginDescriptor) (Plugin, error)

// FactoryRegistry is the explicit registration table of plugin types
// compiled into the host, keyed by the manifest's runtime type name.
type FactoryRegistry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewFactoryRegistry() *FactoryRegistry {
	return &FactoryRegistry{factories: make(map[string]Factory)}
}

func (f *FactoryRegistry) Register(typeName string, factory Factory) error {
	if typeName == "" || factory == nil {
		return errors.New("factory registration requires a type name and a factory")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if _, exists := f.factories[typeName]; exists {
		return fmt.Errorf("factory already registered for type %s", typeName)
	}
	f.factories[typeName] = factory
	return nil
}

// MustRegister is Register for startup code.
func (f *FactoryRegistry) MustRegister(typeName string, factory Factory) {
	if err := f.Register(typeName, factory); err != nil {
		panic(err)
	}
}

func (f *FactoryRegistry) Types() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]string, 0, len(f.factories))
	for t := range f.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *FactoryRegistry) CanLoad(d *PluginDescriptor) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	_, ok := f.factories[d.TypeName]
	return ok
}

func (f *FactoryRegistry) Load(ctx context.Context, d *PluginDescriptor) (Plugin, error) {
	f.mu.RLock()
	factory, ok := f.factories[d.TypeName]
	f.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no factory registered for type %s", d.TypeName)
	}
	p, err := factory(d)
	if err != nil {
		return nil, fmt.Errorf("factory for %s failed: %w", d.TypeName, err)
	}
	if p == nil {
		return nil, fmt.Errorf("factory for %s returned nil", d.TypeName)
	}
	return p, nil
}

// SharedObjectLoader opens Go plugin modules (.so) and looks up their entry
// symbol.
type SharedObjectLoader struct {
	EntryPoints []string
}

func NewSharedObjectLoader() *SharedObjectLoader {
	return &SharedObjectLoader{EntryPoints: []string{"Plugin", "NewPlugin"}}
}

func (l *SharedObjectLoader) CanLoad(d *PluginDescriptor) bool {
	return filepath.Ext(d.AssemblyPath) == ".so"
}

func (l *SharedObjectLoader) Load(ctx context.Context, d *PluginDescriptor) (Plugin, error) {
	if _, err := os.Stat(d.AssemblyPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("plugin file not found: %s", filepath.Base(d.AssemblyPath))
	}

	p, err := goplugin.Open(d.AssemblyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open plugin: %w", err)
	}

	entryPoints := l.EntryPoints
	if d.TypeName != "" {
		entryPoints = append([]string{d.TypeName}, entryPoints...)
	}

	var symbol goplugin.Symbol
	for _, name := range entryPoints {
		symbol, err = p.Lookup(name)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plugin symbol: %w", err)
	}

	return instantiate(symbol, d)
}

func instantiate(symbol interface{}, d *PluginDescriptor) (Plugin, error) {
	switch s := symbol.(type) {
	case *Plugin:
		return *s, nil
	case Plugin:
		return s, nil
	case func() Plugin:
		return s(), nil
	case func() (Plugin, error):
		p, err := s()
		if err != nil {
			return nil, fmt.Errorf("plugin constructor failed: %w", err)
		}
		return p, nil
	case func(*PluginDescriptor) (Plugin, error):
		p, err := s(d)
		if err != nil {
			return nil, fmt.Errorf("plugin constructor failed: %w", err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unexpected plugin symbol type: %T", symbol)
	}
}

// ChainLoader delegates to the first loader able to handle a descriptor.
type ChainLoader []ModuleLoader

func (c ChainLoader) CanLoad(d *PluginDescriptor) bool {
	for _, l := range c {
		if l.CanLoad(d) {
			return true
		}
	}
	return false
}

func (c ChainLoader) Load(ctx context.Context, d *PluginDescriptor) (Plugin, error) {
	for _, l := range c {
		if l.CanLoad(d) {
			return l.Load(ctx, d)
		}
	}
	return nil, fmt.Errorf("no loader can handle type %q from %s", d.TypeName, filepath.Base(d.AssemblyPath))
}
