package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlugin struct{}

func (stubPlugin) Init(context.Context, *Context) error { return nil }
func (stubPlugin) Start(context.Context) error          { return nil }
func (stubPlugin) Stop(context.Context) error           { return nil }

func descriptor(id, version string, deps ...DependencyInfo) *PluginDescriptor {
	return &PluginDescriptor{ID: id, Name: id, Version: v(version), Dependencies: deps}
}

func TestPluginRegistry_AddRemove(t *testing.T) {
	r := NewPluginRegistry(nil)

	d := descriptor("a", "1.0")
	require.NoError(t, r.Add(&PluginInfo{Descriptor: d, Instance: stubPlugin{}}))
	assert.True(t, r.IsLoaded("a"))

	err := r.Add(&PluginInfo{Descriptor: d, Instance: stubPlugin{}})
	assert.True(t, errors.Is(err, ErrPluginAlreadyLoaded))

	got, ok := r.Descriptor("a")
	require.True(t, ok)
	assert.Same(t, d, got)

	info, err := r.Remove("a")
	require.NoError(t, err)
	assert.Same(t, d, info.Descriptor)
	assert.False(t, r.IsLoaded("a"))

	_, err = r.Remove("a")
	assert.True(t, errors.Is(err, ErrPluginNotFound))
}

func TestPluginRegistry_LoadOrderAndDependents(t *testing.T) {
	r := NewPluginRegistry(nil)

	require.NoError(t, r.Add(&PluginInfo{Descriptor: descriptor("base", "1.0"), Instance: stubPlugin{}}))
	require.NoError(t, r.Add(&PluginInfo{Descriptor: descriptor("ui", "1.0",
		DependencyInfo{PluginID: "base", Range: MustParseVersionRange("1.0+")}), Instance: stubPlugin{}}))
	require.NoError(t, r.Add(&PluginInfo{Descriptor: descriptor("extra", "1.0",
		DependencyInfo{PluginID: "base", Range: AnyVersion, Optional: true}), Instance: stubPlugin{}}))

	var order []string
	for _, info := range r.Loaded() {
		order = append(order, info.Descriptor.ID)
	}
	assert.Equal(t, []string{"base", "ui", "extra"}, order)
	assert.Equal(t, []string{"ui"}, r.Dependents("base"))
}

func TestPluginRegistry_CheckDependencies(t *testing.T) {
	r := NewPluginRegistry(nil)
	require.NoError(t, r.Add(&PluginInfo{Descriptor: descriptor("base", "1.5"), Instance: stubPlugin{}}))

	ok := descriptor("ui", "1.0", DependencyInfo{PluginID: "base", Range: MustParseVersionRange("[1.0,2.0)")})
	assert.NoError(t, r.CheckDependencies(ok))

	tooNew := descriptor("ui", "1.0", DependencyInfo{PluginID: "base", Range: MustParseVersionRange("2.0+")})
	assert.True(t, errors.Is(r.CheckDependencies(tooNew), ErrDependencyMissing))

	missing := descriptor("ui", "1.0", DependencyInfo{PluginID: "db", Range: AnyVersion})
	assert.True(t, errors.Is(r.CheckDependencies(missing), ErrDependencyMissing))

	optional := descriptor("ui", "1.0", DependencyInfo{PluginID: "db", Range: AnyVersion, Optional: true})
	assert.NoError(t, r.CheckDependencies(optional))
}

func TestDescriptor_FreezeAndClone(t *testing.T) {
	d := descriptor("a", "1.0")
	d.Extensions = []Extension{{Path: "/x", Properties: map[string]string{"k": "v"}}}

	require.NoError(t, d.Amend(func(d *PluginDescriptor) { d.Author = "me" }))
	d.Freeze()
	assert.ErrorIs(t, d.Amend(func(d *PluginDescriptor) { d.Author = "you" }), ErrDescriptorFrozen)
	assert.Equal(t, "me", d.Author)

	d.SetState(StateLoaded)
	assert.Equal(t, StateLoaded, d.State())

	c := d.Clone()
	assert.False(t, c.Frozen())
	assert.Equal(t, StateDiscovered, c.State())
	c.Extensions[0].Properties["k"] = "changed"
	assert.Equal(t, "v", d.Extensions[0].Properties["k"])
}
