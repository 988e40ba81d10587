package plugin

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryRegistry(t *testing.T) {
	f := NewFactoryRegistry()
	require.NoError(t, f.Register("Text.Editor", func(d *PluginDescriptor) (Plugin, error) {
		return stubPlugin{}, nil
	}))
	assert.Error(t, f.Register("Text.Editor", func(*PluginDescriptor) (Plugin, error) { return nil, nil }))
	assert.Error(t, f.Register("", nil))

	d := &PluginDescriptor{ID: "text", TypeName: "Text.Editor"}
	assert.True(t, f.CanLoad(d))

	p, err := f.Load(context.Background(), d)
	require.NoError(t, err)
	assert.IsType(t, stubPlugin{}, p)

	assert.False(t, f.CanLoad(&PluginDescriptor{TypeName: "Other"}))
	assert.Equal(t, []string{"Text.Editor"}, f.Types())
}

func TestFactoryRegistry_FactoryFailures(t *testing.T) {
	f := NewFactoryRegistry()
	f.MustRegister("Broken", func(*PluginDescriptor) (Plugin, error) { return nil, errors.New("nope") })
	f.MustRegister("Nil", func(*PluginDescriptor) (Plugin, error) { return nil, nil })

	_, err := f.Load(context.Background(), &PluginDescriptor{TypeName: "Broken"})
	assert.ErrorContains(t, err, "nope")

	_, err = f.Load(context.Background(), &PluginDescriptor{TypeName: "Nil"})
	assert.ErrorContains(t, err, "returned nil")
}

func TestChainLoader(t *testing.T) {
	f := NewFactoryRegistry()
	f.MustRegister("Known", func(*PluginDescriptor) (Plugin, error) { return stubPlugin{}, nil })
	chain := ChainLoader{NewSharedObjectLoader(), f}

	assert.True(t, chain.CanLoad(&PluginDescriptor{TypeName: "Known", AssemblyPath: "/x/known.dll"}))
	assert.True(t, chain.CanLoad(&PluginDescriptor{AssemblyPath: "/x/native.so"}))

	p, err := chain.Load(context.Background(), &PluginDescriptor{TypeName: "Known"})
	require.NoError(t, err)
	assert.NotNil(t, p)

	_, err = chain.Load(context.Background(), &PluginDescriptor{TypeName: "Unknown", AssemblyPath: "/x/u.dll"})
	assert.ErrorContains(t, err, "no loader")
}

func TestSharedObjectLoader_MissingFile(t *testing.T) {
	l := NewSharedObjectLoader()
	_, err := l.Load(context.Background(), &PluginDescriptor{AssemblyPath: t.TempDir() + "/missing.so"})
	assert.ErrorContains(t, err, "plugin file not found: missing.so")
}

func TestInstantiate(t *testing.T) {
	d := &PluginDescriptor{ID: "x"}
	var p Plugin = stubPlugin{}

	for _, symbol := range []interface{}{
		&p,
		p,
		func() Plugin { return stubPlugin{} },
		func() (Plugin, error) { return stubPlugin{}, nil },
		func(*PluginDescriptor) (Plugin, error) { return stubPlugin{}, nil },
	} {
		got, err := instantiate(symbol, d)
		require.NoError(t, err)
		assert.NotNil(t, got)
	}

	_, err := instantiate(42, d)
	assert.Error(t, err)
}
