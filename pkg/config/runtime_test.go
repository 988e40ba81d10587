package config

import (
	"context"
	"testing"
	"time"

	"addinhost/pkg/plugin/dependency"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntime_Defaults(t *testing.T) {
	m := NewConfigManager(nil, nil)
	require.NoError(t, RegisterDefaults(m))
	RegisterValidators(m)
	require.NoError(t, m.Load(context.Background()))

	n, err := m.GetInt("concurrency.load_plugin.max_concurrency")
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	schedule, err := m.GetString("health.schedule")
	require.NoError(t, err)
	assert.Equal(t, "@every 30s", schedule)

	rc, err := m.Runtime()
	require.NoError(t, err)
	def := DefaultRuntimeConfig()
	assert.Equal(t, def.Concurrency, rc.Concurrency)
	assert.Equal(t, def.Resilience, rc.Resilience)
	assert.Equal(t, def.Health, rc.Health)
	assert.Equal(t, def.Security.Limits, rc.Security.Limits)
	assert.Equal(t, []string{"plugins"}, rc.Plugins.Roots)
	assert.Equal(t, "info", rc.Logging.Level)
}

func TestLoad_FileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "addinhost.yaml", `
plugins:
  roots: [/srv/addins]
  strategy: Explicit
  pinned:
    core: 1.2.0
resilience:
  max_retries: 5
  circuit_breaker:
    threshold: 2
health:
  schedule: "@every 1m"
  grace_period: 250ms
security:
  sandbox: process
  default_policy:
    allowed_hosts: ["*.example.com"]
`)
	t.Setenv("ADDINTEST_CONCURRENCY__LOAD_PLUGIN__MAX_CONCURRENCY", "7")
	t.Setenv("ADDINTEST_DISCOVERY__CACHE_TTL", "90s")

	m, rc, err := Load(context.Background(), LoadOptions{
		Files:     []string{file},
		EnvPrefix: "ADDINTEST_",
		Flags:     map[string]interface{}{"logging.level": "debug"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/addins"}, rc.Plugins.Roots)
	assert.Equal(t, 7, rc.Concurrency.LoadPlugin.MaxConcurrency)
	assert.Equal(t, 100, rc.Concurrency.LoadPlugin.QueueSize)
	assert.Equal(t, 90*time.Second, rc.Discovery.CacheTTL)
	assert.Equal(t, 5, rc.Resilience.MaxRetries)
	require.NotNil(t, rc.Resilience.CircuitBreaker)
	assert.Equal(t, 2, rc.Resilience.CircuitBreaker.Threshold)
	assert.Equal(t, 30*time.Second, rc.Resilience.CircuitBreaker.ResetTimeout)
	assert.Equal(t, "@every 1m", rc.Health.Schedule)
	assert.Equal(t, 250*time.Millisecond, rc.Health.GracePeriod)
	assert.Equal(t, "process", rc.Security.Sandbox)
	assert.Equal(t, []string{"*.example.com"}, rc.Security.DefaultPolicy.AllowedHosts)
	assert.Equal(t, "debug", rc.Logging.Level)

	opts, err := rc.Plugins.ResolveOptions()
	require.NoError(t, err)
	assert.Equal(t, dependency.Explicit, opts.Strategy)
	assert.Equal(t, map[string]string{"core": "1.2.0"}, opts.Explicit)

	ops := rc.Concurrency.Operations()
	assert.Equal(t, 7, ops["LoadPlugin"].MaxConcurrency)
	assert.Contains(t, ops, "GetService")

	assert.Equal(t, 90*time.Second, rc.Discovery.Options().CacheTTL)
	_, err = m.Secret(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoSecretStore)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "bad.yaml", "logging:\n  level: loud\nsecurity:\n  sandbox: vm\nhealth:\n  schedule: every now\n")

	_, _, err := Load(context.Background(), LoadOptions{Files: []string{file}, EnvPrefix: "ADDINTEST_NONE_"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "logging.level")
	assert.Contains(t, err.Error(), "security.sandbox")
	assert.Contains(t, err.Error(), "health.schedule")
}

func TestLoad_FileSecretBackend(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "addinhost.yaml", "secrets:\n  backend: file\n  dir: "+dir+"/secrets\n")

	_, _, err := Load(context.Background(), LoadOptions{Files: []string{file}, EnvPrefix: "ADDINTEST_NONE_"})
	require.Error(t, err, "file backend needs a key")

	t.Setenv("ADDINHOST_ENCRYPTION_KEY", "k")
	m, rc, err := Load(context.Background(), LoadOptions{Files: []string{file}, EnvPrefix: "ADDINTEST_NONE_"})
	require.NoError(t, err)
	assert.Equal(t, "file", rc.Secrets.Backend)
	_, err = m.Secret(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestResolveOptions_UnknownStrategy(t *testing.T) {
	_, err := PluginsConfig{Strategy: "Newest"}.ResolveOptions()
	assert.Error(t, err)
}
