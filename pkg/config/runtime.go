package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"addinhost/pkg/concurrency"
	"addinhost/pkg/logging"
	"addinhost/pkg/plugin/dependency"
	"addinhost/pkg/plugin/discovery"
	"addinhost/pkg/resilience"
	"addinhost/pkg/security"

	"github.com/mitchellh/mapstructure"
	"github.com/robfig/cron/v3"
)

const (
	EnvPrefix = "ADDINHOST_"

	PriorityFile        = 50
	PriorityEnvironment = 75
	PriorityFlag        = 100
)

// RuntimeConfig is the typed view of everything the host reads from
// configuration.
type RuntimeConfig struct {
	Plugins     PluginsConfig     `mapstructure:"plugins"`
	Discovery   DiscoveryConfig   `mapstructure:"discovery"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Resilience  resilience.Policy `mapstructure:"resilience"`
	Health      HealthConfig      `mapstructure:"health"`
	Security    SecurityConfig    `mapstructure:"security"`
	Secrets     SecretsConfig     `mapstructure:"secrets"`
	Logging     logging.Config    `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
}

type PluginsConfig struct {
	Roots    []string `mapstructure:"roots"`
	AutoLoad bool     `mapstructure:"auto_load"`
	// Strategy names the version conflict strategy.
	Strategy string `mapstructure:"strategy"`
	// Pinned maps plugin id to the version chosen by the Explicit strategy.
	Pinned map[string]string `mapstructure:"pinned"`
}

func (c PluginsConfig) ResolveOptions() (dependency.Options, error) {
	strategy := dependency.HighestVersion
	if c.Strategy != "" {
		var err error
		if strategy, err = dependency.ParseStrategy(c.Strategy); err != nil {
			return dependency.Options{}, err
		}
	}
	return dependency.Options{Strategy: strategy, Explicit: c.Pinned}, nil
}

type DiscoveryConfig struct {
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	CacheSize int           `mapstructure:"cache_size"`
	Watch     bool          `mapstructure:"watch"`
}

func (c DiscoveryConfig) Options() discovery.Options {
	return discovery.Options{CacheTTL: c.CacheTTL, CacheSize: c.CacheSize, Watch: c.Watch}
}

type ConcurrencyConfig struct {
	LoadPlugin   concurrency.Config `mapstructure:"load_plugin"`
	UnloadPlugin concurrency.Config `mapstructure:"unload_plugin"`
	GetService   concurrency.Config `mapstructure:"get_service"`
}

// Operations maps host operation names to their budgets.
func (c ConcurrencyConfig) Operations() map[string]concurrency.Config {
	return map[string]concurrency.Config{
		"LoadPlugin":   c.LoadPlugin,
		"UnloadPlugin": c.UnloadPlugin,
		"GetService":   c.GetService,
	}
}

type HealthConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	resilience.HealthOptions `mapstructure:",squash"`
	// GracePeriod is the pause between unload and reload on restart.
	GracePeriod time.Duration `mapstructure:"grace_period"`
}

type SecurityConfig struct {
	Signature security.SignatureConfig `mapstructure:"signature"`
	// SignatureKeySecret names the secret holding the verification key. It
	// takes precedence over Signature.SecretKey and Signature.PublicKey.
	SignatureKeySecret string                  `mapstructure:"signature_key_secret"`
	AuditSize          int                     `mapstructure:"audit_size"`
	Sandbox            string                  `mapstructure:"sandbox"`
	Limits             security.ResourceLimits `mapstructure:"limits"`
	DefaultPolicy      security.Policy         `mapstructure:"default_policy"`
}

type SecretsConfig struct {
	Backend string `mapstructure:"backend"`
	Dir     string `mapstructure:"dir"`
	// EncryptionKeyEnv names the variable holding the file store key.
	EncryptionKeyEnv string      `mapstructure:"encryption_key_env"`
	Vault            VaultConfig `mapstructure:"vault"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
	Path    string `mapstructure:"path"`
}

func DefaultRuntimeConfig() RuntimeConfig {
	op := concurrency.DefaultConfig()
	unload := op
	unload.MaxConcurrency = 4
	service := op
	service.MaxConcurrency = 64
	service.Timeout = 5 * time.Second

	d := discovery.DefaultOptions()
	return RuntimeConfig{
		Plugins: PluginsConfig{
			Roots:    []string{"plugins"},
			AutoLoad: true,
			Strategy: dependency.HighestVersion.String(),
		},
		Discovery: DiscoveryConfig{CacheTTL: d.CacheTTL, CacheSize: d.CacheSize, Watch: d.Watch},
		Concurrency: ConcurrencyConfig{
			LoadPlugin:   op,
			UnloadPlugin: unload,
			GetService:   service,
		},
		Resilience: resilience.DefaultPolicy(),
		Health: HealthConfig{
			Enabled:       true,
			HealthOptions: resilience.DefaultHealthOptions(),
			GracePeriod:   time.Second,
		},
		Security: SecurityConfig{
			Signature: security.SignatureConfig{Algorithm: "HS256"},
			AuditSize: security.DefaultAuditSize,
			Sandbox:   "inprocess",
			Limits:    security.DefaultLimits(),
		},
		Secrets: SecretsConfig{
			Dir:              "secrets",
			EncryptionKeyEnv: EnvPrefix + "ENCRYPTION_KEY",
			Vault:            VaultConfig{Mount: "secret", Prefix: "addinhost"},
		},
		Logging: logging.Config{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Address: ":9090", Path: "/metrics"},
	}
}

// RegisterDefaults sets every RuntimeConfig default on m as dotted keys.
func RegisterDefaults(m *ConfigManager) error {
	var flat map[string]interface{}
	if err := mapstructure.Decode(DefaultRuntimeConfig(), &flat); err != nil {
		return fmt.Errorf("failed to encode defaults: %w", err)
	}
	var walk func(prefix string, v map[string]interface{})
	walk = func(prefix string, v map[string]interface{}) {
		for k, val := range v {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			if pinned, ok := val.(map[string]string); ok && len(pinned) == 0 {
				continue
			}
			if nested, ok := asMap(val); ok && len(nested) > 0 {
				walk(key, nested)
				continue
			}
			m.SetDefault(key, val)
		}
	}
	walk("", flat)
	return nil
}

// asMap turns structs into maps so defaults are stored key by key.
func asMap(v interface{}) (map[string]interface{}, bool) {
	switch val := v.(type) {
	case map[string]interface{}:
		return val, true
	case map[string]string, []string, nil, time.Duration:
		return nil, false
	}
	var out map[string]interface{}
	if err := mapstructure.Decode(v, &out); err != nil {
		return nil, false
	}
	return out, true
}

// RegisterValidators installs the checks every runtime configuration must
// pass.
func RegisterValidators(m *ConfigManager) {
	m.AddValidator("plugins.roots", &RequiredValidator{})
	m.AddValidator("plugins.strategy", &EnumValidator{Allowed: []string{
		"HighestVersion", "LowestVersion", "MostDependents", "Explicit",
	}})

	for _, op := range []string{"load_plugin", "unload_plugin", "get_service"} {
		m.AddValidator("concurrency."+op+".max_concurrency", &RangeValidator{Min: 1, Max: 10000})
		m.AddValidator("concurrency."+op+".queue_size", &RangeValidator{Min: 0, Max: 1000000})
		m.AddValidator("concurrency."+op+".timeout", &DurationValidator{Min: time.Millisecond})
	}

	m.AddValidator("resilience.max_retries", &RangeValidator{Min: 0, Max: 100})
	m.AddValidator("resilience.backoff_multiplier", &RangeValidator{Min: 1, Max: 10})
	m.AddValidator("resilience.base_delay", &DurationValidator{})
	m.AddValidator("resilience.circuit_breaker.threshold", &RangeValidator{Min: 1, Max: 1000})

	m.AddValidator("health.timeout", &DurationValidator{Min: time.Millisecond})
	m.AddValidator("health.concurrency", &RangeValidator{Min: 1, Max: 1000})
	m.AddValidator("health.schedule", ValidatorFunc(func(key string, value interface{}) error {
		if _, err := cron.ParseStandard(fmt.Sprint(value)); err != nil {
			return fmt.Errorf("%s: invalid schedule %q: %w", key, value, err)
		}
		return nil
	}))

	m.AddValidator("security.signature.algorithm", &EnumValidator{Allowed: []string{"HS256", "HS384", "HS512", "RS256"}})
	m.AddValidator("security.sandbox", &EnumValidator{Allowed: []string{"inprocess", "process"}})
	m.AddValidator("security.audit_size", &RangeValidator{Min: 1, Max: 1 << 20})

	m.AddValidator("secrets.backend", &EnumValidator{Allowed: []string{"", "none", "file", "vault"}})
	m.AddValidator("secrets.vault.address", &URLValidator{Schemes: []string{"http", "https"}})

	m.AddValidator("logging.level", &EnumValidator{Allowed: []string{"trace", "debug", "info", "warn", "warning", "error"}})
	m.AddValidator("logging.format", &EnumValidator{Allowed: []string{"json", "text"}})

	if p, err := NewPatternValidator(`^/[A-Za-z0-9/_\-]*$`); err == nil {
		m.AddValidator("metrics.path", p)
	}

	m.MarkSecret(
		"security.signature.secret_key",
		"security.signature.private_key",
		"secrets.vault.token",
	)
}

type LoadOptions struct {
	// Files are read in order; missing files are skipped.
	Files []string
	// Flags override every other source.
	Flags map[string]interface{}
	// EnvPrefix defaults to ADDINHOST_.
	EnvPrefix string
	Logger    logging.Logger
}

// Load builds a ConfigManager with defaults, files, environment and flags,
// loads it and decodes the RuntimeConfig. The secret store is picked from
// the loaded secrets section.
func Load(ctx context.Context, opts LoadOptions) (*ConfigManager, *RuntimeConfig, error) {
	bootstrap := NewConfigManager(opts.Logger, nil)
	if err := populate(bootstrap, opts); err != nil {
		return nil, nil, err
	}
	if err := bootstrap.Load(ctx); err != nil {
		return nil, nil, err
	}
	rc, err := bootstrap.Runtime()
	if err != nil {
		return nil, nil, err
	}

	store, err := NewSecretStore(rc.Secrets, opts.Logger)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return bootstrap, rc, nil
	}
	m := NewConfigManager(opts.Logger, store)
	if err := populate(m, opts); err != nil {
		return nil, nil, err
	}
	if err := m.Load(ctx); err != nil {
		return nil, nil, err
	}
	return m, rc, nil
}

func populate(m *ConfigManager, opts LoadOptions) error {
	if err := RegisterDefaults(m); err != nil {
		return err
	}
	RegisterValidators(m)

	prefix := opts.EnvPrefix
	if prefix == "" {
		prefix = EnvPrefix
	}
	m.AddSource(NewFileSource(opts.Files, PriorityFile, opts.Logger))
	m.AddSource(NewEnvironmentSource(prefix, PriorityEnvironment))
	if len(opts.Flags) > 0 {
		m.AddSource(NewFlagSource(opts.Flags, PriorityFlag))
	}
	return nil
}

// Runtime decodes the current configuration on top of the defaults.
func (m *ConfigManager) Runtime() (*RuntimeConfig, error) {
	rc := DefaultRuntimeConfig()
	if err := m.Unmarshal(&rc); err != nil {
		return nil, err
	}
	return &rc, nil
}

// NewSecretStore builds the store named by cfg.Backend. It returns nil for
// an empty or "none" backend.
func NewSecretStore(cfg SecretsConfig, logger logging.Logger) (SecretStore, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "none":
		return nil, nil
	case "file":
		key := os.Getenv(cfg.EncryptionKeyEnv)
		if key == "" {
			return nil, fmt.Errorf("file secret store needs an encryption key in $%s", cfg.EncryptionKeyEnv)
		}
		enc, err := NewAESEncryption([]byte(key))
		if err != nil {
			return nil, err
		}
		return NewFileSecretStore(filepath.Clean(cfg.Dir), enc, logger)
	case "vault":
		return NewVaultSecretStore(cfg.Vault, logger)
	}
	return nil, fmt.Errorf("unknown secret backend %q", cfg.Backend)
}

func decode(input map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode configuration: %w", err)
	}
	return nil
}
