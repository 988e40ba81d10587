package config

import (
	"context"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"addinhost/pkg/logging"

	"github.com/hashicorp/go-multierror"
)

const (
	reloadTimeout = 10 * time.Second
	redacted      = "******"
)

// ConfigManager merges defaults and every Source into a flat view of dotted
// keys. Higher-priority sources override lower ones; values set at runtime
// with Set override everything.
type ConfigManager struct {
	mu          sync.RWMutex
	sources     []Source
	values      map[string]*ConfigValue
	defaults    map[string]interface{}
	overrides   map[string]interface{}
	validators  map[string][]ConfigValidator
	watchers    map[string][]ConfigWatcher
	secretKeys  map[string]bool
	onChange    chan ConfigChange
	stopWatches []context.CancelFunc
	logger      logging.Logger
	secretStore SecretStore
}

func NewConfigManager(logger logging.Logger, secretStore SecretStore) *ConfigManager {
	return &ConfigManager{
		values:      make(map[string]*ConfigValue),
		defaults:    make(map[string]interface{}),
		overrides:   make(map[string]interface{}),
		validators:  make(map[string][]ConfigValidator),
		watchers:    make(map[string][]ConfigWatcher),
		secretKeys:  make(map[string]bool),
		onChange:    make(chan ConfigChange, 100),
		logger:      logging.OrNop(logger),
		secretStore: secretStore,
	}
}

func (m *ConfigManager) AddSource(source Source) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sources = append(m.sources, source)
	sort.SliceStable(m.sources, func(i, j int) bool {
		return m.sources[i].Priority() < m.sources[j].Priority()
	})
}

func (m *ConfigManager) AddValidator(key string, validator ConfigValidator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = normalizeKey(key)
	m.validators[key] = append(m.validators[key], validator)
}

// AddWatcher subscribes to changes of key and of every key below it. An
// empty key receives all changes.
func (m *ConfigManager) AddWatcher(key string, watcher ConfigWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key = normalizeKey(key)
	m.watchers[key] = append(m.watchers[key], watcher)
}

func (m *ConfigManager) SetDefault(key string, value interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.defaults[normalizeKey(key)] = value
}

// MarkSecret hides the values of keys from Redacted.
func (m *ConfigManager) MarkSecret(keys ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range keys {
		key = normalizeKey(key)
		m.secretKeys[key] = true
		if v, ok := m.values[key]; ok {
			v.IsSecret = true
		}
	}
}

func (m *ConfigManager) Load(ctx context.Context) error {
	m.mu.RLock()
	sources := append([]Source(nil), m.sources...)
	defaults := make(map[string]interface{}, len(m.defaults))
	for k, v := range m.defaults {
		defaults[k] = v
	}
	overrides := make(map[string]interface{}, len(m.overrides))
	for k, v := range m.overrides {
		overrides[k] = v
	}
	m.mu.RUnlock()

	now := time.Now()
	values := make(map[string]*ConfigValue)
	for key, defaultValue := range defaults {
		values[key] = &ConfigValue{
			Value:     defaultValue,
			Source:    SourceDefault,
			Priority:  math.MinInt,
			IsDefault: true,
			Timestamp: now,
		}
	}

	for _, source := range sources {
		config, err := source.Load(ctx)
		if err != nil {
			m.logger.Warn("Failed to load from source", "source", source.Name(), "error", err)
			continue
		}
		applyConfig(values, config, source.Kind(), source.Priority(), now)
	}

	for key, value := range overrides {
		values[key] = &ConfigValue{
			Value:     value,
			Source:    SourceDynamic,
			Priority:  math.MaxInt,
			Timestamp: now,
		}
	}

	m.mu.RLock()
	err := m.validateAll(values)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	m.mu.Lock()
	for key, v := range values {
		v.IsSecret = m.secretKeys[key]
	}
	old := m.values
	m.values = values
	m.mu.Unlock()

	changes := diffValues(old, values)
	for _, change := range changes {
		m.notifyWatchers(change)
	}
	m.logger.Debug("Configuration loaded", "keys", len(values), "changes", len(changes))
	return nil
}

func applyConfig(values map[string]*ConfigValue, config map[string]interface{}, kind ConfigSource, priority int, now time.Time) {
	var flatten func(prefix string, value interface{})
	flatten = func(prefix string, value interface{}) {
		if nested, ok := value.(map[string]interface{}); ok {
			for k, val := range nested {
				key := normalizeKey(k)
				if prefix != "" {
					key = prefix + "." + key
				}
				flatten(key, val)
			}
			return
		}
		existing, exists := values[prefix]
		if !exists || priority >= existing.Priority {
			values[prefix] = &ConfigValue{
				Value:     value,
				Source:    kind,
				Priority:  priority,
				Timestamp: now,
			}
		}
	}
	flatten("", config)
}

func (m *ConfigManager) validateAll(values map[string]*ConfigValue) error {
	var result *multierror.Error
	keys := make([]string, 0, len(m.validators))
	for key := range m.validators {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var value interface{}
		v, set := values[key]
		if set {
			value = v.Value
		}
		for _, validator := range m.validators[key] {
			if _, required := validator.(*RequiredValidator); !set && !required {
				continue
			}
			if err := validator.Validate(key, value); err != nil {
				result = multierror.Append(result, &ConfigError{
					Key:     key,
					Message: "validation failed",
					Err:     err,
				})
			}
		}
	}
	return result.ErrorOrNil()
}

func diffValues(old, current map[string]*ConfigValue) []ConfigChange {
	var changes []ConfigChange
	for key, v := range current {
		prev, ok := old[key]
		if ok && reflect.DeepEqual(prev.Value, v.Value) {
			continue
		}
		change := ConfigChange{Key: key, NewValue: v.Value, Source: v.Source, Timestamp: v.Timestamp}
		if ok {
			change.OldValue = prev.Value
		}
		changes = append(changes, change)
	}
	for key, prev := range old {
		if _, ok := current[key]; !ok {
			changes = append(changes, ConfigChange{Key: key, OldValue: prev.Value, Source: prev.Source, Timestamp: time.Now()})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func (m *ConfigManager) notifyWatchers(change ConfigChange) {
	m.mu.RLock()
	var watchers []ConfigWatcher
	for key, ws := range m.watchers {
		if key == "" || key == change.Key || strings.HasPrefix(change.Key, key+".") {
			watchers = append(watchers, ws...)
		}
	}
	m.mu.RUnlock()

	for _, watcher := range watchers {
		watcher.OnConfigChange(change)
	}

	select {
	case m.onChange <- change:
	default:
		m.logger.Warn("Config change channel full, dropping change", "key", change.Key)
	}
}

// Changes delivers every applied change. Sends never block; changes are
// dropped while the channel is full.
func (m *ConfigManager) Changes() <-chan ConfigChange {
	return m.onChange
}

// WatchSources reloads the configuration whenever a source reports a
// change, until ctx is done or Close is called.
func (m *ConfigManager) WatchSources(ctx context.Context) error {
	watchCtx, cancel := context.WithCancel(ctx)

	m.mu.Lock()
	sources := append([]Source(nil), m.sources...)
	m.stopWatches = append(m.stopWatches, cancel)
	m.mu.Unlock()

	var result *multierror.Error
	for _, source := range sources {
		name := source.Name()
		err := source.Watch(watchCtx, func() {
			reloadCtx, done := context.WithTimeout(watchCtx, reloadTimeout)
			defer done()
			if err := m.Load(reloadCtx); err != nil {
				m.logger.Error("Failed to reload configuration", "source", name, "error", err)
				return
			}
			m.logger.Info("Configuration reloaded", "source", name)
		})
		if err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (m *ConfigManager) Close() {
	m.mu.Lock()
	stops := m.stopWatches
	m.stopWatches = nil
	m.mu.Unlock()
	for _, stop := range stops {
		stop()
	}
}

// Set overrides key at runtime. The value must pass the key's validators.
func (m *ConfigManager) Set(key string, value interface{}) error {
	key = normalizeKey(key)

	m.mu.Lock()
	for _, validator := range m.validators[key] {
		if err := validator.Validate(key, value); err != nil {
			m.mu.Unlock()
			return &ConfigError{Key: key, Message: "validation failed", Err: err}
		}
	}
	change := ConfigChange{Key: key, NewValue: value, Source: SourceDynamic, Timestamp: time.Now()}
	if prev, ok := m.values[key]; ok {
		change.OldValue = prev.Value
	}
	m.overrides[key] = value
	m.values[key] = &ConfigValue{
		Value:     value,
		Source:    SourceDynamic,
		Priority:  math.MaxInt,
		IsSecret:  m.secretKeys[key],
		Timestamp: change.Timestamp,
	}
	m.mu.Unlock()

	if !reflect.DeepEqual(change.OldValue, value) {
		m.notifyWatchers(change)
	}
	return nil
}

// Lookup returns the full record of key.
func (m *ConfigManager) Lookup(key string) (ConfigValue, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[normalizeKey(key)]
	if !ok {
		return ConfigValue{}, false
	}
	return *v, true
}

// Get returns the value of key, or the nested map of every key below it.
func (m *ConfigManager) Get(key string) (interface{}, error) {
	key = normalizeKey(key)
	m.mu.RLock()
	defer m.mu.RUnlock()

	if v, ok := m.values[key]; ok {
		return v.Value, nil
	}
	if sub := m.nested(key, false); len(sub) > 0 {
		return sub, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
}

func (m *ConfigManager) GetString(key string) (string, error) {
	v, err := m.Get(key)
	if err != nil {
		return "", err
	}
	switch val := v.(type) {
	case string:
		return val, nil
	case fmt.Stringer:
		return val.String(), nil
	case int, int64, float64, bool:
		return fmt.Sprint(val), nil
	}
	return "", typeMismatch(key, "string", v)
}

func (m *ConfigManager) GetInt(key string) (int, error) {
	v, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case int:
		return val, nil
	case int64:
		return int(val), nil
	case float64:
		if val == math.Trunc(val) {
			return int(val), nil
		}
	case string:
		if i, err := strconv.Atoi(val); err == nil {
			return i, nil
		}
	}
	return 0, typeMismatch(key, "int", v)
}

func (m *ConfigManager) GetBool(key string) (bool, error) {
	v, err := m.Get(key)
	if err != nil {
		return false, err
	}
	switch val := v.(type) {
	case bool:
		return val, nil
	case string:
		if b, err := strconv.ParseBool(val); err == nil {
			return b, nil
		}
	}
	return false, typeMismatch(key, "bool", v)
}

// GetDuration accepts durations, duration strings ("30s") and integer
// nanoseconds.
func (m *ConfigManager) GetDuration(key string) (time.Duration, error) {
	v, err := m.Get(key)
	if err != nil {
		return 0, err
	}
	switch val := v.(type) {
	case time.Duration:
		return val, nil
	case string:
		if d, err := time.ParseDuration(val); err == nil {
			return d, nil
		}
	case int:
		return time.Duration(val), nil
	case int64:
		return time.Duration(val), nil
	case float64:
		return time.Duration(val), nil
	}
	return 0, typeMismatch(key, "duration", v)
}

func (m *ConfigManager) GetStringSlice(key string) ([]string, error) {
	v, err := m.Get(key)
	if err != nil {
		return nil, err
	}
	switch val := v.(type) {
	case []string:
		return append([]string(nil), val...), nil
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	case string:
		if val == "" {
			return nil, nil
		}
		parts := strings.Split(val, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts, nil
	}
	return nil, typeMismatch(key, "string slice", v)
}

func typeMismatch(key, want string, got interface{}) error {
	return &ConfigError{Key: key, Message: fmt.Sprintf("expected %s, got %T", want, got), Err: ErrTypeMismatch}
}

// Keys lists every set key in sorted order.
func (m *ConfigManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// AllSettings returns the merged configuration as nested maps.
func (m *ConfigManager) AllSettings() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nested("", false)
}

// Redacted is AllSettings with secret values masked.
func (m *ConfigManager) Redacted() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nested("", true)
}

func (m *ConfigManager) nested(prefix string, redact bool) map[string]interface{} {
	keys := make([]string, 0, len(m.values))
	for key := range m.values {
		keys = append(keys, key)
	}
	// parents before children so nested keys are not overwritten
	sort.Strings(keys)

	out := make(map[string]interface{})
	for _, key := range keys {
		v := m.values[key]
		rel := key
		if prefix != "" {
			var ok bool
			if rel, ok = strings.CutPrefix(key, prefix+"."); !ok {
				continue
			}
		}
		value := v.Value
		if redact && v.IsSecret {
			value = redacted
		}
		setNestedValue(out, rel, value)
	}
	return out
}

// Unmarshal decodes the merged configuration into out, a pointer to a
// struct with mapstructure tags.
func (m *ConfigManager) Unmarshal(out interface{}) error {
	return decode(m.AllSettings(), out)
}

// Secret fetches key from the configured secret store.
func (m *ConfigManager) Secret(ctx context.Context, key string) (string, error) {
	if m.secretStore == nil {
		return "", ErrNoSecretStore
	}
	return m.secretStore.GetSecret(ctx, key)
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
