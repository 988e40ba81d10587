package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"addinhost/pkg/logging"
)

// Source is one configuration layer. Values of a higher Priority win.
type Source interface {
	Name() string
	Kind() ConfigSource
	Priority() int
	Load(ctx context.Context) (map[string]interface{}, error)
	// Watch calls onChange whenever the layer changed. Sources that never
	// change return nil without calling it.
	Watch(ctx context.Context, onChange func()) error
}

type FileSource struct {
	paths    []string
	priority int
	logger   logging.Logger

	mu      sync.Mutex
	watcher *FileWatcher
}

// NewFileSource reads paths in order; later files override earlier ones.
// Missing files are skipped.
func NewFileSource(paths []string, priority int, logger logging.Logger) *FileSource {
	return &FileSource{
		paths:    paths,
		priority: priority,
		logger:   logging.OrNop(logger),
	}
}

func (f *FileSource) Name() string       { return "file" }
func (f *FileSource) Kind() ConfigSource { return SourceFile }
func (f *FileSource) Priority() int      { return f.priority }

func (f *FileSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})

	for _, path := range f.paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				f.logger.Debug("Config file not found, skipping", "path", path)
				continue
			}
			return nil, fmt.Errorf("failed to read file %s: %w", path, err)
		}
		config, err := FormatFor(path).Unmarshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal file %s: %w", path, err)
		}
		result = mergeMaps(result, config)
	}
	return result, nil
}

func (f *FileSource) Watch(ctx context.Context, onChange func()) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.watcher == nil {
		f.watcher = NewFileWatcher(f.logger)
	}
	for _, path := range f.paths {
		if err := f.watcher.Watch(path, onChange); err != nil {
			return fmt.Errorf("failed to watch file %s: %w", path, err)
		}
	}
	watcher := f.watcher
	go func() {
		<-ctx.Done()
		_ = watcher.Stop()
	}()
	return nil
}

// EnvironmentSource maps PREFIX_A__B_C=v to the key a.b_c.
type EnvironmentSource struct {
	prefix   string
	priority int
	environ  func() []string
}

func NewEnvironmentSource(prefix string, priority int) *EnvironmentSource {
	return &EnvironmentSource{
		prefix:   prefix,
		priority: priority,
		environ:  os.Environ,
	}
}

func (e *EnvironmentSource) Name() string       { return "environment" }
func (e *EnvironmentSource) Kind() ConfigSource { return SourceEnvironment }
func (e *EnvironmentSource) Priority() int      { return e.priority }

func (e *EnvironmentSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for _, env := range e.environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok {
			continue
		}
		if e.prefix != "" && !strings.HasPrefix(key, e.prefix) {
			continue
		}
		configKey := EnvKey(strings.TrimPrefix(key, e.prefix))
		if configKey == "" {
			continue
		}
		setNestedValue(result, configKey, parseEnvValue(value))
	}
	return result, nil
}

func (e *EnvironmentSource) Watch(ctx context.Context, onChange func()) error {
	return nil
}

// EnvKey converts an environment variable name (without prefix) into a
// dotted config key.
func EnvKey(name string) string {
	return strings.ReplaceAll(strings.ToLower(name), "__", ".")
}

// FlagSource exposes values parsed from the command line. Keys may be dotted.
type FlagSource struct {
	args     map[string]interface{}
	priority int
}

func NewFlagSource(args map[string]interface{}, priority int) *FlagSource {
	return &FlagSource{
		args:     args,
		priority: priority,
	}
}

func (f *FlagSource) Name() string       { return "flag" }
func (f *FlagSource) Kind() ConfigSource { return SourceFlag }
func (f *FlagSource) Priority() int      { return f.priority }

func (f *FlagSource) Load(ctx context.Context) (map[string]interface{}, error) {
	result := make(map[string]interface{})
	for k, v := range f.args {
		setNestedValue(result, k, v)
	}
	return result, nil
}

func (f *FlagSource) Watch(ctx context.Context, onChange func()) error {
	return nil
}

func parseEnvValue(value string) interface{} {
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return value
}

func setNestedValue(m map[string]interface{}, key string, value interface{}) {
	parts := strings.Split(key, ".")
	current := m
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

func mergeMaps(dst, src map[string]interface{}) map[string]interface{} {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]interface{})
		dstMap, dstIsMap := dst[k].(map[string]interface{})
		if srcIsMap && dstIsMap {
			dst[k] = mergeMaps(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
	return dst
}
