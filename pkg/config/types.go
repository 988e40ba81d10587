package config

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrKeyNotFound    = errors.New("config key not found")
	ErrTypeMismatch   = errors.New("config value has unexpected type")
	ErrSecretNotFound = errors.New("secret not found")
	ErrNoSecretStore  = errors.New("no secret store configured")
)

type ConfigSource int

const (
	SourceDefault ConfigSource = iota
	SourceFile
	SourceEnvironment
	SourceFlag
	SourceDynamic
)

func (s ConfigSource) String() string {
	return [...]string{
		"default",
		"file",
		"environment",
		"flag",
		"dynamic",
	}[s]
}

type ConfigValue struct {
	Value     interface{}
	Source    ConfigSource
	Priority  int
	IsDefault bool
	IsSecret  bool
	Timestamp time.Time
}

type ConfigChange struct {
	Key       string
	OldValue  interface{}
	NewValue  interface{}
	Source    ConfigSource
	Timestamp time.Time
}

type ConfigWatcher interface {
	OnConfigChange(change ConfigChange)
}

// WatcherFunc adapts a plain function to ConfigWatcher.
type WatcherFunc func(change ConfigChange)

func (f WatcherFunc) OnConfigChange(change ConfigChange) { f(change) }

type ConfigValidator interface {
	Validate(key string, value interface{}) error
}

type ConfigError struct {
	Key     string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config error for key %s: %s: %v", e.Key, e.Message, e.Err)
	}
	return fmt.Sprintf("config error for key %s: %s", e.Key, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }
