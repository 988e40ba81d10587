package plugin

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrPluginNotFound      = errors.New("plugin not found")
	ErrPluginAlreadyLoaded = errors.New("plugin already loaded")
	ErrDependencyMissing   = errors.New("missing dependency")
	ErrCircularDependency  = errors.New("circular dependency detected")
	ErrDescriptorFrozen    = errors.New("descriptor is frozen")
	ErrInvalidTransition   = errors.New("invalid lifecycle transition")
	ErrCircuitOpen         = errors.New("circuit breaker is open")
	ErrPluginBlocked       = errors.New("plugin is blocked")
	ErrHasDependents       = errors.New("plugin has loaded dependents")
)

type ErrorKind int

const (
	KindLoad ErrorKind = iota
	KindInitialization
	KindStart
	KindUnload
	KindConfiguration
	KindTimeout
	KindSecurityViolation
	KindFatal
)

func (k ErrorKind) String() string {
	if k < KindLoad || k > KindFatal {
		return "Unknown"
	}
	return [...]string{
		"LoadError",
		"InitializationError",
		"StartError",
		"UnloadError",
		"ConfigurationError",
		"TimeoutError",
		"SecurityViolation",
		"FatalRuntimeError",
	}[k]
}

// Kind sentinels, matched by errors.Is against any *Error of that kind.
var (
	ErrLoad              = errors.New("load error")
	ErrInitialization    = errors.New("initialization error")
	ErrStart             = errors.New("start error")
	ErrUnload            = errors.New("unload error")
	ErrConfiguration     = errors.New("configuration error")
	ErrTimeout           = errors.New("timeout")
	ErrSecurityViolation = errors.New("security violation")
	ErrFatal             = errors.New("fatal runtime error")
)

var kindSentinels = [...]error{
	ErrLoad,
	ErrInitialization,
	ErrStart,
	ErrUnload,
	ErrConfiguration,
	ErrTimeout,
	ErrSecurityViolation,
	ErrFatal,
}

// Error is the classified failure surfaced at the runtime boundary.
type Error struct {
	Kind     ErrorKind
	PluginID string
	Op       string
	Err      error
}

func NewError(kind ErrorKind, pluginID, op string, err error) *Error {
	return &Error{Kind: kind, PluginID: pluginID, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.PluginID != "" {
		msg = fmt.Sprintf("%s (plugin %s)", msg, e.PluginID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	if e.Kind < KindLoad || e.Kind > KindFatal {
		return false
	}
	return target == kindSentinels[e.Kind]
}

// KindOf classifies err. Context deadlines count as timeouts and anything
// unclassified is fatal.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindFatal
}

// IsRetryable reports whether err may succeed on another attempt.
// Security violations, configuration errors and cancellation never do.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch KindOf(err) {
	case KindSecurityViolation, KindConfiguration:
		return false
	}
	return true
}

// IsCritical reports failures after which a plugin is blocked from loading.
func IsCritical(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	return pe.Kind == KindFatal || pe.Kind == KindSecurityViolation
}
