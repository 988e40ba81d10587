package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"slices"
	"strconv"
	"time"
)

// ValidatorFunc adapts a function to ConfigValidator.
type ValidatorFunc func(key string, value interface{}) error

func (f ValidatorFunc) Validate(key string, value interface{}) error { return f(key, value) }

// RequiredValidator is the only validator run for keys that are not set.
type RequiredValidator struct{}

func (v *RequiredValidator) Validate(key string, value interface{}) error {
	if value == nil {
		return fmt.Errorf("%s is required", key)
	}
	switch val := value.(type) {
	case string:
		if val == "" {
			return fmt.Errorf("%s cannot be empty", key)
		}
	case []interface{}:
		if len(val) == 0 {
			return fmt.Errorf("%s cannot be empty", key)
		}
	case []string:
		if len(val) == 0 {
			return fmt.Errorf("%s cannot be empty", key)
		}
	}
	return nil
}

type RangeValidator struct {
	Min float64
	Max float64
}

func (v *RangeValidator) Validate(key string, value interface{}) error {
	num, err := toFloat(value)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if num < v.Min || num > v.Max {
		return fmt.Errorf("%s: value %v out of range [%v, %v]", key, num, v.Min, v.Max)
	}
	return nil
}

func toFloat(value interface{}) (float64, error) {
	switch val := value.(type) {
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint64:
		return float64(val), nil
	case float64:
		return val, nil
	case string:
		f, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return 0, fmt.Errorf("cannot convert %q to number", val)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", value)
}

type PatternValidator struct {
	Pattern string
	regex   *regexp.Regexp
}

func NewPatternValidator(pattern string) (*PatternValidator, error) {
	regex, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %s: %w", pattern, err)
	}
	return &PatternValidator{
		Pattern: pattern,
		regex:   regex,
	}, nil
}

func (v *PatternValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected string for pattern validation", key)
	}
	if !v.regex.MatchString(str) {
		return fmt.Errorf("%s: value %q does not match pattern %s", key, str, v.Pattern)
	}
	return nil
}

// EnumValidator compares by printed form, so "json" from a file and from
// the environment match alike.
type EnumValidator struct {
	Allowed []string
}

func (v *EnumValidator) Validate(key string, value interface{}) error {
	if slices.Contains(v.Allowed, fmt.Sprint(value)) {
		return nil
	}
	return fmt.Errorf("%s: value %v not in allowed set %v", key, value, v.Allowed)
}

type DurationValidator struct {
	Min time.Duration
	Max time.Duration
}

func (v *DurationValidator) Validate(key string, value interface{}) error {
	var d time.Duration
	switch val := value.(type) {
	case time.Duration:
		d = val
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration string %q: %w", key, val, err)
		}
		d = parsed
	case int:
		d = time.Duration(val)
	case int64:
		d = time.Duration(val)
	default:
		return fmt.Errorf("%s: expected duration, got %T", key, value)
	}
	if d < v.Min || (v.Max > 0 && d > v.Max) {
		return fmt.Errorf("%s: duration %v out of range [%v, %v]", key, d, v.Min, v.Max)
	}
	return nil
}

// FileValidator checks path-valued keys. Lists of paths are checked item by
// item.
type FileValidator struct {
	MustExist bool
	MustBeDir bool
}

func (v *FileValidator) Validate(key string, value interface{}) error {
	switch val := value.(type) {
	case string:
		return v.check(key, val)
	case []string:
		for _, p := range val {
			if err := v.check(key, p); err != nil {
				return err
			}
		}
		return nil
	case []interface{}:
		for _, item := range val {
			p, ok := item.(string)
			if !ok {
				return fmt.Errorf("%s: expected file path string, got %T", key, item)
			}
			if err := v.check(key, p); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%s: expected file path string", key)
}

func (v *FileValidator) check(key, path string) error {
	if !v.MustExist {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%s: file %s does not exist", key, path)
	}
	if err != nil {
		return fmt.Errorf("%s: error accessing %s: %w", key, path, err)
	}
	if v.MustBeDir && !info.IsDir() {
		return fmt.Errorf("%s: %s is not a directory", key, path)
	}
	return nil
}

type URLValidator struct {
	Schemes []string
}

func (v *URLValidator) Validate(key string, value interface{}) error {
	str, ok := value.(string)
	if !ok {
		return fmt.Errorf("%s: expected URL string", key)
	}
	if str == "" {
		return nil
	}
	u, err := url.Parse(str)
	if err != nil {
		return fmt.Errorf("%s: invalid URL %q: %w", key, str, err)
	}
	if len(v.Schemes) > 0 && !slices.Contains(v.Schemes, u.Scheme) {
		return fmt.Errorf("%s: URL scheme %q not allowed (allowed: %v)", key, u.Scheme, v.Schemes)
	}
	return nil
}
