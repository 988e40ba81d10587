package plugin

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// VersionRange is an interval of versions. A nil bound is unbounded.
//
// Accepted forms:
//
//	"1.2"          exactly 1.2
//	"1.2+"         1.2 or later
//	"[1.0,2.0)"    brackets are inclusive, parentheses exclusive
//	"(1.0,]"       either bound may be omitted
//	"" or "*"      any version
type VersionRange struct {
	Min          *semver.Version
	Max          *semver.Version
	MinInclusive bool
	MaxInclusive bool
}

// AnyVersion matches every version.
var AnyVersion = VersionRange{}

func ExactVersion(v *semver.Version) VersionRange {
	return VersionRange{Min: v, Max: v, MinInclusive: true, MaxInclusive: true}
}

func ParseVersionRange(s string) (VersionRange, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return AnyVersion, nil
	}

	if s[0] == '[' || s[0] == '(' {
		return parseInterval(s)
	}

	if strings.HasSuffix(s, "+") {
		v, err := semver.NewVersion(strings.TrimSuffix(s, "+"))
		if err != nil {
			return VersionRange{}, fmt.Errorf("invalid version range %q: %w", s, err)
		}
		return VersionRange{Min: v, MinInclusive: true}, nil
	}

	v, err := semver.NewVersion(s)
	if err != nil {
		return VersionRange{}, fmt.Errorf("invalid version range %q: %w", s, err)
	}
	return ExactVersion(v), nil
}

func parseInterval(s string) (VersionRange, error) {
	last := s[len(s)-1]
	if last != ']' && last != ')' {
		return VersionRange{}, fmt.Errorf("invalid version range %q: unterminated interval", s)
	}

	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != 2 {
		return VersionRange{}, fmt.Errorf("invalid version range %q: expected two bounds", s)
	}

	r := VersionRange{
		MinInclusive: s[0] == '[',
		MaxInclusive: last == ']',
	}

	if lo := strings.TrimSpace(parts[0]); lo != "" {
		v, err := semver.NewVersion(lo)
		if err != nil {
			return VersionRange{}, fmt.Errorf("invalid lower bound in %q: %w", s, err)
		}
		r.Min = v
	}
	if hi := strings.TrimSpace(parts[1]); hi != "" {
		v, err := semver.NewVersion(hi)
		if err != nil {
			return VersionRange{}, fmt.Errorf("invalid upper bound in %q: %w", s, err)
		}
		r.Max = v
	}

	if r.Min != nil && r.Max != nil {
		c := r.Min.Compare(r.Max)
		if c > 0 || (c == 0 && !(r.MinInclusive && r.MaxInclusive)) {
			return VersionRange{}, fmt.Errorf("invalid version range %q: empty interval", s)
		}
	}
	return r, nil
}

// MustParseVersionRange panics on malformed input. Intended for literals.
func MustParseVersionRange(s string) VersionRange {
	r, err := ParseVersionRange(s)
	if err != nil {
		panic(err)
	}
	return r
}

func (r VersionRange) IsAny() bool {
	return r.Min == nil && r.Max == nil
}

func (r VersionRange) IsInRange(v *semver.Version) bool {
	if v == nil {
		return false
	}
	if r.Min != nil {
		c := v.Compare(r.Min)
		if c < 0 || (c == 0 && !r.MinInclusive) {
			return false
		}
	}
	if r.Max != nil {
		c := v.Compare(r.Max)
		if c > 0 || (c == 0 && !r.MaxInclusive) {
			return false
		}
	}
	return true
}

func (r VersionRange) String() string {
	switch {
	case r.IsAny():
		return "*"
	case r.Min != nil && r.Max != nil && r.Min.Equal(r.Max) && r.MinInclusive && r.MaxInclusive:
		return r.Min.Original()
	case r.Min != nil && r.Max == nil && r.MinInclusive:
		return r.Min.Original() + "+"
	}

	var b strings.Builder
	if r.MinInclusive {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	if r.Min != nil {
		b.WriteString(r.Min.Original())
	}
	b.WriteByte(',')
	if r.Max != nil {
		b.WriteString(r.Max.Original())
	}
	if r.MaxInclusive {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}
