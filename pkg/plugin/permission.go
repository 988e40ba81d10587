package plugin

import (
	"fmt"
	"strings"
)

// Permission is a bit-set of capabilities a plugin declares.
type Permission uint32

const PermissionNone Permission = 0

const (
	PermissionFileSystem Permission = 1 << iota
	PermissionNetwork
	PermissionReflection
)

var permissionNames = []struct {
	bit  Permission
	name string
}{
	{PermissionFileSystem, "FileSystem"},
	{PermissionNetwork, "Network"},
	{PermissionReflection, "Reflection"},
}

func (p Permission) Has(required Permission) bool {
	return p&required == required
}

// Missing returns the bits of required that p lacks.
func (p Permission) Missing(required Permission) Permission {
	return required &^ p
}

func (p Permission) Names() []string {
	var names []string
	for _, pn := range permissionNames {
		if p&pn.bit != 0 {
			names = append(names, pn.name)
		}
	}
	return names
}

func (p Permission) String() string {
	if p == PermissionNone {
		return "None"
	}
	names := p.Names()
	if rest := p &^ knownPermissions(); rest != 0 {
		names = append(names, fmt.Sprintf("0x%x", uint32(rest)))
	}
	return strings.Join(names, "|")
}

func knownPermissions() Permission {
	var all Permission
	for _, pn := range permissionNames {
		all |= pn.bit
	}
	return all
}

// ParsePermission resolves a single case-insensitive permission name.
func ParsePermission(name string) (Permission, error) {
	n := strings.TrimSpace(name)
	if strings.EqualFold(n, "none") {
		return PermissionNone, nil
	}
	for _, pn := range permissionNames {
		if strings.EqualFold(pn.name, n) {
			return pn.bit, nil
		}
	}
	return PermissionNone, NewError(KindConfiguration, "", "parse permission",
		fmt.Errorf("unknown permission %q", name))
}

func ParsePermissions(names []string) (Permission, error) {
	var p Permission
	for _, name := range names {
		bit, err := ParsePermission(name)
		if err != nil {
			return PermissionNone, err
		}
		p |= bit
	}
	return p, nil
}
