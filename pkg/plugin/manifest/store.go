package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"addinhost/pkg/plugin"

	"github.com/Masterminds/semver/v3"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

type ValidationErrors []ValidationError

func (errs ValidationErrors) Error() string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return "invalid manifest: " + strings.Join(msgs, "; ")
}

// Store reads manifests through the first serializer that claims a path.
type Store struct {
	serializers []Serializer
}

// NewStore uses the JSON, YAML and XML serializers when none are given.
func NewStore(serializers ...Serializer) *Store {
	if len(serializers) == 0 {
		serializers = []Serializer{JSONSerializer{}, YAMLSerializer{}, XMLSerializer{}}
	}
	return &Store{serializers: serializers}
}

func (s *Store) Serializer(path string) (Serializer, bool) {
	for _, ser := range s.serializers {
		if ser.CanHandle(path) {
			return ser, true
		}
	}
	return nil, false
}

func (s *Store) Handles(path string) bool {
	_, ok := s.Serializer(path)
	return ok
}

func (s *Store) Read(path string) (*Addin, error) {
	ser, ok := s.Serializer(path)
	if !ok {
		return nil, fmt.Errorf("no serializer for manifest %s", filepath.Base(path))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ser.Unmarshal(data)
}

func (s *Store) Write(path string, a *Addin) error {
	ser, ok := s.Serializer(path)
	if !ok {
		return fmt.Errorf("no serializer for manifest %s", filepath.Base(path))
	}

	data, err := ser.Marshal(a)
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Descriptor reads, validates and converts the manifest at path. Failures
// are configuration errors.
func (s *Store) Descriptor(path string) (*plugin.PluginDescriptor, error) {
	a, err := s.Read(path)
	if err != nil {
		return nil, plugin.NewError(plugin.KindConfiguration, "", "read manifest", err)
	}
	if errs := Validate(a); len(errs) > 0 {
		return nil, plugin.NewError(plugin.KindConfiguration, a.ID, "validate manifest", errs)
	}
	d, err := ToDescriptor(a, path)
	if err != nil {
		return nil, plugin.NewError(plugin.KindConfiguration, a.ID, "convert manifest", err)
	}
	return d, nil
}

func Validate(a *Addin) ValidationErrors {
	var errs ValidationErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if strings.TrimSpace(a.ID) == "" {
		add("id", "is required")
	}
	if strings.TrimSpace(a.Name) == "" {
		add("name", "is required")
	}
	if a.Version == "" {
		add("version", "is required")
	} else if _, err := semver.NewVersion(a.Version); err != nil {
		add("version", "%q is not a valid version", a.Version)
	}

	if a.Runtime.Assembly == "" {
		add("runtime.assembly", "is required")
	} else if !filepath.IsAbs(a.Runtime.Assembly) {
		clean := filepath.Clean(a.Runtime.Assembly)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			add("runtime.assembly", "must stay within the manifest directory")
		}
	}

	seen := make(map[string]bool, len(a.Dependencies))
	for i, dep := range a.Dependencies {
		field := fmt.Sprintf("dependencies[%d]", i)
		switch {
		case dep.AddinID == "":
			add(field, "addinId is required")
			continue
		case dep.AddinID == a.ID:
			add(field, "plugin cannot depend on itself")
		case seen[dep.AddinID]:
			add(field, "duplicate dependency on %s", dep.AddinID)
		}
		seen[dep.AddinID] = true

		if _, err := plugin.ParseVersionRange(dep.Version); err != nil {
			add(field, "%v", err)
		}
	}

	for _, name := range a.Permissions.Required {
		if _, err := plugin.ParsePermission(name); err != nil {
			add("permissions.required", "unknown permission %q", name)
		}
	}

	for i, n := range a.Nodes {
		if n.Name == "" || n.TypeName == "" {
			add(fmt.Sprintf("nodes[%d]", i), "name and typeName are required")
		}
	}
	return errs
}

// ToDescriptor converts a validated manifest. Relative assembly paths are
// resolved against the manifest's directory.
func ToDescriptor(a *Addin, manifestPath string) (*plugin.PluginDescriptor, error) {
	version, err := semver.NewVersion(a.Version)
	if err != nil {
		return nil, fmt.Errorf("invalid version %q: %w", a.Version, err)
	}
	perms, err := plugin.ParsePermissions(a.Permissions.Required)
	if err != nil {
		return nil, err
	}

	assembly := a.Runtime.Assembly
	if !filepath.IsAbs(assembly) {
		assembly = filepath.Join(filepath.Dir(manifestPath), assembly)
	}

	d := &plugin.PluginDescriptor{
		ID:           a.ID,
		Name:         a.Name,
		Version:      version,
		Description:  a.Description,
		Author:       a.Author,
		Permissions:  perms,
		AssemblyPath: assembly,
		TypeName:     a.Runtime.TypeName,
		IconPath:     a.IconPath,
		ManifestPath: manifestPath,
		Signature:    a.Signature,
	}

	for _, dep := range a.Dependencies {
		r, err := plugin.ParseVersionRange(dep.Version)
		if err != nil {
			return nil, err
		}
		d.Dependencies = append(d.Dependencies, plugin.DependencyInfo{
			PluginID: dep.AddinID,
			Range:    r,
			Optional: dep.Optional,
		})
	}
	for _, ep := range a.ExtensionPoints {
		d.ExtensionPoints = append(d.ExtensionPoints, plugin.ExtensionPoint{Path: ep.Path})
	}
	for _, ext := range a.Extensions {
		d.Extensions = append(d.Extensions, plugin.Extension{
			Path:       ext.Path,
			TypeName:   ext.TypeName,
			Properties: ext.Properties,
		})
	}
	for _, n := range a.Nodes {
		d.Nodes = append(d.Nodes, plugin.NodeInfo{
			Name:        n.Name,
			TypeName:    n.TypeName,
			IconCode:    n.IconCode,
			Description: n.Description,
			Category:    n.Category,
		})
	}

	d.SetState(plugin.StateValidated)
	return d, nil
}
