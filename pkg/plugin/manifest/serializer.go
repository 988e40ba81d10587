package manifest

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Serializer reads and writes one physical manifest format.
type Serializer interface {
	Name() string
	CanHandle(path string) bool
	Unmarshal(data []byte) (*Addin, error)
	Marshal(a *Addin) ([]byte, error)
}

func matchesName(path string, names, suffixes []string) bool {
	base := strings.ToLower(filepath.Base(path))
	for _, n := range names {
		if base == n {
			return true
		}
	}
	for _, s := range suffixes {
		if strings.HasSuffix(base, s) {
			return true
		}
	}
	return false
}

type JSONSerializer struct{}

func (JSONSerializer) Name() string { return "json" }

func (JSONSerializer) CanHandle(path string) bool {
	return matchesName(path, []string{"addin.json"}, []string{".addin.json"})
}

func (JSONSerializer) Unmarshal(data []byte) (*Addin, error) {
	var a Addin
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid manifest JSON: %w", err)
	}
	return &a, nil
}

func (JSONSerializer) Marshal(a *Addin) ([]byte, error) {
	return json.MarshalIndent(a, "", "  ")
}

type YAMLSerializer struct{}

func (YAMLSerializer) Name() string { return "yaml" }

func (YAMLSerializer) CanHandle(path string) bool {
	return matchesName(path,
		[]string{"addin.yaml", "addin.yml"},
		[]string{".addin.yaml", ".addin.yml"})
}

func (YAMLSerializer) Unmarshal(data []byte) (*Addin, error) {
	var a Addin
	if err := yaml.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("invalid manifest YAML: %w", err)
	}
	return &a, nil
}

func (YAMLSerializer) Marshal(a *Addin) ([]byte, error) {
	return yaml.Marshal(a)
}

// XMLSerializer handles the element/attribute layout:
//
//	<Addin id="" name="" version="">
//	  <Runtime assembly="" type=""/>
//	  <Dependencies><Addin id="" version="" optional="true"/></Dependencies>
//	  <Permissions><Permission>Network</Permission></Permissions>
//	  ...
//	</Addin>
type XMLSerializer struct{}

type xmlAddin struct {
	XMLName         xml.Name            `xml:"Addin"`
	ID              string              `xml:"id,attr"`
	Name            string              `xml:"name,attr"`
	Version         string              `xml:"version,attr"`
	Author          string              `xml:"author,attr,omitempty"`
	IconPath        string              `xml:"icon,attr,omitempty"`
	Description     string              `xml:"Description,omitempty"`
	Runtime         xmlRuntime          `xml:"Runtime"`
	Dependencies    []xmlDependency     `xml:"Dependencies>Addin"`
	Permissions     []string            `xml:"Permissions>Permission"`
	ExtensionPoints []xmlExtensionPoint `xml:"ExtensionPoint"`
	Extensions      []xmlExtension      `xml:"Extension"`
	Nodes           []xmlNode           `xml:"Nodes>Node"`
	Signature       string              `xml:"Signature,omitempty"`
}

type xmlRuntime struct {
	Assembly string `xml:"assembly,attr"`
	TypeName string `xml:"type,attr"`
}

type xmlDependency struct {
	ID       string `xml:"id,attr"`
	Version  string `xml:"version,attr,omitempty"`
	Optional bool   `xml:"optional,attr,omitempty"`
}

type xmlExtensionPoint struct {
	Path string `xml:"path,attr"`
}

type xmlExtension struct {
	Path       string        `xml:"path,attr"`
	TypeName   string        `xml:"type,attr,omitempty"`
	Properties []xmlProperty `xml:"Property"`
}

type xmlProperty struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type xmlNode struct {
	Name        string `xml:"name,attr"`
	TypeName    string `xml:"type,attr"`
	IconCode    string `xml:"icon,attr,omitempty"`
	Description string `xml:"description,attr,omitempty"`
	Category    string `xml:"category,attr,omitempty"`
}

func (XMLSerializer) Name() string { return "xml" }

func (XMLSerializer) CanHandle(path string) bool {
	return matchesName(path, []string{"addin.xml"}, []string{".addin.xml", ".addin"})
}

func (XMLSerializer) Unmarshal(data []byte) (*Addin, error) {
	var x xmlAddin
	if err := xml.Unmarshal(data, &x); err != nil {
		return nil, fmt.Errorf("invalid manifest XML: %w", err)
	}

	a := &Addin{
		ID:          x.ID,
		Name:        x.Name,
		Version:     x.Version,
		Description: strings.TrimSpace(x.Description),
		Author:      x.Author,
		IconPath:    x.IconPath,
		Runtime:     Runtime{Assembly: x.Runtime.Assembly, TypeName: x.Runtime.TypeName},
		Permissions: Permissions{Required: x.Permissions},
		Signature:   strings.TrimSpace(x.Signature),
	}
	for _, d := range x.Dependencies {
		a.Dependencies = append(a.Dependencies, Dependency{AddinID: d.ID, Version: d.Version, Optional: d.Optional})
	}
	for _, ep := range x.ExtensionPoints {
		a.ExtensionPoints = append(a.ExtensionPoints, ExtensionPoint{Path: ep.Path})
	}
	for _, ext := range x.Extensions {
		e := Extension{Path: ext.Path, TypeName: ext.TypeName}
		if len(ext.Properties) > 0 {
			e.Properties = make(map[string]string, len(ext.Properties))
			for _, p := range ext.Properties {
				e.Properties[p.Name] = p.Value
			}
		}
		a.Extensions = append(a.Extensions, e)
	}
	for _, n := range x.Nodes {
		a.Nodes = append(a.Nodes, Node(n))
	}
	return a, nil
}

func (XMLSerializer) Marshal(a *Addin) ([]byte, error) {
	x := xmlAddin{
		ID:          a.ID,
		Name:        a.Name,
		Version:     a.Version,
		Author:      a.Author,
		IconPath:    a.IconPath,
		Description: a.Description,
		Runtime:     xmlRuntime{Assembly: a.Runtime.Assembly, TypeName: a.Runtime.TypeName},
		Permissions: a.Permissions.Required,
		Signature:   a.Signature,
	}
	for _, d := range a.Dependencies {
		x.Dependencies = append(x.Dependencies, xmlDependency{ID: d.AddinID, Version: d.Version, Optional: d.Optional})
	}
	for _, ep := range a.ExtensionPoints {
		x.ExtensionPoints = append(x.ExtensionPoints, xmlExtensionPoint{Path: ep.Path})
	}
	for _, ext := range a.Extensions {
		xe := xmlExtension{Path: ext.Path, TypeName: ext.TypeName}
		keys := make([]string, 0, len(ext.Properties))
		for k := range ext.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			xe.Properties = append(xe.Properties, xmlProperty{Name: k, Value: ext.Properties[k]})
		}
		x.Extensions = append(x.Extensions, xe)
	}
	for _, n := range a.Nodes {
		x.Nodes = append(x.Nodes, xmlNode(n))
	}

	out, err := xml.MarshalIndent(x, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), out...), nil
}
