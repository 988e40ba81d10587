package manifest

// Addin is the logical manifest shared by every serializer.
type Addin struct {
	ID              string           `json:"id" yaml:"id"`
	Name            string           `json:"name" yaml:"name"`
	Version         string           `json:"version" yaml:"version"`
	Description     string           `json:"description,omitempty" yaml:"description,omitempty"`
	Author          string           `json:"author,omitempty" yaml:"author,omitempty"`
	IconPath        string           `json:"iconPath,omitempty" yaml:"iconPath,omitempty"`
	Runtime         Runtime          `json:"runtime" yaml:"runtime"`
	Dependencies    []Dependency     `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Permissions     Permissions      `json:"permissions" yaml:"permissions"`
	ExtensionPoints []ExtensionPoint `json:"extensionPoints,omitempty" yaml:"extensionPoints,omitempty"`
	Extensions      []Extension      `json:"extensions,omitempty" yaml:"extensions,omitempty"`
	Nodes           []Node           `json:"nodes,omitempty" yaml:"nodes,omitempty"`
	Signature       string           `json:"signature,omitempty" yaml:"signature,omitempty"`
}

type Runtime struct {
	Assembly string `json:"assembly" yaml:"assembly"`
	TypeName string `json:"typeName" yaml:"typeName"`
}

type Dependency struct {
	AddinID  string `json:"addinId" yaml:"addinId"`
	Version  string `json:"version,omitempty" yaml:"version,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
}

type Permissions struct {
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

type ExtensionPoint struct {
	Path string `json:"path" yaml:"path"`
}

type Extension struct {
	Path       string            `json:"path" yaml:"path"`
	TypeName   string            `json:"typeName,omitempty" yaml:"typeName,omitempty"`
	Properties map[string]string `json:"properties,omitempty" yaml:"properties,omitempty"`
}

type Node struct {
	Name        string `json:"name" yaml:"name"`
	TypeName    string `json:"typeName" yaml:"typeName"`
	IconCode    string `json:"iconCode,omitempty" yaml:"iconCode,omitempty"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Category    string `json:"category,omitempty" yaml:"category,omitempty"`
}
