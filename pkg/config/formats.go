package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ConfigFormat interface {
	Name() string
	Extensions() []string
	Unmarshal(data []byte) (map[string]interface{}, error)
	Marshal(config map[string]interface{}) ([]byte, error)
}

type JSONFormat struct{}

func (f *JSONFormat) Name() string { return "json" }

func (f *JSONFormat) Extensions() []string { return []string{".json"} }

func (f *JSONFormat) Unmarshal(data []byte) (map[string]interface{}, error) {
	var config map[string]interface{}
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return config, nil
}

func (f *JSONFormat) Marshal(config map[string]interface{}) ([]byte, error) {
	return json.MarshalIndent(config, "", "  ")
}

type YAMLFormat struct{}

func (f *YAMLFormat) Name() string { return "yaml" }

func (f *YAMLFormat) Extensions() []string { return []string{".yaml", ".yml"} }

func (f *YAMLFormat) Unmarshal(data []byte) (map[string]interface{}, error) {
	var config map[string]interface{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("invalid YAML: %w", err)
	}
	if config == nil {
		config = make(map[string]interface{})
	}
	return config, nil
}

func (f *YAMLFormat) Marshal(config map[string]interface{}) ([]byte, error) {
	return yaml.Marshal(config)
}

var formats = []ConfigFormat{&YAMLFormat{}, &JSONFormat{}}

// FormatFor picks the format by file extension. Unknown extensions are read
// as YAML, which also accepts JSON documents.
func FormatFor(path string) ConfigFormat {
	ext := strings.ToLower(filepath.Ext(path))
	for _, f := range formats {
		for _, e := range f.Extensions() {
			if e == ext {
				return f
			}
		}
	}
	return formats[0]
}

// FormatByName returns the format called name ("json" or "yaml").
func FormatByName(name string) (ConfigFormat, error) {
	for _, f := range formats {
		if f.Name() == strings.ToLower(name) {
			return f, nil
		}
	}
	return nil, fmt.Errorf("unsupported config format: %s", name)
}
