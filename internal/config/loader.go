package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Loader reads a Config from disk, layering the YAML file over the
// built-in defaults.
type Loader struct{}

// NewLoader returns a Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the YAML file at path, starting from Default() so
// an omitted section keeps its default value.
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
