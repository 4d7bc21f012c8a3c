// Package registry holds the static catalog of plugins the node may run.
// The catalog is loaded once at startup and never mutated afterwards.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Catalog is the on-disk shape of the plugin registry file.
type Catalog struct {
	Defaults Defaults              `yaml:"defaults"`
	Plugins  map[string]PluginSpec `yaml:"plugins"`
}

// Registry is the immutable, validated view of a loaded catalog.
type Registry struct {
	specs map[string]PluginSpec
	names []string
}

// Load reads and validates a YAML plugin catalog.
func Load(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.New("registry path cannot be empty")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plugin catalog: %w", err)
	}
	return Parse(raw)
}

// Parse builds a registry from raw catalog bytes.
func Parse(raw []byte) (*Registry, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("unmarshal plugin catalog: %w", err)
	}
	return New(catalog)
}

// New validates a catalog and returns the registry view over it.
func New(catalog Catalog) (*Registry, error) {
	specs := make(map[string]PluginSpec, len(catalog.Plugins))
	names := make([]string, 0, len(catalog.Plugins))
	for name, spec := range catalog.Plugins {
		spec.Name = name
		spec = mergeSpec(spec, catalog.Defaults)
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		specs[name] = spec
		names = append(names, name)
	}
	sort.Strings(names)
	return &Registry{specs: specs, names: names}, nil
}

// Lookup returns the spec registered under name.
func (r *Registry) Lookup(name string) (PluginSpec, bool) {
	spec, ok := r.specs[name]
	return spec, ok
}

// Names returns all catalog entries in stable order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// Enabled returns the specs that should be started at boot, in stable order.
func (r *Registry) Enabled() []PluginSpec {
	out := make([]PluginSpec, 0, len(r.names))
	for _, name := range r.names {
		if spec := r.specs[name]; spec.Enabled {
			out = append(out, spec)
		}
	}
	return out
}

// Len returns the number of catalog entries.
func (r *Registry) Len() int {
	return len(r.specs)
}
