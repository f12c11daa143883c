package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/luahost/pkg/vars"
)

// Seed is the YAML world seed: the entities a fresh world starts with.
type Seed struct {
	Entities []SeedEntity `yaml:"entities"`
}

// SeedEntity describes one entity to spawn.
type SeedEntity struct {
	Name       string         `yaml:"name"`
	Components map[string]any `yaml:"components"`
	Scripts    []string       `yaml:"scripts"`
}

// LoadSeed reads a world seed file.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing YAML %s: %w", path, err)
	}
	for i, e := range s.Entities {
		if e.Name == "" {
			return nil, fmt.Errorf("%s: entity %d has no name", path, i+1)
		}
	}
	return &s, nil
}

// ComponentValues converts the entity's YAML components. A map with exactly
// the keys x, y and z becomes a vec3 and {entity: id} an entity reference.
func (e SeedEntity) ComponentValues() (map[string]vars.Value, error) {
	out := make(map[string]vars.Value, len(e.Components))
	for k, raw := range e.Components {
		v, err := vars.FromPlain(raw)
		if err != nil {
			return nil, fmt.Errorf("entity %s component %s: %w", e.Name, k, err)
		}
		out[k] = v
	}
	return out, nil
}
