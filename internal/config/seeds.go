package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fidde/cardinality_sketch/pkg/models"
)

// Seed declares a sketch to create at startup with a non-default spec.
type Seed struct {
	Name string `yaml:"name"`

	models.SketchSpec `yaml:",inline"`

	Description string `yaml:"description,omitempty"`
}

// SeedsFile is the layout of the seed YAML file.
type SeedsFile struct {
	Sketches []Seed `yaml:"sketches"`
}

// LoadSeeds reads and validates a seed file. Every entry must have a valid
// name and a spec that resolves to a valid sketch configuration.
func LoadSeeds(path string) ([]Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading seed file: %w", err)
	}

	var file SeedsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing seed YAML: %w", err)
	}

	seen := make(map[string]bool, len(file.Sketches))
	for _, s := range file.Sketches {
		if err := models.ValidateSketchName(s.Name); err != nil {
			return nil, fmt.Errorf("seed %q: %w", s.Name, err)
		}
		if seen[s.Name] {
			return nil, fmt.Errorf("seed %q: %w", s.Name, models.ErrAlreadyExists)
		}
		seen[s.Name] = true

		if _, err := s.SketchSpec.Config(); err != nil {
			return nil, fmt.Errorf("seed %q: %w", s.Name, err)
		}
	}

	return file.Sketches, nil
}

// Render returns the configuration as YAML.
func Render(cfg *Config) ([]byte, error) {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("rendering config: %w", err)
	}
	return out, nil
}
