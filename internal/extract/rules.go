package extract

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rules selects which entities become records
type Rules struct {
	// PlaceValues lists the place tag values that make a node a city
	PlaceValues []string `yaml:"place_values,omitempty"`
	// RoadKey is the tag key marking a way as a road, any value
	RoadKey string `yaml:"road_key,omitempty"`
}

// DefaultRules returns the built-in rules: cities and towns, highways
func DefaultRules() *Rules {
	return &Rules{
		PlaceValues: []string{"city", "town"},
		RoadKey:     "highway",
	}
}

// LoadRules loads extraction rules from a YAML file. Fields left out of
// the file keep their default.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	rules := DefaultRules()
	if err := yaml.Unmarshal(data, rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules YAML: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return nil, err
	}
	return rules, nil
}

// Validate checks the rules can select anything
func (r *Rules) Validate() error {
	if len(r.PlaceValues) == 0 {
		return fmt.Errorf("rules: place_values must not be empty")
	}
	for _, v := range r.PlaceValues {
		if v == "" {
			return fmt.Errorf("rules: empty place value")
		}
	}
	if r.RoadKey == "" {
		return fmt.Errorf("rules: road_key is required")
	}
	return nil
}
