package preset

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// #region default-catalog
// defaultCatalogYAML ships the built-in presets. The catalog is closed at
// runtime; an operator may replace it with a YAML file of the same shape.
const defaultCatalogYAML = `
presets:
  - id: gentle_start
    name: Gentle start
    description: Softer trust penalties and fewer surfaced signals while settling in.
    parameters:
      trust.delta.deadline_missed: -6
      trust.delta.drift_detected: -2
      trust.delta.focus_abandoned: -2
      definition.capture_burst.active: 0
  - id: deadline_season
    name: Deadline season
    description: Sharper penalties for misses, bigger rewards for completions, shorter signal horizon.
    parameters:
      trust.delta.deadline_missed: -15
      trust.delta.task_completed: 8
      surfacer.horizon_minutes: 60
  - id: recovery_week
    name: Recovery week
    description: Minimal penalties and a longer signal horizon for a low-pressure week.
    parameters:
      trust.delta.deadline_missed: -3
      trust.delta.drift_detected: -1
      trust.delta.rule_violation: -3
      definition.rapid_context_switching.active: 0
      surfacer.horizon_minutes: 180
`

// #endregion default-catalog

// #region catalog
// Catalog is the closed set of applicable presets.
type Catalog struct {
	presets map[string]Preset
}

type catalogFile struct {
	Presets []Preset `yaml:"presets"`
}

// DefaultCatalog parses the shipped preset set.
func DefaultCatalog() (*Catalog, error) {
	return parseCatalog([]byte(defaultCatalogYAML))
}

// LoadCatalog reads a catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return parseCatalog(data)
}

func parseCatalog(data []byte) (*Catalog, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c := &Catalog{presets: make(map[string]Preset, len(f.Presets))}
	for _, p := range f.Presets {
		if p.ID == "" {
			return nil, fmt.Errorf("parse catalog: preset with empty id")
		}
		if len(p.Parameters) == 0 {
			return nil, fmt.Errorf("parse catalog: preset %s has no parameters", p.ID)
		}
		c.presets[p.ID] = p
	}
	return c, nil
}

// Get resolves a preset id against the closed set.
func (c *Catalog) Get(id string) (Preset, error) {
	p, ok := c.presets[id]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, id)
	}
	return p, nil
}

// List returns all presets sorted by id.
func (c *Catalog) List() []Preset {
	out := make([]Preset, 0, len(c.presets))
	for _, p := range c.presets {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// #endregion catalog
