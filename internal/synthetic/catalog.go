package synthetic

import (
	_ "embed"
	"fmt"
	"maps"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/kubilitics-usage/internal/budget"
	"github.com/kubilitics/kubilitics-usage/pkg/types"
)

//go:embed catalog.yaml
var defaultCatalogYAML []byte

// Catalog is the static description of what the synthetic backend serves.
type Catalog struct {
	DefaultModel   string              `yaml:"default_model"`
	Models         []CatalogModel      `yaml:"models"`
	Settings       map[string]any      `yaml:"settings"`
	SettingOptions map[string][]string `yaml:"setting_options"`
}

// CatalogModel is one selectable model. Weight is its relative share of
// generated traffic.
type CatalogModel struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Provider      string         `yaml:"provider"`
	ContextWindow int            `yaml:"context_window"`
	Capabilities  []string       `yaml:"capabilities"`
	Weight        float64        `yaml:"weight"`
	Pricing       budget.Pricing `yaml:"pricing"`
}

// LoadCatalog parses and validates a YAML catalog.
func LoadCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	if len(c.Models) == 0 {
		return nil, fmt.Errorf("catalog has no models")
	}
	seen := make(map[string]bool, len(c.Models))
	for i, m := range c.Models {
		if m.ID == "" {
			return nil, fmt.Errorf("catalog model %d has no id", i)
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("duplicate catalog model %q", m.ID)
		}
		seen[m.ID] = true
		if m.Weight <= 0 {
			c.Models[i].Weight = 1
		}
	}
	if c.DefaultModel == "" {
		c.DefaultModel = c.Models[0].ID
	}
	if !seen[c.DefaultModel] {
		return nil, fmt.Errorf("default model %q is not in the catalog", c.DefaultModel)
	}
	if c.Settings == nil {
		c.Settings = map[string]any{}
	}
	for key, opts := range c.SettingOptions {
		if v, ok := c.Settings[key]; ok {
			s, isString := v.(string)
			if !isString || !slices.Contains(opts, s) {
				return nil, fmt.Errorf("default for setting %q must be one of %v", key, opts)
			}
		}
	}
	return &c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	c, err := LoadCatalog(defaultCatalogYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded catalog is invalid: %v", err))
	}
	return c
}

// HasModel reports whether id is in the catalog.
func (c *Catalog) HasModel(id string) bool {
	return c.model(id) != nil
}

func (c *Catalog) model(id string) *CatalogModel {
	for i := range c.Models {
		if c.Models[i].ID == id {
			return &c.Models[i]
		}
	}
	return nil
}

// ValidateSetting checks value against the catalog: enum settings must use
// one of their options and boolean defaults only accept booleans.
func (c *Catalog) ValidateSetting(key string, value any) error {
	if key == "" {
		return fmt.Errorf("setting key is required")
	}
	if opts, ok := c.SettingOptions[key]; ok {
		s, isString := value.(string)
		if !isString || !slices.Contains(opts, s) {
			return fmt.Errorf("setting %q must be one of %v, got %v", key, opts, value)
		}
		return nil
	}
	if def, ok := c.Settings[key]; ok {
		if _, isBool := def.(bool); isBool {
			if _, ok := value.(bool); !ok {
				return fmt.Errorf("setting %q must be a boolean, got %T", key, value)
			}
		}
	}
	return nil
}

// ModelInfos converts the catalog to snapshot model entries.
func (c *Catalog) ModelInfos() []types.ModelInfo {
	infos := make([]types.ModelInfo, 0, len(c.Models))
	for _, m := range c.Models {
		infos = append(infos, types.ModelInfo{
			ID:                 m.ID,
			Name:               m.Name,
			Provider:           m.Provider,
			ContextWindow:      m.ContextWindow,
			Capabilities:       slices.Clone(m.Capabilities),
			InputPricePerMTok:  m.Pricing.InputPerMTok,
			OutputPricePerMTok: m.Pricing.OutputPerMTok,
		})
	}
	return infos
}

// DefaultSettings returns a copy of the default settings.
func (c *Catalog) DefaultSettings() map[string]any {
	return maps.Clone(c.Settings)
}
