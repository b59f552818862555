package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DefaultSwissLifeURL is the quoting entry point used when no provider file exists.
const DefaultSwissLifeURL = "https://www.swisslifeone.fr/index-swisslifeOne.html#/tarification-et-simulation/slsis"

// ProviderEntry describes a single quoting provider.
type ProviderEntry struct {
	Name       string `yaml:"name"`
	URL        string `yaml:"url"`
	GroupParam string `yaml:"group_param,omitempty"`
}

// ProvidersConfig is the top-level YAML configuration for providers.
type ProvidersConfig struct {
	Providers []ProviderEntry `yaml:"providers"`
}

// DefaultProviders returns the built-in provider list.
func DefaultProviders() *ProvidersConfig {
	return &ProvidersConfig{Providers: []ProviderEntry{{Name: "swisslife", URL: DefaultSwissLifeURL}}}
}

// LoadProviders reads and validates a providers YAML file.
// Returns an os.ErrNotExist-wrapped error if the file is absent (caller
// falls back to DefaultProviders in that case).
func LoadProviders(path string) (*ProvidersConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("providers config: %w", err)
	}
	var cfg ProvidersConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("providers config: %w", err)
	}
	if len(cfg.Providers) < 1 {
		return nil, fmt.Errorf("providers config: at least one provider entry is required")
	}
	seen := make(map[string]bool, len(cfg.Providers))
	for i, p := range cfg.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("providers config: providers[%d] missing name", i)
		}
		if p.URL == "" {
			return nil, fmt.Errorf("providers config: providers[%d] (%s) missing url", i, p.Name)
		}
		if seen[p.Name] {
			return nil, fmt.Errorf("providers config: duplicate provider %q", p.Name)
		}
		seen[p.Name] = true
	}
	return &cfg, nil
}
