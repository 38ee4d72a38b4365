package provider

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/blogchat/chatrelay/internal/chat"
)

// CatalogEntry overrides the defaults of one provider kind.
type CatalogEntry struct {
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// Catalog is the on-disk model catalogue, e.g.
//
//	providers:
//	  deepseek:
//	    default_model: deepseek-reasoner
//	  openai:
//	    base_url: https://proxy.internal/v1
type Catalog struct {
	Providers map[string]CatalogEntry `yaml:"providers"`
}

// LoadCatalog reads a YAML catalogue and returns it as table overrides.
func LoadCatalog(path string) (map[chat.ProviderKind]Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read model catalog %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes catalogue YAML. Unknown provider names are rejected.
func ParseCatalog(data []byte) (map[chat.ProviderKind]Settings, error) {
	var catalog Catalog
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return nil, fmt.Errorf("failed to parse model catalog: %w", err)
	}
	out := make(map[chat.ProviderKind]Settings, len(catalog.Providers))
	for name, entry := range catalog.Providers {
		kind, err := chat.ParseProviderKind(name)
		if err != nil {
			return nil, fmt.Errorf("model catalog: %w", err)
		}
		out[kind] = Settings{DefaultModel: entry.DefaultModel, BaseURL: entry.BaseURL}
	}
	return out, nil
}
