package model

import (
	"fmt"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
	"github.com/hatchling-dev/hatchling/internal/config"
)

// NewProvider creates the provider named by id. Providers publish on the
// given bus and enumerate tools from the given catalog. Registration is an
// explicit switch keyed on the closed provider set; no reflection.
func NewProvider(id bus.ProviderID, cfg *config.Config, b *bus.Bus, cat *catalog.Catalog) (Provider, error) {
	switch id {
	case bus.ProviderOpenAI:
		return NewOpenAIProvider(cfg, b, cat)
	case bus.ProviderOllama:
		return NewOllamaProvider(cfg, b, cat)
	default:
		return nil, config.NewUnknownProviderError(string(id))
	}
}

// NewProviders instantiates one provider per known ProviderID.
func NewProviders(cfg *config.Config, b *bus.Bus, cat *catalog.Catalog) (map[bus.ProviderID]Provider, error) {
	providers := make(map[bus.ProviderID]Provider, len(bus.ValidProviderIDs()))
	for id := range bus.ValidProviderIDs() {
		p, err := NewProvider(id, cfg, b, cat)
		if err != nil {
			return nil, fmt.Errorf("failed to create provider %s: %w", id, err)
		}
		providers[id] = p
	}
	return providers, nil
}
