package model

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/hatchling-dev/hatchling/internal/bus"
	"github.com/hatchling-dev/hatchling/internal/catalog"
)

// collectTools resolves the provider-format serializations to attach to a
// payload, going through the catalog's per-provider cache. A nil names
// slice selects every enabled tool. Explicit names must exist in the
// catalog; disabled ones are skipped with a warning.
func collectTools(cat *catalog.Catalog, provider bus.ProviderID, names []string, convert func(*catalog.ToolInfo) (any, error)) ([]any, error) {
	if names == nil {
		enabled := cat.EnabledTools()
		formatted := make([]any, 0, len(enabled))
		for _, info := range enabled {
			f, err := cat.ProviderFormat(info.Name, provider, convert)
			if err != nil {
				return nil, err
			}
			formatted = append(formatted, f)
		}
		return formatted, nil
	}

	formatted := make([]any, 0, len(names))
	for _, name := range names {
		info, err := cat.Get(name)
		if err != nil {
			return nil, fmt.Errorf("cannot attach tool to payload: %w", err)
		}
		if status, reason := info.State(); status == catalog.StatusDisabled {
			zap.L().Warn("Skipping disabled tool",
				zap.String("tool", name),
				zap.String("reason", string(reason)))
			continue
		}
		f, err := cat.ProviderFormat(name, provider, convert)
		if err != nil {
			return nil, err
		}
		formatted = append(formatted, f)
	}
	return formatted, nil
}
