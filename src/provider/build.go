package provider

import (
	"fmt"
	"time"

	"github.com/modelgate/modelgate/src/config"
)

// BuildRegistry constructs adapters from the configured endpoints.
func BuildRegistry(cfg *config.ProvidersConfig, invokeTimeout time.Duration) (*Registry, error) {
	reg := NewRegistry()
	for _, ep := range cfg.Endpoints {
		switch ep.Kind {
		case "openai":
			reg.Register(NewOpenAIAdapter(ep.Name, ep.APIKey, ep.BaseURL, invokeTimeout))
		case "openai_compatible":
			reg.Register(NewCompatAdapter(ep.Name, ep.APIKey, ep.BaseURL, invokeTimeout))
		default:
			return nil, fmt.Errorf("unknown provider kind %q for %s", ep.Kind, ep.Name)
		}
	}
	return reg, nil
}
