package openai

import (
	"context"
	"fmt"

	"github.com/davidbz/corebridge/internal/domain"
)

const (
	// GPT-4o pricing per 1K tokens
	gpt4oInputCostPer1K  = 0.0025
	gpt4oOutputCostPer1K = 0.01
	gpt4oCachedCostPer1K = 0.00125

	// GPT-4o mini pricing per 1K tokens
	gpt4oMiniInputCostPer1K  = 0.00015
	gpt4oMiniOutputCostPer1K = 0.0006
	gpt4oMiniCachedCostPer1K = 0.000075

	// GPT-4.1 pricing per 1K tokens
	gpt41InputCostPer1K  = 0.002
	gpt41OutputCostPer1K = 0.008
	gpt41CachedCostPer1K = 0.0005
)

// RegisterPricing registers default OpenAI model pricing with the registry.
// Pricing from the routing file is registered afterwards and takes precedence.
func RegisterPricing(ctx context.Context, registry domain.PricingRegistry) error {
	models := map[string]domain.PricingConfig{
		"gpt-4o": {
			InputCostPer1K:  gpt4oInputCostPer1K,
			OutputCostPer1K: gpt4oOutputCostPer1K,
			CachedCostPer1K: gpt4oCachedCostPer1K,
		},
		"gpt-4o-mini": {
			InputCostPer1K:  gpt4oMiniInputCostPer1K,
			OutputCostPer1K: gpt4oMiniOutputCostPer1K,
			CachedCostPer1K: gpt4oMiniCachedCostPer1K,
		},
		"gpt-4.1": {
			InputCostPer1K:  gpt41InputCostPer1K,
			OutputCostPer1K: gpt41OutputCostPer1K,
			CachedCostPer1K: gpt41CachedCostPer1K,
		},
	}

	for model, config := range models {
		if err := registry.RegisterPricing(ctx, model, config); err != nil {
			return fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return nil
}
