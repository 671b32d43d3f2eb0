package domain

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/davidbz/corebridge/internal/observability"
)

const tokensPerUnit = 1000.0

// StandardCostCalculator prices usage from a PricingRegistry.
// Cache reads are billed at the cached rate, the rest of the prompt at the input rate.
type StandardCostCalculator struct {
	pricingRegistry PricingRegistry
	unpriced        sync.Map
}

// NewStandardCostCalculator creates a new cost calculator.
func NewStandardCostCalculator(registry PricingRegistry) *StandardCostCalculator {
	return &StandardCostCalculator{
		pricingRegistry: registry,
	}
}

// Calculate returns the total cost of usage for a model.
func (c *StandardCostCalculator) Calculate(
	ctx context.Context,
	model string,
	usage TokenUsage,
) (float64, error) {
	breakdown, err := c.Breakdown(ctx, model, usage)
	if err != nil {
		return 0, err
	}
	return breakdown.Total(), nil
}

// Breakdown prices each token kind. An unpriced model costs nothing and is
// logged once per case-folded name; callers pass the canonical routing name.
func (c *StandardCostCalculator) Breakdown(
	ctx context.Context,
	model string,
	usage TokenUsage,
) (CostBreakdown, error) {
	if model == "" {
		return CostBreakdown{}, errors.New("model cannot be empty")
	}

	pricing, err := c.pricingRegistry.GetPricing(ctx, model)
	if errors.Is(err, ErrPricingNotFound) {
		if _, seen := c.unpriced.LoadOrStore(strings.ToLower(model), struct{}{}); !seen {
			observability.FromContext(ctx).Info("no pricing configured, cost reported as zero",
				observability.String("model", model))
		}
		return CostBreakdown{}, nil
	}
	if err != nil {
		return CostBreakdown{}, err
	}

	return CostBreakdown{
		Input:  float64(usage.BilledPromptTokens()) / tokensPerUnit * pricing.InputCostPer1K,
		Cached: float64(usage.CachedTokens) / tokensPerUnit * pricing.CachedCostPer1K,
		Output: float64(usage.CompletionTokens) / tokensPerUnit * pricing.OutputCostPer1K,
	}, nil
}
