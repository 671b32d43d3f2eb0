package domain

import (
	"context"
	"errors"
)

// ErrPricingNotFound indicates that no price is known for a model.
var ErrPricingNotFound = errors.New("pricing not found")

// PricingConfig is USD per 1K tokens for one model.
type PricingConfig struct {
	InputCostPer1K  float64 // billed (non-cached) prompt tokens
	OutputCostPer1K float64
	CachedCostPer1K float64 // cache-read prompt tokens
}

// CostBreakdown splits a request's cost by token kind.
type CostBreakdown struct {
	Input  float64
	Cached float64
	Output float64
}

// Total is the sum of all parts.
func (b CostBreakdown) Total() float64 {
	return b.Input + b.Cached + b.Output
}

// CostCalculator prices token usage.
type CostCalculator interface {
	// Calculate returns the cost in USD; models without pricing cost 0.
	Calculate(ctx context.Context, model string, usage TokenUsage) (float64, error)
}

// PricingRegistry maps model names to prices.
type PricingRegistry interface {
	// GetPricing returns the price of a model or an error matching ErrPricingNotFound.
	GetPricing(ctx context.Context, model string) (PricingConfig, error)

	// RegisterPricing sets the price of a model, replacing any earlier one.
	RegisterPricing(ctx context.Context, model string, config PricingConfig) error
}
