package domain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// pricingVendorPrefixes are stripped before matching, so "anthropic--claude-3-haiku"
// and "us.anthropic.claude-3-haiku-20240307-v1:0" find the price of "claude-3-haiku".
var pricingVendorPrefixes = []string{
	"us.anthropic.", "eu.anthropic.", "anthropic--", "anthropic.",
	"openai--", "google--", "models/",
}

// InMemoryPricingRegistry stores prices keyed by lowercased model name.
//
// Lookups fall back from the exact name to the name without vendor prefix and
// then to the longest registered name that prefixes it at a '-', '@' or ':'
// boundary, which covers dated and versioned deployment ids.
type InMemoryPricingRegistry struct {
	mu      sync.RWMutex
	pricing map[string]PricingConfig
}

// NewInMemoryPricingRegistry creates an empty registry.
func NewInMemoryPricingRegistry() *InMemoryPricingRegistry {
	return &InMemoryPricingRegistry{
		mu:      sync.RWMutex{},
		pricing: make(map[string]PricingConfig),
	}
}

// GetPricing resolves the price of a model.
func (r *InMemoryPricingRegistry) GetPricing(
	_ context.Context,
	model string,
) (PricingConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := strings.ToLower(strings.TrimSpace(model))
	if config, ok := r.pricing[name]; ok {
		return config, nil
	}

	name = stripPricingPrefix(name)
	if config, ok := r.pricing[name]; ok {
		return config, nil
	}

	best := ""
	for registered := range r.pricing {
		if len(registered) <= len(best) || !strings.HasPrefix(name, registered) {
			continue
		}
		if strings.ContainsRune("-@:", rune(name[len(registered)])) {
			best = registered
		}
	}
	if best != "" {
		return r.pricing[best], nil
	}

	return PricingConfig{}, fmt.Errorf("%w for model %s", ErrPricingNotFound, model)
}

// RegisterPricing sets the price of a model.
func (r *InMemoryPricingRegistry) RegisterPricing(
	_ context.Context,
	model string,
	config PricingConfig,
) error {
	name := strings.ToLower(strings.TrimSpace(model))
	if name == "" {
		return errors.New("model cannot be empty")
	}
	if config.InputCostPer1K < 0 || config.OutputCostPer1K < 0 || config.CachedCostPer1K < 0 {
		return fmt.Errorf("negative price for model %s", model)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.pricing[name] = config
	return nil
}

func stripPricingPrefix(name string) string {
	for _, prefix := range pricingVendorPrefixes {
		if trimmed, ok := strings.CutPrefix(name, prefix); ok {
			return trimmed
		}
	}
	return name
}
