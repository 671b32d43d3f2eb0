package domain_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/davidbz/corebridge/internal/domain"
)

func TestStandardCostCalculator_Calculate(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	err := registry.RegisterPricing(ctx, "test-model", domain.PricingConfig{
		InputCostPer1K:  0.01,
		OutputCostPer1K: 0.02,
		CachedCostPer1K: 0.001,
	})
	require.NoError(t, err)

	calculator := domain.NewStandardCostCalculator(registry)

	tests := []struct {
		name         string
		model        string
		usage        domain.TokenUsage
		expectedCost float64
		expectError  bool
	}{
		{
			name:         "should calculate cost for known model",
			model:        "test-model",
			usage:        domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 500},
			expectedCost: 0.02, // (1000/1000 * 0.01) + (500/1000 * 0.02)
		},
		{
			name:         "should bill cache reads at the cached rate",
			model:        "test-model",
			usage:        domain.TokenUsage{PromptTokens: 3000, CompletionTokens: 0, CachedTokens: 2000},
			expectedCost: 0.012, // (1000/1000 * 0.01) + (2000/1000 * 0.001)
		},
		{
			name:         "should return zero cost for unknown model",
			model:        "unknown-model",
			usage:        domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 500},
			expectedCost: 0,
		},
		{
			name:        "should return error for empty model",
			model:       "",
			expectError: true,
		},
		{
			name:         "should return zero cost for zero tokens",
			model:        "test-model",
			expectedCost: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cost, err := calculator.Calculate(ctx, tt.model, tt.usage)
			if tt.expectError {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.InDelta(t, tt.expectedCost, cost, 1e-9)
		})
	}
}

func TestTokenUsage_BilledPromptTokens(t *testing.T) {
	t.Run("should subtract cached tokens", func(t *testing.T) {
		usage := domain.TokenUsage{PromptTokens: 120, CachedTokens: 100}
		require.Equal(t, 20, usage.BilledPromptTokens())
	})

	t.Run("should never go negative", func(t *testing.T) {
		usage := domain.TokenUsage{PromptTokens: 10, CachedTokens: 100}
		require.Equal(t, 0, usage.BilledPromptTokens())
	})
}

func TestStandardCostCalculator_Breakdown(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()
	require.NoError(t, registry.RegisterPricing(ctx, "claude-3-haiku", domain.PricingConfig{
		InputCostPer1K:  0.25,
		OutputCostPer1K: 1.25,
		CachedCostPer1K: 0.03,
	}))

	t.Run("should split cost by token kind", func(t *testing.T) {
		breakdown, err := domain.NewStandardCostCalculator(registry).Breakdown(ctx, "anthropic--claude-3-haiku",
			domain.TokenUsage{PromptTokens: 3000, CompletionTokens: 1000, CachedTokens: 1000})
		require.NoError(t, err)

		require.InDelta(t, 0.5, breakdown.Input, 1e-9)
		require.InDelta(t, 0.03, breakdown.Cached, 1e-9)
		require.InDelta(t, 1.25, breakdown.Output, 1e-9)
		require.InDelta(t, 1.78, breakdown.Total(), 1e-9)
	})
}

func TestInMemoryPricingRegistry(t *testing.T) {
	ctx := context.Background()
	registry := domain.NewInMemoryPricingRegistry()

	t.Run("should reject empty models and negative prices", func(t *testing.T) {
		require.Error(t, registry.RegisterPricing(ctx, "", domain.PricingConfig{}))
		require.Error(t, registry.RegisterPricing(ctx, "m", domain.PricingConfig{OutputCostPer1K: -1}))
	})

	t.Run("should return registered pricing case-insensitively", func(t *testing.T) {
		require.NoError(t, registry.RegisterPricing(ctx, "GPT-4o", domain.PricingConfig{InputCostPer1K: 1}))
		cfg, err := registry.GetPricing(ctx, "gpt-4o")
		require.NoError(t, err)
		require.InDelta(t, 1.0, cfg.InputCostPer1K, 1e-9)
	})

	t.Run("should resolve vendor prefixes and versioned ids", func(t *testing.T) {
		require.NoError(t, registry.RegisterPricing(ctx, "gpt-4o-mini", domain.PricingConfig{InputCostPer1K: 2}))
		require.NoError(t, registry.RegisterPricing(ctx, "claude-3-haiku", domain.PricingConfig{InputCostPer1K: 3}))

		cases := map[string]float64{
			"openai--gpt-4o":                            1,
			"gpt-4o-2024-08-06":                         1,
			"gpt-4o-mini-2024-07-18":                    2,
			"us.anthropic.claude-3-haiku-20240307-v1:0": 3,
			"claude-3-haiku@20240307":                   3,
		}
		for model, want := range cases {
			cfg, err := registry.GetPricing(ctx, model)
			require.NoError(t, err, model)
			require.InDelta(t, want, cfg.InputCostPer1K, 1e-9, model)
		}
	})

	t.Run("should not match inside a name segment", func(t *testing.T) {
		_, err := registry.GetPricing(ctx, "gpt-4omega")
		require.ErrorIs(t, err, domain.ErrPricingNotFound)
	})

	t.Run("should fail for missing model", func(t *testing.T) {
		_, err := registry.GetPricing(ctx, "missing")
		require.ErrorIs(t, err, domain.ErrPricingNotFound)
	})
}
