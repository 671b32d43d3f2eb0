package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/dig"

	"github.com/davidbz/corebridge/internal/auth"
	"github.com/davidbz/corebridge/internal/config"
	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/httpserver"
	"github.com/davidbz/corebridge/internal/httpserver/middleware"
	"github.com/davidbz/corebridge/internal/observability"
	"github.com/davidbz/corebridge/internal/provider/converse"
	"github.com/davidbz/corebridge/internal/provider/gemini"
	"github.com/davidbz/corebridge/internal/provider/invoke"
	"github.com/davidbz/corebridge/internal/provider/openai"
	"github.com/davidbz/corebridge/internal/provider/registry"
	"github.com/davidbz/corebridge/internal/routing"
	"github.com/davidbz/corebridge/internal/upstream"
)

func buildContainer(routingPath string) (*dig.Container, error) {
	container := dig.New()

	providers := []struct {
		name        string
		constructor any
	}{
		// Configuration
		{"config", func() *config.Config {
			cfg := config.Load()
			if routingPath != "" {
				cfg.Gateway.RoutingPath = routingPath
			}
			return cfg
		}},
		{"config dependencies", config.ParseDependenciesConfig},
		{"routing table", func(cfg *config.GatewayConfig) (*config.Routing, error) {
			return config.LoadRouting(cfg.RoutingPath)
		}},

		// Observability
		{"logger", observability.InitLogger},
		{"metrics", observability.NewMetrics},
		{"metrics recorder", func(metrics *observability.Metrics) domain.MetricsRecorder {
			return metrics
		}},

		// Converters
		{"converter registry", newConverterRegistry},

		// Pricing
		{"pricing registry", newPricingRegistry},
		{"cost calculator", func(pricing domain.PricingRegistry) domain.CostCalculator {
			return domain.NewStandardCostCalculator(pricing)
		}},

		// Routing
		{"cursor factory", newCursorFactory},
		{"balancer", func(table *config.Routing, cursors routing.CursorFactory) (*routing.Balancer, error) {
			return routing.NewBalancer(table.Entries(), table.Aliases, cursors)
		}},
		{"balancer interface", func(balancer *routing.Balancer) domain.Balancer { return balancer }},
		{"model lister", func(balancer *routing.Balancer) httpserver.ModelLister { return balancer }},

		// Upstream
		{"token provider", func(cfg *auth.Config, table *config.Routing) (domain.TokenProvider, error) {
			return auth.NewOAuthTokenProvider(*cfg, table.Credentials())
		}},
		{"transport", func(tokens domain.TokenProvider, cfg *config.GatewayConfig) domain.Transport {
			return upstream.NewHTTPTransport(tokens, cfg.UpstreamTimeout)
		}},
		{"retry policy", func(cfg *upstream.RetryConfig) domain.Retrier {
			return upstream.NewRetryPolicy(*cfg)
		}},

		// Domain Services
		{"gateway options", func(cfg *config.GatewayConfig) domain.GatewayOptions {
			return domain.GatewayOptions{StreamIdleTimeout: cfg.StreamIdleTimeout}
		}},
		{"gateway service", domain.NewGatewayService},

		// HTTP Layer
		{"middleware chain", middleware.BuildMiddlewareChain},
		{"HTTP handler", httpserver.NewHandler},
		{"HTTP server", httpserver.NewServer},
	}

	for _, p := range providers {
		if err := container.Provide(p.constructor); err != nil {
			return nil, fmt.Errorf("failed to provide %s: %w", p.name, err)
		}
	}

	return container, nil
}

func newConverterRegistry(cfg *openai.Config) (domain.ConverterRegistry, error) {
	reg := registry.NewRegistry()

	for _, converter := range []domain.Converter{
		openai.NewConverter(*cfg),
		invoke.NewConverter(),
		converse.NewConverter(),
		gemini.NewConverter(),
	} {
		if err := reg.Register(converter); err != nil {
			return nil, fmt.Errorf("failed to register %s converter: %w", converter.Family(), err)
		}
	}

	// Detection can yield any family, so each one needs a converter.
	if registered := reg.Families(); len(registered) != len(domain.AllProtocols()) {
		return nil, fmt.Errorf("converters registered for %v, need all of %v", registered, domain.AllProtocols())
	}

	return reg, nil
}

// newPricingRegistry registers built-in prices first so the routing file can override them.
func newPricingRegistry(table *config.Routing) (domain.PricingRegistry, error) {
	ctx := context.Background()
	pricing := domain.NewInMemoryPricingRegistry()

	if err := openai.RegisterPricing(ctx, pricing); err != nil {
		return nil, err
	}

	for model, price := range table.PricingConfigs() {
		if err := pricing.RegisterPricing(ctx, model, price); err != nil {
			return nil, fmt.Errorf("failed to register pricing for model %s: %w", model, err)
		}
	}

	return pricing, nil
}

// newCursorFactory shares round-robin counters through Redis when it is configured.
func newCursorFactory(cfg *config.RedisConfig) routing.CursorFactory {
	if cfg.Addr == "" {
		return routing.AtomicCursors
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	observability.FromContext(context.Background()).Info("using redis round-robin cursors",
		observability.String("addr", cfg.Addr))

	return routing.RedisCursors(client)
}
