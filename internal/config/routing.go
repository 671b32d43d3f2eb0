package config

import (
	"errors"
	"fmt"
	"maps"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/davidbz/corebridge/internal/auth"
	"github.com/davidbz/corebridge/internal/domain"
)

// Routing is the routing table file: tenants with their credentials, the
// models they serve, model aliases and optional pricing.
//
// Values of the form ${VAR} are expanded from the environment before parsing,
// so secrets can stay out of the file.
type Routing struct {
	Tenants []TenantConfig          `yaml:"tenants"`
	Models  []ModelConfig           `yaml:"models"`
	Aliases map[string]string       `yaml:"aliases"`
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// TenantConfig describes one tenant and how it authenticates.
type TenantConfig struct {
	ID           string            `yaml:"id"`
	TokenURL     string            `yaml:"token_url"`
	ClientID     string            `yaml:"client_id"`
	ClientSecret string            `yaml:"client_secret"`
	Scopes       []string          `yaml:"scopes"`
	Token        string            `yaml:"token"`
	Headers      map[string]string `yaml:"headers"`
}

// ModelConfig lists the tenant deployments serving a model.
type ModelConfig struct {
	Name    string             `yaml:"name"`
	Tenants []DeploymentConfig `yaml:"tenants"`
}

// DeploymentConfig is the endpoint list of one tenant for a model.
type DeploymentConfig struct {
	Tenant    string           `yaml:"tenant"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// EndpointConfig is one backend URL. Model overrides the backend-side model id.
type EndpointConfig struct {
	URL     string            `yaml:"url"`
	Model   string            `yaml:"model"`
	Headers map[string]string `yaml:"headers"`
}

// PricingEntry is USD per 1K tokens.
type PricingEntry struct {
	Input  float64 `yaml:"input_per_1k"`
	Output float64 `yaml:"output_per_1k"`
	Cached float64 `yaml:"cached_per_1k"`
}

// LoadRouting reads and validates the routing file at path.
func LoadRouting(path string) (*Routing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routing config: %w", err)
	}

	routing, err := ParseRouting(data)
	if err != nil {
		return nil, fmt.Errorf("invalid routing config %s: %w", path, err)
	}

	return routing, nil
}

// ParseRouting parses and validates a routing document.
func ParseRouting(data []byte) (*Routing, error) {
	var routing Routing
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &routing); err != nil {
		return nil, fmt.Errorf("failed to parse yaml: %w", err)
	}

	if err := routing.validate(); err != nil {
		return nil, err
	}

	return &routing, nil
}

func (r *Routing) validate() error {
	if len(r.Models) == 0 {
		return errors.New("no models configured")
	}

	tenants := make(map[string]bool, len(r.Tenants))
	for _, tenant := range r.Tenants {
		if tenant.ID == "" {
			return errors.New("tenant id cannot be empty")
		}
		if tenants[tenant.ID] {
			return fmt.Errorf("duplicate tenant %q", tenant.ID)
		}
		if tenant.TokenURL != "" && tenant.ClientID == "" {
			return fmt.Errorf("tenant %q has a token_url but no client_id", tenant.ID)
		}
		tenants[tenant.ID] = true
	}

	for _, model := range r.Models {
		for _, deployment := range model.Tenants {
			if !tenants[deployment.Tenant] {
				return fmt.Errorf("model %q references unknown tenant %q", model.Name, deployment.Tenant)
			}
		}
	}

	return nil
}

// Entries converts the models into routing entries. Tenant headers apply to
// every endpoint of the tenant; endpoint headers override them.
func (r *Routing) Entries() []domain.RoutingEntry {
	tenantHeaders := make(map[string]map[string]string, len(r.Tenants))
	for _, tenant := range r.Tenants {
		tenantHeaders[tenant.ID] = tenant.Headers
	}

	entries := make([]domain.RoutingEntry, 0, len(r.Models))
	for _, model := range r.Models {
		entry := domain.RoutingEntry{
			Model:   model.Name,
			Tenants: make([]domain.TenantEndpoints, 0, len(model.Tenants)),
		}

		for _, deployment := range model.Tenants {
			tenant := domain.TenantEndpoints{
				TenantID:  deployment.Tenant,
				Endpoints: make([]domain.Endpoint, 0, len(deployment.Endpoints)),
			}

			for _, endpoint := range deployment.Endpoints {
				var headers map[string]string
				if len(tenantHeaders[deployment.Tenant]) > 0 || len(endpoint.Headers) > 0 {
					headers = make(map[string]string)
					maps.Copy(headers, tenantHeaders[deployment.Tenant])
					maps.Copy(headers, endpoint.Headers)
				}

				tenant.Endpoints = append(tenant.Endpoints, domain.Endpoint{
					TenantID: deployment.Tenant,
					URL:      endpoint.URL,
					Model:    endpoint.Model,
					Headers:  headers,
				})
			}

			entry.Tenants = append(entry.Tenants, tenant)
		}

		entries = append(entries, entry)
	}

	return entries
}

// Credentials returns the authentication settings of every tenant.
func (r *Routing) Credentials() []auth.Credentials {
	credentials := make([]auth.Credentials, 0, len(r.Tenants))
	for _, tenant := range r.Tenants {
		credentials = append(credentials, auth.Credentials{
			TenantID:     tenant.ID,
			TokenURL:     tenant.TokenURL,
			ClientID:     tenant.ClientID,
			ClientSecret: tenant.ClientSecret,
			Scopes:       tenant.Scopes,
			StaticToken:  tenant.Token,
		})
	}
	return credentials
}

// PricingConfigs returns the configured per-model pricing.
func (r *Routing) PricingConfigs() map[string]domain.PricingConfig {
	pricing := make(map[string]domain.PricingConfig, len(r.Pricing))
	for model, entry := range r.Pricing {
		pricing[model] = domain.PricingConfig{
			InputCostPer1K:  entry.Input,
			OutputCostPer1K: entry.Output,
			CachedCostPer1K: entry.Cached,
		}
	}
	return pricing
}
