// Package auth issues bearer tokens for backend tenants.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

// Config holds token fetching settings.
type Config struct {
	TokenTimeout time.Duration `env:"AUTH_TOKEN_TIMEOUT" envDefault:"10s"`
	// EarlyExpiry refreshes tokens this long before they expire.
	EarlyExpiry time.Duration `env:"AUTH_TOKEN_EARLY_EXPIRY" envDefault:"60s"`
}

// Credentials describe how a tenant authenticates. A tenant uses the OAuth
// client credentials grant when TokenURL is set, a static token otherwise.
type Credentials struct {
	TenantID     string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	StaticToken  string
}

// StaticTokenProvider serves fixed tokens. Unknown tenants get no token.
type StaticTokenProvider struct {
	tokens map[string]string
}

// NewStaticTokenProvider creates a provider from tenant id to token.
func NewStaticTokenProvider(tokens map[string]string) *StaticTokenProvider {
	copied := make(map[string]string, len(tokens))
	for tenant, token := range tokens {
		copied[tenant] = token
	}
	return &StaticTokenProvider{tokens: copied}
}

// BearerToken returns the configured token; static tokens never expire.
func (p *StaticTokenProvider) BearerToken(_ context.Context, tenantID string) (string, time.Time, error) {
	return p.tokens[tenantID], time.Time{}, nil
}

// OAuthTokenProvider fetches and caches client-credentials tokens per tenant.
// Tenants without OAuth settings are served by the fallback provider.
type OAuthTokenProvider struct {
	sources  map[string]oauth2.TokenSource
	fallback domain.TokenProvider
}

// NewOAuthTokenProvider creates token sources for every OAuth tenant.
func NewOAuthTokenProvider(config Config, credentials []Credentials) (*OAuthTokenProvider, error) {
	static := make(map[string]string)
	sources := make(map[string]oauth2.TokenSource)

	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Timeout: config.TokenTimeout,
	})

	for _, cred := range credentials {
		if cred.TenantID == "" {
			return nil, errors.New("credentials without tenant id")
		}
		if cred.TokenURL == "" {
			if cred.StaticToken != "" {
				static[cred.TenantID] = cred.StaticToken
			}
			continue
		}
		if cred.ClientID == "" {
			return nil, fmt.Errorf("tenant %q has a token url but no client id", cred.TenantID)
		}

		clientConfig := &clientcredentials.Config{
			ClientID:     cred.ClientID,
			ClientSecret: cred.ClientSecret,
			TokenURL:     cred.TokenURL,
			Scopes:       cred.Scopes,
		}
		sources[cred.TenantID] = oauth2.ReuseTokenSourceWithExpiry(
			nil,
			&clientTokenSource{ctx: tokenCtx, config: clientConfig},
			config.EarlyExpiry,
		)
	}

	return &OAuthTokenProvider{
		sources:  sources,
		fallback: NewStaticTokenProvider(static),
	}, nil
}

// BearerToken returns a cached token, fetching a new one when it is about to expire.
func (p *OAuthTokenProvider) BearerToken(ctx context.Context, tenantID string) (string, time.Time, error) {
	source, ok := p.sources[tenantID]
	if !ok {
		return p.fallback.BearerToken(ctx, tenantID)
	}

	token, err := source.Token()
	if err != nil {
		observability.FromContext(ctx).Warn("failed to obtain bearer token",
			observability.String("tenant", tenantID),
			observability.Error(err))
		return "", time.Time{}, fmt.Errorf("failed to fetch token: %w", err)
	}

	return token.AccessToken, token.Expiry, nil
}

// clientTokenSource performs one client-credentials exchange per call;
// caching is left to the reuse wrapper.
type clientTokenSource struct {
	ctx    context.Context //nolint:containedctx // token fetches outlive requests
	config *clientcredentials.Config
}

func (s *clientTokenSource) Token() (*oauth2.Token, error) {
	return s.config.Token(s.ctx)
}
