// Package routing resolves model names to backend endpoints and balances
// requests across tenants and their endpoints.
package routing

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/davidbz/corebridge/internal/domain"
	"github.com/davidbz/corebridge/internal/observability"
)

//nolint:gochecknoglobals // vendor prefixes, longest first
var vendorPrefixes = []string{
	"us.anthropic.",
	"eu.anthropic.",
	"anthropic--",
	"anthropic.",
	"openai--",
	"google--",
	"models/",
}

// route is one routing entry with its cursors.
type route struct {
	entry         domain.RoutingEntry
	cursor        domain.Cursor
	tenantCursors []domain.Cursor
}

// Balancer implements domain.Balancer with two-level round robin:
// first across tenants, then across the chosen tenant's endpoints.
// Routing entries are immutable after construction; only cursors advance.
type Balancer struct {
	routes     map[string]*route
	aliases    map[string]string
	normalized map[string]string
}

// Description reports how a model name resolves.
type Description struct {
	Requested string
	Canonical string
	Family    domain.ProtocolFamily
	Tenants   []domain.TenantEndpoints
}

// NewBalancer validates the routing entries and creates one cursor per entry
// and per tenant endpoint list.
func NewBalancer(
	entries []domain.RoutingEntry,
	aliases map[string]string,
	newCursor CursorFactory,
) (*Balancer, error) {
	if newCursor == nil {
		newCursor = AtomicCursors
	}

	b := &Balancer{
		routes:     make(map[string]*route, len(entries)),
		aliases:    make(map[string]string, len(aliases)),
		normalized: make(map[string]string, len(entries)+len(aliases)),
	}

	for _, entry := range entries {
		if err := validateEntry(entry); err != nil {
			return nil, err
		}
		if _, exists := b.routes[entry.Model]; exists {
			return nil, fmt.Errorf("duplicate routing entry for model %q", entry.Model)
		}

		r := &route{
			entry:         entry,
			cursor:        newCursor(entry.Model),
			tenantCursors: make([]domain.Cursor, len(entry.Tenants)),
		}
		for i, tenant := range entry.Tenants {
			r.tenantCursors[i] = newCursor(entry.Model + "/" + tenant.TenantID)
		}
		b.routes[entry.Model] = r
	}

	for alias, target := range aliases {
		if _, exists := b.routes[target]; !exists {
			return nil, fmt.Errorf("alias %q points to unknown model %q", alias, target)
		}
		b.aliases[alias] = target
	}

	// Sorted insertion keeps normalized collisions deterministic: the first name wins.
	for _, name := range sortedKeys(b.routes) {
		b.addNormalized(name, name)
	}
	for _, alias := range sortedKeys(b.aliases) {
		b.addNormalized(alias, b.aliases[alias])
	}

	return b, nil
}

func validateEntry(entry domain.RoutingEntry) error {
	if entry.Model == "" {
		return errors.New("routing entry has no model name")
	}
	if len(entry.Tenants) == 0 {
		return fmt.Errorf("model %q has no tenants", entry.Model)
	}
	for _, tenant := range entry.Tenants {
		if tenant.TenantID == "" {
			return fmt.Errorf("model %q has a tenant without id", entry.Model)
		}
		if len(tenant.Endpoints) == 0 {
			return fmt.Errorf("tenant %q of model %q has no endpoints", tenant.TenantID, entry.Model)
		}
		for _, endpoint := range tenant.Endpoints {
			if endpoint.URL == "" {
				return fmt.Errorf("tenant %q of model %q has an endpoint without URL", tenant.TenantID, entry.Model)
			}
		}
	}
	return nil
}

func (b *Balancer) addNormalized(name, canonical string) {
	key := Normalize(name)
	if _, exists := b.normalized[key]; !exists {
		b.normalized[key] = canonical
	}
}

// Normalize folds a model name for lenient lookup: lowercase, vendor prefixes
// removed, dots and underscores replaced by dashes.
func Normalize(model string) string {
	name := strings.ToLower(strings.TrimSpace(model))
	for _, prefix := range vendorPrefixes {
		if strings.HasPrefix(name, prefix) {
			name = strings.TrimPrefix(name, prefix)
			break
		}
	}
	return strings.NewReplacer(".", "-", "_", "-").Replace(name)
}

// Resolve returns the canonical routing name of a model: exact match, then
// alias, then normalized name.
func (b *Balancer) Resolve(model string) (string, bool) {
	if _, exists := b.routes[model]; exists {
		return model, true
	}
	if target, exists := b.aliases[model]; exists {
		return target, true
	}
	if canonical, exists := b.normalized[Normalize(model)]; exists {
		return canonical, true
	}
	return "", false
}

// SelectEndpoint picks the next endpoint for a model.
func (b *Balancer) SelectEndpoint(ctx context.Context, model string) (domain.Endpoint, error) {
	canonical, ok := b.Resolve(model)
	if !ok {
		return domain.Endpoint{}, &domain.RoutableNotFoundError{Model: model}
	}
	r := b.routes[canonical]

	var tick uint64
	tenantIndex := 0
	if len(r.entry.Tenants) > 1 {
		n, err := r.cursor.Next(ctx)
		if err != nil {
			return domain.Endpoint{}, fmt.Errorf("tenant cursor failed: %w", err)
		}
		tick = n
		tenantIndex = int(n % uint64(len(r.entry.Tenants)))
	}
	tenant := r.entry.Tenants[tenantIndex]

	endpointIndex := 0
	if len(tenant.Endpoints) > 1 {
		n, err := r.tenantCursors[tenantIndex].Next(ctx)
		if err != nil {
			return domain.Endpoint{}, fmt.Errorf("endpoint cursor failed: %w", err)
		}
		endpointIndex = int(n % uint64(len(tenant.Endpoints)))
	}

	endpoint := tenant.Endpoints[endpointIndex]
	if endpoint.TenantID == "" {
		endpoint.TenantID = tenant.TenantID
	}
	if endpoint.Model == "" {
		endpoint.Model = canonical
	}

	observability.FromContext(ctx).Debug("endpoint selected",
		observability.String("canonical_model", canonical),
		observability.Uint64("tenant_cursor", tick),
		observability.String("tenant", endpoint.TenantID),
		observability.String("url", endpoint.URL))

	return endpoint, nil
}

// Models lists the routable model names and aliases, sorted.
func (b *Balancer) Models() []string {
	names := sortedKeys(b.routes)
	names = append(names, sortedKeys(b.aliases)...)
	slices.Sort(names)
	return names
}

// Describe reports how a model resolves without advancing any cursor.
func (b *Balancer) Describe(model string) (Description, error) {
	canonical, ok := b.Resolve(model)
	if !ok {
		return Description{}, &domain.RoutableNotFoundError{Model: model}
	}

	return Description{
		Requested: model,
		Canonical: canonical,
		Family:    domain.DetectProtocol(canonical),
		Tenants:   b.routes[canonical].entry.Tenants,
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
