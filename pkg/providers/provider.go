package providers

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// TokenBundle is the normalized result of an OAuth exchange or refresh.
type TokenBundle struct {
	AccessToken  string
	RefreshToken *string
	RoutingKey   *string
	ExpiresAt    *time.Time
	Metadata     map[string]any
}

// Item is a single unit of provider content ready for ingestion.
type Item struct {
	ExternalID string
	Content    map[string]any
	Text       string
}

// Source is a content provider the gateway can connect to. Implementations
// wrap the provider's OAuth and content APIs behind one shape so the token
// manager, ingestor and backfill workers stay provider-agnostic.
type Source interface {
	Name() string

	// ExchangeCode trades an OAuth authorization code for credentials.
	ExchangeCode(ctx context.Context, code string) (*TokenBundle, error)

	// RefreshToken obtains fresh credentials. Providers whose tokens do not
	// expire return ErrRefreshNotSupported.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenBundle, error)

	// RevokeToken invalidates credentials at the provider.
	RevokeToken(ctx context.Context, token string) error

	// FetchItem retrieves one item in the provider's native format.
	FetchItem(ctx context.Context, accessToken string, externalID string) (*Item, error)

	// ListItemIDs lists up to max item IDs for backfill, newest first.
	ListItemIDs(ctx context.Context, accessToken string, max int) ([]string, error)
}

// Registry holds the configured sources by name.
type Registry struct {
	sources map[string]Source
}

// NewRegistry creates a registry from the given sources
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source, len(sources))}
	for _, s := range sources {
		r.sources[s.Name()] = s
	}
	return r
}

// Get returns the source for a provider name
func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q: %w", name, ErrProviderNotConfigured)
	}
	return s, nil
}

// Names returns the registered provider names, sorted
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
