package upstream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/nulpointcorp/llm-costproxy/internal/providers"
	"github.com/nulpointcorp/llm-costproxy/internal/providers/anthropic"
	"github.com/nulpointcorp/llm-costproxy/internal/providers/compat"
	"github.com/nulpointcorp/llm-costproxy/internal/providers/gemini"
	"github.com/nulpointcorp/llm-costproxy/internal/providers/openai"
	"github.com/nulpointcorp/llm-costproxy/internal/routing"
)

// ProviderSource hands out the provider client serving a route.
type ProviderSource interface {
	For(ctx context.Context, route routing.Route) (providers.Provider, error)
}

// Registry builds one provider client per route on first use and reuses it.
type Registry struct {
	lookup     func(string) string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]providers.Provider
}

type RegistryOption func(*Registry)

// WithCredentialLookup replaces os.Getenv for resolving credential_ref.
func WithCredentialLookup(lookup func(string) string) RegistryOption {
	return func(r *Registry) { r.lookup = lookup }
}

// WithHTTPClient makes every provider share client (tests).
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = client }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		lookup:  os.Getenv,
		clients: make(map[string]providers.Provider),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) For(ctx context.Context, route routing.Route) (providers.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.clients[route.Name]; ok {
		return p, nil
	}
	p, err := r.build(ctx, route)
	if err != nil {
		return nil, err
	}
	r.clients[route.Name] = p
	return p, nil
}

// Warm builds clients for every route up front so that configuration
// problems surface at startup.
func (r *Registry) Warm(ctx context.Context, routes []routing.Route) error {
	for _, route := range routes {
		if _, err := r.For(ctx, route); err != nil {
			return err
		}
	}
	return nil
}

// Providers returns the clients built so far keyed by route name.
func (r *Registry) Providers() map[string]providers.Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]providers.Provider, len(r.clients))
	for k, v := range r.clients {
		out[k] = v
	}
	return out
}

func (r *Registry) build(ctx context.Context, route routing.Route) (providers.Provider, error) {
	cfg := providers.Config{
		Name:       route.Name,
		Endpoint:   route.Endpoint,
		APIKey:     route.Credential(r.lookup),
		Timeout:    route.Timeout,
		Headers:    route.Headers,
		HTTPClient: r.httpClient,
	}

	switch route.Provider {
	case providers.KindAnthropic:
		return anthropic.New(cfg), nil
	case providers.KindOpenAI:
		return openai.New(cfg), nil
	case providers.KindOllama:
		return openai.NewOllama(cfg), nil
	case providers.KindGemini:
		p, err := gemini.New(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("upstream: route %s: %w", route.Name, err)
		}
		return p, nil
	case providers.KindOther:
		return compat.New(cfg), nil
	}
	return nil, fmt.Errorf("upstream: route %s: unsupported provider %q", route.Name, route.Provider)
}
