// Package providers builds provider adapters from configuration.
//
// The adapter variant is chosen once, at construction, from the provider
// kind. Credentials are resolved here so that a missing key fails before any
// network call.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"inkflow/internal/core"
	"inkflow/internal/httpclient"
	"inkflow/internal/llmclient"
	"inkflow/internal/providers/anthropic"
	"inkflow/internal/providers/openai"
	"inkflow/internal/secrets"
)

// Factory creates adapters that share one pooled HTTP client.
type Factory struct {
	httpClient   *http.Client
	lookup       secrets.Lookup
	clientConfig llmclient.Config
}

// Option configures a Factory.
type Option func(*Factory)

// WithHTTPClient overrides the shared HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Factory) { f.httpClient = c }
}

// WithHooks installs request hooks on every adapter.
func WithHooks(h llmclient.Hooks) Option {
	return func(f *Factory) { f.clientConfig.Hooks = h }
}

// NewFactory returns a factory resolving credentials through lookup.
func NewFactory(lookup secrets.Lookup, opts ...Option) *Factory {
	hc := httpclient.DefaultConfig()
	f := &Factory{
		lookup:       lookup,
		clientConfig: llmclient.Config{BatchTimeout: hc.BatchTimeout},
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.httpClient == nil {
		f.httpClient = httpclient.NewHTTPClient(&hc)
	}
	if f.lookup == nil {
		f.lookup = secrets.None
	}
	return f
}

// New resolves the credential for cfg and returns the adapter for its kind.
func (f *Factory) New(ctx context.Context, cfg core.ProviderConfig) (core.Adapter, error) {
	if !cfg.Kind.Valid() {
		return nil, core.NewSettingsError(fmt.Sprintf("unknown provider kind %q for provider=%s", cfg.Kind, cfg.ID))
	}
	key, err := ResolveAPIKey(ctx, f.lookup, cfg)
	if err != nil {
		return nil, err
	}
	switch cfg.Kind {
	case core.KindAnthropic:
		return anthropic.New(cfg, key, f.httpClient, f.clientConfig), nil
	default:
		return openai.New(cfg, key, f.httpClient, f.clientConfig), nil
	}
}

// ResolveAPIKey asks lookup first and falls back to the configured key. The
// result is trimmed; an empty key is a configuration error.
func ResolveAPIKey(ctx context.Context, lookup secrets.Lookup, cfg core.ProviderConfig) (string, error) {
	if lookup != nil {
		key, ok, err := lookup.Lookup(ctx, cfg.ID)
		if err != nil {
			return "", core.NewCredentialError(cfg.ID, "keyring read failed for provider="+cfg.ID+": "+err.Error(), err)
		}
		if ok {
			if key = strings.TrimSpace(key); key != "" {
				return key, nil
			}
		}
	}
	key := strings.TrimSpace(cfg.APIKey)
	// An unexpanded ${VAR} reference is not a key.
	if key == "" || strings.Contains(key, "${") {
		return "", core.NewCredentialError(cfg.ID, "api key not found for provider="+cfg.ID, nil)
	}
	return key, nil
}

// Catalog holds the configured providers by id.
type Catalog struct {
	providers map[string]core.ProviderConfig
	defaultID string
}

// NewCatalog returns a catalog; defaultID is used when a request names no provider.
func NewCatalog(providers map[string]core.ProviderConfig, defaultID string) *Catalog {
	m := make(map[string]core.ProviderConfig, len(providers))
	for id, p := range providers {
		p.ID = id
		m[id] = p
	}
	return &Catalog{providers: m, defaultID: defaultID}
}

// Get returns the provider config for id, or the default when id is empty.
// An unknown id is a settings-stage error.
func (c *Catalog) Get(id string) (core.ProviderConfig, error) {
	if id == "" {
		id = c.defaultID
	}
	if id == "" {
		return core.ProviderConfig{}, core.NewSettingsError("no provider selected and no default provider configured")
	}
	p, ok := c.providers[id]
	if !ok {
		return core.ProviderConfig{}, core.NewSettingsError("provider not found: " + id)
	}
	return p, nil
}

// DefaultID returns the default provider id.
func (c *Catalog) DefaultID() string {
	return c.defaultID
}

// IDs returns the configured provider ids, sorted.
func (c *Catalog) IDs() []string {
	ids := make([]string, 0, len(c.providers))
	for id := range c.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
