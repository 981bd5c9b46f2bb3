package provider

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cruxstack/oauth2-capture/internal/oautherr"
)

const (
	opRegistry          = "registry"
	unsupportedProvider = "unsupported provider"
)

// Factory is a function that creates a Provider from a Config.
type Factory func(cfg Config) (Provider, error)

// Registry manages registered OAuth providers.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	factories map[string]Factory
}

// NewRegistry creates a new provider registry.
func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		factories: make(map[string]Factory),
	}
}

// NewDefaultRegistry creates a registry with every built-in provider factory registered.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.RegisterFactory("twitter", TwitterProviderFactory)
	r.RegisterFactory("linkedin", LinkedInProviderFactory)
	r.RegisterFactory("github", GitHubProviderFactory)
	r.RegisterFactory("reddit", RedditProviderFactory)
	r.RegisterFactory("pinterest", PinterestProviderFactory)
	r.RegisterFactory("facebook", FacebookProviderFactory)
	r.RegisterFactory("google", GoogleProviderFactory)
	return r
}

// RegisterFactory registers a provider factory for a given provider type.
func (r *Registry) RegisterFactory(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Register registers a provider instance.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Get returns a provider by name. It fails with a configuration error when no
// provider with that name was configured.
func (r *Registry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, oautherr.New(oautherr.KindConfiguration, name, opRegistry, unsupportedProvider)
	}
	return p, nil
}

// IsUnsupported reports whether err came from looking up a provider name that
// was never configured.
func IsUnsupported(err error) bool {
	var oe *oautherr.Error
	return errors.As(err, &oe) && oe.Kind == oautherr.KindConfiguration &&
		oe.Op == opRegistry && oe.Description == unsupportedProvider
}

// List returns all registered provider names in sorted order for deterministic behavior.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateFromConfig creates and registers a provider from configuration.
// The Type field is used to look up the factory, while Name is used as the provider identifier.
// Missing client credentials fail here rather than at first use.
func (r *Registry) CreateFromConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	factoryType := cfg.Type
	if factoryType == "" {
		factoryType = cfg.Name
	}
	cfg.Type = factoryType

	factory, ok := r.factories[factoryType]
	if !ok {
		return oautherr.New(oautherr.KindConfiguration, cfg.Name, opRegistry,
			fmt.Sprintf("unknown provider type %q", factoryType))
	}

	provider, err := factory(cfg)
	if err != nil {
		return fmt.Errorf("creating provider %s: %w", cfg.Name, err)
	}

	r.providers[cfg.Name] = provider
	return nil
}

// LoadAll creates every configured provider, stopping at the first failure.
func (r *Registry) LoadAll(cfgs []Config) error {
	for _, cfg := range cfgs {
		if err := r.CreateFromConfig(cfg); err != nil {
			return err
		}
	}
	return nil
}
