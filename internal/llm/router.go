package llm

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Router is a Client that dispatches each request to the provider that
// serves the requested model. Models no provider claims go to the
// default provider.
type Router struct {
	defaultProvider string

	mu        sync.RWMutex
	providers map[string]Client
	owners    map[string]string // model → provider
}

// NewRouter creates a router whose unclaimed models go to
// defaultProvider. The default provider must be registered before the
// first Chat.
func NewRouter(defaultProvider string) *Router {
	return &Router{
		defaultProvider: defaultProvider,
		providers:       make(map[string]Client),
		owners:          make(map[string]string),
	}
}

// Register adds a provider and claims the given models for it.
// Registering a name twice replaces the client; claims accumulate.
func (r *Router) Register(provider string, c Client, models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[provider] = c
	for _, m := range models {
		r.owners[m] = provider
	}
}

// Route reports which provider would serve model.
func (r *Router) Route(model string) (string, Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	name := r.defaultProvider
	if owner, ok := r.owners[model]; ok {
		name = owner
	}
	c, ok := r.providers[name]
	if !ok {
		return name, nil, fmt.Errorf("model %q: provider %q not registered", model, name)
	}
	return name, c, nil
}

// Providers returns the registered provider names, sorted.
func (r *Router) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Provider returns the client registered under name, or nil.
func (r *Router) Provider(name string) Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.providers[name]
}

// Chat forwards to the provider that owns model.
func (r *Router) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	_, c, err := r.Route(model)
	if err != nil {
		return nil, err
	}
	return c.Chat(ctx, model, messages)
}

// Ping checks every registered provider and joins the failures.
func (r *Router) Ping(ctx context.Context) error {
	names := r.Providers()
	if len(names) == 0 {
		return errors.New("no providers registered")
	}
	var errs []error
	for _, name := range names {
		if err := r.Provider(name).Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
