package promptdag

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Provider executes one assembled prompt against an LLM backend. The
// execution queue is the only caller. Wire formats and HTTP transport
// live outside this module; implementations are expected to honor
// context cancellation and return *ProviderError for classified
// failures.
type Provider interface {
	Send(ctx context.Context, prompt string, config NodeConfig) (string, error)
}

// StreamingProvider is an optional extension for backends that deliver
// incremental chunks. onChunk is called for each chunk on the task's
// goroutine; the returned string is still the complete output, and only
// the complete output is ever committed to the graph.
type StreamingProvider interface {
	Provider
	SendStream(ctx context.Context, prompt string, config NodeConfig, onChunk func(string)) (string, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, prompt string, config NodeConfig) (string, error)

// Send implements Provider.
func (f ProviderFunc) Send(ctx context.Context, prompt string, config NodeConfig) (string, error) {
	return f(ctx, prompt, config)
}

// Registry routes Send calls to a named provider based on the node's
// config, with a fallback for the "default" name and anything
// unregistered. It implements Provider so a Queue can use it directly.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	fallback  Provider
}

// NewRegistry creates a provider registry with the given fallback. The
// fallback may be nil, in which case unmatched names fail.
func NewRegistry(fallback Provider) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		fallback:  fallback,
	}
}

// Register routes the given provider name (case-insensitive) to p.
func (r *Registry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(name)] = p
}

// Resolve returns the provider registered for name, or the fallback.
func (r *Registry) Resolve(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if p, ok := r.providers[strings.ToLower(name)]; ok {
		return p, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, &ProviderError{
		Kind:     ProviderUnknown,
		Provider: name,
		Err:      fmt.Errorf("no provider registered and no fallback set"),
	}
}

// Send implements Provider by dispatching on config.Provider.
func (r *Registry) Send(ctx context.Context, prompt string, config NodeConfig) (string, error) {
	p, err := r.Resolve(config.Provider)
	if err != nil {
		return "", err
	}
	return p.Send(ctx, prompt, config)
}
