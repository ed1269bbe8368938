package llm

import (
	"context"
	"fmt"
	"sort"
)

// Router routes requests to the appropriate provider based on model name.
// It is populated at startup and read-only afterwards.
type Router struct {
	providers map[string]Provider // provider name → provider
	models    map[string]string   // model name → provider name
	fallback  Provider            // default for unknown models
}

// NewRouter creates a router. fallback may be nil, in which case
// unknown models are rejected.
func NewRouter(fallback Provider) *Router {
	return &Router{
		providers: make(map[string]Provider),
		models:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a provider under a name.
func (r *Router) AddProvider(name string, p Provider) {
	r.providers[name] = p
}

// AddModel maps a model name to a provider.
func (r *Router) AddModel(modelName, providerName string) {
	r.models[modelName] = providerName
}

// Models returns the configured model names, sorted.
func (r *Router) Models() []string {
	names := make([]string, 0, len(r.models))
	for m := range r.models {
		names = append(names, m)
	}
	sort.Strings(names)
	return names
}

// ProviderName returns the name of the provider serving model, or
// "default" when the fallback would be used.
func (r *Router) ProviderName(model string) string {
	if name, ok := r.models[model]; ok {
		if _, ok := r.providers[name]; ok {
			return name
		}
	}
	return "default"
}

func (r *Router) providerFor(model string) (Provider, error) {
	if name, ok := r.models[model]; ok {
		if p, ok := r.providers[name]; ok {
			return p, nil
		}
	}
	if r.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return r.fallback, nil
}

// Invoke sends a request to the provider for req.Model.
func (r *Router) Invoke(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	p, err := r.providerFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.Invoke(ctx, req)
}

// InvokeStreaming sends a streaming request to the provider for req.Model.
func (r *Router) InvokeStreaming(ctx context.Context, req *ChatRequest) (DeltaStream, error) {
	p, err := r.providerFor(req.Model)
	if err != nil {
		return nil, err
	}
	return p.InvokeStreaming(ctx, req)
}

// Ping checks the fallback provider when it supports pinging.
func (r *Router) Ping(ctx context.Context) error {
	if pinger, ok := r.fallback.(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}
