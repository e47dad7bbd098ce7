package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ProviderRegistry is a thread-safe, one-shot-at-startup registry of
// provider instances.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{providers: make(map[string]Provider)}
}

// Register adds a provider under the given name, replacing any existing
// entry with the same name.
func (r *ProviderRegistry) Register(name string, p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
}

// Get looks up a provider by name.
func (r *ProviderRegistry) Get(name string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, NewError(ErrProviderNotFound, fmt.Sprintf("provider %q not found", name))
	}
	return p, nil
}

// List returns the sorted names of all registered providers.
func (r *ProviderRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered providers.
func (r *ProviderRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.providers)
}

// HealthAll probes every registered provider concurrently with a 5s
// per-provider timeout and returns a name -> healthy map.
func (r *ProviderRegistry) HealthAll(ctx context.Context) map[string]bool {
	r.mu.RLock()
	snapshot := make(map[string]Provider, len(r.providers))
	for name, p := range r.providers {
		snapshot[name] = p
	}
	r.mu.RUnlock()

	result := make(map[string]bool, len(snapshot))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range snapshot {
		name, p := name, p
		g.Go(func() error {
			probeCtx, cancel := context.WithTimeout(gctx, 5*time.Second)
			defer cancel()
			healthy, _ := p.HealthCheck(probeCtx)
			mu.Lock()
			result[name] = healthy
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // probe goroutines never return an error; health is recorded per-provider
	return result
}

// BuildRegistry constructs a ProviderRegistry from config, skipping
// disabled entries. One instance is registered per enabled config entry.
func BuildRegistry(cfg *GatewayConfig, build func(name string, pc ProviderConfig) (Provider, error)) (*ProviderRegistry, error) {
	reg := NewProviderRegistry()
	for name, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		p, err := build(name, pc)
		if err != nil {
			return nil, fmt.Errorf("failed to build provider %q: %w", name, err)
		}
		reg.Register(name, p)
	}
	return reg, nil
}
