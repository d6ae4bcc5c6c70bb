package providers

import (
	"fmt"
	"strings"
	"sync"
)

// Tier labels select which LLM size serves a turn.
const (
	TierHigh = "high"
	TierMid  = "mid"
	TierLow  = "low"
)

// Registry holds the configured providers and the tier → model table.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	defName   string
	tiers     map[string]string // tier → "provider/model" or bare model
}

func NewRegistry() *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		tiers:     make(map[string]string),
	}
}

// Register adds a provider. The first registration becomes the default unless
// SetDefault overrides it.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
	if r.defName == "" {
		r.defName = p.Name()
	}
}

func (r *Registry) SetDefault(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[name]; ok {
		r.defName = name
	}
}

// SetTier maps a tier label to a model spec ("provider/model" or bare model
// on the default provider).
func (r *Registry) SetTier(tier, spec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if spec != "" {
		r.tiers[tier] = spec
	}
}

// Get returns a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// Default returns the default provider.
func (r *Registry) Default() (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defName == "" {
		return nil, fmt.Errorf("no providers registered")
	}
	return r.providers[r.defName], nil
}

// ForTier resolves a tier label to (provider, model). An empty or unknown
// tier falls back to the default provider and its default model.
func (r *Registry) ForTier(tier string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.defName == "" {
		return nil, "", fmt.Errorf("no providers registered")
	}

	spec := r.tiers[tier]
	if spec == "" {
		def := r.providers[r.defName]
		return def, def.DefaultModel(), nil
	}

	providerName := r.defName
	model := spec
	if idx := strings.IndexByte(spec, '/'); idx > 0 {
		if _, ok := r.providers[spec[:idx]]; ok {
			providerName = spec[:idx]
			model = spec[idx+1:]
		}
	}

	p, ok := r.providers[providerName]
	if !ok {
		return nil, "", fmt.Errorf("provider %q not registered", providerName)
	}
	return p, model, nil
}
