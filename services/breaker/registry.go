package breaker

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds one breaker per provider, created on first use
type Registry struct {
	defaults  Config
	overrides map[string]Config
	logger    *zap.Logger

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry. overrides are keyed by provider name.
func NewRegistry(defaults Config, overrides map[string]Config, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	normalized := make(map[string]Config, len(overrides))
	for name, cfg := range overrides {
		normalized[normalize(name)] = cfg
	}
	return &Registry{
		defaults:  defaults.withDefaults(),
		overrides: normalized,
		logger:    logger,
		breakers:  make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it if needed
func (r *Registry) Get(name string) *Breaker {
	key := normalize(name)

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b
	}
	cfg := r.defaults
	if override, ok := r.overrides[key]; ok {
		cfg = override.mergeOver(r.defaults)
	}
	b = New(key, cfg, r.logger)
	r.breakers[key] = b
	return b
}

// Lookup returns an existing breaker without creating one
func (r *Registry) Lookup(name string) (*Breaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.breakers[normalize(name)]
	return b, ok
}

// Force moves the named breaker to state
func (r *Registry) Force(name string, state State) Snapshot {
	b := r.Get(name)
	b.Force(state)
	return b.Snapshot()
}

// Snapshots returns a snapshot of every breaker, sorted by name
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
