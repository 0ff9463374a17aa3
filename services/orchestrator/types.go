package orchestrator

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/upb/adgen/models"
	"github.com/upb/adgen/services/breaker"
	"github.com/upb/adgen/services/cache"
	"github.com/upb/adgen/services/fallback"
	"github.com/upb/adgen/services/providers"
	"github.com/upb/adgen/services/retry"
	"github.com/upb/adgen/storage"
)

// Config holds orchestration settings
type Config struct {
	// TextTTL and ImageTTL bound how long results are served from cache
	TextTTL  time.Duration
	ImageTTL time.Duration

	// DefaultTimeout caps a single provider attempt; Timeouts overrides it per provider
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration

	// Model parameters passed to text providers
	MaxTokens   int
	Temperature float64
}

// DefaultConfig returns the default orchestration settings
func DefaultConfig() Config {
	return Config{
		TextTTL:        6 * time.Hour,
		ImageTTL:       24 * time.Hour,
		DefaultTimeout: 30 * time.Second,
		MaxTokens:      1024,
		Temperature:    0.7,
	}
}

// Deps are the collaborators of the orchestrator
type Deps struct {
	Providers      *providers.Registry
	Breakers       *breaker.Registry
	TextCache      *cache.Cache[*models.GenerationResult]
	ImageCache     *cache.Cache[*models.ImageResult]
	Fallback       *fallback.Generator
	Storage        storage.BlobStore
	Retry          *retry.Policy
	RetryOverrides map[string]*retry.Policy
}

// ProviderUsage aggregates per-provider call statistics
type ProviderUsage struct {
	Provider         string  `json:"provider"`
	Calls            int64   `json:"calls"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
	Fallbacks        int64   `json:"fallbacks"`
	CacheHits        int64   `json:"cache_hits"`
	AverageLatencyMs float64 `json:"average_latency_ms"`

	totalLatency time.Duration
}

// ProviderStatus combines a provider descriptor with its usage
type ProviderStatus struct {
	providers.Descriptor
	Usage ProviderUsage `json:"usage"`
}

// CacheStats reports both content caches
type CacheStats struct {
	Text  cache.Stats `json:"text"`
	Image cache.Stats `json:"image"`
}

type usageTracker struct {
	mu    sync.Mutex
	usage map[string]*ProviderUsage
}

func newUsageTracker() *usageTracker {
	return &usageTracker{usage: make(map[string]*ProviderUsage)}
}

func (t *usageTracker) get(provider string) *ProviderUsage {
	key := strings.ToLower(provider)
	u, ok := t.usage[key]
	if !ok {
		u = &ProviderUsage{Provider: key}
		t.usage[key] = u
	}
	return u
}

func (t *usageTracker) recordCall(provider string, success bool, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	u := t.get(provider)
	u.Calls++
	if success {
		u.Successes++
	} else {
		u.Failures++
	}
	u.totalLatency += latency
	u.AverageLatencyMs = float64(u.totalLatency.Milliseconds()) / float64(u.Calls)
}

func (t *usageTracker) recordFallback(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(provider).Fallbacks++
}

func (t *usageTracker) recordCacheHit(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(provider).CacheHits++
}

func (t *usageTracker) snapshot(provider string) ProviderUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if u, ok := t.usage[strings.ToLower(provider)]; ok {
		return *u
	}
	return ProviderUsage{Provider: strings.ToLower(provider)}
}

func (t *usageTracker) all() []ProviderUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ProviderUsage, 0, len(t.usage))
	for _, u := range t.usage {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}
