package cache

import (
	"container/list"
	"hash/fnv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const shardCount = 16

// entry is a single cache entry with its own expiry
type entry[V any] struct {
	fingerprint string
	provider    string
	value       V
	createdAt   time.Time
	expiresAt   time.Time
	element     *list.Element // For LRU tracking
}

func (e *entry[V]) isExpired(now time.Time) bool {
	return !now.Before(e.expiresAt)
}

// shard is one lock domain of the cache
type shard[V any] struct {
	mu      sync.Mutex
	entries map[string]*entry[V]
	lruList *list.List
	maxSize int
}

// Cache is a sharded in-memory LRU cache with per-entry TTL.
// Fingerprints are spread over shards so unrelated keys never share a lock.
type Cache[V any] struct {
	shards     [shardCount]*shard[V]
	defaultTTL time.Duration
	now        func() time.Time

	hits      uint64
	misses    uint64
	evictions uint64
}

// Stats represents cache statistics
type Stats struct {
	Size      int     `json:"size"`
	MaxSize   int     `json:"max_size"`
	Hits      uint64  `json:"hits"`
	Misses    uint64  `json:"misses"`
	Evictions uint64  `json:"evictions"`
	HitRate   float64 `json:"hit_rate"`
}

// New creates a cache holding at most maxEntries values
func New[V any](maxEntries int, defaultTTL time.Duration) *Cache[V] {
	if maxEntries < shardCount {
		maxEntries = shardCount
	}
	perShard := (maxEntries + shardCount - 1) / shardCount

	c := &Cache[V]{
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
	for i := range c.shards {
		c.shards[i] = &shard[V]{
			entries: make(map[string]*entry[V]),
			lruList: list.New(),
			maxSize: perShard,
		}
	}
	return c
}

// DefaultTTL returns the TTL used when Put is given zero
func (c *Cache[V]) DefaultTTL() time.Duration {
	return c.defaultTTL
}

func (c *Cache[V]) shardFor(fingerprint string) *shard[V] {
	h := fnv.New32a()
	h.Write([]byte(fingerprint))
	return c.shards[h.Sum32()%shardCount]
}

// Get returns the live value for fingerprint.
// Expired entries count as misses and are removed.
func (c *Cache[V]) Get(fingerprint string) (V, bool) {
	return c.get(fingerprint, true)
}

// Peek is Get for a second look at a key the caller already missed.
// Hits are counted, misses are not.
func (c *Cache[V]) Peek(fingerprint string) (V, bool) {
	return c.get(fingerprint, false)
}

func (c *Cache[V]) get(fingerprint string, countMiss bool) (V, bool) {
	s := c.shardFor(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.entries[fingerprint]
	if !exists || e.isExpired(c.now()) {
		if countMiss {
			atomic.AddUint64(&c.misses, 1)
		}
		if exists {
			s.removeEntry(fingerprint)
		}
		var zero V
		return zero, false
	}

	s.lruList.MoveToFront(e.element)
	atomic.AddUint64(&c.hits, 1)
	return e.value, true
}

// Put stores value under fingerprint. A zero ttl uses the default.
func (c *Cache[V]) Put(fingerprint, provider string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()

	s := c.shardFor(fingerprint)
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, exists := s.entries[fingerprint]; exists {
		e.value = value
		e.provider = strings.ToLower(provider)
		e.createdAt = now
		e.expiresAt = now.Add(ttl)
		s.lruList.MoveToFront(e.element)
		return
	}

	if s.lruList.Len() >= s.maxSize {
		if s.evictLRU() {
			atomic.AddUint64(&c.evictions, 1)
		}
	}

	e := &entry[V]{
		fingerprint: fingerprint,
		provider:    strings.ToLower(provider),
		value:       value,
		createdAt:   now,
		expiresAt:   now.Add(ttl),
	}
	e.element = s.lruList.PushFront(fingerprint)
	s.entries[fingerprint] = e
}

// Invalidate removes every entry produced by provider and returns how many were removed
func (c *Cache[V]) Invalidate(provider string) int {
	provider = strings.ToLower(strings.TrimSpace(provider))
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.provider == provider {
				s.removeEntry(fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// InvalidateAll empties the cache
func (c *Cache[V]) InvalidateAll() int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		removed += len(s.entries)
		s.entries = make(map[string]*entry[V])
		s.lruList.Init()
		s.mu.Unlock()
	}
	return removed
}

// Stats returns cache statistics
func (c *Cache[V]) Stats() Stats {
	stats := Stats{
		Hits:      atomic.LoadUint64(&c.hits),
		Misses:    atomic.LoadUint64(&c.misses),
		Evictions: atomic.LoadUint64(&c.evictions),
	}
	for _, s := range c.shards {
		s.mu.Lock()
		stats.Size += s.lruList.Len()
		stats.MaxSize += s.maxSize
		s.mu.Unlock()
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// CleanupExpired removes all expired entries
func (c *Cache[V]) CleanupExpired() int {
	now := c.now()
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for fp, e := range s.entries {
			if e.isExpired(now) {
				s.removeEntry(fp)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// StartCleanupWorker periodically removes expired entries until stopCh is closed
func (c *Cache[V]) StartCleanupWorker(interval time.Duration, stopCh <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.CleanupExpired()
		case <-stopCh:
			return
		}
	}
}

// removeEntry removes an entry from the shard (must be called with lock held)
func (s *shard[V]) removeEntry(fingerprint string) {
	if e, exists := s.entries[fingerprint]; exists {
		s.lruList.Remove(e.element)
		delete(s.entries, fingerprint)
	}
}

// evictLRU evicts the least recently used entry (must be called with lock held)
func (s *shard[V]) evictLRU() bool {
	back := s.lruList.Back()
	if back == nil {
		return false
	}
	fingerprint := back.Value.(string)
	s.lruList.Remove(back)
	delete(s.entries, fingerprint)
	return true
}
