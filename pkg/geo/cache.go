package geo

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Cache memoizes geocode lookups by normalized query. Negative results
// (no provider found anything) are cached too, so a dead address is
// only probed once per process lifetime. Concurrent lookups for the
// same key collapse into a single provider call.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Result // nil value = cached miss
	group   singleflight.Group
	persist func(query string, result *Result)
}

func NewCache() *Cache {
	return &Cache{entries: make(map[string]*Result)}
}

// Lookup returns the cached result for query, or runs fetch and caches
// whatever it returns. A nil result with nil error is a definitive miss
// and is cached; fetch errors are not cached.
func (c *Cache) Lookup(ctx context.Context, query string, fetch func(context.Context, string) (*Result, error)) (*Result, error) {
	key := NormalizeQuery(query)

	c.mu.RLock()
	result, ok := c.entries[key]
	c.mu.RUnlock()
	if ok {
		return result, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		result, err := fetch(ctx, query)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = result
		persist := c.persist
		c.mu.Unlock()
		if persist != nil {
			persist(query, result)
		}
		return result, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Result), nil
}

// OnStore registers a callback invoked once per freshly fetched entry,
// hits and misses both. Used to mirror the cache into durable storage.
func (c *Cache) OnStore(fn func(query string, result *Result)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist = fn
}

// Seed inserts an entry without consulting providers. Used to warm the
// cache from the persistent geocode_cache table at startup.
func (c *Cache) Seed(query string, result *Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[NormalizeQuery(query)] = result
}

// Entries returns a snapshot of the cache keyed by normalized query.
// Misses are included as nil values.
func (c *Cache) Entries() map[string]*Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]*Result, len(c.entries))
	for k, v := range c.entries {
		out[k] = v
	}
	return out
}

// Len reports the number of cached entries, hits and misses both.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// NormalizeQuery lowercases, collapses internal whitespace, and strips
// trailing punctuation so trivially different spellings share a cache
// slot.
func NormalizeQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	normalized = strings.Join(strings.Fields(normalized), " ")
	return strings.TrimSpace(strings.TrimRight(normalized, ".,;:!?"))
}
