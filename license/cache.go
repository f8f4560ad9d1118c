package license

import (
	"sync"
	"time"

	"sentimetry.app/cloud/models"
)

// DefaultCacheTTL bounds how long a validation result is served without
// consulting the authority again.
const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	result   models.Validation
	cachedAt time.Time
}

// Cache is a TTL-bounded store of validation results keyed by
// (licenseKey, scope). Entries are replaced as whole values, never
// mutated field by field, so a same-key race resolves to last-write-wins
// without serving a half-written entry. Invalid keys are never cached;
// every lookup for an unknown key goes back to the authority.
type Cache struct {
	ttl     time.Duration
	mu      sync.RWMutex
	entries map[string]cacheEntry
}

func NewCache(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
	}
}

func cacheKey(licenseKey, scope string) string {
	return licenseKey + "|" + scope
}

// Get returns the cached result for (licenseKey, scope) if it is still
// fresh at now. An entry at or past its TTL is absent.
func (c *Cache) Get(licenseKey, scope string, now time.Time) (models.Validation, bool) {
	c.mu.RLock()
	entry, ok := c.entries[cacheKey(licenseKey, scope)]
	c.mu.RUnlock()

	if !ok {
		return models.Validation{}, false
	}
	if now.Sub(entry.cachedAt) >= c.ttl {
		return models.Validation{}, false
	}
	return entry.result, true
}

// Put stores result for (licenseKey, scope), stamped at now.
func (c *Cache) Put(licenseKey, scope string, result models.Validation, now time.Time) {
	c.mu.Lock()
	c.entries[cacheKey(licenseKey, scope)] = cacheEntry{result: result, cachedAt: now}
	c.mu.Unlock()
}

// Invalidate drops every cached entry for the given license key across
// all scopes. Used when a lifecycle transition revokes or supersedes a
// key.
func (c *Cache) Invalidate(licenseKey string) {
	prefix := licenseKey + "|"
	c.mu.Lock()
	for k := range c.entries {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()
}
