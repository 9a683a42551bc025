package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// DefaultCacheTTL applies to rules that do not set their own TTL.
const DefaultCacheTTL = 5 * time.Minute

// maxCacheEntries bounds the report cache; past it the oldest insertion is
// evicted first.
const maxCacheEntries = 1000

type cacheEntry struct {
	report  Report
	expires time.Time
}

// reportCache is an insertion-ordered TTL cache of evaluation reports.
type reportCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	order   []string
	now     func() time.Time
}

func newReportCache() *reportCache {
	return &reportCache{
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

// cacheKey hashes the rule id plus canonical JSON of the data and context.
// encoding/json writes map keys in sorted order, so equal maps always hash
// equal regardless of insertion order.
func cacheKey(ruleID string, data, context map[string]any) string {
	h := sha256.New()
	h.Write([]byte(ruleID))
	if b, err := json.Marshal(data); err == nil {
		h.Write(b)
	}
	if b, err := json.Marshal(context); err == nil {
		h.Write(b)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *reportCache) get(key string) (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return Report{}, false
	}
	if c.now().After(entry.expires) {
		c.remove(key)
		return Report{}, false
	}
	return entry.report, true
}

func (c *reportCache) put(key string, report Report, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = cacheEntry{report: report, expires: c.now().Add(ttl)}
	for len(c.entries) > maxCacheEntries && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, oldest)
	}
}

// remove deletes the entry and its order slot so a later put of the same key
// cannot leave a duplicate in the eviction order. Callers hold the lock.
func (c *reportCache) remove(key string) {
	delete(c.entries, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *reportCache) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.order = nil
}
