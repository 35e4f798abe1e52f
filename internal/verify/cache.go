package verify

import (
	"sync"
	"time"

	"github.com/certroot/certroot/internal/ledger"
)

type cacheEntry struct {
	record    ledger.Record
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return time.Now().After(e.expiresAt)
}

// entryCache holds ledger records by record id. Ledger entries never change,
// so the TTL only bounds memory.
type entryCache struct {
	mu      sync.RWMutex
	entries map[uint64]*cacheEntry
	ttl     time.Duration
}

func newEntryCache(ttl time.Duration) *entryCache {
	return &entryCache{
		entries: make(map[uint64]*cacheEntry),
		ttl:     ttl,
	}
}

func (c *entryCache) get(id uint64) (ledger.Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.expired() {
		return ledger.Record{}, false
	}
	return e.record, true
}

func (c *entryCache) set(rec ledger.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[rec.RecordID] = &cacheEntry{record: rec, expiresAt: time.Now().Add(c.ttl)}
}

// evict removes all expired entries.
func (c *entryCache) evict() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.entries {
		if e.expired() {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// len returns the number of cached entries (including expired).
func (c *entryCache) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
