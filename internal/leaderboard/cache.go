package leaderboard

import (
	"sync"
	"time"
)

type cacheKey struct {
	groupID  string
	startKey int
	endKey   int
}

type cacheEntry struct {
	rows      []Row
	fetchedAt time.Time
}

// rowCache holds recently aggregated windows so repeated reads inside the
// freshness window skip the remote round trip entirely.
type rowCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[cacheKey]cacheEntry
}

func newRowCache(ttl time.Duration, now func() time.Time) *rowCache {
	return &rowCache{
		ttl:     ttl,
		now:     now,
		entries: map[cacheKey]cacheEntry{},
	}
}

func (c *rowCache) get(key cacheKey) ([]Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.now().Sub(entry.fetchedAt) > c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return cloneRows(entry.rows), true
}

func (c *rowCache) put(key cacheKey, rows []Row) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{rows: cloneRows(rows), fetchedAt: c.now()}
}

func (c *rowCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = map[cacheKey]cacheEntry{}
}

func cloneRows(rows []Row) []Row {
	cloned := make([]Row, len(rows))
	copy(cloned, rows)
	for i := range cloned {
		perActivity := make(map[string]int, len(rows[i].PerActivity))
		for activity, points := range rows[i].PerActivity {
			perActivity[activity] = points
		}
		cloned[i].PerActivity = perActivity
	}
	return cloned
}
