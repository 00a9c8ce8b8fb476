package sitemap

import (
	"sync"
	"time"
)

type memoKey struct {
	site    string
	variant Variant
	page    int
}

type memoEntry struct {
	result    PageResult
	expiresAt time.Time
}

// memoCache is a plain mutex-guarded map; entries are small (page
// metadata, not XML bytes) so a sync.Map isn't needed for this volume.
type memoCache struct {
	mu      sync.Mutex
	entries map[memoKey]memoEntry
}

func newMemoCache() *memoCache {
	return &memoCache{entries: make(map[memoKey]memoEntry)}
}

func (c *memoCache) get(key memoKey, now time.Time) (PageResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || now.After(entry.expiresAt) {
		return PageResult{}, false
	}
	return entry.result, true
}

func (c *memoCache) put(key memoKey, result PageResult, expiresAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoEntry{result: result, expiresAt: expiresAt}
}

func (c *memoCache) deleteSite(site string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if k.site == site {
			delete(c.entries, k)
		}
	}
}
