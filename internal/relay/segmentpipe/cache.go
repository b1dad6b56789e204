// Package segmentpipe fetches, optionally decrypts (CENC ClearKey),
// optionally remuxes (fMP4→TS), caches, and serves media segments, with
// background prefetch of successor segments, per spec.md §4.6.
//
// Grounded on original_source/services/hls_proxy.py's segment_cache /
// init_cache dict-with-insert-time fields and its handle_segment_request /
// handle_decrypt_segment handlers.
package segmentpipe

import (
	"sync"
	"time"
)

const (
	segmentCacheTTL        = 30 * time.Second
	segmentCacheCapacity   = 50
	segmentCacheEvictCount = 20
)

// SegmentKey identifies one cached segment response, per spec.md §3's
// Segment cache-entry key.
type SegmentKey struct {
	URL     string
	KeyID   string
	Variant string // "raw" or "ts"
}

type segmentEntry struct {
	body        []byte
	contentType string
	insertedAt  time.Time
}

// SegmentCache holds decoded/remuxed segment bytes for segmentCacheTTL,
// capped at segmentCacheCapacity entries with FIFO-by-insertion eviction of
// segmentCacheEvictCount entries on overflow, per spec.md §3.
type SegmentCache struct {
	mu      sync.Mutex
	entries map[SegmentKey]*segmentEntry
	order   []SegmentKey
}

// NewSegmentCache builds an empty SegmentCache.
func NewSegmentCache() *SegmentCache {
	return &SegmentCache{entries: make(map[SegmentKey]*segmentEntry)}
}

// Get returns the cached body and content type for key, or ok=false if
// absent or TTL-expired.
func (c *SegmentCache) Get(key SegmentKey) (body []byte, contentType string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, found := c.entries[key]
	if !found {
		return nil, "", false
	}
	if time.Since(entry.insertedAt) >= segmentCacheTTL {
		delete(c.entries, key)
		return nil, "", false
	}
	return entry.body, entry.contentType, true
}

// Put inserts or replaces the cached entry for key, evicting the oldest
// entries if capacity is now exceeded.
func (c *SegmentCache) Put(key SegmentKey, body []byte, contentType string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists {
		c.order = append(c.order, key)
	}
	c.entries[key] = &segmentEntry{body: body, contentType: contentType, insertedAt: time.Now()}
	c.evictLocked()
}

func (c *SegmentCache) evictLocked() {
	if len(c.entries) <= segmentCacheCapacity {
		return
	}
	evicted := 0
	for evicted < segmentCacheEvictCount && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if _, ok := c.entries[oldest]; ok {
			delete(c.entries, oldest)
			evicted++
		}
	}
}

// Sweep evicts every TTL-expired entry, independent of the capacity rule.
// Called periodically by sweeper.go's cron job so a quiet stream's cache is
// still reclaimed outside the request path. Returns the number removed.
func (c *SegmentCache) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key, entry := range c.entries {
		if now.Sub(entry.insertedAt) >= segmentCacheTTL {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Len reports the current entry count, for diagnostics.
func (c *SegmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// InitCache holds fMP4 init-segment bytes keyed by URL, unbounded: init
// segments are small and few per stream, per spec.md §3.
type InitCache struct {
	mu sync.Mutex
	m  map[string][]byte
}

// NewInitCache builds an empty InitCache.
func NewInitCache() *InitCache {
	return &InitCache{m: make(map[string][]byte)}
}

// Get returns the cached init segment for url, if present.
func (c *InitCache) Get(url string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	body, ok := c.m[url]
	return body, ok
}

// Put caches body under url.
func (c *InitCache) Put(url string, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[url] = body
}

// Len reports the current entry count, for diagnostics.
func (c *InitCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
