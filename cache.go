package tilestore

import "github.com/owlpinetech/tilestore/cache"

// Cache bounds the total bytes of resident-but-unreferenced tile
// payloads (component C). Membership is exactly the set of
// tiles with ref_count == 0 whose data is still in memory; a tile
// leaves the cache either because it is borrowed again (Tile.borrow
// flushes it out) or because the policy evicts it under pressure, in
// which case evictToSwap makes the payload durable before the buffer is
// dropped.
type Cache struct {
	policy cache.Policy[*Tile]
}

// NewCache wraps policy (an LRUPolicy by default) as the tile store's
// residency cache. A nil policy defaults to an LRU policy bounded at
// highWaterMark bytes.
func NewCache(highWaterMark int, policy cache.Policy[*Tile]) *Cache {
	if policy == nil {
		policy = cache.NewLRUPolicy[*Tile](highWaterMark)
	}
	return &Cache{policy: policy}
}

// insert admits t as a resident-but-unreferenced cache entry, evicting
// other entries under the configured policy if needed to stay under the
// byte budget. Must be called with no tile mutex held.
func (c *Cache) insert(t *Tile) {
	c.policy.Add(t, t.byteSize(), func(evicted *Tile) {
		if err := evicted.evictToSwap(); err != nil {
			// best effort: the payload stays resident, but the policy
			// has already dropped the tile, so no later sweep retries
			// the write; the tile re-enters the cache on its next release.
			_ = err
		}
	})
}

// flush removes t from the cache's bookkeeping without writing it to
// swap - used when a tile is re-borrowed, invalidated, or destroyed.
func (c *Cache) flush(t *Tile) {
	c.policy.Remove(t)
}

// Contains reports whether t is currently a resident-but-unreferenced
// cache member.
func (c *Cache) Contains(t *Tile) bool {
	return c.policy.Contains(t)
}

// Len returns the number of resident-but-unreferenced tiles.
func (c *Cache) Len() int {
	return c.policy.Len()
}
