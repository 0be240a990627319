// Package cache implements the eviction-ordering policies for the tile
// store's bounded residency pool (component C). It knows nothing about
// tiles, pixels, or swap - only about keys, byte sizes, and an eviction
// callback, keeping eviction policy cleanly separated from what gets
// bounded.
package cache

// Policy decides which keys to evict when admitting a new key would
// push the tracked byte total over a configured high-water mark. It
// owns membership and size bookkeeping only; the caller supplies the
// actual eviction side effect via the onEvict callback passed to Add.
type Policy[K comparable] interface {
	// Touch re-ranks an already-tracked key (e.g. on re-access).
	Touch(key K)
	// Add admits key with the given byte size, evicting other keys
	// (invoking onEvict for each, lowest-ranked first) until the running
	// total fits under the high-water mark, then records key as
	// resident. If key alone is larger than the high-water mark, it is
	// evicted as well once no other key is left. Re-adding an
	// already-tracked key replaces its size without evicting it.
	Add(key K, size int, onEvict func(K))
	// Remove drops key's bookkeeping without invoking onEvict.
	Remove(key K)
	// Contains reports whether key is currently tracked.
	Contains(key K) bool
	// Len returns the number of tracked keys.
	Len() int
}
