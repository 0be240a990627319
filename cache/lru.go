package cache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// lruCapacity bounds the underlying library cache's entry count, not
// its byte budget - LRUPolicy enforces the byte high-water mark itself
// by calling RemoveOldest in a loop, since golang-lru has no notion of
// variable-sized entries. The count cap only needs to be large enough
// that it is never the thing doing the evicting.
const lruCapacity = 1 << 20

// LRUPolicy evicts the least-recently-touched resident key first. It
// is a thin byte-budget layer over hashicorp/golang-lru, which supplies
// the recency ordering and O(1) RemoveOldest.
type LRUPolicy[K comparable] struct {
	mu            sync.Mutex
	highWaterMark int
	total         int
	sizes         *lru.Cache[K, int]
}

// NewLRUPolicy returns an LRUPolicy bounding total tracked bytes to
// highWaterMark.
func NewLRUPolicy[K comparable](highWaterMark int) *LRUPolicy[K] {
	c, err := lru.New[K, int](lruCapacity)
	if err != nil {
		// only fails for a non-positive size, which lruCapacity never is.
		panic(err)
	}
	return &LRUPolicy[K]{highWaterMark: highWaterMark, sizes: c}
}

func (p *LRUPolicy[K]) Touch(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sizes.Get(key) // Get promotes to most-recently-used
}

func (p *LRUPolicy[K]) Add(key K, size int, onEvict func(K)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if old, ok := p.sizes.Peek(key); ok {
		p.total -= old
		p.sizes.Remove(key)
	}
	for p.total+size > p.highWaterMark {
		k, v, ok := p.sizes.RemoveOldest()
		if !ok {
			break
		}
		p.total -= v
		onEvict(k)
	}
	p.sizes.Add(key, size)
	p.total += size
	// every other key is gone; a key that alone exceeds the budget goes too
	if p.total > p.highWaterMark {
		p.sizes.Remove(key)
		p.total -= size
		onEvict(key)
	}
}

func (p *LRUPolicy[K]) Remove(key K) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if v, ok := p.sizes.Peek(key); ok {
		p.total -= v
		p.sizes.Remove(key)
	}
}

func (p *LRUPolicy[K]) Contains(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizes.Contains(key)
}

func (p *LRUPolicy[K]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sizes.Len()
}
