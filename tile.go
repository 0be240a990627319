package tilestore

import (
	"sync"

	"github.com/owlpinetech/tilestore/swap"
)

// RowHint is a per-row advisory summary a compositor may use to skip
// work. The tile store never acts on it; Manager.ClassifyRowHint is the
// one place that computes a hint from pixel content.
type RowHint uint8

const (
	RowHintUnknown RowHint = iota
	RowHintOpaque
	RowHintTransparent
	RowHintMixed
)

// attachment is a back-pointer from a tile to one manager slot that
// references it. share_count is len(attachments).
type attachment struct {
	manager *Manager
	index   int
}

// Tile owns one tile's bytes, validity, share/write counts, and swap
// handle (component B). Every exported method that touches
// counters, attachments, or data/valid/dirty takes the tile's mutex for
// a short critical section; pixel kernels run with the mutex released
// and rely on ref_count to keep the payload alive.
type Tile struct {
	mu sync.Mutex

	bpp             int
	ewidth, eheight int

	data  []byte // nil when payload is on swap or never produced
	valid bool
	dirty bool

	refCount   int
	writeCount int

	attachments []attachment

	hasSwap bool // tagged in place of a -1 sentinel offset
	swapID  swap.SwapID
	extent  swap.Extent

	rowHints []RowHint

	store *swap.Store
	cache *Cache
}

func newTile(bpp, ewidth, eheight int, store *swap.Store, swapID swap.SwapID, cache *Cache) (*Tile, error) {
	if bpp < 1 || bpp > MaxBytesPerPixel {
		return nil, ErrBytesPerPixel{Got: bpp}
	}
	return &Tile{
		bpp:      bpp,
		ewidth:   ewidth,
		eheight:  eheight,
		store:    store,
		swapID:   swapID,
		cache:    cache,
		rowHints: make([]RowHint, eheight),
	}, nil
}

// Bpp, EffectiveWidth, EffectiveHeight report the tile's fixed geometry.
func (t *Tile) Bpp() int            { return t.bpp }
func (t *Tile) EffectiveWidth() int { return t.ewidth }
func (t *Tile) EffectiveHeight() int {
	return t.eheight
}

func (t *Tile) byteSize() int { return t.ewidth * t.eheight * t.bpp }

// IsValid reports whether the tile's data (if produced) reflects the
// caller's logical pixels.
func (t *Tile) IsValid() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.valid
}

// ShareCount returns the number of attachments (managers holding this
// tile), i.e. share_count.
func (t *Tile) ShareCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.attachments)
}

// RefCount returns the number of live borrows.
func (t *Tile) RefCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refCount
}

// RowHint returns the advisory summary for row, or RowHintUnknown if row
// is out of range.
func (t *Tile) RowHint(row int) RowHint {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row < 0 || row >= len(t.rowHints) {
		return RowHintUnknown
	}
	return t.rowHints[row]
}

// SetRowHint records an advisory summary for row. Never consulted by the
// store itself; purely a pass-through for compositor-style collaborators.
func (t *Tile) SetRowHint(row int, hint RowHint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if row < 0 || row >= len(t.rowHints) {
		return
	}
	t.rowHints[row] = hint
}

// Data returns the tile's current payload, its row stride (in bytes),
// and its bpp. Only valid to call while the caller holds a borrow; the
// slice must not be retained past release.
func (t *Tile) Data() (data []byte, stride, bpp int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.data, t.ewidth * t.bpp, t.bpp
}

// attach prepends a new (manager, index) link and increments share_count.
func (t *Tile) attach(m *Manager, index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.attachments = append([]attachment{{manager: m, index: index}}, t.attachments...)
}

// detach unlinks the (manager, index) attachment. If share_count reaches
// zero, the tile is destroyed: its buffer freed, any swap extent
// released, and it is removed from the cache. Returns whether the tile
// was destroyed by this call.
func (t *Tile) detach(m *Manager, index int) bool {
	t.mu.Lock()
	found := -1
	for i, a := range t.attachments {
		if a.manager == m && a.index == index {
			found = i
			break
		}
	}
	if found == -1 {
		t.mu.Unlock()
		m.cfg.logger().WithFields(map[string]any{
			"manager": m.id,
			"index":   index,
		}).Warn(ErrNotAttached{ManagerID: m.id, Index: index})
		return false
	}
	t.attachments = append(t.attachments[:found], t.attachments[found+1:]...)
	destroyed := len(t.attachments) == 0
	var (
		hadSwap bool
		swapID  swap.SwapID
		extent  swap.Extent
	)
	if destroyed {
		hadSwap, swapID, extent = t.hasSwap, t.swapID, t.extent
		t.data = nil
		t.valid = false
		t.hasSwap = false
	}
	t.mu.Unlock()

	if destroyed {
		if t.cache != nil {
			t.cache.flush(t)
		}
		if hadSwap {
			if err := t.store.Delete(swapID, extent); err != nil {
				m.cfg.logger().WithError(err).Warn("tilestore: failed to release swap extent on tile destruction")
			}
		}
	}
	return destroyed
}

// borrow implements the read-borrow protocol: take the
// mutex, bump ref_count, swap the payload in on the first reference,
// remove the tile from cache-eviction eligibility now that it is
// referenced. borrow does not validate; the manager runs its validator
// afterwards when the tile is invalid.
func (t *Tile) borrow(dirty bool) error {
	t.mu.Lock()
	t.refCount++
	firstRef := t.refCount == 1
	if firstRef && t.data == nil {
		var ext *swap.Extent
		if t.hasSwap {
			e := t.extent
			ext = &e
		}
		// store.In already logs an I/O failure itself and, even on
		// error, still returns a usable zeroed buffer: the borrow
		// completes with an allocated-but-uninitialised payload instead
		// of leaking this reference, and the tile stays invalid so the
		// caller's validator repopulates it.
		data, err := t.store.In(t.swapID, ext, t.byteSize())
		t.data = data
		if err != nil {
			t.valid = false
		}
	}
	if dirty {
		if len(t.attachments) != 1 {
			t.refCount--
			t.mu.Unlock()
			return ErrSharedWrite{ShareCount: len(t.attachments)}
		}
		t.writeCount++
		t.dirty = true
	}
	needsValidate := !t.valid
	t.mu.Unlock()

	if firstRef && t.cache != nil {
		// now referenced: no longer an eviction candidate, per the
		// cache invariant that membership implies ref_count == 0.
		t.cache.flush(t)
	}
	_ = needsValidate // validation is driven by the manager, which knows the callback
	return nil
}

// release decrements ref_count, and on
// the 1->0 transition either admit the payload to the cache (dirty, or
// never swapped - the cache's own eviction performs the deferred
// out-to-swap write) or drop the buffer immediately (clean, already
// backed by an authoritative on-swap copy).
func (t *Tile) release(writeWasHeld bool) error {
	t.mu.Lock()
	if t.refCount == 0 {
		t.mu.Unlock()
		return ErrReleaseUnborrowed{}
	}
	t.refCount--
	if writeWasHeld {
		t.writeCount--
	}
	lastRef := t.refCount == 0
	keepResident := t.dirty || !t.hasSwap
	t.mu.Unlock()

	if lastRef && t.cache != nil {
		if keepResident {
			t.cache.insert(t)
		} else {
			t.mu.Lock()
			t.data = nil
			t.mu.Unlock()
		}
	}
	return nil
}

// evictToSwap is called by the cache, without the caller holding any
// tile mutex, when this tile is chosen for eviction. It ensures the
// payload is durable on swap (writing it out if dirty or never
// swapped), then frees the in-memory buffer. Only
// tiles with ref_count == 0 are ever chosen; this is asserted, not just
// assumed, since violating it would let a live borrow's buffer vanish.
func (t *Tile) evictToSwap() error {
	t.mu.Lock()
	if t.refCount != 0 {
		t.mu.Unlock()
		return nil // never evict a referenced tile
	}
	needsWrite := t.dirty || !t.hasSwap
	data := t.data
	var ext *swap.Extent
	if t.hasSwap {
		e := t.extent
		ext = &e
	}
	t.mu.Unlock()

	if needsWrite && data != nil {
		written, err := t.store.Out(t.swapID, ext, data)
		if err != nil {
			return err
		}
		t.mu.Lock()
		t.extent = written
		t.hasSwap = true
		t.dirty = false
		t.mu.Unlock()
	}

	t.mu.Lock()
	t.data = nil
	t.mu.Unlock()
	return nil
}

// cloneForWrite produces a byte-for-byte copy of this tile's payload, for
// the manager's copy-on-write step. Allocates the payload first if it is
// currently absent.
func (t *Tile) cloneForWrite() (*Tile, error) {
	t.mu.Lock()
	if t.data == nil {
		var ext *swap.Extent
		if t.hasSwap {
			e := t.extent
			ext = &e
		}
		data, err := t.store.In(t.swapID, ext, t.byteSize())
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.data = data
	}
	clone := &Tile{
		bpp:     t.bpp,
		ewidth:  t.ewidth,
		eheight: t.eheight,
		data:    append([]byte(nil), t.data...),
		valid:   t.valid,
		store:   t.store,
		swapID:  t.swapID,
		cache:   t.cache,
	}
	clone.rowHints = append([]RowHint(nil), t.rowHints...)
	t.mu.Unlock()
	return clone, nil
}

// invalidateLocalCopy flushes this tile from the cache, frees its buffer
// and swap extent, and clears valid - used when a manager's own slot
// holds a non-shared tile that is being invalidated.
func (t *Tile) invalidateLocalCopy() error {
	t.mu.Lock()
	hadSwap, swapID, extent := t.hasSwap, t.swapID, t.extent
	t.data = nil
	t.valid = false
	t.hasSwap = false
	t.mu.Unlock()

	if t.cache != nil {
		t.cache.flush(t)
	}
	if hadSwap {
		return t.store.Delete(swapID, extent)
	}
	return nil
}
