// Package region implements the pixel region cursor (component E): a
// rectangular, possibly-strided access window over one tile manager,
// plus helpers that walk several regions in lock-step over tile-aligned
// sub-rectangles of their geometric intersection. Generalised from a
// tile-at-a-time iteration that borrows one disk tile, applies a
// caller-supplied function across every sample in it, and moves to the
// next - here lifted from disk tiles to borrowed in-memory tiles, and
// from one layer to N in lock-step.
package region

import (
	"context"

	tilestore "github.com/owlpinetech/tilestore"
)

// AccessMode records whether a Region was started for reading, writing,
// or both.
type AccessMode int

const (
	Read AccessMode = 1 << iota
	Write
)

func (m AccessMode) wantRead() bool  { return m&Read != 0 }
func (m AccessMode) wantWrite() bool { return m&Write != 0 }

// Region is a rectangular cursor over one manager's level-0 raster. It
// is transient and single-use: Start, move the cursor with Position,
// then Finish.
type Region struct {
	manager *tilestore.Manager
	mode    AccessMode

	originX, originY int
	width, height     int

	tile         *tilestore.Tile
	tileX, tileY int // pixel origin of the currently bound tile
	tileW, tileH int // effective bounds of the currently bound tile
	data         []byte
	stride, bpp  int
	positioned   bool
}

// New builds a region over [x, y)-[x+w, y+h) of manager, not yet
// started.
func New(manager *tilestore.Manager, x, y, w, h int) *Region {
	return &Region{manager: manager, originX: x, originY: y, width: w, height: h}
}

// Start records the access mode. No tile is pinned yet.
func (r *Region) Start(mode AccessMode) {
	r.mode = mode
	r.positioned = false
}

// Finish releases any tile the region currently holds, with dirty set
// to whether the region was opened for writing.
func (r *Region) Finish() error {
	if r.tile == nil {
		return nil
	}
	err := r.manager.Release(r.tile, r.mode.wantWrite())
	r.tile = nil
	r.positioned = false
	return err
}

// Position moves the cursor to (x, y), borrowing a new tile if the
// previously bound one no longer covers this point. Idempotent when
// already positioned correctly. Returns false if (x, y) is outside the
// manager.
func (r *Region) Position(ctx context.Context, x, y int) (bool, error) {
	if r.positioned && x >= r.tileX && x < r.tileX+r.tileW && y >= r.tileY && y < r.tileY+r.tileH {
		return true, nil
	}
	if r.tile != nil {
		if err := r.manager.Release(r.tile, r.mode.wantWrite()); err != nil {
			return false, err
		}
		r.tile = nil
		r.positioned = false
	}

	tile, err := r.manager.BorrowAtPixel(ctx, 0, x, y, r.mode.wantRead(), r.mode.wantWrite())
	if err != nil {
		return false, nil
	}
	lvl, ox, oy, ok := r.manager.GetTileCoordinates(tile)
	if !ok || lvl != 0 {
		return false, nil
	}
	r.tile = tile
	r.tileX, r.tileY = ox, oy
	r.tileW, r.tileH = tile.EffectiveWidth(), tile.EffectiveHeight()
	r.data, r.stride, r.bpp = tile.Data()
	r.positioned = true
	return true, nil
}

// Probe reports whether the tile covering (x, y) is currently valid,
// without borrowing it and without triggering validation.
func (r *Region) Probe(x, y int) bool {
	valid, ok := r.manager.PeekValidAtPixel(0, x, y)
	return ok && valid
}

// RowAt returns the row of the currently bound tile at logical row y,
// already sliced to this region's stride and bpp, along with its pixel
// x origin within that row. Position must have been called for a point
// on row y first.
func (r *Region) RowAt(y int) (row []byte, originX int) {
	localY := y - r.tileY
	if localY < 0 || localY >= r.tileH {
		return nil, 0
	}
	start := localY * r.stride
	return r.data[start : start+r.tileW*r.bpp], r.tileX
}

// Bounds returns the region's pixel rectangle.
func (r *Region) Bounds() (x, y, w, h int) { return r.originX, r.originY, r.width, r.height }

// Bpp returns the manager's bytes per pixel.
func (r *Region) Bpp() int { return r.manager.Bpp() }
