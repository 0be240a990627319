package tilestore

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/owlpinetech/tilestore/sample"
	"github.com/owlpinetech/tilestore/swap"
)

// Validator lets an embedding application synthesise pixels the first
// time an invalid tile is borrowed. Replaces the historical per-function
// callback plus opaque user-data with a single interface whose
// implementation owns whatever state it needs.
type Validator interface {
	Validate(ctx context.Context, t *Tile) error
}

// maxRepresentativeLevel is the level beyond which a sublevel collapses
// to a single representative pixel rather than a full box-downsample.
const maxRepresentativeLevel = 6

var managerIDSeq atomic.Uint64

// level holds one pyramid level's lazily-materialised tile grid. Pixel
// dimensions are computed eagerly (cheap arithmetic); the tile slice
// itself stays nil until the first borrow touches the level.
type level struct {
	width, height int // pixel dimensions at this level
	cols, rows    int
	tiles         []*Tile // nil until materialised
}

func newLevel(width, height int) *level {
	cols := (width + TileWidth - 1) / TileWidth
	rows := (height + TileHeight - 1) / TileHeight
	if cols < 1 {
		cols = 1
	}
	if rows < 1 {
		rows = 1
	}
	return &level{width: width, height: height, cols: cols, rows: rows}
}

func (l *level) effectiveDims(index int) (ewidth, eheight int) {
	col := index % l.cols
	row := index / l.cols
	ewidth = TileWidth
	if (col+1)*TileWidth > l.width {
		ewidth = l.width - col*TileWidth
	}
	eheight = TileHeight
	if (row+1)*TileHeight > l.height {
		eheight = l.height - row*TileHeight
	}
	return
}

// Manager maps (level, x, y) to a tile, lazily materialising each
// level's grid, mediating copy-on-write, and tracking a small mip
// pyramid above the base level (component D).
type Manager struct {
	mu sync.Mutex

	id  uint64
	cfg Config

	store  *swap.Store
	swapID swap.SwapID
	cache  *Cache

	bpp           int
	width, height int
	levels        []*level

	sampleType  sample.Type
	sampleOrder binary.ByteOrder

	validator Validator
	userData  any
}

// NewManager builds a manager for a width x height raster at the given
// bytes-per-pixel, backed by store/swapID for paging and cache for
// bounded residency. The pyramid runs from level 0 (the manager's own
// dimensions) down to the level at which both dimensions reach 1 pixel;
// levels beyond maxRepresentativeLevel are forced to 1x1 regardless of
// the arithmetic, per the source's "representative pixel" behaviour for
// extremely distant zoom levels.
func NewManager(width, height, bpp int, store *swap.Store, swapID swap.SwapID, cache *Cache, cfg Config) (*Manager, error) {
	if bpp < 1 || bpp > MaxBytesPerPixel {
		return nil, ErrBytesPerPixel{Got: bpp}
	}
	sampleType := cfg.SampleType // zero value is sample.Uint8
	if bpp%sampleType.Size() != 0 {
		return nil, ErrSampleAlignment{Bpp: bpp, SampleSize: sampleType.Size()}
	}
	m := &Manager{
		id:          managerIDSeq.Add(1),
		cfg:         cfg,
		store:       store,
		swapID:      swapID,
		cache:       cache,
		bpp:         bpp,
		width:       width,
		height:      height,
		sampleType:  sampleType,
		sampleOrder: cfg.sampleOrder(),
	}
	for l := 0; ; l++ {
		lw, lh := levelDims(width, height, l)
		m.levels = append(m.levels, newLevel(lw, lh))
		if lw == 1 && lh == 1 {
			break
		}
	}
	return m, nil
}

// levelDims computes a pyramid level's pixel dimensions by 2^level
// box-downsampling from level 0, collapsing to a single representative
// pixel beyond maxRepresentativeLevel.
func levelDims(width, height, l int) (w, h int) {
	if l > maxRepresentativeLevel {
		return 1, 1
	}
	w = width >> uint(l)
	if w < 1 {
		w = 1
	}
	h = height >> uint(l)
	if h < 1 {
		h = 1
	}
	return
}

// Width, Height, Bpp report the manager's level-0 dimensions.
func (m *Manager) Width() int  { return m.width }
func (m *Manager) Height() int { return m.height }
func (m *Manager) Bpp() int    { return m.bpp }

// Levels returns the number of pyramid levels, including level 0.
func (m *Manager) Levels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.levels)
}

// LevelWidth, LevelHeight report a pyramid level's pixel dimensions, or
// (0, 0) if level is out of range.
func (m *Manager) LevelWidth(lvl int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lvl < 0 || lvl >= len(m.levels) {
		return 0
	}
	return m.levels[lvl].width
}

func (m *Manager) LevelHeight(lvl int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if lvl < 0 || lvl >= len(m.levels) {
		return 0
	}
	return m.levels[lvl].height
}

// SetValidator installs the callback invoked the first time an invalid
// tile is borrowed.
func (m *Manager) SetValidator(v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validator = v
}

// SetUserData stores an opaque value alongside the manager.
func (m *Manager) SetUserData(v any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.userData = v
}

// UserData returns the value last passed to SetUserData, or nil.
func (m *Manager) UserData() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userData
}

// levelAt returns the level struct for lvl, materialising its tile grid
// if this is the first touch. Must be called with m.mu held.
func (m *Manager) levelAt(lvl int) (*level, error) {
	if lvl < 0 || lvl >= len(m.levels) {
		return nil, ErrOutOfRange{Level: lvl}
	}
	l := m.levels[lvl]
	if l.tiles == nil {
		l.tiles = make([]*Tile, l.cols*l.rows)
		for i := range l.tiles {
			ew, eh := l.effectiveDims(i)
			t, err := newTile(m.bpp, ew, eh, m.store, m.swapID, m.cache)
			if err != nil {
				return nil, err
			}
			t.attach(m, i)
			l.tiles[i] = t
		}
	}
	return l, nil
}

func indexForPixel(l *level, x, y int) (int, bool) {
	if x < 0 || y < 0 || x >= l.width || y >= l.height {
		return 0, false
	}
	col := x / TileWidth
	row := y / TileHeight
	return row*l.cols + col, true
}

// BorrowAtPixel translates (x, y) at lvl to a tile index and delegates
// to BorrowByIndex. Returns ErrOutOfRange if the pixel is outside the
// level's dimensions.
func (m *Manager) BorrowAtPixel(ctx context.Context, lvl, x, y int, wantRead, wantWrite bool) (*Tile, error) {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	index, ok := indexForPixel(l, x, y)
	m.mu.Unlock()
	if !ok {
		return nil, ErrOutOfRange{Level: lvl, X: x, Y: y, Width: l.width, Height: l.height}
	}
	return m.BorrowByIndex(ctx, lvl, index, wantRead, wantWrite)
}

// PeekValidAtPixel reports whether the tile covering (lvl, x, y) is
// currently valid, without borrowing it and without running the
// manager's validator - a pure read of the slot's current state for a
// caller (e.g. a probe) that must not have the side effect of
// validating an invalid tile just by looking at it.
func (m *Manager) PeekValidAtPixel(lvl, x, y int) (valid, ok bool) {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return false, false
	}
	index, indexOK := indexForPixel(l, x, y)
	if !indexOK {
		m.mu.Unlock()
		return false, false
	}
	tile := l.tiles[index]
	m.mu.Unlock()
	return tile.IsValid(), true
}

// BorrowByIndex materialises lvl's tile grid on first use, performs
// copy-on-write if a write-borrow targets a shared tile, then takes the
// tile's borrow lock. If the returned tile is invalid, the manager's
// validator (if any) runs before the tile is handed back.
func (m *Manager) BorrowByIndex(ctx context.Context, lvl, index int, wantRead, wantWrite bool) (*Tile, error) {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	if index < 0 || index >= len(l.tiles) {
		m.mu.Unlock()
		return nil, ErrOutOfRange{Level: lvl, Width: l.width, Height: l.height}
	}
	tile := l.tiles[index]

	if wantWrite && tile.ShareCount() > 1 {
		clone, err := tile.cloneForWrite()
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		tile.detach(m, index)
		clone.attach(m, index)
		l.tiles[index] = clone
		tile = clone
	}
	m.mu.Unlock()

	if err := tile.borrow(wantWrite); err != nil {
		return nil, err
	}
	if !tile.IsValid() {
		if verr := m.runValidator(ctx, tile); verr != nil {
			m.cfg.logger().WithError(verr).Warn("tilestore: validator returned an error; tile marked valid anyway")
		}
	}
	_ = wantRead
	return tile, nil
}

func (m *Manager) runValidator(ctx context.Context, t *Tile) error {
	m.mu.Lock()
	v := m.validator
	m.mu.Unlock()
	var err error
	if v != nil {
		err = v.Validate(ctx, t)
	}
	t.mu.Lock()
	t.valid = true
	t.mu.Unlock()
	return err
}

// ValidateTile marks t valid, running the manager's validator first if
// one is installed and t is not already valid.
func (m *Manager) ValidateTile(ctx context.Context, t *Tile) error {
	if t.IsValid() {
		return nil
	}
	return m.runValidator(ctx, t)
}

// Release returns a borrowed tile, matching the dirty state the caller
// held it under.
func (m *Manager) Release(t *Tile, writeHeld bool) error {
	return t.release(writeHeld)
}

// PrefetchAtPixel hints that the tile at (lvl, x, y) should be paged in
// asynchronously. It starts a read through store.InAsync and discards the
// result, so the tile is not made resident by this call; it does nothing
// if the coordinates are out of range, the tile is already resident, or
// the tile has never been swapped out. See internal/prefetch for a
// batched worker.
func (m *Manager) PrefetchAtPixel(lvl, x, y int) {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return
	}
	index, ok := indexForPixel(l, x, y)
	if !ok {
		m.mu.Unlock()
		return
	}
	tile := l.tiles[index]
	m.mu.Unlock()
	tile.mu.Lock()
	hasSwap, swapID, extent := tile.hasSwap, tile.swapID, tile.extent
	alreadyResident := tile.data != nil
	tile.mu.Unlock()
	if alreadyResident || !hasSwap {
		return
	}
	m.store.InAsync(swapID, &extent, tile.byteSize(), func([]byte, error) {})
}

// Map substitutes source into the slot at (lvl, index), detaching the
// current occupant and attaching source. Dimension/bpp mismatches are
// logged and the map proceeds anyway, matching the historical retarget
// behaviour; use ErrDimensionMismatch with errors.As for a stricter
// caller that wants to reject instead.
func (m *Manager) Map(lvl, index int, source *Tile) error {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	if index < 0 || index >= len(l.tiles) {
		m.mu.Unlock()
		return ErrOutOfRange{Level: lvl, Width: l.width, Height: l.height}
	}
	old := l.tiles[index]
	ew, eh := l.effectiveDims(index)
	var mismatch error
	if source.EffectiveWidth() != ew || source.EffectiveHeight() != eh || source.Bpp() != m.bpp {
		mismatch = ErrDimensionMismatch{
			SlotWidth: ew, SlotHeight: eh, SlotBpp: m.bpp,
			TileWidth: source.EffectiveWidth(), TileHeight: source.EffectiveHeight(), TileBpp: source.Bpp(),
		}
	}
	l.tiles[index] = source
	m.mu.Unlock()

	if mismatch != nil {
		m.cfg.logger().WithError(mismatch).Warn("tilestore: map targeted a mismatched tile; retargeting anyway")
	}
	source.attach(m, index)
	old.detach(m, index)
	return mismatch
}

// MapAtPixel translates (x, y) at lvl to an index and delegates to Map.
func (m *Manager) MapAtPixel(lvl, x, y int, source *Tile) error {
	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	index, ok := indexForPixel(l, x, y)
	m.mu.Unlock()
	if !ok {
		return ErrOutOfRange{Level: lvl, X: x, Y: y, Width: l.width, Height: l.height}
	}
	return m.Map(lvl, index, source)
}

// GetTileCoordinates finds t's attachment to this manager and returns
// the pixel origin of its slot at its level. ok is false if t is not
// currently attached to this manager (logged as a warning, not an
// error, per the protocol-misuse policy).
func (m *Manager) GetTileCoordinates(t *Tile) (lvl, x, y int, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for li, l := range m.levels {
		for i, candidate := range l.tiles {
			if candidate == t {
				col := i % l.cols
				row := i / l.cols
				return li, col * TileWidth, row * TileHeight, true
			}
		}
	}
	m.cfg.logger().Warn("tilestore: get-tile-coordinates on a tile not attached to this manager")
	return 0, 0, 0, false
}

// invalidateSlot replaces a shared occupant with a fresh empty tile (the
// shared original survives for other managers) or, for a non-shared
// occupant, flushes it from cache and frees its buffer and swap extent.
func (m *Manager) invalidateSlot(l *level, index int) error {
	old := l.tiles[index]
	if old.ShareCount() > 1 {
		ew, eh := l.effectiveDims(index)
		fresh, err := newTile(m.bpp, ew, eh, m.store, m.swapID, m.cache)
		if err != nil {
			return err
		}
		fresh.attach(m, index)
		l.tiles[index] = fresh
		old.detach(m, index)
		return nil
	}
	return old.invalidateLocalCopy()
}

// Invalidate marks the tiles at every level above 0 whose fractional
// centre-point mapping covers the level-0 tile at toplevelIndex as
// invalid, so a subsequent borrow runs the installed validator. Borrowing
// does not call UpdateSublevel; a caller rebuilds the pixels with it.
func (m *Manager) Invalidate(toplevelIndex int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	base, err := m.levelAt(0)
	if err != nil {
		return err
	}
	if toplevelIndex < 0 || toplevelIndex >= len(base.tiles) {
		return ErrOutOfRange{Level: 0, Width: base.width, Height: base.height}
	}
	col := toplevelIndex % base.cols
	row := toplevelIndex / base.cols
	ew, eh := base.effectiveDims(toplevelIndex)
	cx := col*TileWidth + ew/2
	cy := row*TileHeight + eh/2

	for lvl := 1; lvl < len(m.levels); lvl++ {
		l, err := m.levelAt(lvl)
		if err != nil {
			return err
		}
		factor := 1 << uint(min(lvl, maxRepresentativeLevel+1))
		dcx, dcy := cx/factor, cy/factor
		if dcx >= l.width {
			dcx = l.width - 1
		}
		if dcy >= l.height {
			dcy = l.height - 1
		}
		index, ok := indexForPixel(l, dcx, dcy)
		if !ok {
			continue
		}
		if err := m.invalidateSlot(l, index); err != nil {
			return err
		}
	}
	return nil
}

// InvalidateSublevels marks every tile at every level above 0 invalid,
// for bulk invalidation (e.g. after a whole-image operation) where
// mapping individual toplevel tiles would be wasted work.
func (m *Manager) InvalidateSublevels() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for lvl := 1; lvl < len(m.levels); lvl++ {
		l, err := m.levelAt(lvl)
		if err != nil {
			return err
		}
		for i := range l.tiles {
			if err := m.invalidateSlot(l, i); err != nil {
				return err
			}
		}
	}
	return nil
}

// UpdateSublevel rebuilds the sublevel tile corresponding to toplevel
// (a level-0 tile) at lvl, box-downsampling by 2^lvl. Beyond
// maxRepresentativeLevel, only a single representative pixel is
// written, per the source's documented-but-unconfirmed behaviour for
// extremely distant zoom levels.
func (m *Manager) UpdateSublevel(toplevel *Tile, lvl int) error {
	if lvl <= 0 {
		return nil
	}
	tlvl, x, y, ok := m.GetTileCoordinates(toplevel)
	if !ok || tlvl != 0 {
		return ErrNotAttached{ManagerID: m.id}
	}

	if err := toplevel.borrow(false); err != nil {
		return err
	}
	srcData, srcStride, bpp := toplevel.Data()
	srcW, srcH := toplevel.EffectiveWidth(), toplevel.EffectiveHeight()
	srcCopy := append([]byte(nil), srcData...)
	releaseErr := toplevel.release(false)
	if releaseErr != nil {
		return releaseErr
	}

	m.mu.Lock()
	l, err := m.levelAt(lvl)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	var index int
	var dstOriginX, dstOriginY, dstW, dstH, factor int
	if lvl > maxRepresentativeLevel {
		index = 0
		dstOriginX, dstOriginY = 0, 0
		dstW, dstH = 1, 1
		factor = 1 << uint(maxRepresentativeLevel+1)
	} else {
		factor = 1 << uint(lvl)
		cx, cy := x+srcW/2, y+srcH/2
		dcx, dcy := cx/factor, cy/factor
		if dcx >= l.width {
			dcx = l.width - 1
		}
		if dcy >= l.height {
			dcy = l.height - 1
		}
		var ok2 bool
		index, ok2 = indexForPixel(l, dcx, dcy)
		if !ok2 {
			m.mu.Unlock()
			return ErrOutOfRange{Level: lvl, X: dcx, Y: dcy, Width: l.width, Height: l.height}
		}
		dstOriginX = (x / factor) - (index%l.cols)*TileWidth
		dstOriginY = (y / factor) - (index/l.cols)*TileHeight
		dstW = (srcW + factor - 1) / factor
		dstH = (srcH + factor - 1) / factor
	}
	m.mu.Unlock()

	dst, err := m.BorrowByIndex(context.Background(), lvl, index, false, true)
	if err != nil {
		return err
	}
	dstData, dstStride, _ := dst.Data()
	for dy := 0; dy < dstH; dy++ {
		for dx := 0; dx < dstW; dx++ {
			destX, destY := dstOriginX+dx, dstOriginY+dy
			if destX < 0 || destY < 0 || destX >= dst.EffectiveWidth() || destY >= dst.EffectiveHeight() {
				continue
			}
			sx0, sy0 := dx*factor, dy*factor
			valWidth := m.sampleType.Size()
			channels := bpp / valWidth
			for c := 0; c < channels; c++ {
				var val float64
				if lvl > maxRepresentativeLevel {
					val = representativeChannel(srcCopy, srcStride, bpp, srcW, srcH, c, m.sampleType, m.sampleOrder)
				} else {
					val = boxAverageChannel(srcCopy, srcStride, bpp, srcW, srcH, sx0, sy0, factor, c, m.sampleType, m.sampleOrder)
				}
				off := destY*dstStride + destX*bpp + c*valWidth
				m.sampleType.Encode(val, m.sampleOrder, dstData[off:off+valWidth])
			}
		}
	}
	dst.mu.Lock()
	dst.valid = true
	dst.mu.Unlock()
	return m.Release(dst, true)
}

// boxAverageChannel averages channel c, decoded via typ/order, over a
// factor x factor block of source pixels starting at (x0, y0), clipped to
// the source tile's effective bounds. For the default Uint8 sample type
// this reproduces plain byte averaging; a wider type (e.g. Float32) is
// decoded to a float64 before accumulating.
func boxAverageChannel(data []byte, stride, bpp, srcW, srcH, x0, y0, factor, c int, typ sample.Type, order binary.ByteOrder) float64 {
	valWidth := typ.Size()
	var sum float64
	var count int
	for dy := 0; dy < factor; dy++ {
		sy := y0 + dy
		if sy >= srcH {
			break
		}
		for dx := 0; dx < factor; dx++ {
			sx := x0 + dx
			if sx >= srcW {
				break
			}
			off := sy*stride + sx*bpp + c*valWidth
			sum += typ.Decode(data[off:off+valWidth], order)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// representativeChannel samples channel c near the centre of the source
// tile as the "representative value" for a far zoom level.
func representativeChannel(data []byte, stride, bpp, srcW, srcH, c int, typ sample.Type, order binary.ByteOrder) float64 {
	valWidth := typ.Size()
	x, y := srcW/2, srcH/2
	off := y*stride + x*bpp + c*valWidth
	return typ.Decode(data[off:off+valWidth], order)
}

// ClassifyRowHint decodes channel's value at every pixel of t's row
// using the manager's configured sample type, and records the resulting
// advisory hint on the tile: opaque if every value is non-zero,
// transparent if every value is zero, mixed otherwise. The caller must
// hold a borrow on t; channel out of range yields RowHintUnknown without
// touching the tile.
func (m *Manager) ClassifyRowHint(t *Tile, row, channel int) RowHint {
	data, stride, bpp := t.Data()
	valWidth := m.sampleType.Size()
	channels := bpp / valWidth
	if channel < 0 || channel >= channels {
		return RowHintUnknown
	}
	width := t.EffectiveWidth()
	sawZero, sawNonZero := false, false
	for x := 0; x < width; x++ {
		off := row*stride + x*bpp + channel*valWidth
		if off+valWidth > len(data) {
			break
		}
		if m.sampleType.Zero(data[off:off+valWidth], m.sampleOrder) {
			sawZero = true
		} else {
			sawNonZero = true
		}
	}
	var hint RowHint
	switch {
	case sawZero && sawNonZero:
		hint = RowHintMixed
	case sawNonZero:
		hint = RowHintOpaque
	case sawZero:
		hint = RowHintTransparent
	default:
		hint = RowHintUnknown
	}
	t.SetRowHint(row, hint)
	return hint
}

// Close detaches every tile this manager holds, matching manager
// destruction: detaching the last attachment destroys a tile and
// reclaims its swap extent, but a tile still shared with another
// manager merely loses this attachment.
func (m *Manager) Close() error {
	m.mu.Lock()
	levels := m.levels
	m.mu.Unlock()
	for _, l := range levels {
		if l.tiles == nil {
			continue
		}
		for i, t := range l.tiles {
			t.detach(m, i)
		}
	}
	return nil
}
