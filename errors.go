package tilestore

import "fmt"

// These types cover out-of-range levels and coordinates (ErrOutOfRange,
// returned by the manager's borrow and map entry points) and the
// protocol-misuse diagnostics that are logged and that callers may
// still want to test with errors.As.

// ErrBytesPerPixel is returned when a tile is created with a bpp outside
// the 1..4 range the source enforces.
type ErrBytesPerPixel struct {
	Got int
}

func (e ErrBytesPerPixel) Error() string {
	return fmt.Sprintf("tilestore: bytes-per-pixel %d out of range 1..%d", e.Got, MaxBytesPerPixel)
}

// ErrNotAttached is the protocol-misuse diagnostic for detaching a tile
// from a manager slot it was never attached to.
type ErrNotAttached struct {
	ManagerID uint64
	Index     int
}

func (e ErrNotAttached) Error() string {
	return fmt.Sprintf("tilestore: tile not attached to manager %d at index %d", e.ManagerID, e.Index)
}

// ErrDimensionMismatch is logged (not necessarily fatal) when map/map-at-pixel
// targets a tile whose dimensions or bpp disagree with the slot it is being
// mapped into. The historical behaviour is to retarget anyway; this type
// exists so a stricter caller can choose to reject it.
type ErrDimensionMismatch struct {
	SlotWidth, SlotHeight, SlotBpp int
	TileWidth, TileHeight, TileBpp int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf(
		"tilestore: map dimension mismatch: slot %dx%dx%d, tile %dx%dx%d",
		e.SlotWidth, e.SlotHeight, e.SlotBpp, e.TileWidth, e.TileHeight, e.TileBpp,
	)
}

// ErrSharedWrite guards the invariant that a tile may only be write-borrowed
// while share_count == 1. It should never surface past the manager's
// copy-on-write step; seeing it indicates a protocol bug in the caller.
type ErrSharedWrite struct {
	ShareCount int
}

func (e ErrSharedWrite) Error() string {
	return fmt.Sprintf("tilestore: write-borrow requested on tile with share_count %d", e.ShareCount)
}

// ErrReleaseUnborrowed is the protocol-misuse diagnostic for releasing a
// tile with no outstanding borrows.
type ErrReleaseUnborrowed struct{}

func (ErrReleaseUnborrowed) Error() string {
	return "tilestore: release called on tile with ref_count already zero"
}

// ErrSampleAlignment is returned when a manager's bpp is not an exact
// multiple of its configured sample type's byte width, so channels
// cannot be carved out of a pixel's bytes evenly.
type ErrSampleAlignment struct {
	Bpp        int
	SampleSize int
}

func (e ErrSampleAlignment) Error() string {
	return fmt.Sprintf("tilestore: bpp %d is not a multiple of sample size %d", e.Bpp, e.SampleSize)
}

// ErrOutOfRange reports a level/coordinate outside a manager's extent.
// Callers that want a bool/none failure mode should prefer the
// bool-returning entry points; this type is for internal plumbing and
// tests that want a distinguishable error value.
type ErrOutOfRange struct {
	Level  int
	X, Y   int
	Width  int
	Height int
}

func (e ErrOutOfRange) Error() string {
	return fmt.Sprintf("tilestore: (%d,%d) at level %d out of range for %dx%d raster", e.X, e.Y, e.Level, e.Width, e.Height)
}
