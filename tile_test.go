package tilestore

import (
	"os"
	"testing"

	"github.com/owlpinetech/tilestore/swap"
)

// failingReadBacking wraps an *os.File and fails every Read, so swap.In's
// backing read returns an error while Write/Seek/Truncate/Close keep
// working normally - enough to let a test put a tile's swap extent in
// place via Out and then exercise a swap-in failure on borrow.
type failingReadBacking struct {
	*os.File
}

func (failingReadBacking) Read(p []byte) (int, error) {
	return 0, os.ErrClosed
}

func newTestTile(t *testing.T, bpp, w, h int) (*Tile, *swap.Store) {
	t.Helper()
	store := swap.NewStore(swap.Options{GrowthQuantumBytes: 4096})
	id := store.Add(t.TempDir()+"/swap", nil, nil)
	tile, err := newTile(bpp, w, h, store, id, nil)
	if err != nil {
		t.Fatalf("newTile: %v", err)
	}
	return tile, store
}

func TestTileBorrowReleaseBalancesRefCount(t *testing.T) {
	tile, _ := newTestTile(t, 3, 64, 64)
	if err := tile.borrow(false); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	if tile.RefCount() != 1 {
		t.Fatalf("ref count = %d, want 1", tile.RefCount())
	}
	if err := tile.release(false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if tile.RefCount() != 0 {
		t.Fatalf("ref count = %d, want 0", tile.RefCount())
	}
}

func TestTileReleaseUnborrowedErrors(t *testing.T) {
	tile, _ := newTestTile(t, 1, 64, 64)
	if err := tile.release(false); err == nil {
		t.Fatal("expected ErrReleaseUnborrowed")
	}
}

func TestTileWriteBorrowRequiresShareCountOne(t *testing.T) {
	tile, _ := newTestTile(t, 1, 64, 64)
	m1, m2 := &Manager{}, &Manager{}
	tile.attach(m1, 0)
	tile.attach(m2, 0)
	if err := tile.borrow(true); err == nil {
		t.Fatal("expected ErrSharedWrite on a tile with share_count 2")
	}
}

func TestTileAttachDetachTracksShareCount(t *testing.T) {
	tile, _ := newTestTile(t, 1, 64, 64)
	m1, m2 := &Manager{}, &Manager{}
	tile.attach(m1, 0)
	tile.attach(m2, 1)
	if tile.ShareCount() != 2 {
		t.Fatalf("share count = %d, want 2", tile.ShareCount())
	}
	if destroyed := tile.detach(m1, 0); destroyed {
		t.Fatal("tile should survive detach while still shared")
	}
	if tile.ShareCount() != 1 {
		t.Fatalf("share count = %d, want 1", tile.ShareCount())
	}
	if destroyed := tile.detach(m2, 1); !destroyed {
		t.Fatal("tile should be destroyed on last detach")
	}
}

func TestTileRowHintOutOfRangeReturnsUnknown(t *testing.T) {
	tile, _ := newTestTile(t, 1, 64, 64)
	if got := tile.RowHint(1000); got != RowHintUnknown {
		t.Fatalf("RowHint out of range = %v, want RowHintUnknown", got)
	}
	tile.SetRowHint(0, RowHintOpaque)
	if got := tile.RowHint(0); got != RowHintOpaque {
		t.Fatalf("RowHint(0) = %v, want RowHintOpaque", got)
	}
}

func TestTileCloneForWriteCopiesBytes(t *testing.T) {
	tile, _ := newTestTile(t, 1, 4, 4)
	tile.attach(&Manager{}, 0) // a write-borrow needs share_count == 1
	if err := tile.borrow(true); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	data, _, _ := tile.Data()
	data[0] = 0xAA
	clone, err := tile.cloneForWrite()
	if err != nil {
		t.Fatalf("cloneForWrite: %v", err)
	}
	cloneData, _, _ := clone.Data()
	if cloneData[0] != 0xAA {
		t.Fatalf("clone byte 0 = %#x, want 0xAA", cloneData[0])
	}
	cloneData[0] = 0xBB
	if data[0] != 0xAA {
		t.Fatal("writing to the clone must not affect the original's buffer")
	}
}

func TestTileCloneForWriteInheritsSwapID(t *testing.T) {
	tile, _ := newTestTile(t, 1, 4, 4)
	tile.swapID = 7
	clone, err := tile.cloneForWrite()
	if err != nil {
		t.Fatalf("cloneForWrite: %v", err)
	}
	if clone.swapID != tile.swapID {
		t.Fatalf("clone swap id = %d, want %d (clone must write to the same backing file as the original)", clone.swapID, tile.swapID)
	}
}

func TestTileBorrowCompletesAfterSwapInFailure(t *testing.T) {
	dir := t.TempDir()
	open := func(name string) (swap.ReadWriteSeekCloser, error) {
		f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE, 0o600)
		if err != nil {
			return nil, err
		}
		return failingReadBacking{f}, nil
	}
	store := swap.NewStore(swap.Options{GrowthQuantumBytes: 4096})
	id := store.Add(dir+"/swap", open, nil)

	extent, err := store.Out(id, nil, make([]byte, 16))
	if err != nil {
		t.Fatalf("Out: %v", err)
	}

	tile, err := newTile(1, 4, 4, store, id, nil)
	if err != nil {
		t.Fatalf("newTile: %v", err)
	}
	tile.hasSwap = true
	tile.extent = extent
	tile.valid = true // simulate a tile that was valid on swap but fails to read back

	if err := tile.borrow(false); err != nil {
		t.Fatalf("borrow must complete despite a swap-in failure, got: %v", err)
	}
	if tile.RefCount() != 1 {
		t.Fatalf("ref count after borrow = %d, want 1", tile.RefCount())
	}
	if tile.IsValid() {
		t.Fatal("tile must be marked invalid after a failed swap-in, so a validator repopulates it")
	}
	data, _, _ := tile.Data()
	if len(data) != tile.byteSize() {
		t.Fatalf("borrowed buffer len = %d, want %d", len(data), tile.byteSize())
	}

	if err := tile.release(false); err != nil {
		t.Fatalf("release: %v", err)
	}
	if tile.RefCount() != 0 {
		t.Fatalf("ref count after release = %d, want 0 (a swap-in error must not leak the borrow)", tile.RefCount())
	}
}

func TestTileSwapRoundTripThroughEviction(t *testing.T) {
	tile, store := newTestTile(t, 1, 4, 4)
	cache := NewCache(1, nil) // tiny budget so a single release triggers eviction
	tile.cache = cache
	tile.attach(&Manager{}, 0) // a write-borrow needs share_count == 1

	if err := tile.borrow(true); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	data, _, _ := tile.Data()
	for i := range data {
		data[i] = 0x42
	}
	if err := tile.release(true); err != nil {
		t.Fatalf("release: %v", err)
	}
	if cache.Contains(tile) {
		t.Fatal("tile should have been evicted immediately under a 1-byte high-water mark")
	}
	if !tile.hasSwap {
		t.Fatal("tile should have been written to swap on eviction")
	}

	if err := tile.borrow(false); err != nil {
		t.Fatalf("re-borrow: %v", err)
	}
	roundTripped, _, _ := tile.Data()
	for i, b := range roundTripped {
		if b != 0x42 {
			t.Fatalf("byte %d = %#x, want 0x42", i, b)
		}
	}
	tile.release(false)
	_ = store
}
