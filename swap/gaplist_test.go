package swap

import "testing"

func TestGapListAllocateFirstFit(t *testing.T) {
	var g gapList
	a := g.Allocate(4096, 4096)
	if a != (Extent{0, 4096}) {
		t.Fatalf("got %+v", a)
	}
	if g.End() != 4096 {
		t.Fatalf("end = %d, want 4096", g.End())
	}
	if !g.wellFormed() {
		t.Fatal("gap list not well-formed after first allocation")
	}
}

func TestGapListCoalescing(t *testing.T) {
	// allocate 3 x 4KiB, free middle then
	// first, expect a single [0, 8192) gap, then free the last and
	// expect truncation to zero.
	var g gapList
	a := g.Allocate(4096, 4096)
	b := g.Allocate(4096, 4096)
	c := g.Allocate(4096, 4096)
	if g.End() != 12288 {
		t.Fatalf("end = %d, want 12288", g.End())
	}

	g.Free(b)
	if !g.wellFormed() {
		t.Fatal("not well-formed after freeing middle extent")
	}
	g.Free(a)
	if !g.wellFormed() {
		t.Fatal("not well-formed after freeing first extent")
	}
	if len(g.gaps) != 1 || g.gaps[0] != (Extent{0, 8192}) {
		t.Fatalf("gaps = %+v, want single [0,8192)", g.gaps)
	}

	g.Free(c)
	if len(g.gaps) != 0 {
		t.Fatalf("gaps = %+v, want none", g.gaps)
	}
	if g.End() != 0 {
		t.Fatalf("end = %d, want 0 after freeing everything", g.End())
	}
}

func TestGapListReuseFreedSpace(t *testing.T) {
	var g gapList
	a := g.Allocate(100, 4096)
	g.Allocate(100, 4096)
	g.Free(a)
	reused := g.Allocate(50, 4096)
	if reused.Start != 0 {
		t.Fatalf("expected reused allocation to start at freed gap, got %+v", reused)
	}
	if !g.wellFormed() {
		t.Fatal("not well-formed after reuse")
	}
}

func TestGapListGrowsByQuantumMultiple(t *testing.T) {
	var g gapList
	// a request larger than one quantum must grow by enough quanta to
	// satisfy it, not just one.
	a := g.Allocate(100, 4096)
	g.Free(a)
	big := g.Allocate(5000, 4096)
	if big.Size() != 5000 {
		t.Fatalf("size = %d, want 5000", big.Size())
	}
	if g.End() < 5000 {
		t.Fatalf("end = %d too small for allocation", g.End())
	}
	if !g.wellFormed() {
		t.Fatal("not well-formed after multi-quantum growth")
	}
}

func TestGapListNeverProducesAdjacentGaps(t *testing.T) {
	var g gapList
	extents := make([]Extent, 0, 8)
	for i := 0; i < 8; i++ {
		extents = append(extents, g.Allocate(64, 64))
	}
	// free every other extent - no merges expected yet
	for i := 0; i < 8; i += 2 {
		g.Free(extents[i])
	}
	if !g.wellFormed() {
		t.Fatal("not well-formed after alternating frees")
	}
	// now free the remaining ones too - everything should coalesce down
	// to nothing since the whole region becomes free and flush with end.
	for i := 1; i < 8; i += 2 {
		g.Free(extents[i])
	}
	if !g.wellFormed() {
		t.Fatal("not well-formed after freeing everything")
	}
	if g.End() != 0 {
		t.Fatalf("end = %d, want 0", g.End())
	}
}
