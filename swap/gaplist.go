package swap

import "sort"

// Extent is a byte range [Start, End) inside a swap file.
type Extent struct {
	Start int64
	End   int64
}

func (e Extent) Size() int64 { return e.End - e.Start }

// gapList is the free-space allocator for a single swap file: a sorted
// list of disjoint, non-adjacent gaps plus a logical end of file. It
// implements the default store allocator: linear
// scan for first fit, grow-by-quantum on exhaustion, coalesce-on-free,
// truncate when a freed gap touches the logical end.
//
// Not safe for concurrent use; callers serialize access via the swap
// store's mutex (see store.go), matching the lock ordering rule (tile
// mutex before swap mutex, I/O happens under the swap mutex).
type gapList struct {
	gaps []Extent // sorted by Start, disjoint, never adjacent
	end  int64    // logical end of file
}

// Allocate finds or creates room for n bytes and returns the extent
// assigned to the caller. growBy is how many bytes to grow the file by
// when no existing gap fits (the swap growth quantum, in bytes).
func (g *gapList) Allocate(n int64, growBy int64) Extent {
	for i, gap := range g.gaps {
		if gap.Size() >= n {
			carved := Extent{Start: gap.Start, End: gap.Start + n}
			if gap.Size() == n {
				g.gaps = append(g.gaps[:i], g.gaps[i+1:]...)
			} else {
				g.gaps[i].Start += n
			}
			return carved
		}
	}

	// No gap fits: grow the file by at least enough quanta to hold n.
	growth := growBy
	for growth < n {
		growth += growBy
	}
	start := g.end
	g.end += growth
	carved := Extent{Start: start, End: start + n}
	remainder := Extent{Start: start + n, End: g.end}
	if remainder.Size() > 0 {
		g.gaps = append(g.gaps, remainder)
	}
	return carved
}

// Free releases an extent back to the gap list, merging with an
// adjacent left or right neighbour, and truncates the logical end if
// the released (and possibly merged) gap now touches it.
func (g *gapList) Free(e Extent) {
	if e.Size() <= 0 {
		return
	}
	i := sort.Search(len(g.gaps), func(i int) bool { return g.gaps[i].Start >= e.Start })

	merged := e
	// merge with the left neighbour if it ends exactly where we start
	if i > 0 && g.gaps[i-1].End == merged.Start {
		merged.Start = g.gaps[i-1].Start
		i--
		g.gaps = append(g.gaps[:i], g.gaps[i+1:]...)
	}
	// merge with the right neighbour (now at the same index i) if it starts exactly where we end
	if i < len(g.gaps) && g.gaps[i].Start == merged.End {
		merged.End = g.gaps[i].End
		g.gaps = append(g.gaps[:i], g.gaps[i+1:]...)
	}

	if merged.End == g.end {
		g.end = merged.Start
		return
	}

	g.gaps = append(g.gaps, Extent{})
	copy(g.gaps[i+1:], g.gaps[i:])
	g.gaps[i] = merged
}

// End returns the current logical end of file.
func (g *gapList) End() int64 { return g.end }

// growEnd advances the logical end without carving an extent; used when
// a store opens an existing file and must recover its end-of-file
// cursor from the file's actual size.
func (g *gapList) growEnd(to int64) {
	if to > g.end {
		g.end = to
	}
}

// wellFormed reports whether the gap list upholds swap file
// invariants: gaps disjoint, strictly ordered by start, never adjacent,
// none crossing the logical end. Called directly by this package's
// tests (see the no-adjacent-gaps invariant).
func (g *gapList) wellFormed() bool {
	for i, gap := range g.gaps {
		if gap.Start >= gap.End {
			return false
		}
		if gap.End > g.end {
			return false
		}
		if i > 0 {
			prev := g.gaps[i-1]
			if prev.End > gap.Start {
				return false // overlap or mis-ordering
			}
			if prev.End == gap.Start {
				return false // adjacent gaps must have been merged
			}
		}
	}
	return true
}
