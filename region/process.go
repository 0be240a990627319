package region

import (
	"context"
	"fmt"
	"runtime"

	"golang.org/x/sync/errgroup"

	tilestore "github.com/owlpinetech/tilestore"
)

// Rect is a pixel-space rectangle, origin plus size.
type Rect struct {
	X, Y, W, H int
}

// Kernel runs once per tile-aligned sub-rectangle of the intersection of
// every region passed to Process/ProcessParallel, with each region
// already positioned at the sub-rectangle's origin. Kernels must stay
// tile-local: they may not reach into neighbouring tiles, and must not
// retain any region's row/pointer data past return.
type Kernel func(ctx context.Context, sub Rect, regions []*Region) error

// Process walks the tile-aligned sub-rectangles of the intersection of
// regions' extents in row-major order, invoking kernel once per
// sub-rectangle with every region positioned there.
func Process(ctx context.Context, kernel Kernel, regions ...*Region) error {
	subs, err := subRectangles(regions)
	if err != nil {
		return err
	}
	for _, sub := range subs {
		if err := positionAll(ctx, regions, sub); err != nil {
			return err
		}
		if err := kernel(ctx, sub, regions); err != nil {
			return err
		}
	}
	return nil
}

// ProcessParallel fans the same walk as Process out across a worker
// group bounded by runtime.NumCPU(). Each worker gets its own cloned
// cursor per region, started in the same mode as the caller's regions,
// so concurrent sub-rectangles never share a Region's single-tile
// cursor state. A kernel error cancels outstanding work via the group's
// context.
func ProcessParallel(ctx context.Context, kernel Kernel, regions ...*Region) error {
	subs, err := subRectangles(regions)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			local := cloneRegions(regions)
			defer finishAll(local)
			if err := positionAll(gctx, local, sub); err != nil {
				return err
			}
			return kernel(gctx, sub, local)
		})
	}
	return g.Wait()
}

func cloneRegions(regions []*Region) []*Region {
	clones := make([]*Region, len(regions))
	for i, r := range regions {
		c := New(r.manager, r.originX, r.originY, r.width, r.height)
		c.Start(r.mode)
		clones[i] = c
	}
	return clones
}

func positionAll(ctx context.Context, regions []*Region, sub Rect) error {
	for _, r := range regions {
		ok, err := r.Position(ctx, sub.X, sub.Y)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("region: sub-rectangle (%d,%d) out of range for manager", sub.X, sub.Y)
		}
	}
	return nil
}

func finishAll(regions []*Region) {
	for _, r := range regions {
		r.Finish()
	}
}

func intersection(regions []*Region) (Rect, error) {
	if len(regions) == 0 {
		return Rect{}, fmt.Errorf("region: process requires at least one region")
	}
	minX, minY, w0, h0 := regions[0].Bounds()
	maxX, maxY := minX+w0, minY+h0
	for _, r := range regions[1:] {
		x, y, w, h := r.Bounds()
		if x > minX {
			minX = x
		}
		if y > minY {
			minY = y
		}
		if x+w < maxX {
			maxX = x + w
		}
		if y+h < maxY {
			maxY = y + h
		}
	}
	if maxX <= minX || maxY <= minY {
		return Rect{}, nil
	}
	return Rect{X: minX, Y: minY, W: maxX - minX, H: maxY - minY}, nil
}

// subRectangles tiles the geometric intersection of regions' extents
// into sub-rectangles aligned to the manager tile grid, so each
// sub-rectangle lies wholly within one tile for every region.
func subRectangles(regions []*Region) ([]Rect, error) {
	isect, err := intersection(regions)
	if err != nil {
		return nil, err
	}
	if isect.W <= 0 || isect.H <= 0 {
		return nil, nil
	}
	tw, th := tilestore.TileWidth, tilestore.TileHeight
	startCol, startRow := isect.X/tw, isect.Y/th
	endCol, endRow := (isect.X+isect.W-1)/tw, (isect.Y+isect.H-1)/th

	var subs []Rect
	for row := startRow; row <= endRow; row++ {
		for col := startCol; col <= endCol; col++ {
			tileX, tileY := col*tw, row*th
			x0, y0 := max(tileX, isect.X), max(tileY, isect.Y)
			x1, y1 := min(tileX+tw, isect.X+isect.W), min(tileY+th, isect.Y+isect.H)
			subs = append(subs, Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0})
		}
	}
	return subs, nil
}
