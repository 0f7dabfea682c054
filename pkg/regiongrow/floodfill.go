package regiongrow

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"mrisegment/internal/models"
)

// voxel states in the per-pass visited set
const (
	unvisited uint32 = iota
	admitted
	rejected
)

// minChunk is the smallest frontier slice handed to one worker
const minChunk = 256

// floodFill returns, in increasing offset order, every voxel reachable from
// sources through face-adjacent voxels that pass crit. Sources are admitted
// without being tested. The frontier is expanded one level at a time and the
// result does not depend on traversal order or on the number of workers.
func floodFill(ctx context.Context, vol *models.Volume, sources []int, crit criterion, workers int) ([]int, error) {
	visited := make([]uint32, vol.Len())

	frontier := make([]int, 0, len(sources))
	for _, off := range sources {
		if visited[off] == unvisited {
			visited[off] = admitted
			frontier = append(frontier, off)
		}
	}

	for level := 0; len(frontier) > 0; level++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "flood fill interrupted at level %d", level)
		}

		if workers <= 1 || len(frontier) < 2*minChunk {
			frontier = expand(vol, frontier, visited, crit, nil)
			continue
		}

		next, err := expandParallel(ctx, vol, frontier, visited, crit, workers)
		if err != nil {
			return nil, err
		}
		frontier = next
	}

	region := make([]int, 0, len(sources))
	for off, state := range visited {
		if state == admitted {
			region = append(region, off)
		}
	}
	return region, nil
}

// expand visits the face neighbours of every voxel in frontier and appends
// newly admitted voxels to next. Voxels are claimed with a compare-and-swap
// so concurrent callers admit each voxel exactly once.
func expand(vol *models.Volume, frontier []int, visited []uint32, crit criterion, next []int) []int {
	w, h, d := vol.Width, vol.Height, vol.Depth
	plane := w * h

	try := func(n int) {
		if atomic.LoadUint32(&visited[n]) != unvisited {
			return
		}
		state := rejected
		if crit.accept(n) {
			state = admitted
		}
		if atomic.CompareAndSwapUint32(&visited[n], unvisited, state) && state == admitted {
			next = append(next, n)
		}
	}

	for _, off := range frontier {
		z := off / plane
		y := (off % plane) / w
		x := off % w

		if x > 0 {
			try(off - 1)
		}
		if x < w-1 {
			try(off + 1)
		}
		if y > 0 {
			try(off - w)
		}
		if y < h-1 {
			try(off + w)
		}
		if z > 0 {
			try(off - plane)
		}
		if z < d-1 {
			try(off + plane)
		}
	}

	return next
}

// expandParallel splits one frontier level across workers
func expandParallel(ctx context.Context, vol *models.Volume, frontier []int, visited []uint32, crit criterion, workers int) ([]int, error) {
	chunk := (len(frontier) + workers - 1) / workers
	if chunk < minChunk {
		chunk = minChunk
	}

	var parts [][]int
	for start := 0; start < len(frontier); start += chunk {
		end := start + chunk
		if end > len(frontier) {
			end = len(frontier)
		}
		parts = append(parts, frontier[start:end])
	}

	results := make([][]int, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		i, part := i, part
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = expand(vol, part, visited, crit, nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "parallel flood fill")
	}

	total := 0
	for _, r := range results {
		total += len(r)
	}
	next := make([]int, 0, total)
	for _, r := range results {
		next = append(next, r...)
	}
	return next, nil
}

// initialNeighborhood returns the voxels within Chebyshev distance radius of
// any seed, clipped to the volume, in increasing offset order.
func initialNeighborhood(vol *models.Volume, seeds []models.Index, radius int) []int {
	inside := make([]bool, vol.Len())

	clip := func(lo, hi, size int) (int, int) {
		if lo < 0 {
			lo = 0
		}
		if hi > size-1 {
			hi = size - 1
		}
		return lo, hi
	}

	for _, s := range seeds {
		x0, x1 := clip(s.X-radius, s.X+radius, vol.Width)
		y0, y1 := clip(s.Y-radius, s.Y+radius, vol.Height)
		z0, z1 := clip(s.Z-radius, s.Z+radius, vol.Depth)
		for z := z0; z <= z1; z++ {
			for y := y0; y <= y1; y++ {
				for x := x0; x <= x1; x++ {
					inside[vol.Offset(models.Index{X: x, Y: y, Z: z})] = true
				}
			}
		}
	}

	region := make([]int, 0)
	for off, in := range inside {
		if in {
			region = append(region, off)
		}
	}
	return region
}
