package regiongrow

import (
	"context"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"go.uber.org/zap/zaptest"

	"mrisegment/internal/models"
)

// createTestVolume builds a scalar volume from a pattern function
func createTestVolume(width, height, depth int, pattern func(x, y, z int) float64) *models.Volume {
	vol := models.NewVolume(width, height, depth, 1)
	for z := 0; z < depth; z++ {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				vol.Data[(z*height+y)*width+x] = pattern(x, y, z)
			}
		}
	}
	return vol
}

// inBox reports whether (x,y,z) lies in the box [lo, hi] on every axis
func inBox(x, y, z, lo, hi int) bool {
	return x >= lo && x <= hi && y >= lo && y <= hi && z >= lo && z <= hi
}

// centralCube is a 10x10x10 volume of intensity 100 with a 3x3x3 cube of
// intensity 500 centered at (5,5,5)
func centralCube() *models.Volume {
	return createTestVolume(10, 10, 10, func(x, y, z int) float64 {
		if inBox(x, y, z, 4, 6) {
			return 500
		}
		return 100
	})
}

// noisyBlob is a volume with a noisy bright cube in a noisy dark background
func noisyBlob(size int) *models.Volume {
	rng := rand.New(rand.NewSource(42))
	lo, hi := size/4, 3*size/4
	return createTestVolume(size, size, size, func(x, y, z int) float64 {
		if inBox(x, y, z, lo, hi) {
			return 800 + rng.NormFloat64()*20
		}
		return 200 + rng.NormFloat64()*20
	})
}

// connectedToSeeds reports whether every foreground voxel can be reached from
// a seed through face-adjacent foreground voxels
func connectedToSeeds(t *testing.T, vol *models.Volume, mask *models.Mask, seeds []models.Index) bool {
	t.Helper()
	reached := make([]bool, len(mask.Labels))
	var queue []models.Index
	for _, s := range seeds {
		off := vol.Offset(s)
		if mask.Labels[off] != 0 && !reached[off] {
			reached[off] = true
			queue = append(queue, s)
		}
	}

	steps := []models.Index{{X: 1}, {X: -1}, {Y: 1}, {Y: -1}, {Z: 1}, {Z: -1}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, d := range steps {
			n := models.Index{X: cur.X + d.X, Y: cur.Y + d.Y, Z: cur.Z + d.Z}
			if !vol.Contains(n) {
				continue
			}
			off := vol.Offset(n)
			if mask.Labels[off] != 0 && !reached[off] {
				reached[off] = true
				queue = append(queue, n)
			}
		}
	}

	for off, l := range mask.Labels {
		if l != 0 && !reached[off] {
			t.Logf("voxel %v is not connected to any seed", vol.IndexOf(off))
			return false
		}
	}
	return true
}

// TestGrowCentralCube runs the end-to-end cube scenario: the 3x3x3 seed
// neighbourhood covers the cube exactly and one pass keeps it
func TestGrowCentralCube(t *testing.T) {
	vol := centralCube()
	seeds := []models.Index{{X: 5, Y: 5, Z: 5}}
	params := Params{
		NumberOfIterations:        1,
		Multiplier:                2.5,
		InitialNeighborhoodRadius: 1,
		ReplaceValue:              1,
	}

	res, err := Grow(context.Background(), vol, seeds, params, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}

	if got := res.Mask.Count(); got != 27 {
		t.Fatalf("Expected 27 foreground voxels, got %d", got)
	}
	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				want := uint8(0)
				if inBox(x, y, z, 4, 6) {
					want = 1
				}
				if got := res.Mask.At(models.Index{X: x, Y: y, Z: z}); got != want {
					t.Errorf("Voxel (%d,%d,%d): expected label %d, got %d", x, y, z, want, got)
				}
			}
		}
	}

	if res.Mode != ScalarMode {
		t.Errorf("Expected scalar mode, got %v", res.Mode)
	}
	if len(res.Iterations) != 1 {
		t.Fatalf("Expected 1 iteration record, got %d", len(res.Iterations))
	}
	it := res.Iterations[0]
	if it.StatsCount != 27 || it.Mean[0] != 500 || it.StdDev != 0 {
		t.Errorf("Unexpected statistics: %+v", it)
	}
	if it.Lower != 500 || it.Upper != 500 {
		t.Errorf("Expected collapsed interval [500,500], got [%f,%f]", it.Lower, it.Upper)
	}
	if it.Changed {
		t.Error("Expected the pass to leave the initial cube unchanged")
	}
}

// TestGrowZeroIterations verifies that no iterations returns the initial
// neighbourhood regardless of the multiplier
func TestGrowZeroIterations(t *testing.T) {
	vol := centralCube()

	tests := []struct {
		name   string
		seeds  []models.Index
		radius int
		want   int
	}{
		{"center radius 1", []models.Index{{X: 5, Y: 5, Z: 5}}, 1, 27},
		{"center radius 0", []models.Index{{X: 5, Y: 5, Z: 5}}, 0, 1},
		{"corner clipped", []models.Index{{X: 0, Y: 0, Z: 0}}, 1, 8},
		{"overlapping seeds", []models.Index{{X: 2, Y: 2, Z: 2}, {X: 3, Y: 2, Z: 2}}, 1, 36},
		{"radius larger than volume", []models.Index{{X: 5, Y: 5, Z: 5}}, 20, 1000},
	}

	for _, tt := range tests {
		for _, m := range []float64{0, 2.5, 100} {
			params := Params{Multiplier: m, InitialNeighborhoodRadius: tt.radius, ReplaceValue: 7}
			res, err := Grow(context.Background(), vol, tt.seeds, params)
			if err != nil {
				t.Fatalf("%s: Grow failed: %v", tt.name, err)
			}
			if got := res.Mask.Count(); got != tt.want {
				t.Errorf("%s (multiplier %g): expected %d voxels, got %d", tt.name, m, tt.want, got)
			}
			for _, s := range tt.seeds {
				if res.Mask.At(s) != 7 {
					t.Errorf("%s: seed %v not labelled with replace value", tt.name, s)
				}
			}
			if len(res.Iterations) != 0 {
				t.Errorf("%s: expected no iteration records, got %d", tt.name, len(res.Iterations))
			}
		}
	}
}

// TestGrowInvalidSeed verifies that out-of-bounds seeds are rejected without output
func TestGrowInvalidSeed(t *testing.T) {
	vol := centralCube()
	params := DefaultParams()

	bad := []models.Index{
		{X: 10, Y: 0, Z: 0},
		{X: 0, Y: 10, Z: 0},
		{X: 0, Y: 0, Z: 10},
		{X: -1, Y: 5, Z: 5},
	}
	for _, seed := range bad {
		res, err := Grow(context.Background(), vol, []models.Index{{X: 5, Y: 5, Z: 5}, seed}, params)
		if !errors.Is(err, ErrInvalidSeed) {
			t.Errorf("Seed %v: expected ErrInvalidSeed, got %v", seed, err)
		}
		var ise *InvalidSeedError
		if !errors.As(err, &ise) {
			t.Errorf("Seed %v: expected *InvalidSeedError, got %T", seed, err)
		} else if ise.Seed != seed {
			t.Errorf("Expected error to name seed %v, got %v", seed, ise.Seed)
		}
		if res != nil {
			t.Errorf("Seed %v: expected no result", seed)
		}
	}

	if _, err := Grow(context.Background(), vol, nil, params); !errors.Is(err, ErrInvalidSeed) {
		t.Errorf("Expected ErrInvalidSeed for empty seed set, got %v", err)
	}
}

func TestGrowInvalidParameters(t *testing.T) {
	vol := centralCube()
	seeds := []models.Index{{X: 5, Y: 5, Z: 5}}

	mutations := map[string]func(*Params){
		"negative iterations": func(p *Params) { p.NumberOfIterations = -1 },
		"negative multiplier": func(p *Params) { p.Multiplier = -0.5 },
		"negative radius":     func(p *Params) { p.InitialNeighborhoodRadius = -2 },
		"zero replace value":  func(p *Params) { p.ReplaceValue = 0 },
		"unknown policy":      func(p *Params) { p.Policy = "shrink" },
	}
	for name, mutate := range mutations {
		params := DefaultParams()
		mutate(&params)
		if _, err := Grow(context.Background(), vol, seeds, params); !errors.Is(err, ErrInvalidParameter) {
			t.Errorf("%s: expected ErrInvalidParameter, got %v", name, err)
		}
	}

	if _, err := Grow(context.Background(), nil, seeds, DefaultParams()); !errors.Is(err, ErrInvalidVolume) {
		t.Errorf("Expected ErrInvalidVolume for nil volume, got %v", err)
	}
	broken := centralCube()
	broken.Data = broken.Data[:10]
	if _, err := Grow(context.Background(), broken, seeds, DefaultParams()); !errors.Is(err, ErrInvalidVolume) {
		t.Errorf("Expected ErrInvalidVolume for truncated data, got %v", err)
	}
}

// TestGrowInsufficientStatistics verifies that a single-voxel region cannot
// produce an acceptance interval
func TestGrowInsufficientStatistics(t *testing.T) {
	vol := centralCube()
	seeds := []models.Index{{X: 5, Y: 5, Z: 5}}
	params := Params{NumberOfIterations: 1, Multiplier: 2.5, ReplaceValue: 1}

	_, err := Grow(context.Background(), vol, seeds, params)
	if !errors.Is(err, ErrInsufficientStatistics) {
		t.Fatalf("Expected ErrInsufficientStatistics, got %v", err)
	}
	var ise *InsufficientStatisticsError
	if !errors.As(err, &ise) {
		t.Fatalf("Expected *InsufficientStatisticsError, got %T", err)
	}
	if ise.Iteration != 1 || ise.Count != 1 {
		t.Errorf("Expected failure at iteration 1 with 1 voxel, got iteration %d with %d", ise.Iteration, ise.Count)
	}

	// Two seeds give two voxels even with a zero radius
	seeds = append(seeds, models.Index{X: 4, Y: 5, Z: 5})
	res, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow with two seeds failed: %v", err)
	}
	if res.Mask.Count() != 27 {
		t.Errorf("Expected the cube to be found from two seeds, got %d voxels", res.Mask.Count())
	}
}

// TestGrowDeterminism verifies byte-identical masks across runs and worker counts
func TestGrowDeterminism(t *testing.T) {
	vol := noisyBlob(32)
	seeds := []models.Index{{X: 16, Y: 16, Z: 16}, {X: 10, Y: 12, Z: 20}}
	params := Params{NumberOfIterations: 3, Multiplier: 2.5, InitialNeighborhoodRadius: 2, ReplaceValue: 255}

	first, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if first.Mask.Count() < 1000 {
		t.Fatalf("Expected most of the bright cube to be segmented, got %d voxels", first.Mask.Count())
	}

	for _, workers := range []int{1, 2, 8} {
		again, err := Grow(context.Background(), vol, seeds, params, WithWorkers(workers))
		if err != nil {
			t.Fatalf("Grow with %d workers failed: %v", workers, err)
		}
		if diff := cmp.Diff(first.Mask.Labels, again.Mask.Labels); diff != "" {
			t.Errorf("Mask differs with %d workers (-first +again):\n%s", workers, diff)
		}
		if diff := cmp.Diff(first.Region, again.Region); diff != "" {
			t.Errorf("Region differs with %d workers (-first +again):\n%s", workers, diff)
		}
	}
}

// TestGrowSeedInclusion verifies that a seed is kept even when its own
// intensity falls outside the recomputed interval
func TestGrowSeedInclusion(t *testing.T) {
	seed := models.Index{X: 5, Y: 5, Z: 5}
	vol := createTestVolume(11, 11, 11, func(x, y, z int) float64 {
		switch {
		case x == 5 && y == 5 && z == 5:
			return 900
		case inBox(x, y, z, 3, 7):
			return 500
		default:
			return 100
		}
	})

	params := Params{NumberOfIterations: 3, Multiplier: 2.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1}
	res, err := Grow(context.Background(), vol, []models.Index{seed}, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}

	if res.Mask.At(seed) != 1 {
		t.Error("Expected the outlier seed to stay in the region")
	}
	if got := res.Mask.Count(); got != 125 {
		t.Errorf("Expected the 5x5x5 cube (125 voxels), got %d", got)
	}
}

// TestGrowRefloodDropsNeighborhood shows that reflooding from the seeds can
// exclude initial neighbourhood voxels while expanding never does
func TestGrowRefloodDropsNeighborhood(t *testing.T) {
	vol := centralCube()
	seed := models.Index{X: 5, Y: 5, Z: 5}

	// The 5x5x5 neighbourhood mixes 27 bright and 98 dark voxels, giving a
	// mean of 186.4 and an interval at multiplier 0.5 that excludes both.
	params := Params{NumberOfIterations: 1, Multiplier: 0.5, InitialNeighborhoodRadius: 2, ReplaceValue: 1}

	res, err := Grow(context.Background(), vol, []models.Index{seed}, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if got := res.Mask.Count(); got != 1 || res.Mask.At(seed) != 1 {
		t.Errorf("Expected only the seed to survive reflood, got %d voxels", got)
	}

	params.Policy = PolicyExpand
	res, err = Grow(context.Background(), vol, []models.Index{seed}, params)
	if err != nil {
		t.Fatalf("Grow with expand policy failed: %v", err)
	}
	if got := res.Mask.Count(); got != 125 {
		t.Errorf("Expected expand policy to keep the 125-voxel neighbourhood, got %d", got)
	}
}

// TestGrowExpandIsMonotonic verifies that the expand policy never shrinks the region
func TestGrowExpandIsMonotonic(t *testing.T) {
	vol := noisyBlob(24)
	seeds := []models.Index{{X: 12, Y: 12, Z: 12}}
	params := Params{NumberOfIterations: 5, Multiplier: 1.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1, Policy: PolicyExpand}

	res, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}

	prev := 27
	for _, it := range res.Iterations {
		if it.Count < prev {
			t.Errorf("Iteration %d shrank the region from %d to %d voxels", it.Iteration, prev, it.Count)
		}
		prev = it.Count
	}
}

// TestGrowMultiplierWidth verifies that a wider interval admits a superset
func TestGrowMultiplierWidth(t *testing.T) {
	vol := noisyBlob(20)
	seeds := []models.Index{{X: 10, Y: 10, Z: 10}}

	grow := func(m float64) *models.Mask {
		params := Params{NumberOfIterations: 1, Multiplier: m, InitialNeighborhoodRadius: 1, ReplaceValue: 1}
		res, err := Grow(context.Background(), vol, seeds, params)
		if err != nil {
			t.Fatalf("Grow with multiplier %g failed: %v", m, err)
		}
		return res.Mask
	}

	narrow, wide := grow(0), grow(5)
	if narrow.Count() > wide.Count() {
		t.Fatalf("Multiplier 0 produced %d voxels, more than multiplier 5 (%d)", narrow.Count(), wide.Count())
	}
	for off, l := range narrow.Labels {
		if l != 0 && wide.Labels[off] == 0 {
			t.Errorf("Voxel %v admitted at multiplier 0 but not at 5", vol.IndexOf(off))
		}
	}
	if narrow.At(seeds[0]) == 0 {
		t.Error("Expected seed to be present at multiplier 0")
	}
}

// TestGrowConnectivity verifies that a disconnected bright cube is not reached
func TestGrowConnectivity(t *testing.T) {
	vol := createTestVolume(16, 16, 16, func(x, y, z int) float64 {
		if inBox(x, y, z, 2, 5) || inBox(x, y, z, 9, 12) {
			return 500
		}
		return 100
	})
	seeds := []models.Index{{X: 3, Y: 3, Z: 3}}
	params := Params{NumberOfIterations: 2, Multiplier: 2.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1}

	res, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if got := res.Mask.Count(); got != 64 {
		t.Errorf("Expected only the seeded 4x4x4 cube, got %d voxels", got)
	}
	if res.Mask.At(models.Index{X: 10, Y: 10, Z: 10}) != 0 {
		t.Error("Disconnected cube should not be segmented")
	}
	if !connectedToSeeds(t, vol, res.Mask, seeds) {
		t.Error("Found foreground voxels not connected to a seed")
	}

	noisy := noisyBlob(24)
	noisySeeds := []models.Index{{X: 12, Y: 12, Z: 12}}
	res, err = Grow(context.Background(), noisy, noisySeeds, Params{NumberOfIterations: 4, Multiplier: 2, InitialNeighborhoodRadius: 1, ReplaceValue: 1})
	if err != nil {
		t.Fatalf("Grow on noisy volume failed: %v", err)
	}
	if !connectedToSeeds(t, noisy, res.Mask, noisySeeds) {
		t.Error("Found foreground voxels not connected to a seed in noisy volume")
	}
}

// TestGrow2DUsesFaceAdjacency verifies 4-connectivity on single-slice images
func TestGrow2DUsesFaceAdjacency(t *testing.T) {
	vol := createTestVolume(6, 6, 1, func(x, y, z int) float64 {
		if (x <= 1 && y <= 1) || (x == y && x >= 2) {
			return 500
		}
		return 100
	})
	params := Params{NumberOfIterations: 2, Multiplier: 2.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1}

	res, err := Grow(context.Background(), vol, []models.Index{{X: 0, Y: 0}}, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if got := res.Mask.Count(); got != 4 {
		t.Errorf("Expected the 2x2 block only, got %d pixels", got)
	}
	if res.Mask.At(models.Index{X: 2, Y: 2}) != 0 {
		t.Error("Diagonal neighbour should not be connected")
	}
}

// TestGrowStopOnConvergence verifies the optional early exit
func TestGrowStopOnConvergence(t *testing.T) {
	vol := centralCube()
	seeds := []models.Index{{X: 5, Y: 5, Z: 5}}
	params := Params{NumberOfIterations: 10, Multiplier: 2.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1}

	res, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if len(res.Iterations) != 10 {
		t.Errorf("Expected all 10 iterations without early exit, got %d", len(res.Iterations))
	}

	params.StopOnConvergence = true
	res, err = Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if len(res.Iterations) != 1 {
		t.Errorf("Expected early exit after 1 iteration, got %d", len(res.Iterations))
	}
	if res.Mask.Count() != 27 {
		t.Errorf("Expected 27 voxels, got %d", res.Mask.Count())
	}
}

func TestGrowCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Grow(ctx, centralCube(), []models.Index{{X: 5, Y: 5, Z: 5}}, DefaultParams())
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// TestGrowVectorMode segments a two-channel volume with the Mahalanobis criterion
func TestGrowVectorMode(t *testing.T) {
	vol := models.NewVolume(10, 10, 10, 2)
	for z := 0; z < 10; z++ {
		for y := 0; y < 10; y++ {
			for x := 0; x < 10; x++ {
				off := vol.Offset(models.Index{X: x, Y: y, Z: z})
				t1, t2 := 100.0, 100.0
				if inBox(x, y, z, 4, 6) {
					t1 = 500 + float64((x+y+z)%3-1)*5
					t2 = 200 + float64((x+2*y+z)%3-1)*5
				}
				vol.Data[off*2] = t1
				vol.Data[off*2+1] = t2
			}
		}
	}
	before := append([]float64(nil), vol.Data...)

	params := Params{NumberOfIterations: 2, Multiplier: 3, InitialNeighborhoodRadius: 1, ReplaceValue: 1}
	res, err := Grow(context.Background(), vol, []models.Index{{X: 5, Y: 5, Z: 5}}, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}

	if res.Mode != VectorMode {
		t.Errorf("Expected vector mode, got %v", res.Mode)
	}
	if got := res.Mask.Count(); got != 27 {
		t.Errorf("Expected the 27-voxel cube, got %d", got)
	}
	if len(res.Iterations[0].Covariance) != 4 {
		t.Errorf("Expected a 2x2 covariance record, got %v", res.Iterations[0].Covariance)
	}
	if diff := cmp.Diff(before, vol.Data); diff != "" {
		t.Errorf("Input volume was modified:\n%s", diff)
	}
}

// TestGrowVectorSingularCovariance verifies the ridge fallback on a constant region
func TestGrowVectorSingularCovariance(t *testing.T) {
	vol := models.NewVolume(8, 8, 8, 2)
	for i := 0; i < vol.Len(); i++ {
		idx := vol.IndexOf(i)
		if inBox(idx.X, idx.Y, idx.Z, 2, 5) {
			vol.Data[i*2], vol.Data[i*2+1] = 400, 250
		} else {
			vol.Data[i*2], vol.Data[i*2+1] = 100, 100
		}
	}

	params := Params{NumberOfIterations: 2, Multiplier: 2.5, InitialNeighborhoodRadius: 1, ReplaceValue: 1}
	res, err := Grow(context.Background(), vol, []models.Index{{X: 3, Y: 3, Z: 3}}, params)
	if err != nil {
		t.Fatalf("Grow failed: %v", err)
	}
	if got := res.Mask.Count(); got != 64 {
		t.Errorf("Expected the 4x4x4 cube, got %d voxels", got)
	}
}

// TestGrowLarge exercises the parallel flood fill on a larger volume
func TestGrowLarge(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping large volume test in short mode")
	}

	vol := noisyBlob(96)
	seeds := []models.Index{{X: 48, Y: 48, Z: 48}}
	params := Params{NumberOfIterations: 4, Multiplier: 2.5, InitialNeighborhoodRadius: 2, ReplaceValue: 1}

	serial, err := Grow(context.Background(), vol, seeds, params)
	if err != nil {
		t.Fatalf("Serial grow failed: %v", err)
	}
	parallel, err := Grow(context.Background(), vol, seeds, params, WithWorkers(6))
	if err != nil {
		t.Fatalf("Parallel grow failed: %v", err)
	}
	if diff := cmp.Diff(serial.Region, parallel.Region); diff != "" {
		t.Errorf("Parallel region differs from serial region")
	}
}

func TestParsePolicy(t *testing.T) {
	for in, want := range map[string]Policy{"": PolicyReflood, "reflood": PolicyReflood, "EXPAND": PolicyExpand} {
		got, err := ParsePolicy(in)
		if err != nil || got != want {
			t.Errorf("ParsePolicy(%q) = %q, %v; expected %q", in, got, err, want)
		}
	}
	if _, err := ParsePolicy("grow"); !errors.Is(err, ErrInvalidParameter) {
		t.Errorf("Expected ErrInvalidParameter, got %v", err)
	}
}
