// Package regiongrow implements confidence-connected region growing on scalar
// and multi-channel volumes.
//
// Starting from a neighbourhood around one or more seeds, each iteration
// estimates the mean and spread of the intensities inside the current region,
// derives an acceptance criterion from them (an interval of ±c standard
// deviations for scalar volumes, a Mahalanobis ellipsoid of radius c for
// multi-channel volumes) and flood fills from the seeds through face-adjacent
// voxels that pass it. The region produced by a pass replaces the previous
// one, so later passes may drop voxels an earlier pass admitted.
package regiongrow

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mrisegment/internal/models"
)

// Policy selects what the flood fill of each iteration starts from
type Policy string

const (
	// PolicyReflood grows every pass from the original seeds. Voxels admitted
	// by an earlier pass are dropped when the new statistics reject them.
	PolicyReflood Policy = "reflood"

	// PolicyExpand grows every pass from the previous region, so the region
	// never shrinks.
	PolicyExpand Policy = "expand"
)

// ParsePolicy parses a policy name, case-insensitively. An empty name selects PolicyReflood.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicyReflood:
		return PolicyReflood, nil
	case PolicyExpand:
		return PolicyExpand, nil
	default:
		return "", errors.Wrapf(ErrInvalidParameter, "unknown growth policy %q", s)
	}
}

// Params controls a region growing run
type Params struct {
	// NumberOfIterations is the number of estimate-and-grow passes. Zero
	// returns the initial neighbourhood unchanged.
	NumberOfIterations int

	// Multiplier is the width of the acceptance criterion in standard
	// deviations (or Mahalanobis units for multi-channel volumes)
	Multiplier float64

	// InitialNeighborhoodRadius is the Chebyshev radius of the box around
	// every seed that forms the initial region
	InitialNeighborhoodRadius int

	// ReplaceValue is the label written to region voxels in the output mask
	ReplaceValue uint8

	// Policy selects where each pass starts its flood fill
	Policy Policy

	// StopOnConvergence ends the run early once a pass leaves the region unchanged
	StopOnConvergence bool
}

// DefaultParams returns the customary confidence-connected settings
func DefaultParams() Params {
	return Params{
		NumberOfIterations:        4,
		Multiplier:                2.5,
		InitialNeighborhoodRadius: 1,
		ReplaceValue:              1,
		Policy:                    PolicyReflood,
	}
}

// Validate checks the parameters without looking at any volume
func (p Params) Validate() error {
	if p.NumberOfIterations < 0 {
		return errors.Wrapf(ErrInvalidParameter, "number of iterations must be non-negative, got %d", p.NumberOfIterations)
	}
	if p.Multiplier < 0 {
		return errors.Wrapf(ErrInvalidParameter, "multiplier must be non-negative, got %g", p.Multiplier)
	}
	if p.InitialNeighborhoodRadius < 0 {
		return errors.Wrapf(ErrInvalidParameter, "initial neighborhood radius must be non-negative, got %d", p.InitialNeighborhoodRadius)
	}
	if p.ReplaceValue == 0 {
		return errors.Wrap(ErrInvalidParameter, "replace value must be non-zero")
	}
	if _, err := ParsePolicy(string(p.Policy)); err != nil {
		return err
	}
	return nil
}

// IterationStats records what one pass estimated and produced
type IterationStats struct {
	Iteration int

	// StatsCount is the size of the region the statistics were estimated on
	StatsCount int

	// Mean is the per-channel mean of that region
	Mean []float64

	// StdDev, Lower and Upper are set in scalar mode
	StdDev       float64
	Lower, Upper float64

	// Covariance is the row-major k×k covariance in vector mode
	Covariance []float64

	// Count is the size of the region after the pass
	Count int

	// Changed reports whether the pass altered the region
	Changed bool
}

// Result is the outcome of Grow
type Result struct {
	// Mask has Params.ReplaceValue on region voxels and 0 elsewhere
	Mask *models.Mask

	// Region lists the region voxel offsets in increasing order
	Region []int

	// Mode is the comparison mode selected from the channel count
	Mode Mode

	// Iterations holds one entry per pass that ran
	Iterations []IterationStats
}

type options struct {
	logger  *zap.Logger
	workers int
}

// Option configures Grow
type Option func(*options)

// WithLogger sets the logger that receives per-iteration diagnostics
func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithWorkers lets each flood fill level be expanded by up to n goroutines
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

// Grow segments vol by confidence-connected region growing from seeds.
//
// The input volume is never modified. Errors match ErrInvalidVolume,
// ErrInvalidSeed, ErrInvalidParameter, ErrInsufficientStatistics or
// ErrEmptyRegion with errors.Is, or wrap ctx.Err() when ctx ends first.
func Grow(ctx context.Context, vol *models.Volume, seeds []models.Index, params Params, opts ...Option) (*Result, error) {
	o := options{logger: zap.NewNop(), workers: 1}
	for _, opt := range opts {
		opt(&o)
	}

	if err := vol.Validate(); err != nil {
		return nil, errors.Wrap(ErrInvalidVolume, err.Error())
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if params.Policy == "" {
		params.Policy = PolicyReflood
	}
	seedOffs, err := seedOffsets(vol, seeds)
	if err != nil {
		return nil, err
	}

	mode := ModeFor(vol)
	region := initialNeighborhood(vol, seeds, params.InitialNeighborhoodRadius)

	logger := o.logger.With(zap.Stringer("mode", mode), zap.String("policy", string(params.Policy)))
	logger.Debug("starting region growing",
		zap.Int("seeds", len(seeds)),
		zap.Int("initialVoxels", len(region)),
		zap.Int("iterations", params.NumberOfIterations),
		zap.Float64("multiplier", params.Multiplier))

	result := &Result{Mode: mode}

	for it := 1; it <= params.NumberOfIterations; it++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "region growing interrupted before iteration %d", it)
		}

		stats, err := computeStatistics(vol, region, mode)
		if err != nil {
			return nil, atIteration(err, it)
		}
		crit, err := newCriterion(vol, stats, params.Multiplier, mode)
		if err != nil {
			return nil, atIteration(err, it)
		}

		sources := seedOffs
		if params.Policy == PolicyExpand {
			sources = region
		}
		next, err := floodFill(ctx, vol, sources, crit, o.workers)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, errors.Wrapf(ErrEmptyRegion, "iteration %d admitted no voxels", it)
		}

		entry := iterationStats(it, stats, params.Multiplier, next)
		entry.Changed = !sameRegion(region, next)
		result.Iterations = append(result.Iterations, entry)

		logger.Debug("iteration complete",
			zap.Int("iteration", it),
			zap.Int("statsVoxels", stats.Count),
			zap.Float64s("mean", stats.Mean),
			zap.Int("voxels", len(next)),
			zap.Bool("changed", entry.Changed))

		region = next
		if params.StopOnConvergence && !entry.Changed {
			logger.Debug("region converged", zap.Int("iteration", it))
			break
		}
	}

	result.Region = region
	result.Mask = buildMask(vol, region, params.ReplaceValue)
	return result, nil
}

// seedOffsets validates seeds and returns their distinct offsets
func seedOffsets(vol *models.Volume, seeds []models.Index) ([]int, error) {
	if len(seeds) == 0 {
		return nil, errors.Wrap(ErrInvalidSeed, "at least one seed is required")
	}

	size := models.Index{X: vol.Width, Y: vol.Height, Z: vol.Depth}
	seen := make(map[int]bool, len(seeds))
	offsets := make([]int, 0, len(seeds))
	for _, s := range seeds {
		if !vol.Contains(s) {
			return nil, &InvalidSeedError{Seed: s, Size: size}
		}
		off := vol.Offset(s)
		if !seen[off] {
			seen[off] = true
			offsets = append(offsets, off)
		}
	}
	return offsets, nil
}

func atIteration(err error, it int) error {
	var ise *InsufficientStatisticsError
	if errors.As(err, &ise) {
		ise.Iteration = it
		return ise
	}
	return err
}

func iterationStats(it int, stats Statistics, multiplier float64, region []int) IterationStats {
	entry := IterationStats{
		Iteration:  it,
		StatsCount: stats.Count,
		Mean:       stats.Mean,
		StdDev:     stats.StdDev,
		Count:      len(region),
	}
	if stats.Covariance == nil {
		entry.Lower = stats.Mean[0] - multiplier*stats.StdDev
		entry.Upper = stats.Mean[0] + multiplier*stats.StdDev
	} else {
		k := stats.Covariance.SymmetricDim()
		entry.Covariance = make([]float64, 0, k*k)
		for i := 0; i < k; i++ {
			for j := 0; j < k; j++ {
				entry.Covariance = append(entry.Covariance, stats.Covariance.At(i, j))
			}
		}
	}
	return entry
}

func sameRegion(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func buildMask(vol *models.Volume, region []int, label uint8) *models.Mask {
	mask := models.NewMask(vol.Width, vol.Height, vol.Depth)
	for _, off := range region {
		mask.Labels[off] = label
	}
	return mask
}
