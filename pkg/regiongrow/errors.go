package regiongrow

import (
	"fmt"

	"github.com/pkg/errors"

	"mrisegment/internal/models"
)

var (
	// ErrInvalidSeed is returned when no seeds are given or a seed lies outside the volume
	ErrInvalidSeed = errors.New("invalid seed")

	// ErrInsufficientStatistics is returned when the region is too small or
	// too degenerate to estimate an acceptance criterion from
	ErrInsufficientStatistics = errors.New("insufficient statistics")

	// ErrEmptyRegion is returned when a growth pass admits no voxels at all
	ErrEmptyRegion = errors.New("empty region")

	// ErrInvalidParameter is returned for negative iteration counts,
	// multipliers or radii and for a zero replace value
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidVolume is returned for nil, empty or inconsistent volumes
	ErrInvalidVolume = errors.New("invalid volume")
)

// InvalidSeedError describes a seed outside the volume bounds
type InvalidSeedError struct {
	Seed models.Index
	// Size is the volume extent as (width, height, depth)
	Size models.Index
}

func (e *InvalidSeedError) Error() string {
	return fmt.Sprintf("seed (%d,%d,%d) outside volume of size %dx%dx%d",
		e.Seed.X, e.Seed.Y, e.Seed.Z, e.Size.X, e.Size.Y, e.Size.Z)
}

// Is makes errors.Is(err, ErrInvalidSeed) match
func (e *InvalidSeedError) Is(target error) bool {
	return target == ErrInvalidSeed
}

// InsufficientStatisticsError reports the iteration and region size at which
// statistics could not be estimated
type InsufficientStatisticsError struct {
	Iteration int
	Count     int
	Reason    string
}

func (e *InsufficientStatisticsError) Error() string {
	return fmt.Sprintf("insufficient statistics at iteration %d (%d voxels): %s", e.Iteration, e.Count, e.Reason)
}

// Is makes errors.Is(err, ErrInsufficientStatistics) match
func (e *InsufficientStatisticsError) Is(target error) bool {
	return target == ErrInsufficientStatistics
}
