package regiongrow

import (
	"math"

	"gonum.org/v1/gonum/mat"

	"mrisegment/internal/models"
)

// criterion decides whether a voxel belongs to the region for one growth
// pass. Implementations are immutable and safe for concurrent use.
type criterion interface {
	accept(offset int) bool
}

// intervalCriterion admits scalar voxels in [lower, upper]
type intervalCriterion struct {
	data         []float64
	lower, upper float64
}

func (c *intervalCriterion) accept(offset int) bool {
	v := c.data[offset]
	return v >= c.lower && v <= c.upper
}

// mahalanobisCriterion admits vector voxels with (x-μ)ᵗ Σ⁻¹ (x-μ) <= limit
type mahalanobisCriterion struct {
	vol   *models.Volume
	mean  []float64
	inv   []float64 // k*k row-major
	limit float64
}

func (c *mahalanobisCriterion) accept(offset int) bool {
	return c.distanceSq(c.vol.Voxel(offset)) <= c.limit
}

func (c *mahalanobisCriterion) distanceSq(x []float64) float64 {
	k := len(c.mean)
	var q float64
	for i := 0; i < k; i++ {
		di := x[i] - c.mean[i]
		row := c.inv[i*k : (i+1)*k]
		for j := 0; j < k; j++ {
			q += di * row[j] * (x[j] - c.mean[j])
		}
	}
	return q
}

// ridgeScale is the relative diagonal loading applied to a covariance matrix
// that is not positive definite.
const ridgeScale = 1e-9

// newCriterion derives the acceptance test for one pass from the region
// statistics and the multiplier.
func newCriterion(vol *models.Volume, stats Statistics, multiplier float64, mode Mode) (criterion, error) {
	if mode == ScalarMode {
		return &intervalCriterion{
			data:  vol.Data,
			lower: stats.Mean[0] - multiplier*stats.StdDev,
			upper: stats.Mean[0] + multiplier*stats.StdDev,
		}, nil
	}

	inv, err := invertCovariance(stats.Covariance)
	if err != nil {
		return nil, err
	}

	k := len(stats.Mean)
	flat := make([]float64, k*k)
	for i := 0; i < k; i++ {
		for j := 0; j < k; j++ {
			flat[i*k+j] = inv.At(i, j)
		}
	}

	return &mahalanobisCriterion{
		vol:   vol,
		mean:  stats.Mean,
		inv:   flat,
		limit: multiplier * multiplier,
	}, nil
}

// invertCovariance inverts cov through a Cholesky factorization. A singular
// matrix (e.g. a region of identical voxels) gets a small ridge on its
// diagonal, which shrinks the ellipsoid onto the mean.
func invertCovariance(cov *mat.SymDense) (*mat.SymDense, error) {
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		k := cov.SymmetricDim()
		ridge := ridgeScale * (math.Abs(mat.Trace(cov))/float64(k) + 1)

		loaded := mat.NewSymDense(k, nil)
		loaded.CopySym(cov)
		for i := 0; i < k; i++ {
			loaded.SetSym(i, i, loaded.At(i, i)+ridge)
		}
		if !chol.Factorize(loaded) {
			return nil, &InsufficientStatisticsError{Reason: "covariance matrix is not positive definite"}
		}
	}

	var inv mat.SymDense
	if err := chol.InverseTo(&inv); err != nil {
		// mat.Condition still leaves a usable inverse in inv
		if _, ok := err.(mat.Condition); !ok {
			return nil, &InsufficientStatisticsError{Reason: "inverting covariance: " + err.Error()}
		}
	}
	return &inv, nil
}
