package regiongrow

import (
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"mrisegment/internal/models"
)

// Mode selects how voxels are compared against the region statistics. It is
// decided once per call from the channel count of the volume.
type Mode int

const (
	// ScalarMode compares single intensities against a mean ± c·σ interval
	ScalarMode Mode = iota
	// VectorMode compares intensity vectors against a Mahalanobis ellipsoid
	VectorMode
)

func (m Mode) String() string {
	switch m {
	case ScalarMode:
		return "scalar"
	case VectorMode:
		return "vector"
	default:
		return "unknown"
	}
}

// ModeFor returns the mode used for a volume
func ModeFor(vol *models.Volume) Mode {
	if vol.Channels > 1 {
		return VectorMode
	}
	return ScalarMode
}

// Statistics summarises the intensities of a region
type Statistics struct {
	// Count is the number of voxels the statistics were computed over
	Count int

	// Mean is the per-channel mean intensity
	Mean []float64

	// StdDev is the sample standard deviation (scalar mode only)
	StdDev float64

	// Covariance is the sample covariance matrix (vector mode only)
	Covariance *mat.SymDense
}

// computeStatistics estimates mean and spread over region. Both estimators
// are unbiased (n-1), so at least two voxels are required.
func computeStatistics(vol *models.Volume, region []int, mode Mode) (Statistics, error) {
	n := len(region)
	if n < 2 {
		return Statistics{Count: n}, &InsufficientStatisticsError{
			Count:  n,
			Reason: "need at least 2 voxels to estimate spread",
		}
	}

	if mode == ScalarMode {
		values := make([]float64, n)
		for i, off := range region {
			values[i] = vol.Data[off]
		}
		mean, std := stat.MeanStdDev(values, nil)
		return Statistics{Count: n, Mean: []float64{mean}, StdDev: std}, nil
	}

	k := vol.Channels
	x := mat.NewDense(n, k, nil)
	for i, off := range region {
		x.SetRow(i, vol.Voxel(off))
	}

	mean := make([]float64, k)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		mat.Col(col, j, x)
		mean[j] = stat.Mean(col, nil)
	}

	cov := mat.NewSymDense(k, nil)
	stat.CovarianceMatrix(cov, x, nil)

	return Statistics{Count: n, Mean: mean, Covariance: cov}, nil
}
