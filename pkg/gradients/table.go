// Package gradients models the diffusion gradient table consumed by the
// fitting engine: per-volume b-values, b-vectors, the b0 mask derived from
// a threshold, and shell classification of the b-values.
package gradients

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
)

// DefaultB0Threshold is the b-value below which a volume is considered a
// b0 acquisition.
const DefaultB0Threshold = 20.0

// DefaultShellTolerance is the b-value distance within which two
// acquisitions belong to the same shell.
const DefaultShellTolerance = 20.0

// bvecNormTolerance bounds |‖bvec‖ - 1| for a vector to count as unit
// length.
const bvecNormTolerance = 1e-3

// ErrMultiShell is returned when the gradient table does not describe a
// single-shell acquisition (one b0 shell plus exactly one non-zero shell).
var ErrMultiShell = errors.New("multi-shell gradient table unsupported")

// Table holds the per-volume gradient information.
type Table struct {
	Bvals []float64
	Bvecs [][3]float64
}

// NewTable validates the pairing of b-values and b-vectors.
func NewTable(bvals []float64, bvecs [][3]float64) (*Table, error) {
	if len(bvals) != len(bvecs) {
		return nil, fmt.Errorf("gradient table mismatch: %d b-values, %d b-vectors",
			len(bvals), len(bvecs))
	}
	if len(bvals) == 0 {
		return nil, fmt.Errorf("gradient table is empty")
	}
	return &Table{Bvals: bvals, Bvecs: bvecs}, nil
}

// N returns the number of volumes in the table.
func (t *Table) N() int { return len(t.Bvals) }

// B0Mask returns, per volume, whether its b-value is at or below the
// threshold.
func (t *Table) B0Mask(threshold float64) []bool {
	mask := make([]bool, len(t.Bvals))
	for i, b := range t.Bvals {
		mask[i] = b <= threshold
	}
	return mask
}

// IsNormalized reports whether every non-zero b-vector is unit length
// within tolerance.
func (t *Table) IsNormalized() bool {
	for _, v := range t.Bvecs {
		n := floats.Norm(v[:], 2)
		if n != 0 && math.Abs(n-1) > bvecNormTolerance {
			return false
		}
	}
	return true
}

// Normalized returns a copy of the table with every non-zero b-vector
// scaled to unit length.
func (t *Table) Normalized() *Table {
	bvecs := make([][3]float64, len(t.Bvecs))
	for i, v := range t.Bvecs {
		n := floats.Norm(v[:], 2)
		if n == 0 {
			continue
		}
		bvecs[i] = [3]float64{v[0] / n, v[1] / n, v[2] / n}
	}
	bvals := make([]float64, len(t.Bvals))
	copy(bvals, t.Bvals)
	return &Table{Bvals: bvals, Bvecs: bvecs}
}

// IdentifyShells clusters b-values into shells: values within tol of a
// shell centroid share the shell. Returns the ascending shell centroids
// and, per volume, the index of its shell.
func IdentifyShells(bvals []float64, tol float64) (centroids []float64, shellIdx []int) {
	sorted := make([]float64, len(bvals))
	copy(sorted, bvals)
	sort.Float64s(sorted)

	// Greedy clustering over sorted values: a new shell starts when the
	// value drifts more than tol from the running centroid.
	var sums []float64
	var counts []int
	for _, b := range sorted {
		k := len(sums) - 1
		if k >= 0 && b-sums[k]/float64(counts[k]) <= tol {
			sums[k] += b
			counts[k]++
			continue
		}
		sums = append(sums, b)
		counts = append(counts, 1)
	}

	centroids = make([]float64, len(sums))
	for i := range sums {
		centroids[i] = sums[i] / float64(counts[i])
	}

	shellIdx = make([]int, len(bvals))
	for i, b := range bvals {
		best := 0
		for j := 1; j < len(centroids); j++ {
			if math.Abs(b-centroids[j]) < math.Abs(b-centroids[best]) {
				best = j
			}
		}
		shellIdx[i] = best
	}
	return centroids, shellIdx
}

// ValidateSingleShell checks that the table holds exactly one b0 shell
// below b0Threshold and one non-zero shell, the only acquisition scheme
// the SH fit supports.
func ValidateSingleShell(bvals []float64, b0Threshold float64) error {
	centroids, _ := IdentifyShells(bvals, DefaultShellTolerance)
	if len(centroids) != 2 || centroids[0] > b0Threshold {
		return fmt.Errorf("%w: found shells %v with b0 threshold %g",
			ErrMultiShell, centroids, b0Threshold)
	}
	return nil
}
