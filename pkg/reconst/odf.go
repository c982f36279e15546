// Package reconst implements the per-voxel reconstruction operations on SH
// coefficient volumes: fitting from diffusion signal, peak extraction,
// derived feature maps, basis conversion, SF projection and RISH features.
// Every operation flattens the masked voxels, runs under the chunked
// executor and scatters results back, so worker count never affects voxel
// order or values.
package reconst

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// denseRows exposes a gonum matrix as per-row slices aliasing its backing
// array, for the per-voxel inner-product loops.
func denseRows(m *mat.Dense) [][]float64 {
	r, c := m.Dims()
	raw := m.RawMatrix()
	rows := make([][]float64, r)
	for i := 0; i < r; i++ {
		rows[i] = raw.Data[i*raw.Stride : i*raw.Stride+c]
	}
	return rows
}

// reconstructODF evaluates odf = coeffs · B into dst, where bRows holds the
// (C, D) forward matrix row per coefficient.
func reconstructODF(dst, coeffs []float64, bRows [][]float64) {
	for i := range dst {
		dst[i] = 0
	}
	for c, w := range coeffs {
		if w != 0 {
			floats.AddScaled(dst, w, bRows[c])
		}
	}
}

// anyNonzero reports whether the coefficient vector has any non-zero entry.
func anyNonzero(row []float64) bool {
	for _, v := range row {
		if v != 0 {
			return true
		}
	}
	return false
}

// gfa computes the generalized fractional anisotropy of a sampled ODF:
// sqrt(n * sum((v - mean)^2) / ((n-1) * sum(v^2))).
func gfa(odf []float64) float64 {
	n := len(odf)
	if n < 2 {
		return 0
	}
	sumSq := floats.Dot(odf, odf)
	if sumSq == 0 {
		return 0
	}
	variance := stat.Variance(odf, nil) // sample variance, (n-1) denominator
	v := float64(n) * variance / sumSq
	if v < 0 {
		return 0
	}
	return math.Sqrt(v)
}
