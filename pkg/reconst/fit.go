package reconst

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"dmrish/pkg/gradients"
	"dmrish/pkg/parallel"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// FitOptions configures the SH fit of a single-shell diffusion signal.
type FitOptions struct {
	// SHOrder is the maximum SH order of the fit.
	SHOrder int

	// Basis is the SH basis family of the output coefficients.
	Basis sh.Basis

	// Legacy selects the historical basis normalization.
	Legacy bool

	// Smooth is the Laplace-Beltrami regularization weight of the
	// least-squares fit. 0 disables regularization.
	Smooth float64

	// B0Threshold is the b-value below which a volume counts as b0. It is
	// also the upper bound accepted for the b0 shell during single-shell
	// validation.
	B0Threshold float64

	// UseAttenuation divides each DWI volume by the voxel-wise mean b0
	// before fitting.
	UseAttenuation bool

	// Mask limits the fit to the masked voxels. When nil, voxels with any
	// non-zero signal participate.
	Mask *volume.Mask

	// Sphere overrides the sampling directions. When nil the non-b0
	// b-vectors define the sphere.
	Sphere *sphere.Sphere

	// Workers is the chunk worker count; 0 means all hardware threads.
	Workers int
}

// DefaultFitOptions returns the conventional fit configuration: order 4,
// legacy descoteaux07, smoothing 0.006.
func DefaultFitOptions() FitOptions {
	return FitOptions{
		SHOrder:     4,
		Basis:       sh.Descoteaux07,
		Legacy:      true,
		Smooth:      0.006,
		B0Threshold: gradients.DefaultB0Threshold,
	}
}

// FitSH fits SH coefficients to a single-shell diffusion signal. dwi is the
// 4D signal with one channel per acquisition volume, paired with the
// gradient table. The returned grid holds C = (order+1)(order+2)/2
// coefficients per voxel; voxels outside the mask are zero.
//
// The table must describe a single-shell acquisition (one b0 shell below
// the threshold plus one non-zero shell); anything else fails with
// gradients.ErrMultiShell before any fitting work starts.
func FitSH(dwi *volume.Grid4[float64], table *gradients.Table, opts FitOptions) (*volume.Grid4[float64], error) {
	if table.N() != dwi.NC {
		return nil, fmt.Errorf("gradient table has %d entries for %d signal volumes",
			table.N(), dwi.NC)
	}

	if !table.IsNormalized() {
		log.Printf("b-vectors do not seem normalized, normalizing them for the fit")
		table = table.Normalized()
	}

	if err := gradients.ValidateSingleShell(table.Bvals, opts.B0Threshold); err != nil {
		return nil, err
	}

	b0Mask := table.B0Mask(opts.B0Threshold)
	var dwiIdx []int
	var dirs [][3]float64
	for i, isB0 := range b0Mask {
		if !isB0 {
			dwiIdx = append(dwiIdx, i)
			dirs = append(dirs, table.Bvecs[i])
		}
	}
	if len(dwiIdx) == 0 {
		return nil, fmt.Errorf("gradient table has no diffusion-weighted volumes")
	}

	nCoeffs := sh.CoeffCount(opts.SHOrder, false)
	if len(dwiIdx) < nCoeffs {
		log.Printf("only %d unique DWI volumes for %d coefficients; consider "+
			"lowering the SH order in case of non convergence", len(dwiIdx), nCoeffs)
	}

	sph := opts.Sphere
	if sph == nil {
		var err error
		sph, err = sphere.FromVecs(dirs)
		if err != nil {
			return nil, fmt.Errorf("building sphere from b-vectors: %w", err)
		}
	}
	if sph.N() != len(dwiIdx) {
		return nil, fmt.Errorf("sphere has %d directions for %d DWI volumes",
			sph.N(), len(dwiIdx))
	}

	_, invB, err := sh.MatricesRegularized(sph, opts.SHOrder, opts.Basis, false, opts.Legacy, opts.Smooth)
	if err != nil {
		return nil, err
	}
	invBRows := denseRows(invB) // (D, C)

	mask := opts.Mask
	if mask == nil {
		mask = volume.DefaultMask(dwi)
	}
	if !mask.MatchesGrid(dwi.NX, dwi.NY, dwi.NZ) {
		return nil, fmt.Errorf("mask shape does not match signal volume")
	}

	signal := volume.Flatten(dwi, mask)
	workers := parallel.DefaultWorkers(opts.Workers)
	chunks := parallel.Split(len(signal), workers)

	results, err := parallel.Run(workers, chunks, func(c parallel.Chunk) ([][]float64, error) {
		coeffRows := make([][]float64, 0, c.Len())
		weights := make([]float64, len(dwiIdx))
		for idx := c.Start; idx < c.End; idx++ {
			row := signal[idx]
			for d, vi := range dwiIdx {
				weights[d] = row[vi]
			}
			if opts.UseAttenuation {
				attenuate(weights, row, b0Mask)
			}

			coeffs := make([]float64, nCoeffs)
			for d, w := range weights {
				if w != 0 {
					floats.AddScaled(coeffs, w, invBRows[d])
				}
			}
			coeffRows = append(coeffRows, coeffs)
		}
		return coeffRows, nil
	})
	if err != nil {
		return nil, err
	}

	out := make([][]float64, 0, len(signal))
	for _, rows := range results {
		out = append(out, rows...)
	}
	return volume.Scatter(out, mask, nCoeffs), nil
}

// attenuate converts raw DWI weights to signal attenuation by dividing by
// the voxel's mean b0. Voxels with no usable b0 produce zero attenuation;
// non-finite ratios are zeroed.
func attenuate(weights, row []float64, b0Mask []bool) {
	var b0Sum float64
	var b0N int
	for i, isB0 := range b0Mask {
		if isB0 {
			b0Sum += row[i]
			b0N++
		}
	}
	if b0N == 0 || b0Sum == 0 {
		for i := range weights {
			weights[i] = 0
		}
		return
	}
	meanB0 := b0Sum / float64(b0N)
	for i := range weights {
		v := weights[i] / meanB0
		if math.IsNaN(v) || math.IsInf(v, 0) {
			v = 0
		}
		weights[i] = v
	}
}
