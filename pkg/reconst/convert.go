package reconst

import (
	"fmt"
	"log"

	"golang.org/x/exp/constraints"

	"dmrish/pkg/parallel"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// ConvertOptions configures an SH basis conversion.
type ConvertOptions struct {
	// Mask limits conversion to the masked voxels; nil derives it from
	// the non-zero coefficient voxels.
	Mask *volume.Mask

	InputBasis   sh.Basis
	OutputBasis  sh.Basis
	InputLegacy  bool
	OutputLegacy bool

	// Workers is the chunk worker count; 0 means all hardware threads.
	Workers int
}

// ConvertSHBasis converts SH coefficients between basis families by
// projecting each voxel to spherical-function samples with the input basis
// and re-projecting to coefficients with the output basis's pseudo-inverse.
// When input and output configurations are identical the input grid is
// returned unchanged.
func ConvertSHBasis(coeffs *volume.Grid4[float64], sph *sphere.Sphere, opts ConvertOptions) (*volume.Grid4[float64], error) {
	if opts.InputBasis == opts.OutputBasis && opts.InputLegacy == opts.OutputLegacy {
		log.Printf("input and output SH basis are equal, no basis conversion needed")
		return coeffs, nil
	}

	order, err := sh.OrderFromCoeffCount(coeffs.NC, false)
	if err != nil {
		return nil, err
	}
	bIn, _, err := sh.Matrices(sph, order, opts.InputBasis, false, opts.InputLegacy)
	if err != nil {
		return nil, err
	}
	_, invBOut, err := sh.Matrices(sph, order, opts.OutputBasis, false, opts.OutputLegacy)
	if err != nil {
		return nil, err
	}
	bRows := denseRows(bIn)       // (C, D)
	invRows := denseRows(invBOut) // (D, C)

	mask := opts.Mask
	if mask == nil {
		mask = volume.DefaultMask(coeffs)
	}
	if !mask.MatchesGrid(coeffs.NX, coeffs.NY, coeffs.NZ) {
		return nil, fmt.Errorf("mask shape does not match coefficient volume")
	}

	rows := volume.Flatten(coeffs, mask)
	workers := parallel.DefaultWorkers(opts.Workers)
	chunks := parallel.Split(len(rows), workers)

	results, err := parallel.Run(workers, chunks, func(c parallel.Chunk) ([][]float64, error) {
		out := make([][]float64, 0, c.Len())
		sf := make([]float64, sph.N())
		for i := c.Start; i < c.End; i++ {
			converted := make([]float64, coeffs.NC)
			if anyNonzero(rows[i]) {
				reconstructODF(sf, rows[i], bRows)
				for d, v := range sf {
					if v != 0 {
						for c2, w := range invRows[d] {
							converted[c2] += v * w
						}
					}
				}
			}
			out = append(out, converted)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	converted := make([][]float64, 0, len(rows))
	for _, res := range results {
		converted = append(converted, res...)
	}
	return volume.Scatter(converted, mask, coeffs.NC), nil
}

// SFOptions configures the projection of SH coefficients to raw
// spherical-function samples.
type SFOptions struct {
	// Mask limits projection to the masked voxels; nil derives it from
	// the non-zero coefficient voxels.
	Mask *volume.Mask

	InputBasis sh.Basis
	FullBasis  bool
	Legacy     bool

	// Workers is the chunk worker count; 0 means all hardware threads.
	Workers int
}

// ConvertSHToSF projects SH coefficients to spherical-function samples on
// the sphere. The type parameter fixes the precision: the transform matrix
// and the accumulation both use T, and the output grid has exactly that
// element type with one channel per sphere direction.
func ConvertSHToSF[T constraints.Float](coeffs *volume.Grid4[float64], sph *sphere.Sphere, opts SFOptions) (*volume.Grid4[T], error) {
	order, err := sh.OrderFromCoeffCount(coeffs.NC, opts.FullBasis)
	if err != nil {
		return nil, err
	}
	B, _, err := sh.Matrices(sph, order, opts.InputBasis, opts.FullBasis, opts.Legacy)
	if err != nil {
		return nil, err
	}

	// Lower the matrix to the requested precision before any arithmetic.
	bRows := make([][]T, coeffs.NC)
	for c, row := range denseRows(B) {
		tr := make([]T, len(row))
		for d, v := range row {
			tr[d] = T(v)
		}
		bRows[c] = tr
	}

	mask := opts.Mask
	if mask == nil {
		mask = volume.DefaultMask(coeffs)
	}
	if !mask.MatchesGrid(coeffs.NX, coeffs.NY, coeffs.NZ) {
		return nil, fmt.Errorf("mask shape does not match coefficient volume")
	}

	rows := volume.Flatten(coeffs, mask)
	workers := parallel.DefaultWorkers(opts.Workers)
	chunks := parallel.Split(len(rows), workers)

	results, err := parallel.Run(workers, chunks, func(c parallel.Chunk) ([][]T, error) {
		out := make([][]T, 0, c.Len())
		for i := c.Start; i < c.End; i++ {
			sf := make([]T, sph.N())
			if anyNonzero(rows[i]) {
				for c2, w := range rows[i] {
					if w == 0 {
						continue
					}
					tw := T(w)
					row := bRows[c2]
					for d := range sf {
						sf[d] += tw * row[d]
					}
				}
			}
			out = append(out, sf)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	sfRows := make([][]T, 0, len(rows))
	for _, res := range results {
		sfRows = append(sfRows, res...)
	}
	return volume.Scatter(sfRows, mask, sph.N()), nil
}
