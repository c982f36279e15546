package reconst

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/floats"

	"dmrish/pkg/parallel"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// MapsOptions configures derived map computation.
type MapsOptions struct {
	// Mask limits computation to the masked voxels; nil derives it from
	// the non-zero coefficient voxels.
	Mask *volume.Mask

	// GFAThreshold gates the peak-derived maps: voxels with GFA below it
	// are treated as isotropic and only contribute to the RGB
	// normalization tracker.
	GFAThreshold float64

	Basis  sh.Basis
	Legacy bool

	// Workers is the chunk worker count; 0 means all hardware threads.
	Workers int
}

// DefaultMapsOptions returns the conventional map configuration.
func DefaultMapsOptions() MapsOptions {
	return MapsOptions{
		Basis:  sh.Descoteaux07,
		Legacy: true,
	}
}

// Maps holds the derived per-voxel feature maps.
type Maps struct {
	// NUFO counts the valid peaks of each voxel.
	NUFO *volume.Grid3[float64]

	// AFDMax is the largest peak value of each voxel.
	AFDMax *volume.Grid3[float64]

	// AFDSum is the L2 norm of the coefficient vector.
	AFDSum *volume.Grid3[float64]

	// RGB is the ODF-weighted mean absolute direction, globally rescaled
	// to the 0-255 color range (3 channels).
	RGB *volume.Grid4[float64]

	// GFA is the generalized fractional anisotropy of the sampled ODF.
	GFA *volume.Grid3[float64]

	// QA holds per-peak anisotropy (peak value minus the voxel's ODF
	// minimum), globally rescaled (NPeaks channels).
	QA *volume.Grid4[float64]
}

// mapsChunk carries one chunk's map rows plus its local normalization
// trackers; the trackers are max-reduced across chunks after the barrier.
type mapsChunk struct {
	nufo, afdMax, afdSum, gfa []float64
	rgb, qa                   [][]float64
	maxODF, globalMax         float64
}

// MapsFromSH computes the scalar and vector feature maps from SH
// coefficients and previously extracted peaks. The computation has two
// phases: a parallel per-voxel pass accumulating chunk-local maxima, then,
// strictly after every chunk has returned, a global rescale of the RGB and
// QA maps by the reduced trackers.
//
// The peaks must come from PeaksFromSH over the same coefficient volume
// and mask.
func MapsFromSH(coeffs *volume.Grid4[float64], peaks *Peaks, sph *sphere.Sphere, opts MapsOptions) (*Maps, error) {
	if peaks.Values.NX != coeffs.NX || peaks.Values.NY != coeffs.NY ||
		peaks.Values.NZ != coeffs.NZ || peaks.Values.NC != peaks.NPeaks {
		return nil, fmt.Errorf("peak volume shape does not match coefficient volume")
	}
	order, err := sh.OrderFromCoeffCount(coeffs.NC, false)
	if err != nil {
		return nil, err
	}
	B, _, err := sh.Matrices(sph, order, opts.Basis, false, opts.Legacy)
	if err != nil {
		return nil, err
	}
	bRows := denseRows(B)

	mask := opts.Mask
	if mask == nil {
		mask = volume.DefaultMask(coeffs)
	}
	if !mask.MatchesGrid(coeffs.NX, coeffs.NY, coeffs.NZ) {
		return nil, fmt.Errorf("mask shape does not match coefficient volume")
	}

	coeffRows := volume.Flatten(coeffs, mask)
	valueRows := volume.Flatten(peaks.Values, mask)
	indexRows := volume.Flatten(peaks.Indices, mask)

	npeaks := peaks.NPeaks
	verts := sph.Vertices()
	workers := parallel.DefaultWorkers(opts.Workers)
	chunks := parallel.Split(len(coeffRows), workers)

	results, err := parallel.Run(workers, chunks, func(c parallel.Chunk) (mapsChunk, error) {
		out := mapsChunk{
			nufo:      make([]float64, c.Len()),
			afdMax:    make([]float64, c.Len()),
			afdSum:    make([]float64, c.Len()),
			gfa:       make([]float64, c.Len()),
			rgb:       make([][]float64, c.Len()),
			qa:        make([][]float64, c.Len()),
			globalMax: math.Inf(-1),
		}
		odf := make([]float64, sph.N())
		for i := c.Start; i < c.End; i++ {
			j := i - c.Start
			out.rgb[j] = make([]float64, 3)
			out.qa[j] = make([]float64, npeaks)
			if !anyNonzero(coeffRows[i]) {
				continue
			}

			reconstructODF(odf, coeffRows[i], bRows)
			for d, v := range odf {
				if v < 0 {
					odf[d] = 0
				}
			}

			sumODF := floats.Sum(odf)
			if sumODF > out.maxODF {
				out.maxODF = sumODF
			}
			if sumODF > 0 {
				rgb := out.rgb[j]
				for d, v := range odf {
					rgb[0] += math.Abs(verts[d][0]) * v
					rgb[1] += math.Abs(verts[d][1]) * v
					rgb[2] += math.Abs(verts[d][2]) * v
				}
				norm := floats.Norm(rgb, 2)
				if norm > 0 {
					floats.Scale(sumODF/norm, rgb)
				}
			}

			out.gfa[j] = gfa(odf)
			if out.gfa[j] < opts.GFAThreshold {
				// Isotropic voxel: it only informs the RGB normalization.
				if m := floats.Max(odf); m > out.globalMax {
					out.globalMax = m
				}
				continue
			}

			valid := 0
			for _, idx := range indexRows[i] {
				if idx > -1 {
					valid++
				}
			}
			if valid == 0 {
				continue
			}

			out.nufo[j] = float64(valid)
			out.afdMax[j] = floats.Max(valueRows[i])
			out.afdSum[j] = floats.Norm(coeffRows[i], 2)

			// Only valid slots carry QA; empty slots stay zero.
			minODF := floats.Min(odf)
			for k, v := range valueRows[i] {
				if indexRows[i][k] > -1 {
					out.qa[j][k] = v - minODF
				}
			}

			if valueRows[i][0] > out.globalMax {
				out.globalMax = valueRows[i][0]
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	// Phase 2: reduce the chunk trackers and rescale. This must happen only
	// after every chunk has returned.
	maxODF := math.Inf(-1)
	globalMax := math.Inf(-1)
	nufoRows := make([]float64, 0, len(coeffRows))
	afdMaxRows := make([]float64, 0, len(coeffRows))
	afdSumRows := make([]float64, 0, len(coeffRows))
	gfaRows := make([]float64, 0, len(coeffRows))
	rgbRows := make([][]float64, 0, len(coeffRows))
	qaRows := make([][]float64, 0, len(coeffRows))
	for _, res := range results {
		if res.maxODF > maxODF {
			maxODF = res.maxODF
		}
		if res.globalMax > globalMax {
			globalMax = res.globalMax
		}
		nufoRows = append(nufoRows, res.nufo...)
		afdMaxRows = append(afdMaxRows, res.afdMax...)
		afdSumRows = append(afdSumRows, res.afdSum...)
		gfaRows = append(gfaRows, res.gfa...)
		rgbRows = append(rgbRows, res.rgb...)
		qaRows = append(qaRows, res.qa...)
	}

	if maxODF > 0 {
		for _, row := range rgbRows {
			floats.Scale(255/maxODF, row)
		}
	}
	if globalMax > 0 {
		for _, row := range qaRows {
			floats.Scale(1/globalMax, row)
		}
	}

	warnDegenerateAFD(afdMaxRows)

	return &Maps{
		NUFO:   volume.Scatter3(nufoRows, mask),
		AFDMax: volume.Scatter3(afdMaxRows, mask),
		AFDSum: volume.Scatter3(afdSumRows, mask),
		RGB:    volume.Scatter(rgbRows, mask, 3),
		GFA:    volume.Scatter3(gfaRows, mask),
		QA:     volume.Scatter(qaRows, mask, npeaks),
	}, nil
}

// warnDegenerateAFD emits an advisory when every AFD-max value is 0 or 1,
// the signature of peaks normalized upstream by the caller.
func warnDegenerateAFD(afdMax []float64) {
	sawOne := false
	for _, v := range afdMax {
		switch v {
		case 0:
		case 1:
			sawOne = true
		default:
			return
		}
	}
	if sawOne {
		log.Printf("all AFD_max values are 1; the peaks seem normalized")
	}
}
