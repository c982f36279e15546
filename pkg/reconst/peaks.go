package reconst

import (
	"fmt"
	"math"
	"sort"

	"dmrish/pkg/parallel"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// neighborCount is the k-nearest adjacency used to decide local maxima on
// the sphere. Subdivided icosahedra have vertex valence 5 or 6, so 8
// strictly contains every mesh neighborhood.
const neighborCount = 8

// PeaksOptions configures peak extraction from SH coefficients.
type PeaksOptions struct {
	// Mask limits extraction to the masked voxels; nil derives it from the
	// non-zero coefficient voxels.
	Mask *volume.Mask

	// RelativeThreshold drops maxima below this fraction of the voxel's
	// largest maximum.
	RelativeThreshold float64

	// AbsoluteThreshold clips ODF amplitudes below this value to zero
	// before searching for maxima.
	AbsoluteThreshold float64

	// MinSeparationAngle is the minimum angle in degrees between retained
	// peaks; of two closer maxima only the larger survives.
	MinSeparationAngle float64

	// NormalizePeaks rescales peak values by the largest peak and scales
	// each direction by its normalized value.
	NormalizePeaks bool

	// NPeaks is the maximum number of peaks kept per voxel.
	NPeaks int

	Basis     sh.Basis
	Legacy    bool
	FullBasis bool

	// IsSymmetric treats antipodal directions as identical.
	IsSymmetric bool

	// Workers is the chunk worker count; 0 means all hardware threads.
	Workers int
}

// DefaultPeaksOptions mirrors the conventional extraction parameters.
func DefaultPeaksOptions() PeaksOptions {
	return PeaksOptions{
		RelativeThreshold:  0.5,
		MinSeparationAngle: 25,
		NPeaks:             5,
		Basis:              sh.Descoteaux07,
		Legacy:             true,
		IsSymmetric:        true,
	}
}

// Peaks holds per-voxel peak sets: up to NPeaks entries of direction,
// value and source sphere-vertex index. Unused slots of a visited voxel
// are zero direction, zero value and index -1; voxels outside the mask
// are zero-filled in all three grids. Values are ordered descending.
type Peaks struct {
	// Dirs has NPeaks*3 channels per voxel: peak k occupies channels
	// [3k, 3k+3).
	Dirs *volume.Grid4[float64]

	// Values has NPeaks channels per voxel.
	Values *volume.Grid4[float64]

	// Indices has NPeaks channels per voxel; -1 marks an unused slot of a
	// visited voxel.
	Indices *volume.Grid4[int32]

	// NPeaks is the slot count per voxel.
	NPeaks int
}

type peaksChunk struct {
	dirs [][]float64
	vals [][]float64
	idxs [][]int32
}

// PeaksFromSH reconstructs the per-voxel ODF from SH coefficients and
// extracts its local maxima on the sphere. Voxels with an all-zero
// coefficient vector produce all-empty peak slots.
func PeaksFromSH(coeffs *volume.Grid4[float64], sph *sphere.Sphere, opts PeaksOptions) (*Peaks, error) {
	if opts.NPeaks < 1 {
		return nil, fmt.Errorf("npeaks must be positive, got %d", opts.NPeaks)
	}
	order, err := sh.OrderFromCoeffCount(coeffs.NC, opts.FullBasis)
	if err != nil {
		return nil, err
	}
	B, _, err := sh.Matrices(sph, order, opts.Basis, opts.FullBasis, opts.Legacy)
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

	neighbors := sph.Neighbors(neighborCount)
	rows := volume.Flatten(coeffs, mask)
	workers := parallel.DefaultWorkers(opts.Workers)
	chunks := parallel.Split(len(rows), workers)

	results, err := parallel.Run(workers, chunks, func(c parallel.Chunk) (peaksChunk, error) {
		out := peaksChunk{
			dirs: make([][]float64, 0, c.Len()),
			vals: make([][]float64, 0, c.Len()),
			idxs: make([][]int32, 0, c.Len()),
		}
		odf := make([]float64, sph.N())
		for i := c.Start; i < c.End; i++ {
			dirRow := make([]float64, opts.NPeaks*3)
			valRow := make([]float64, opts.NPeaks)
			idxRow := make([]int32, opts.NPeaks)
			for k := range idxRow {
				idxRow[k] = -1
			}

			if anyNonzero(rows[i]) {
				reconstructODF(odf, rows[i], bRows)
				for d, v := range odf {
					if v < opts.AbsoluteThreshold {
						odf[d] = 0
					}
				}
				extractPeaks(odf, sph, neighbors, opts, dirRow, valRow, idxRow)
			}

			out.dirs = append(out.dirs, dirRow)
			out.vals = append(out.vals, valRow)
			out.idxs = append(out.idxs, idxRow)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}

	dirRows := make([][]float64, 0, len(rows))
	valRows := make([][]float64, 0, len(rows))
	idxRows := make([][]int32, 0, len(rows))
	for _, res := range results {
		dirRows = append(dirRows, res.dirs...)
		valRows = append(valRows, res.vals...)
		idxRows = append(idxRows, res.idxs...)
	}

	return &Peaks{
		Dirs:    volume.Scatter(dirRows, mask, opts.NPeaks*3),
		Values:  volume.Scatter(valRows, mask, opts.NPeaks),
		Indices: volume.Scatter(idxRows, mask, opts.NPeaks),
		NPeaks:  opts.NPeaks,
	}, nil
}

// extractPeaks finds the local maxima of a clipped ODF and fills the peak
// slot rows. Maxima are ordered by descending value; a maximum survives only
// if it reaches the relative threshold of the voxel's largest maximum and is
// at least the minimum separation angle away from every larger retained
// peak (antipodal directions counting as identical when symmetric).
func extractPeaks(odf []float64, sph *sphere.Sphere, neighbors [][]int,
	opts PeaksOptions, dirRow, valRow []float64, idxRow []int32) {

	candidates := localMaxima(odf, neighbors)
	if len(candidates) == 0 {
		return
	}

	// Descending by value, ties broken by vertex index for determinism.
	sort.Slice(candidates, func(a, b int) bool {
		if odf[candidates[a]] != odf[candidates[b]] {
			return odf[candidates[a]] > odf[candidates[b]]
		}
		return candidates[a] < candidates[b]
	})

	largest := odf[candidates[0]]
	minAngle := opts.MinSeparationAngle * math.Pi / 180

	kept := make([]int, 0, opts.NPeaks)
	for _, cand := range candidates {
		if odf[cand] < opts.RelativeThreshold*largest {
			break
		}
		tooClose := false
		for _, k := range kept {
			var angle float64
			if opts.IsSymmetric {
				angle = sphere.AngleSymmetric(sph.Vertex(cand), sph.Vertex(k))
			} else {
				angle = sphere.Angle(sph.Vertex(cand), sph.Vertex(k))
			}
			if angle < minAngle {
				tooClose = true
				break
			}
		}
		if tooClose {
			continue
		}
		kept = append(kept, cand)
		if len(kept) == opts.NPeaks {
			break
		}
	}

	for k, cand := range kept {
		v := sph.Vertex(cand)
		dirRow[k*3] = v[0]
		dirRow[k*3+1] = v[1]
		dirRow[k*3+2] = v[2]
		valRow[k] = odf[cand]
		idxRow[k] = int32(cand)
	}

	if opts.NormalizePeaks && len(kept) > 0 {
		top := valRow[0]
		for k := range kept {
			valRow[k] /= top
			dirRow[k*3] *= valRow[k]
			dirRow[k*3+1] *= valRow[k]
			dirRow[k*3+2] *= valRow[k]
		}
	}
}

// localMaxima returns the sphere vertices whose positive ODF value is not
// exceeded by any neighbor.
func localMaxima(odf []float64, neighbors [][]int) []int {
	var maxima []int
	for i, v := range odf {
		if v <= 0 {
			continue
		}
		isMax := true
		for _, j := range neighbors[i] {
			if odf[j] > v {
				isMax = false
				break
			}
		}
		if isMax {
			maxima = append(maxima, i)
		}
	}
	return maxima
}
