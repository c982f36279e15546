package reconst

import (
	"dmrish/pkg/sh"
	"dmrish/pkg/volume"
)

// ComputeRISH computes the rotationally invariant spherical harmonic
// features of an SH volume: per SH order, the sum of squared coefficients
// across that order's indices. The returned grid has one channel per
// distinct order, paired with the ascending order values. Voxels outside
// the mask are zero in the output.
func ComputeRISH(coeffs *volume.Grid4[float64], mask *volume.Mask, fullBasis bool) (*volume.Grid4[float64], []int, error) {
	order, err := sh.OrderFromCoeffCount(coeffs.NC, fullBasis)
	if err != nil {
		return nil, nil, err
	}
	_, ls := sh.IndexList(order, fullBasis)

	step := 2
	if fullBasis {
		step = 1
	}
	orders := make([]int, 0, order/step+1)
	for l := 0; l <= order; l += step {
		orders = append(orders, l)
	}
	channel := make([]int, coeffs.NC)
	for i, l := range ls {
		channel[i] = l / step
	}

	rish := volume.NewGrid4[float64](coeffs.NX, coeffs.NY, coeffs.NZ, len(orders))
	for v := 0; v < coeffs.NVoxels(); v++ {
		if mask != nil && !mask.Data[v] {
			continue
		}
		in := coeffs.Data[v*coeffs.NC : (v+1)*coeffs.NC]
		out := rish.Data[v*len(orders) : (v+1)*len(orders)]
		for i, w := range in {
			out[channel[i]] += w * w
		}
	}

	// Masked-out voxels must stay zero even if the layout above changes.
	if mask != nil {
		for v := range mask.Data {
			if !mask.Data[v] {
				for c := 0; c < len(orders); c++ {
					rish.Data[v*len(orders)+c] = 0
				}
			}
		}
	}

	return rish, orders, nil
}
