package sh

import "math"

// assocLegendre evaluates the associated Legendre polynomial P_l^m(x) for
// m >= 0 using the standard three-term recurrence, with the Condon-Shortley
// phase included.
func assocLegendre(l, m int, x float64) float64 {
	// P_m^m = (-1)^m (2m-1)!! (1-x^2)^(m/2)
	pmm := 1.0
	if m > 0 {
		somx2 := math.Sqrt((1 - x) * (1 + x))
		fact := 1.0
		for i := 1; i <= m; i++ {
			pmm *= -fact * somx2
			fact += 2
		}
	}
	if l == m {
		return pmm
	}

	// P_{m+1}^m = x (2m+1) P_m^m
	pmmp1 := x * float64(2*m+1) * pmm
	if l == m+1 {
		return pmmp1
	}

	// (l-m) P_l^m = x (2l-1) P_{l-1}^m - (l+m-1) P_{l-2}^m
	var pll float64
	for ll := m + 2; ll <= l; ll++ {
		pll = (x*float64(2*ll-1)*pmmp1 - float64(ll+m-1)*pmm) / float64(ll-m)
		pmm = pmmp1
		pmmp1 = pll
	}
	return pll
}

// sphNorm returns the orthonormal SH normalization factor
// sqrt((2l+1)/(4 pi) * (l-m)!/(l+m)!) for m >= 0. The factorial ratio is
// accumulated multiplicatively to avoid overflow at high orders.
func sphNorm(l, m int) float64 {
	ratio := 1.0
	for i := l - m + 1; i <= l+m; i++ {
		ratio *= float64(i)
	}
	return math.Sqrt(float64(2*l+1) / (4 * math.Pi) / ratio)
}
