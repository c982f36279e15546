// Package sh builds the spherical-harmonic basis matrices that project
// between SH coefficient space and discrete spherical-function space. The
// forward matrix B has one row per coefficient and one column per sphere
// direction; the inverse is a Laplace-Beltrami regularized pseudo-inverse
// of the paired configuration. Matrices are deterministic, derived per
// call, and safe to share read-only across workers.
package sh

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"dmrish/pkg/sphere"
)

// Basis identifies the real SH basis family.
type Basis string

const (
	// Descoteaux07 is the descoteaux07 basis family.
	Descoteaux07 Basis = "descoteaux07"
	// Tournier07 is the tournier07 basis family.
	Tournier07 Basis = "tournier07"
)

// ParseBasis validates a basis family name.
func ParseBasis(s string) (Basis, error) {
	switch Basis(s) {
	case Descoteaux07, Tournier07:
		return Basis(s), nil
	}
	return "", fmt.Errorf("unknown SH basis %q (want descoteaux07 or tournier07)", s)
}

// realSH evaluates the real SH basis function of degree m and order l at
// polar angle theta (from +z) and azimuth phi, under the requested family
// and legacy convention.
//
// The underlying complex harmonic is
// Y_l^|m| = N P_l^|m|(cos theta) e^{i|m|phi}; the families differ in which
// sign of m takes the cosine vs sine component and in the sqrt(2) factor:
// legacy tournier07 omits it, all other configurations scale m != 0 terms
// by sqrt(2). Legacy descoteaux07 assigns the sine component to m > 0, the
// modern form to m < 0; tournier07 assigns the sine component to m < 0 in
// both forms.
func realSH(basis Basis, legacy bool, m, l int, theta, phi float64) float64 {
	am := m
	if am < 0 {
		am = -am
	}
	base := sphNorm(l, am) * assocLegendre(l, am, math.Cos(theta))

	var v float64
	switch {
	case m == 0:
		v = base
	case basis == Descoteaux07 && legacy:
		if m > 0 {
			v = base * math.Sin(float64(am)*phi)
		} else {
			v = base * math.Cos(float64(am)*phi)
		}
	case basis == Descoteaux07:
		if m < 0 {
			v = base * math.Sin(float64(am)*phi)
		} else {
			v = base * math.Cos(float64(am)*phi)
		}
	default: // Tournier07, both forms
		if m < 0 {
			v = base * math.Sin(float64(am)*phi)
		} else {
			v = base * math.Cos(float64(am)*phi)
		}
	}

	if m != 0 && !(basis == Tournier07 && legacy) {
		v *= math.Sqrt2
	}
	return v
}

// EvalBasis evaluates the basis matrix B of shape (C, D): row i holds basis
// function i sampled at every sphere direction, with rows ordered per
// IndexList.
func EvalBasis(s *sphere.Sphere, order int, basis Basis, fullBasis, legacy bool) *mat.Dense {
	ms, ls := IndexList(order, fullBasis)
	nc := len(ms)
	nd := s.N()

	b := mat.NewDense(nc, nd, nil)
	for d := 0; d < nd; d++ {
		v := s.Vertex(d)
		theta := math.Acos(math.Max(-1, math.Min(1, v[2])))
		phi := math.Atan2(v[1], v[0])
		for i := 0; i < nc; i++ {
			b.Set(i, d, realSH(basis, legacy, ms[i], ls[i], theta, phi))
		}
	}
	return b
}

// Matrices returns the forward SH-to-SF matrix B (C, D) and its plain
// pseudo-inverse invB (D, C) for the given configuration.
func Matrices(s *sphere.Sphere, order int, basis Basis, fullBasis, legacy bool) (B, invB *mat.Dense, err error) {
	return MatricesRegularized(s, order, basis, fullBasis, legacy, 0)
}

// MatricesRegularized returns B and the Laplace-Beltrami regularized
// pseudo-inverse used for smoothed least-squares fitting:
//
//	invB = [ (B Bᵀ + smooth * diag((l(l+1))²))⁻¹ B ]ᵀ
//
// smooth = 0 degenerates to the plain pseudo-inverse.
func MatricesRegularized(s *sphere.Sphere, order int, basis Basis, fullBasis, legacy bool, smooth float64) (B, invB *mat.Dense, err error) {
	B = EvalBasis(s, order, basis, fullBasis, legacy)
	nc, nd := B.Dims()
	_, ls := IndexList(order, fullBasis)

	// Normal matrix with Laplace-Beltrami penalty on the diagonal.
	var m mat.Dense
	m.Mul(B, B.T())
	for i := 0; i < nc; i++ {
		lb := float64(ls[i] * (ls[i] + 1))
		m.Set(i, i, m.At(i, i)+smooth*lb*lb)
	}

	var qr mat.QR
	qr.Factorize(&m)
	x := mat.NewDense(nc, nd, nil)
	if err := qr.SolveTo(x, false, B); err != nil {
		return nil, nil, fmt.Errorf("basis pseudo-inverse is singular: %w", err)
	}

	invB = mat.NewDense(nd, nc, nil)
	invB.Copy(x.T())
	return B, invB, nil
}
