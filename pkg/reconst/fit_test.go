package reconst

import (
	"errors"
	"math"
	"testing"

	"dmrish/pkg/gradients"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// TestFitRecoversCoefficients verifies that an unregularized fit of a signal
// synthesized from known SH coefficients recovers those coefficients.
func TestFitRecoversCoefficients(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	coeffs := testCoeffVector(15, 1)
	dwi := testSignal(sph, table, coeffs, 1.0)

	opts := DefaultFitOptions()
	opts.Smooth = 0
	opts.Workers = 1
	out, err := FitSH(dwi, table, opts)
	if err != nil {
		t.Fatalf("FitSH failed: %v", err)
	}

	if out.NC != 15 {
		t.Fatalf("Expected 15 coefficients per voxel, got %d", out.NC)
	}
	for v := 0; v < out.NVoxels(); v++ {
		row := out.Data[v*15 : (v+1)*15]
		for c := range row {
			if math.Abs(row[c]-coeffs[c]) > 1e-8 {
				t.Fatalf("Voxel %d coefficient %d: expected %f, got %f",
					v, c, coeffs[c], row[c])
			}
		}
	}
}

// TestFitAttenuation verifies that dividing by the mean b0 makes the fit
// invariant to a global signal scale.
func TestFitAttenuation(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	coeffs := testCoeffVector(15, 1)

	// Same attenuation profile at twice the raw intensity.
	dwi := testSignal(sph, table, coeffs, 2.0)

	opts := DefaultFitOptions()
	opts.Smooth = 0
	opts.UseAttenuation = true
	opts.Workers = 1
	out, err := FitSH(dwi, table, opts)
	if err != nil {
		t.Fatalf("FitSH failed: %v", err)
	}

	row := out.Data[:15]
	for c := range row {
		if math.Abs(row[c]-coeffs[c]) > 1e-8 {
			t.Errorf("Coefficient %d: expected %f, got %f", c, coeffs[c], row[c])
		}
	}
}

// TestFitNormalizesBvecs verifies that scaled b-vectors are normalized
// before fitting instead of corrupting the directions.
func TestFitNormalizesBvecs(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	coeffs := testCoeffVector(15, 1)
	dwi := testSignal(sph, table, coeffs, 1.0)

	scaled := &gradients.Table{
		Bvals: table.Bvals,
		Bvecs: make([][3]float64, len(table.Bvecs)),
	}
	for i, v := range table.Bvecs {
		scaled.Bvecs[i] = [3]float64{v[0] * 3, v[1] * 3, v[2] * 3}
	}

	opts := DefaultFitOptions()
	opts.Smooth = 0
	opts.Workers = 1
	out, err := FitSH(dwi, scaled, opts)
	if err != nil {
		t.Fatalf("FitSH failed: %v", err)
	}
	row := out.Data[:15]
	for c := range row {
		if math.Abs(row[c]-coeffs[c]) > 1e-8 {
			t.Errorf("Coefficient %d: expected %f, got %f", c, coeffs[c], row[c])
		}
	}
}

// TestFitRejectsMultiShell verifies that a multi-shell table fails before
// any fitting work.
func TestFitRejectsMultiShell(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	// Push half the DWI volumes to a second shell.
	for i := 3 + sph.N()/2; i < len(table.Bvals); i++ {
		table.Bvals[i] = 2000
	}
	dwi := volume.NewGrid4[float64](2, 2, 1, table.N())
	for i := range dwi.Data {
		dwi.Data[i] = 1
	}

	_, err := FitSH(dwi, table, DefaultFitOptions())
	if !errors.Is(err, gradients.ErrMultiShell) {
		t.Errorf("Expected ErrMultiShell, got %v", err)
	}
}

// TestFitRejectsMismatchedTable verifies the volume-count check.
func TestFitRejectsMismatchedTable(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	dwi := volume.NewGrid4[float64](2, 2, 1, table.N()+1)

	if _, err := FitSH(dwi, table, DefaultFitOptions()); err == nil {
		t.Error("Expected an error for a mismatched gradient table")
	}
}

// TestFitMaskedVoxelsStayZero verifies that voxels outside the mask produce
// all-zero coefficients.
func TestFitMaskedVoxelsStayZero(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	coeffs := testCoeffVector(15, 1)
	dwi := testSignal(sph, table, coeffs, 1.0)

	mask := volume.NewMask(dwi.NX, dwi.NY, dwi.NZ)
	mask.Set(0, 0, 0, true)

	opts := DefaultFitOptions()
	opts.Smooth = 0
	opts.Mask = mask
	opts.Workers = 1
	out, err := FitSH(dwi, table, opts)
	if err != nil {
		t.Fatalf("FitSH failed: %v", err)
	}

	for v := 1; v < out.NVoxels(); v++ {
		for c := 0; c < 15; c++ {
			if out.Data[v*15+c] != 0 {
				t.Fatalf("Voxel %d outside the mask has non-zero coefficient %d", v, c)
			}
		}
	}
	if out.Data[0] == 0 {
		t.Error("Expected the masked voxel to be fitted")
	}
}

// TestFitWorkerDeterminism verifies bit-identical output across worker
// counts.
func TestFitWorkerDeterminism(t *testing.T) {
	sph := sphere.Icosphere(1)
	table := testTable(sph, 3, 1000)
	dwi := testVaryingSignal(sph, table, 3, 3, 2)

	var reference []float64
	for _, workers := range []int{1, 2, 5} {
		opts := DefaultFitOptions()
		opts.Workers = workers
		out, err := FitSH(dwi, table, opts)
		if err != nil {
			t.Fatalf("FitSH with %d workers failed: %v", workers, err)
		}
		if reference == nil {
			reference = out.Data
			continue
		}
		for i := range reference {
			if out.Data[i] != reference[i] {
				t.Fatalf("Workers=%d: output differs at index %d: %v vs %v",
					workers, i, out.Data[i], reference[i])
			}
		}
	}
}

// Helper functions for tests

// testTable builds a single-shell gradient table: nb0 zero entries followed
// by one entry per sphere direction at the given b-value.
func testTable(sph *sphere.Sphere, nb0 int, bval float64) *gradients.Table {
	n := nb0 + sph.N()
	bvals := make([]float64, n)
	bvecs := make([][3]float64, n)
	for i := 0; i < sph.N(); i++ {
		bvals[nb0+i] = bval
		bvecs[nb0+i] = sph.Vertex(i)
	}
	table, err := gradients.NewTable(bvals, bvecs)
	if err != nil {
		panic(err)
	}
	return table
}

// testCoeffVector generates a deterministic order-4 coefficient vector.
func testCoeffVector(n int, seed int) []float64 {
	coeffs := make([]float64, n)
	for i := range coeffs {
		coeffs[i] = math.Sin(float64(i*seed)*1.7 + 0.3)
	}
	return coeffs
}

// testSignal synthesizes a 2x2x1 DWI volume whose attenuation profile on
// every voxel is the spherical function of the given SH coefficients, with
// b0 volumes at the given intensity and DWI volumes scaled accordingly.
func testSignal(sph *sphere.Sphere, table *gradients.Table, coeffs []float64, b0 float64) *volume.Grid4[float64] {
	sf := sampleSF(sph, coeffs)
	nb0 := table.N() - sph.N()

	dwi := volume.NewGrid4[float64](2, 2, 1, table.N())
	for v := 0; v < dwi.NVoxels(); v++ {
		row := dwi.Data[v*table.N() : (v+1)*table.N()]
		for i := 0; i < nb0; i++ {
			row[i] = b0
		}
		for d, s := range sf {
			row[nb0+d] = s * b0
		}
	}
	return dwi
}

// testVaryingSignal synthesizes a volume with a different coefficient vector
// per voxel.
func testVaryingSignal(sph *sphere.Sphere, table *gradients.Table, nx, ny, nz int) *volume.Grid4[float64] {
	nb0 := table.N() - sph.N()
	dwi := volume.NewGrid4[float64](nx, ny, nz, table.N())
	for v := 0; v < dwi.NVoxels(); v++ {
		sf := sampleSF(sph, testCoeffVector(15, v+1))
		row := dwi.Data[v*table.N() : (v+1)*table.N()]
		for i := 0; i < nb0; i++ {
			row[i] = 1
		}
		copy(row[nb0:], sf)
	}
	return dwi
}

// sampleSF evaluates the spherical function of order-4 symmetric SH
// coefficients at every sphere direction.
func sampleSF(sph *sphere.Sphere, coeffs []float64) []float64 {
	B := sh.EvalBasis(sph, 4, sh.Descoteaux07, false, true)
	sf := make([]float64, sph.N())
	for d := range sf {
		for c := range coeffs {
			sf[d] += coeffs[c] * B.At(c, d)
		}
	}
	return sf
}
