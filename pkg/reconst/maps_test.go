package reconst

import (
	"math"
	"testing"

	"gonum.org/v1/gonum/floats"

	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

// TestMapsSingleFiber verifies the derived maps on a volume holding one
// fiber voxel, one isotropic voxel and empty voxels.
func TestMapsSingleFiber(t *testing.T) {
	sph := sphere.Icosphere(2)
	grid := volume.NewGrid4[float64](2, 2, 1, 15)
	fiber := fiberCoeffs(sph, [3]float64{0, 0, 1})
	copy(grid.Voxel(0, 0, 0), fiber)
	// Isotropic voxel: only the order-0 coefficient.
	grid.Set(1, 0, 0, 0, 1)

	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}

	mopts := DefaultMapsOptions()
	mopts.Workers = 1
	maps, err := MapsFromSH(grid, peaks, sph, mopts)
	if err != nil {
		t.Fatalf("MapsFromSH failed: %v", err)
	}

	// Empty voxels stay zero everywhere.
	for _, v := range [][2]int{{0, 1}, {1, 1}} {
		x, y := v[0], v[1]
		if maps.NUFO.At(x, y, 0) != 0 || maps.GFA.At(x, y, 0) != 0 ||
			maps.AFDSum.At(x, y, 0) != 0 {
			t.Errorf("Empty voxel (%d,%d) has non-zero map values", x, y)
		}
	}

	// The fiber voxel has at least one peak and higher anisotropy than the
	// isotropic voxel.
	if maps.NUFO.At(0, 0, 0) < 1 {
		t.Error("Expected at least one peak at the fiber voxel")
	}
	if maps.GFA.At(0, 0, 0) <= maps.GFA.At(1, 0, 0) {
		t.Errorf("Expected fiber GFA (%f) above isotropic GFA (%f)",
			maps.GFA.At(0, 0, 0), maps.GFA.At(1, 0, 0))
	}
	if g := maps.GFA.At(0, 0, 0); g < 0 || g > 1 {
		t.Errorf("GFA out of range: %f", g)
	}
	if maps.GFA.At(1, 0, 0) > 1e-9 {
		t.Errorf("Expected near-zero GFA at the isotropic voxel, got %f", maps.GFA.At(1, 0, 0))
	}

	// AFD_sum is the L2 norm of the coefficient vector.
	if got, want := maps.AFDSum.At(0, 0, 0), floats.Norm(fiber, 2); math.Abs(got-want) > 1e-12 {
		t.Errorf("Expected AFD_sum %f, got %f", want, got)
	}

	// AFD_max equals the largest peak value.
	if got, want := maps.AFDMax.At(0, 0, 0), peaks.Values.At(0, 0, 0, 0); got != want {
		t.Errorf("Expected AFD_max %f, got %f", want, got)
	}
}

// TestMapsZeroVoxelInMask verifies that an all-zero coefficient voxel
// inside the mask contributes nothing to the NUFO and AFD maps.
func TestMapsZeroVoxelInMask(t *testing.T) {
	sph := sphere.Icosphere(1)
	grid := volume.NewGrid4[float64](2, 1, 1, 15)
	copy(grid.Voxel(1, 0, 0), fiberCoeffs(sph, [3]float64{0, 0, 1}))

	mask := volume.FullMask(2, 1, 1)
	popts := DefaultPeaksOptions()
	popts.Mask = mask
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}

	mopts := DefaultMapsOptions()
	mopts.Mask = mask
	mopts.Workers = 1
	maps, err := MapsFromSH(grid, peaks, sph, mopts)
	if err != nil {
		t.Fatalf("MapsFromSH failed: %v", err)
	}

	if maps.NUFO.At(0, 0, 0) != 0 || maps.AFDMax.At(0, 0, 0) != 0 ||
		maps.AFDSum.At(0, 0, 0) != 0 || maps.GFA.At(0, 0, 0) != 0 {
		t.Error("Expected the zero voxel to contribute nothing to the maps")
	}
	if maps.NUFO.At(1, 0, 0) < 1 {
		t.Error("Expected the fiber voxel to produce peaks")
	}
}

// TestMapsRGBScaling verifies the RGB map: dominated by the fiber axis and
// globally rescaled into the 0-255 range.
func TestMapsRGBScaling(t *testing.T) {
	sph := sphere.Icosphere(2)
	grid := volume.NewGrid4[float64](1, 1, 1, 15)
	copy(grid.Data, fiberCoeffs(sph, [3]float64{0, 0, 1}))

	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}
	maps, err := MapsFromSH(grid, peaks, sph, DefaultMapsOptions())
	if err != nil {
		t.Fatalf("MapsFromSH failed: %v", err)
	}

	r := maps.RGB.At(0, 0, 0, 0)
	g := maps.RGB.At(0, 0, 0, 1)
	b := maps.RGB.At(0, 0, 0, 2)
	if b <= r || b <= g {
		t.Errorf("Expected the z channel to dominate for a z-axis fiber, got (%f, %f, %f)", r, g, b)
	}
	for c, v := range []float64{r, g, b} {
		if v < 0 || v > 255+1e-9 {
			t.Errorf("RGB channel %d out of range: %f", c, v)
		}
	}
	// The single voxel holds the global maximum, so its channel norm is
	// rescaled to exactly 255.
	norm := math.Sqrt(r*r + g*g + b*b)
	if math.Abs(norm-255) > 1e-9 {
		t.Errorf("Expected the brightest voxel at norm 255, got %f", norm)
	}
}

// TestMapsQARange verifies that QA values are globally rescaled into [0, 1].
func TestMapsQARange(t *testing.T) {
	sph := sphere.Icosphere(2)
	grid := volume.NewGrid4[float64](2, 1, 1, 15)
	copy(grid.Voxel(0, 0, 0), fiberCoeffs(sph, [3]float64{0, 0, 1}))
	copy(grid.Voxel(1, 0, 0), fiberCoeffs(sph, [3]float64{1, 0, 0}))

	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}
	maps, err := MapsFromSH(grid, peaks, sph, DefaultMapsOptions())
	if err != nil {
		t.Fatalf("MapsFromSH failed: %v", err)
	}

	sawPositive := false
	for _, v := range maps.QA.Data {
		if v < 0 || v > 1+1e-12 {
			t.Errorf("QA value out of range: %f", v)
		}
		if v > 0 {
			sawPositive = true
		}
	}
	if !sawPositive {
		t.Error("Expected at least one positive QA value")
	}
}

// TestMapsGFAThreshold verifies that voxels below the GFA threshold are
// treated as isotropic: no peak-derived values.
func TestMapsGFAThreshold(t *testing.T) {
	sph := sphere.Icosphere(2)
	grid := volume.NewGrid4[float64](2, 1, 1, 15)
	copy(grid.Voxel(0, 0, 0), fiberCoeffs(sph, [3]float64{0, 0, 1}))
	grid.Set(1, 0, 0, 0, 1) // isotropic

	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}

	mopts := DefaultMapsOptions()
	mopts.GFAThreshold = 0.05
	mopts.Workers = 1
	maps, err := MapsFromSH(grid, peaks, sph, mopts)
	if err != nil {
		t.Fatalf("MapsFromSH failed: %v", err)
	}

	if maps.NUFO.At(1, 0, 0) != 0 || maps.AFDMax.At(1, 0, 0) != 0 ||
		maps.AFDSum.At(1, 0, 0) != 0 {
		t.Error("Expected no peak-derived values below the GFA threshold")
	}
	if maps.NUFO.At(0, 0, 0) < 1 {
		t.Error("Expected the fiber voxel to stay above the GFA threshold")
	}
}

// TestMapsWorkerDeterminism verifies bit-identical maps across worker
// counts, including the globally rescaled RGB and QA maps.
func TestMapsWorkerDeterminism(t *testing.T) {
	sph := sphere.Icosphere(1)
	grid := volume.NewGrid4[float64](3, 2, 2, 15)
	for v := 0; v < grid.NVoxels(); v++ {
		copy(grid.Data[v*15:(v+1)*15], testCoeffVector(15, v+1))
	}

	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(grid, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}

	var ref *Maps
	for _, workers := range []int{1, 2, 7} {
		mopts := DefaultMapsOptions()
		mopts.Workers = workers
		maps, err := MapsFromSH(grid, peaks, sph, mopts)
		if err != nil {
			t.Fatalf("MapsFromSH with %d workers failed: %v", workers, err)
		}
		if ref == nil {
			ref = maps
			continue
		}
		checks := []struct {
			name     string
			got, exp []float64
		}{
			{"nufo", maps.NUFO.Data, ref.NUFO.Data},
			{"afd_max", maps.AFDMax.Data, ref.AFDMax.Data},
			{"afd_sum", maps.AFDSum.Data, ref.AFDSum.Data},
			{"gfa", maps.GFA.Data, ref.GFA.Data},
			{"rgb", maps.RGB.Data, ref.RGB.Data},
			{"qa", maps.QA.Data, ref.QA.Data},
		}
		for _, ch := range checks {
			for i := range ch.exp {
				if ch.got[i] != ch.exp[i] {
					t.Fatalf("Workers=%d: %s differs at index %d: %v vs %v",
						workers, ch.name, i, ch.got[i], ch.exp[i])
				}
			}
		}
	}
}

// TestMapsShapeMismatch verifies the peak/coefficient shape check.
func TestMapsShapeMismatch(t *testing.T) {
	sph := sphere.Icosphere(1)
	grid := volume.NewGrid4[float64](2, 1, 1, 15)
	grid.Set(0, 0, 0, 0, 1)

	other := volume.NewGrid4[float64](3, 1, 1, 15)
	other.Set(0, 0, 0, 0, 1)
	popts := DefaultPeaksOptions()
	popts.Workers = 1
	peaks, err := PeaksFromSH(other, sph, popts)
	if err != nil {
		t.Fatalf("PeaksFromSH failed: %v", err)
	}

	if _, err := MapsFromSH(grid, peaks, sph, DefaultMapsOptions()); err == nil {
		t.Error("Expected a shape mismatch error")
	}
}

// TestGFA verifies the generalized fractional anisotropy formula on known
// inputs.
func TestGFA(t *testing.T) {
	// A constant ODF has zero anisotropy.
	if got := gfa([]float64{2, 2, 2, 2}); got != 0 {
		t.Errorf("Expected GFA 0 for a constant ODF, got %f", got)
	}
	// A single impulse has maximal anisotropy: sqrt(n*Var/sum(v^2)) = 1.
	if got := gfa([]float64{1, 0, 0, 0}); math.Abs(got-1) > 1e-12 {
		t.Errorf("Expected GFA 1 for an impulse ODF, got %f", got)
	}
	// Degenerate inputs.
	if got := gfa([]float64{5}); got != 0 {
		t.Errorf("Expected GFA 0 for a single sample, got %f", got)
	}
	if got := gfa([]float64{0, 0, 0}); got != 0 {
		t.Errorf("Expected GFA 0 for an all-zero ODF, got %f", got)
	}
}
