package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dmrish/pkg/config"
	"dmrish/pkg/gradients"
	"dmrish/pkg/nifti"
	"dmrish/pkg/reconst"
	"dmrish/pkg/sh"
	"dmrish/pkg/sphere"
	"dmrish/pkg/volume"
)

func main() {
	mode := flag.String("mode", "fit", "Operation: fit, peaks, rish or convert")
	dwiPath := flag.String("dwi", "", "Input 4D DWI volume (.nii), used by fit")
	shPath := flag.String("sh", "", "Input SH coefficient volume (.nii), used by peaks/rish/convert")
	bvalPath := flag.String("bval", "", "b-values text file (FSL convention)")
	bvecPath := flag.String("bvec", "", "b-vectors text file (FSL convention)")
	maskPath := flag.String("mask", "", "Optional binary mask volume (.nii)")
	outDir := flag.String("out", ".", "Output directory")
	configPath := flag.String("config", "dmrish.yaml", "Configuration file")
	workers := flag.Int("workers", 0, "Chunk workers (0 = all hardware threads)")
	outBasis := flag.String("out-basis", "tournier07", "Output basis for convert mode")
	outLegacy := flag.Bool("out-legacy", false, "Output legacy convention for convert mode")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *workers != 0 {
		cfg.Processing.Workers = *workers
	}

	basis, err := sh.ParseBasis(cfg.Fit.Basis)
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	if err := os.MkdirAll(*outDir, 0755); err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}

	var mask *volume.Mask
	if *maskPath != "" {
		img, err := nifti.ReadImage(*maskPath)
		if err != nil {
			log.Fatalf("Failed to read mask: %v", err)
		}
		mask = img.Mask()
	}

	startTime := time.Now()
	switch *mode {
	case "fit":
		runFit(cfg, basis, mask, *dwiPath, *bvalPath, *bvecPath, *outDir)
	case "peaks":
		runPeaks(cfg, basis, mask, *shPath, *outDir)
	case "rish":
		runRISH(mask, *shPath, *outDir)
	case "convert":
		runConvert(cfg, basis, mask, *shPath, *outBasis, *outLegacy, *outDir)
	default:
		flag.Usage()
		os.Exit(1)
	}
	fmt.Printf("Completed in %.2f seconds\n", time.Since(startTime).Seconds())
}

func runFit(cfg *config.Config, basis sh.Basis, mask *volume.Mask, dwiPath, bvalPath, bvecPath, outDir string) {
	if dwiPath == "" || bvalPath == "" || bvecPath == "" {
		log.Fatal("fit mode requires -dwi, -bval and -bvec")
	}

	fmt.Println("Loading DWI volume and gradient table...")
	img, err := nifti.ReadImage(dwiPath)
	if err != nil {
		log.Fatalf("Failed to read DWI: %v", err)
	}
	table, err := loadTable(bvalPath, bvecPath)
	if err != nil {
		log.Fatalf("Failed to load gradient table: %v", err)
	}

	fmt.Printf("Fitting SH order %d (%s basis) on %dx%dx%d volume with %d directions...\n",
		cfg.Fit.SHOrder, cfg.Fit.Basis, img.NX, img.NY, img.NZ, img.NT)

	opts := reconst.FitOptions{
		SHOrder:        cfg.Fit.SHOrder,
		Basis:          basis,
		Legacy:         cfg.Fit.Legacy,
		Smooth:         cfg.Fit.Smooth,
		B0Threshold:    cfg.Fit.B0Threshold,
		UseAttenuation: cfg.Fit.UseAttenuation,
		Mask:           mask,
		Workers:        cfg.Processing.Workers,
	}
	coeffs, err := reconst.FitSH(img.Grid4(), table, opts)
	if err != nil {
		log.Fatalf("SH fit failed: %v", err)
	}

	outPath := filepath.Join(outDir, "sh.nii")
	if err := nifti.WriteGrid4(outPath, coeffs, img.PixDim); err != nil {
		log.Fatalf("Failed to write coefficients: %v", err)
	}
	fmt.Printf("SH coefficients saved to: %s\n", outPath)
}

func runPeaks(cfg *config.Config, basis sh.Basis, mask *volume.Mask, shPath, outDir string) {
	if shPath == "" {
		log.Fatal("peaks mode requires -sh")
	}
	img, err := nifti.ReadImage(shPath)
	if err != nil {
		log.Fatalf("Failed to read SH volume: %v", err)
	}
	coeffs := img.Grid4()
	sph := sphere.Icosphere(cfg.Processing.SphereSubdivisions)

	fmt.Printf("Extracting peaks on a %d-direction sphere...\n", sph.N())
	peakOpts := reconst.PeaksOptions{
		Mask:               mask,
		RelativeThreshold:  cfg.Peaks.RelativeThreshold,
		AbsoluteThreshold:  cfg.Peaks.AbsoluteThreshold,
		MinSeparationAngle: cfg.Peaks.MinSeparationAngle,
		NormalizePeaks:     cfg.Peaks.NormalizePeaks,
		NPeaks:             cfg.Peaks.NPeaks,
		Basis:              basis,
		Legacy:             cfg.Fit.Legacy,
		IsSymmetric:        true,
		Workers:            cfg.Processing.Workers,
	}
	peaks, err := reconst.PeaksFromSH(coeffs, sph, peakOpts)
	if err != nil {
		log.Fatalf("Peak extraction failed: %v", err)
	}

	fmt.Println("Computing derived maps...")
	maps, err := reconst.MapsFromSH(coeffs, peaks, sph, reconst.MapsOptions{
		Mask:         mask,
		GFAThreshold: cfg.Maps.GFAThreshold,
		Basis:        basis,
		Legacy:       cfg.Fit.Legacy,
		Workers:      cfg.Processing.Workers,
	})
	if err != nil {
		log.Fatalf("Map computation failed: %v", err)
	}

	indices := volume.NewGrid4[float64](peaks.Indices.NX, peaks.Indices.NY, peaks.Indices.NZ, peaks.NPeaks)
	for i, v := range peaks.Indices.Data {
		indices.Data[i] = float64(v)
	}

	outputs := []struct {
		name string
		save func(string) error
	}{
		{"peak_dirs.nii", func(p string) error { return nifti.WriteGrid4(p, peaks.Dirs, img.PixDim) }},
		{"peak_values.nii", func(p string) error { return nifti.WriteGrid4(p, peaks.Values, img.PixDim) }},
		{"peak_indices.nii", func(p string) error { return nifti.WriteGrid4(p, indices, img.PixDim) }},
		{"nufo.nii", func(p string) error { return nifti.WriteGrid3(p, maps.NUFO, img.PixDim) }},
		{"afd_max.nii", func(p string) error { return nifti.WriteGrid3(p, maps.AFDMax, img.PixDim) }},
		{"afd_sum.nii", func(p string) error { return nifti.WriteGrid3(p, maps.AFDSum, img.PixDim) }},
		{"rgb.nii", func(p string) error { return nifti.WriteGrid4(p, maps.RGB, img.PixDim) }},
		{"gfa.nii", func(p string) error { return nifti.WriteGrid3(p, maps.GFA, img.PixDim) }},
		{"qa.nii", func(p string) error { return nifti.WriteGrid4(p, maps.QA, img.PixDim) }},
	}
	for _, out := range outputs {
		p := filepath.Join(outDir, out.name)
		if err := out.save(p); err != nil {
			log.Fatalf("Failed to write %s: %v", out.name, err)
		}
		fmt.Printf("Saved %s\n", p)
	}
}

func runRISH(mask *volume.Mask, shPath, outDir string) {
	if shPath == "" {
		log.Fatal("rish mode requires -sh")
	}
	img, err := nifti.ReadImage(shPath)
	if err != nil {
		log.Fatalf("Failed to read SH volume: %v", err)
	}
	rish, orders, err := reconst.ComputeRISH(img.Grid4(), mask, false)
	if err != nil {
		log.Fatalf("RISH computation failed: %v", err)
	}

	outPath := filepath.Join(outDir, "rish.nii")
	if err := nifti.WriteGrid4(outPath, rish, img.PixDim); err != nil {
		log.Fatalf("Failed to write RISH features: %v", err)
	}
	fmt.Printf("RISH features for orders %v saved to: %s\n", orders, outPath)
}

func runConvert(cfg *config.Config, basis sh.Basis, mask *volume.Mask, shPath, outBasis string, outLegacy bool, outDir string) {
	if shPath == "" {
		log.Fatal("convert mode requires -sh")
	}
	target, err := sh.ParseBasis(outBasis)
	if err != nil {
		log.Fatalf("Invalid output basis: %v", err)
	}
	img, err := nifti.ReadImage(shPath)
	if err != nil {
		log.Fatalf("Failed to read SH volume: %v", err)
	}
	sph := sphere.Icosphere(cfg.Processing.SphereSubdivisions)

	converted, err := reconst.ConvertSHBasis(img.Grid4(), sph, reconst.ConvertOptions{
		Mask:         mask,
		InputBasis:   basis,
		OutputBasis:  target,
		InputLegacy:  cfg.Fit.Legacy,
		OutputLegacy: outLegacy,
		Workers:      cfg.Processing.Workers,
	})
	if err != nil {
		log.Fatalf("Basis conversion failed: %v", err)
	}

	outPath := filepath.Join(outDir, "sh_converted.nii")
	if err := nifti.WriteGrid4(outPath, converted, img.PixDim); err != nil {
		log.Fatalf("Failed to write converted coefficients: %v", err)
	}
	fmt.Printf("Converted coefficients saved to: %s\n", outPath)
}

// loadTable reads FSL-convention bval/bvec text files. bvec files hold
// either 3 rows of N values or N rows of 3 values.
func loadTable(bvalPath, bvecPath string) (*gradients.Table, error) {
	bvals, err := readFloats(bvalPath)
	if err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(bvecPath)
	if err != nil {
		return nil, err
	}
	lines := nonEmptyLines(string(raw))
	var rows [][]float64
	for _, line := range lines {
		vals, err := parseFloats(strings.Fields(line))
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", bvecPath, err)
		}
		rows = append(rows, vals)
	}

	var bvecs [][3]float64
	switch {
	case len(rows) == 3: // 3 x N
		n := len(rows[0])
		if len(rows[1]) != n || len(rows[2]) != n {
			return nil, fmt.Errorf("%s: ragged b-vector rows", bvecPath)
		}
		for i := 0; i < n; i++ {
			bvecs = append(bvecs, [3]float64{rows[0][i], rows[1][i], rows[2][i]})
		}
	default: // N x 3
		for i, r := range rows {
			if len(r) != 3 {
				return nil, fmt.Errorf("%s: row %d has %d values, want 3", bvecPath, i, len(r))
			}
			bvecs = append(bvecs, [3]float64{r[0], r[1], r[2]})
		}
	}

	return gradients.NewTable(bvals, bvecs)
}

func readFloats(path string) ([]float64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseFloats(strings.Fields(string(raw)))
}

func parseFloats(fields []string) ([]float64, error) {
	vals := make([]float64, 0, len(fields))
	for _, f := range fields {
		v, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
