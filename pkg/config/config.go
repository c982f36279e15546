// Package config provides configuration loading and management for dmrish.
// It handles loading configuration from YAML files and provides default
// values matching the conventional diffusion-MRI processing parameters.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"dmrish/pkg/gradients"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters
	Processing struct {
		// Workers specifies how many chunk workers to use for the
		// per-voxel operations. 0 means all available hardware threads.
		Workers int `yaml:"workers"`

		// SphereSubdivisions controls the icosphere used to sample ODFs
		// for peak extraction and map computation (vertex count is
		// 10*4^n + 2).
		SphereSubdivisions int `yaml:"sphereSubdivisions"`
	} `yaml:"processing"`

	// Fit parameters
	Fit struct {
		// SHOrder is the maximum spherical-harmonic order of the fit.
		SHOrder int `yaml:"shOrder"`

		// Basis is the SH basis family, descoteaux07 or tournier07.
		Basis string `yaml:"basis"`

		// Legacy selects the historical basis normalization.
		Legacy bool `yaml:"legacy"`

		// Smooth is the Laplace-Beltrami regularization weight.
		Smooth float64 `yaml:"smooth"`

		// B0Threshold is the b-value below which a volume counts as b0.
		B0Threshold float64 `yaml:"b0Threshold"`

		// UseAttenuation divides the signal by the mean b0 before fitting.
		UseAttenuation bool `yaml:"useAttenuation"`
	} `yaml:"fit"`

	// Peaks parameters
	Peaks struct {
		// RelativeThreshold drops peaks below this fraction of the
		// voxel's largest peak.
		RelativeThreshold float64 `yaml:"relativeThreshold"`

		// AbsoluteThreshold clips ODF amplitudes below this value.
		AbsoluteThreshold float64 `yaml:"absoluteThreshold"`

		// MinSeparationAngle is the minimum angle in degrees between peaks.
		MinSeparationAngle float64 `yaml:"minSeparationAngle"`

		// NPeaks is the maximum number of peaks per voxel.
		NPeaks int `yaml:"nPeaks"`

		// NormalizePeaks rescales peak values by the largest peak.
		NormalizePeaks bool `yaml:"normalizePeaks"`
	} `yaml:"peaks"`

	// Maps parameters
	Maps struct {
		// GFAThreshold gates the peak-derived maps; voxels below it are
		// treated as isotropic.
		GFAThreshold float64 `yaml:"gfaThreshold"`
	} `yaml:"maps"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Workers = 0 // autodetect
	cfg.Processing.SphereSubdivisions = 3

	cfg.Fit.SHOrder = 4
	cfg.Fit.Basis = "descoteaux07"
	cfg.Fit.Legacy = true
	cfg.Fit.Smooth = 0.006
	cfg.Fit.B0Threshold = gradients.DefaultB0Threshold
	cfg.Fit.UseAttenuation = false

	cfg.Peaks.RelativeThreshold = 0.5
	cfg.Peaks.AbsoluteThreshold = 0
	cfg.Peaks.MinSeparationAngle = 25
	cfg.Peaks.NPeaks = 5
	cfg.Peaks.NormalizePeaks = false

	cfg.Maps.GFAThreshold = 0

	return cfg
}

// LoadConfig loads configuration from a YAML file.
// If the file doesn't exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	return SaveConfig(DefaultConfig(), configPath)
}
