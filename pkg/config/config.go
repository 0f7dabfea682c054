// Package config provides configuration loading and management for mrisegment.
// It handles loading configuration from YAML files and provides default values.
package config

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"mrisegment/internal/models"
	"mrisegment/pkg/regiongrow"
	"mrisegment/pkg/visualization"
	"mrisegment/pkg/volumeio"
)

// Config represents the application configuration loaded from YAML
type Config struct {
	// Processing parameters for loading the input volume
	Processing struct {
		// NumCores specifies how many CPU cores to use for parallel decoding
		NumCores int `yaml:"numCores"`

		// SliceGap represents the physical distance between consecutive MRI slices in mm
		SliceGap float64 `yaml:"sliceGap"`

		// PixelSpacing is the in-plane pixel size in mm
		PixelSpacing float64 `yaml:"pixelSpacing"`

		// SmoothingRadius is the Gaussian pre-smoothing radius, 0 disables it
		SmoothingRadius float64 `yaml:"smoothingRadius"`

		// Format selects the loader: auto, slices or dicom
		Format string `yaml:"format"`
	} `yaml:"processing"`

	// Region growing parameters
	RegionGrow struct {
		// Iterations is the number of statistics refinement passes
		Iterations int `yaml:"iterations"`

		// Multiplier scales the acceptance interval (standard deviations)
		Multiplier float64 `yaml:"multiplier"`

		// InitialRadius is the half-width of the box around each seed used
		// for the first statistics estimate
		InitialRadius int `yaml:"initialRadius"`

		// ReplaceValue is the label written for segmented voxels
		ReplaceValue uint8 `yaml:"replaceValue"`

		// Policy is reflood or expand
		Policy string `yaml:"policy"`

		// StopOnConvergence ends iteration once the region stops changing
		StopOnConvergence bool `yaml:"stopOnConvergence"`

		// Workers is the flood fill parallelism, 1 runs serially
		Workers int `yaml:"workers"`

		// Seeds are "x,y,z" voxel coordinates
		Seeds []string `yaml:"seeds"`
	} `yaml:"regionGrow"`

	// Output parameters
	Output struct {
		// Dir is where mask slices and overlays are written
		Dir string `yaml:"dir"`

		// SaveOverlays writes colour overlays next to the mask
		SaveOverlays bool `yaml:"saveOverlays"`

		// OverlayAlpha is the mask opacity in overlays
		OverlayAlpha float64 `yaml:"overlayAlpha"`

		// OverlayColor is a hex colour such as #ff3030
		OverlayColor string `yaml:"overlayColor"`

		// Axis is the slicing axis for overlays
		Axis string `yaml:"axis"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	cfg := &Config{}

	// Set default processing parameters
	cfg.Processing.NumCores = runtime.NumCPU()
	cfg.Processing.SliceGap = 1.0
	cfg.Processing.PixelSpacing = 1.0
	cfg.Processing.SmoothingRadius = 0
	cfg.Processing.Format = string(volumeio.FormatAuto)

	// Set default region growing parameters
	params := regiongrow.DefaultParams()
	cfg.RegionGrow.Iterations = params.NumberOfIterations
	cfg.RegionGrow.Multiplier = params.Multiplier
	cfg.RegionGrow.InitialRadius = params.InitialNeighborhoodRadius
	cfg.RegionGrow.ReplaceValue = params.ReplaceValue
	cfg.RegionGrow.Policy = string(params.Policy)
	cfg.RegionGrow.StopOnConvergence = params.StopOnConvergence
	cfg.RegionGrow.Workers = 1

	// Set default output parameters
	cfg.Output.Dir = "segmentation"
	cfg.Output.SaveOverlays = false
	cfg.Output.OverlayAlpha = 0.5
	cfg.Output.OverlayColor = visualization.DefaultOverlayColor
	cfg.Output.Axis = "z"
	cfg.Output.Verbose = false

	return cfg
}

// LoadConfig loads configuration from a YAML file. ${VAR} references are
// expanded from the environment before parsing. The result is not validated;
// callers check the sections they use with Validate or ValidateProcessing.
// If the file doesn't exist, it returns the default configuration
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	// Check if config file exists
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, errors.Wrap(err, "error reading config file")
	}

	data, err = envsubst.Bytes(data)
	if err != nil {
		return nil, errors.Wrap(err, "error expanding environment variables")
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrap(err, "error parsing config file")
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "error creating config directory")
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "error marshaling config")
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return errors.Wrap(err, "error writing config file")
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the specified path
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks every section of the configuration
func (c *Config) Validate() error {
	if err := c.ValidateProcessing(); err != nil {
		return err
	}

	if _, err := c.RegionGrowParams(); err != nil {
		return err
	}
	if c.RegionGrow.Workers < 0 {
		return errors.Errorf("workers must be non-negative, got %d", c.RegionGrow.Workers)
	}
	if _, err := c.SeedIndices(); err != nil {
		return err
	}

	if c.Output.OverlayAlpha < 0 || c.Output.OverlayAlpha > 1 {
		return errors.Errorf("overlayAlpha must be in [0,1], got %g", c.Output.OverlayAlpha)
	}
	switch c.Output.Axis {
	case "x", "y", "z":
	default:
		return errors.Errorf("axis must be x, y or z, got %q", c.Output.Axis)
	}
	return nil
}

// ValidateProcessing checks only the processing section, which is all that
// loading a volume needs
func (c *Config) ValidateProcessing() error {
	if c.Processing.NumCores < 0 {
		return errors.Errorf("numCores must be non-negative, got %d", c.Processing.NumCores)
	}
	if c.Processing.SliceGap <= 0 || c.Processing.PixelSpacing <= 0 {
		return errors.New("sliceGap and pixelSpacing must be positive")
	}
	if c.Processing.SmoothingRadius < 0 {
		return errors.Errorf("smoothingRadius must be non-negative, got %g", c.Processing.SmoothingRadius)
	}
	switch volumeio.Format(c.Processing.Format) {
	case "", volumeio.FormatAuto, volumeio.FormatSlices, volumeio.FormatDICOM:
	default:
		return errors.Errorf("unknown format %q", c.Processing.Format)
	}
	return nil
}

// RegionGrowParams converts the regionGrow section into engine parameters
func (c *Config) RegionGrowParams() (regiongrow.Params, error) {
	policy, err := regiongrow.ParsePolicy(c.RegionGrow.Policy)
	if err != nil {
		return regiongrow.Params{}, err
	}
	params := regiongrow.Params{
		NumberOfIterations:        c.RegionGrow.Iterations,
		Multiplier:                c.RegionGrow.Multiplier,
		InitialNeighborhoodRadius: c.RegionGrow.InitialRadius,
		ReplaceValue:              c.RegionGrow.ReplaceValue,
		Policy:                    policy,
		StopOnConvergence:         c.RegionGrow.StopOnConvergence,
	}
	if err := params.Validate(); err != nil {
		return regiongrow.Params{}, err
	}
	return params, nil
}

// SeedIndices parses the configured seeds
func (c *Config) SeedIndices() ([]models.Index, error) {
	seeds := make([]models.Index, 0, len(c.RegionGrow.Seeds))
	for _, s := range c.RegionGrow.Seeds {
		idx, err := models.ParseIndex(s)
		if err != nil {
			return nil, err
		}
		seeds = append(seeds, idx)
	}
	return seeds, nil
}

// VolumeOptions converts the processing section into loader options
func (c *Config) VolumeOptions() volumeio.Options {
	return volumeio.Options{
		Format:          volumeio.Format(c.Processing.Format),
		NumCores:        c.Processing.NumCores,
		SliceGap:        c.Processing.SliceGap,
		PixelSpacing:    c.Processing.PixelSpacing,
		SmoothingRadius: c.Processing.SmoothingRadius,
	}
}
