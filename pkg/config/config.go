// Package config provides configuration loading and management for the
// post-processing pipeline. It handles loading configuration from YAML
// files and provides default values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the pipeline configuration loaded from YAML.
// String-valued fields keep the file format decoupled from the engine
// packages; pkg/pipeline translates them into typed engine options.
type Config struct {
	// Processing parameters
	Processing struct {
		// Algorithm selects the subtraction stage: "lowrank" or "llsg".
		Algorithm string `yaml:"algorithm"`

		// Workers specifies how many goroutines parallel stages may use
		Workers int `yaml:"workers"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"processing"`

	// Low-rank subtraction parameters
	Subtraction struct {
		// Mode is the basis-construction policy: "fullframe",
		// "annular", "incremental", "library", or "spectral".
		Mode string `yaml:"mode"`

		// Rank is the number of basis components projected out
		Rank int `yaml:"rank"`

		// InnerRadius is where the first annulus starts in pixels
		// (annular mode); 0 starts at the image center
		InnerRadius float64 `yaml:"innerRadius"`

		// AnnulusWidth is the radial width of annular tiles in pixels
		AnnulusWidth float64 `yaml:"annulusWidth"`

		// Sectors divides each annulus azimuthally
		Sectors int `yaml:"sectors"`

		// ProtectionAngle excludes reference frames rotated less than
		// this many degrees from the target frame (annular mode)
		ProtectionAngle float64 `yaml:"protectionAngle"`

		// MinFrames is the smallest acceptable reference count per
		// basis (annular mode); the protection angle is relaxed when
		// fewer remain
		MinFrames int `yaml:"minFrames"`

		// BatchSize is the incremental-mode batch length; 0 picks a
		// size from the rank
		BatchSize int `yaml:"batchSize"`

		// RescaleChannels aligns speckles by wavelength ratio before
		// spectral projection
		RescaleChannels bool `yaml:"rescaleChannels"`

		// CrossChannel lets spectral mode draw basis frames from every
		// channel
		CrossChannel bool `yaml:"crossChannel"`
	} `yaml:"subtraction"`

	// LLSG decomposition parameters
	LLSG struct {
		// Rank bounds the low-rank component per patch
		Rank int `yaml:"rank"`

		// Lambda is the sparse soft-threshold level in flux units
		Lambda float64 `yaml:"lambda"`

		// PatchSize is the spatial tile side in pixels; 0 decomposes
		// whole frames
		PatchSize int `yaml:"patchSize"`

		// MaxIterations caps the alternating updates per patch
		MaxIterations int `yaml:"maxIterations"`

		// Tolerance is the relative-change stopping criterion
		Tolerance float64 `yaml:"tolerance"`
	} `yaml:"llsg"`

	// Detection parameters
	Detection struct {
		// FWHM is the instrument resolution element in pixels
		FWHM float64 `yaml:"fwhm"`

		// ExclusionRadius marks the unusable inner region in pixels
		ExclusionRadius float64 `yaml:"exclusionRadius"`

		// ThresholdSigma is the candidate detection threshold in
		// Gaussian-equivalent sigmas
		ThresholdSigma float64 `yaml:"thresholdSigma"`
	} `yaml:"detection"`

	// Frame combination parameters
	Combine struct {
		// Method is "median", "mean", or "trimmed"
		Method string `yaml:"method"`

		// TrimFraction is the fraction trimmed from each end when
		// Method is "trimmed"
		TrimFraction float64 `yaml:"trimFraction"`
	} `yaml:"combine"`

	// Candidate refinement parameters
	Refinement struct {
		// Strategy is "local" (simplex search) or "sample" (ensemble
		// MCMC)
		Strategy string `yaml:"strategy"`

		// SearchRadius is the spatial half-extent of the search in
		// pixels
		SearchRadius float64 `yaml:"searchRadius"`

		// FluxSpan is the multiplicative flux range searched around
		// the initial guess
		FluxSpan float64 `yaml:"fluxSpan"`

		// MaxIterations caps simplex iterations or sampling steps
		MaxIterations int `yaml:"maxIterations"`

		// MaxEvaluations caps cost evaluations of the local strategy
		MaxEvaluations int `yaml:"maxEvaluations"`

		// Walkers is the sampling ensemble size
		Walkers int `yaml:"walkers"`

		// Burn is the fraction of each chain discarded
		Burn float64 `yaml:"burn"`

		// Seed makes sampling runs reproducible
		Seed uint64 `yaml:"seed"`
	} `yaml:"refinement"`

	// Contrast-curve parameters; the curve is only generated when
	// separations are listed
	Contrast struct {
		// Separations lists the probed radii in pixels, ascending
		Separations []float64 `yaml:"separations"`

		// FluxLevels is the injected flux grid, ascending
		FluxLevels []float64 `yaml:"fluxLevels"`

		// PositionAngles lists the injection azimuths in degrees
		PositionAngles []float64 `yaml:"positionAngles"`
	} `yaml:"contrast"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.Algorithm = "lowrank"
	cfg.Processing.Workers = runtime.NumCPU()
	cfg.Processing.Verbose = true

	cfg.Subtraction.Mode = "fullframe"
	cfg.Subtraction.Rank = 5
	cfg.Subtraction.InnerRadius = 0
	cfg.Subtraction.AnnulusWidth = 8
	cfg.Subtraction.Sectors = 1
	cfg.Subtraction.ProtectionAngle = 5
	cfg.Subtraction.MinFrames = 2
	cfg.Subtraction.BatchSize = 0
	cfg.Subtraction.RescaleChannels = true
	cfg.Subtraction.CrossChannel = false

	cfg.LLSG.Rank = 5
	cfg.LLSG.Lambda = 1
	cfg.LLSG.PatchSize = 0
	cfg.LLSG.MaxIterations = 10
	cfg.LLSG.Tolerance = 1e-3

	cfg.Detection.FWHM = 4
	cfg.Detection.ExclusionRadius = 4
	cfg.Detection.ThresholdSigma = 5

	cfg.Combine.Method = "median"
	cfg.Combine.TrimFraction = 0.2

	cfg.Refinement.Strategy = "local"
	cfg.Refinement.SearchRadius = 2
	cfg.Refinement.FluxSpan = 3
	cfg.Refinement.MaxIterations = 200
	cfg.Refinement.MaxEvaluations = 500
	cfg.Refinement.Walkers = 24
	cfg.Refinement.Burn = 0.3

	cfg.Contrast.PositionAngles = []float64{0, 120, 240}

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file does not
// exist it returns the default configuration; values present in the
// file override defaults field by field.
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

// Validate applies the fail-fast checks that need no cube dimensions.
// Dimension-dependent limits (rank vs. frame count, separations vs.
// field of view) stay with the engines.
func (c *Config) Validate() error {
	switch c.Processing.Algorithm {
	case "lowrank", "llsg":
	default:
		return fmt.Errorf("config: unknown algorithm %q", c.Processing.Algorithm)
	}

	switch c.Subtraction.Mode {
	case "fullframe", "annular", "incremental", "library", "spectral":
	default:
		return fmt.Errorf("config: unknown subtraction mode %q", c.Subtraction.Mode)
	}
	if c.Subtraction.Rank < 1 {
		return fmt.Errorf("config: subtraction rank must be at least 1, got %d", c.Subtraction.Rank)
	}
	if c.Subtraction.Mode == "annular" {
		if c.Subtraction.InnerRadius < 0 {
			return fmt.Errorf("config: inner radius must not be negative, got %g", c.Subtraction.InnerRadius)
		}
		if c.Subtraction.AnnulusWidth <= 0 {
			return fmt.Errorf("config: annulus width must be positive, got %g", c.Subtraction.AnnulusWidth)
		}
		if c.Subtraction.Sectors < 1 {
			return fmt.Errorf("config: sectors must be at least 1, got %d", c.Subtraction.Sectors)
		}
		if c.Subtraction.ProtectionAngle < 0 {
			return fmt.Errorf("config: protection angle must not be negative, got %g", c.Subtraction.ProtectionAngle)
		}
		if c.Subtraction.MinFrames < 0 {
			return fmt.Errorf("config: minimum reference count must not be negative, got %d", c.Subtraction.MinFrames)
		}
	}
	if c.Subtraction.BatchSize < 0 {
		return fmt.Errorf("config: batch size must not be negative, got %d", c.Subtraction.BatchSize)
	}

	if c.LLSG.Rank < 1 {
		return fmt.Errorf("config: llsg rank must be at least 1, got %d", c.LLSG.Rank)
	}
	if c.LLSG.Lambda <= 0 {
		return fmt.Errorf("config: llsg lambda must be positive, got %g", c.LLSG.Lambda)
	}
	if c.LLSG.PatchSize < 0 {
		return fmt.Errorf("config: llsg patch size must not be negative, got %d", c.LLSG.PatchSize)
	}
	if c.LLSG.MaxIterations < 1 {
		return fmt.Errorf("config: llsg iteration cap must be at least 1, got %d", c.LLSG.MaxIterations)
	}
	if c.LLSG.Tolerance <= 0 {
		return fmt.Errorf("config: llsg tolerance must be positive, got %g", c.LLSG.Tolerance)
	}

	if c.Detection.FWHM <= 0 {
		return fmt.Errorf("config: detection fwhm must be positive, got %g", c.Detection.FWHM)
	}
	if c.Detection.ExclusionRadius < 0 {
		return fmt.Errorf("config: exclusion radius must not be negative, got %g", c.Detection.ExclusionRadius)
	}
	if c.Detection.ThresholdSigma <= 0 {
		return fmt.Errorf("config: detection threshold must be positive, got %g", c.Detection.ThresholdSigma)
	}

	switch c.Combine.Method {
	case "median", "mean":
	case "trimmed":
		if c.Combine.TrimFraction <= 0 || c.Combine.TrimFraction >= 0.5 {
			return fmt.Errorf("config: trim fraction must lie in (0, 0.5), got %g", c.Combine.TrimFraction)
		}
	default:
		return fmt.Errorf("config: unknown combine method %q", c.Combine.Method)
	}

	switch c.Refinement.Strategy {
	case "local", "sample":
	default:
		return fmt.Errorf("config: unknown refinement strategy %q", c.Refinement.Strategy)
	}
	if c.Refinement.SearchRadius <= 0 {
		return fmt.Errorf("config: search radius must be positive, got %g", c.Refinement.SearchRadius)
	}
	if c.Refinement.FluxSpan <= 1 {
		return fmt.Errorf("config: flux span must exceed 1, got %g", c.Refinement.FluxSpan)
	}
	if c.Refinement.MaxIterations < 1 {
		return fmt.Errorf("config: refinement iteration cap must be at least 1, got %d", c.Refinement.MaxIterations)
	}
	if c.Refinement.MaxEvaluations < 1 {
		return fmt.Errorf("config: refinement evaluation cap must be at least 1, got %d", c.Refinement.MaxEvaluations)
	}
	if c.Refinement.Walkers < 4 {
		return fmt.Errorf("config: at least 4 walkers needed, got %d", c.Refinement.Walkers)
	}
	if c.Refinement.Burn < 0 || c.Refinement.Burn >= 1 {
		return fmt.Errorf("config: burn fraction must lie in [0, 1), got %g", c.Refinement.Burn)
	}

	if len(c.Contrast.Separations) > 0 {
		if err := ascending("contrast separations", c.Contrast.Separations); err != nil {
			return err
		}
		if len(c.Contrast.FluxLevels) < 2 {
			return fmt.Errorf("config: contrast flux grid needs at least 2 levels, got %d", len(c.Contrast.FluxLevels))
		}
		if err := ascending("contrast flux levels", c.Contrast.FluxLevels); err != nil {
			return err
		}
	}

	return nil
}

func ascending(name string, vals []float64) error {
	prev := 0.0
	for _, v := range vals {
		if v <= prev {
			return fmt.Errorf("config: %s must be positive and strictly ascending", name)
		}
		prev = v
	}
	return nil
}
