package pipeline

import (
	"fmt"

	"hcipipe/pkg/config"
	"hcipipe/pkg/contrast"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/llsg"
	"hcipipe/pkg/lowrank"
	"hcipipe/pkg/negfc"
	"hcipipe/pkg/snrmap"
)

// FromConfig translates a loaded file configuration into typed engine
// options. Dataset-bound settings stay with the caller: the spectral
// wavelength list is read from the data, and the logger comes from
// whoever owns the output.
func FromConfig(c *config.Config) (Config, error) {
	var cfg Config

	switch c.Processing.Algorithm {
	case "lowrank":
		cfg.Algorithm = AlgorithmLowRank
	case "llsg":
		cfg.Algorithm = AlgorithmLLSG
	default:
		return Config{}, fmt.Errorf("%w: unknown algorithm %q", ErrBadConfig, c.Processing.Algorithm)
	}
	cfg.Workers = c.Processing.Workers

	mode, err := subtractionMode(c.Subtraction.Mode)
	if err != nil {
		return Config{}, err
	}
	cfg.LowRank = lowrank.Config{
		Mode:            mode,
		Rank:            c.Subtraction.Rank,
		RIn:             c.Subtraction.InnerRadius,
		AnnulusWidth:    c.Subtraction.AnnulusWidth,
		Sectors:         c.Subtraction.Sectors,
		ProtectionAngle: c.Subtraction.ProtectionAngle,
		MinFrames:       c.Subtraction.MinFrames,
		BatchSize:       c.Subtraction.BatchSize,
		RescaleChannels: c.Subtraction.RescaleChannels,
		CrossChannel:    c.Subtraction.CrossChannel,
	}

	cfg.LLSG = llsg.Config{
		Rank:          c.LLSG.Rank,
		Lambda:        c.LLSG.Lambda,
		PatchSize:     c.LLSG.PatchSize,
		MaxIterations: c.LLSG.MaxIterations,
		Tolerance:     c.LLSG.Tolerance,
	}

	cfg.Detection = snrmap.Config{
		FWHM:            c.Detection.FWHM,
		ExclusionRadius: c.Detection.ExclusionRadius,
	}
	cfg.ThresholdSigma = c.Detection.ThresholdSigma

	if cfg.Combine, err = combineMethod(c.Combine.Method); err != nil {
		return Config{}, err
	}
	if cfg.Combine == derotate.CombineTrimmed {
		cfg.TrimFrac = c.Combine.TrimFraction
	}

	strategy, err := refinementStrategy(c.Refinement.Strategy)
	if err != nil {
		return Config{}, err
	}
	cfg.Refinement = negfc.Config{
		Strategy:       strategy,
		SearchRadius:   c.Refinement.SearchRadius,
		FluxSpan:       c.Refinement.FluxSpan,
		MaxIterations:  c.Refinement.MaxIterations,
		MaxEvaluations: c.Refinement.MaxEvaluations,
		Walkers:        c.Refinement.Walkers,
		Burn:           c.Refinement.Burn,
		Seed:           c.Refinement.Seed,
	}

	cfg.Contrast = contrast.Config{
		Separations:    c.Contrast.Separations,
		FluxLevels:     c.Contrast.FluxLevels,
		PositionAngles: c.Contrast.PositionAngles,
	}

	return cfg, nil
}

func subtractionMode(s string) (lowrank.Mode, error) {
	switch s {
	case "fullframe":
		return lowrank.ModeFullFrame, nil
	case "annular":
		return lowrank.ModeAnnular, nil
	case "incremental":
		return lowrank.ModeIncremental, nil
	case "library":
		return lowrank.ModeReferenceLibrary, nil
	case "spectral":
		return lowrank.ModeSpectral, nil
	}
	return 0, fmt.Errorf("%w: unknown subtraction mode %q", ErrBadConfig, s)
}

func combineMethod(s string) (derotate.CombineMethod, error) {
	switch s {
	case "median":
		return derotate.CombineMedian, nil
	case "mean":
		return derotate.CombineMean, nil
	case "trimmed":
		return derotate.CombineTrimmed, nil
	}
	return 0, fmt.Errorf("%w: unknown combine method %q", ErrBadConfig, s)
}

func refinementStrategy(s string) (negfc.Strategy, error) {
	switch s {
	case "local":
		return negfc.StrategyLocal, nil
	case "sample":
		return negfc.StrategySample, nil
	}
	return 0, fmt.Errorf("%w: unknown refinement strategy %q", ErrBadConfig, s)
}
