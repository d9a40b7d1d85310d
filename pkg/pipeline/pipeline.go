// Package pipeline chains the post-processing stages into one run:
// halo subtraction, derotation and combination, detection mapping and
// candidate extraction. The runner also hands its subtraction stage to
// the refinement and contrast consumers so every analysis of a dataset
// shares one engine and one basis cache.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"hcipipe/pkg/contrast"
	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/llsg"
	"hcipipe/pkg/lowrank"
	"hcipipe/pkg/negfc"
	"hcipipe/pkg/psf"
	"hcipipe/pkg/snrmap"
)

// ErrBadConfig tags configurations rejected before any processing.
var ErrBadConfig = errors.New("pipeline: invalid configuration")

// Algorithm selects the subtraction stage of a run.
type Algorithm int

const (
	// AlgorithmLowRank subtracts a projected low-rank halo model.
	AlgorithmLowRank Algorithm = iota

	// AlgorithmLLSG decomposes into low-rank, sparse and noise layers
	// and feeds the sparse layer downstream.
	AlgorithmLLSG
)

func (a Algorithm) String() string {
	switch a {
	case AlgorithmLowRank:
		return "lowrank"
	case AlgorithmLLSG:
		return "llsg"
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// Config assembles the per-engine configurations of one pipeline.
// Workers and Logger, when set, fill any engine configuration that
// left its own zero.
type Config struct {
	// Algorithm selects the subtraction stage.
	Algorithm Algorithm

	// LowRank configures the subtraction when Algorithm is
	// AlgorithmLowRank.
	LowRank lowrank.Config

	// LLSG configures the decomposition when Algorithm is
	// AlgorithmLLSG.
	LLSG llsg.Config

	// Detection configures the significance map estimator.
	Detection snrmap.Config

	// ThresholdSigma is the candidate extraction threshold in
	// Gaussian-equivalent sigmas. Defaults to 5.
	ThresholdSigma float64

	// Combine selects the frame combination; TrimFrac applies when
	// Combine is CombineTrimmed.
	Combine  derotate.CombineMethod
	TrimFrac float64

	// Refinement configures candidate refinement started through
	// Refine. Its FWHM inherits Detection.FWHM when zero.
	Refinement negfc.Config

	// Contrast configures curve generation for consumers that build a
	// generator against this runner's subtraction stage. Its FWHM and
	// threshold inherit the detection settings when zero.
	Contrast contrast.Config

	// Workers bounds parallel stages; <= 0 uses all CPUs.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Result carries every stage output of one run.
type Result struct {
	// Residuals is the cube the detection stage consumed: the
	// subtraction residual for the low-rank algorithm, the sparse
	// layer for LLSG.
	Residuals *cube.Cube

	// Combined is the derotated, combined residual frame.
	Combined cube.Frame

	// Map is the detection significance map of Combined.
	Map *snrmap.Map

	// Candidates is the ranked detection list.
	Candidates []snrmap.Candidate

	// Report describes the low-rank subtraction; nil under LLSG.
	Report *lowrank.Report

	// Decomposition is the full LLSG output; nil under low-rank.
	Decomposition *llsg.Result
}

// Runner executes configured pipeline runs. It is safe for concurrent
// use.
type Runner struct {
	cfg Config
	log *slog.Logger
	lr  *lowrank.Engine
	lg  *llsg.Engine
	est *snrmap.Estimator
}

// New validates the configuration, constructs the stage engines, and
// returns a runner.
func New(cfg Config) (*Runner, error) {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	if cfg.ThresholdSigma == 0 {
		cfg.ThresholdSigma = 5
	}
	if cfg.ThresholdSigma < 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, cfg.ThresholdSigma)
	}

	fillEngineDefaults(&cfg, log)

	r := &Runner{cfg: cfg, log: log}
	var err error
	switch cfg.Algorithm {
	case AlgorithmLowRank:
		if r.lr, err = lowrank.New(cfg.LowRank); err != nil {
			return nil, err
		}
	case AlgorithmLLSG:
		if r.lg, err = llsg.New(cfg.LLSG); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrBadConfig, int(cfg.Algorithm))
	}
	if r.est, err = snrmap.New(cfg.Detection); err != nil {
		return nil, err
	}
	return r, nil
}

// fillEngineDefaults propagates the shared worker bound, logger, and
// detection geometry into engine configurations that left them unset.
func fillEngineDefaults(cfg *Config, log *slog.Logger) {
	if cfg.LowRank.Workers == 0 {
		cfg.LowRank.Workers = cfg.Workers
	}
	if cfg.LLSG.Workers == 0 {
		cfg.LLSG.Workers = cfg.Workers
	}
	if cfg.Detection.Workers == 0 {
		cfg.Detection.Workers = cfg.Workers
	}
	if cfg.Refinement.Workers == 0 {
		cfg.Refinement.Workers = cfg.Workers
	}
	if cfg.Contrast.Workers == 0 {
		cfg.Contrast.Workers = cfg.Workers
	}

	if cfg.LowRank.Logger == nil {
		cfg.LowRank.Logger = log
	}
	if cfg.LLSG.Logger == nil {
		cfg.LLSG.Logger = log
	}
	if cfg.Detection.Logger == nil {
		cfg.Detection.Logger = log
	}
	if cfg.Refinement.Logger == nil {
		cfg.Refinement.Logger = log
	}
	if cfg.Contrast.Logger == nil {
		cfg.Contrast.Logger = log
	}

	if cfg.Refinement.FWHM == 0 {
		cfg.Refinement.FWHM = cfg.Detection.FWHM
	}
	if cfg.Refinement.Combine == 0 && cfg.Refinement.TrimFrac == 0 {
		cfg.Refinement.Combine = cfg.Combine
		cfg.Refinement.TrimFrac = cfg.TrimFrac
	}

	if cfg.Contrast.FWHM == 0 {
		cfg.Contrast.FWHM = cfg.Detection.FWHM
	}
	if cfg.Contrast.ExclusionRadius == 0 {
		cfg.Contrast.ExclusionRadius = cfg.Detection.ExclusionRadius
	}
	if cfg.Contrast.ThresholdSigma == 0 {
		cfg.Contrast.ThresholdSigma = cfg.ThresholdSigma
	}
	if cfg.Contrast.Combine == 0 && cfg.Contrast.TrimFrac == 0 {
		cfg.Contrast.Combine = cfg.Combine
		cfg.Contrast.TrimFrac = cfg.TrimFrac
	}
}

// Config returns the runner's effective configuration after defaults.
func (r *Runner) Config() Config { return r.cfg }

// Run executes subtraction, combination, mapping and extraction on one
// cube.
func (r *Runner) Run(ctx context.Context, c *cube.Cube) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	res := &Result{}
	r.log.Info("subtracting stellar halo",
		"algorithm", r.cfg.Algorithm.String(), "frames", c.NumFrames())
	switch {
	case r.lr != nil:
		resid, report, err := r.lr.Subtract(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("subtraction stage: %w", err)
		}
		res.Residuals, res.Report = resid, report
	default:
		dec, err := r.lg.Decompose(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("subtraction stage: %w", err)
		}
		if !dec.Converged {
			r.log.Warn("decomposition incomplete, using best estimate",
				"patches", len(dec.Patches))
		}
		res.Residuals, res.Decomposition = dec.Sparse, dec
	}

	r.log.Info("derotating and combining", "frames", res.Residuals.NumFrames())
	combined, err := derotate.DerotateAndCombine(ctx, res.Residuals, r.cfg.Combine, r.cfg.TrimFrac, r.cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("combination stage: %w", err)
	}
	res.Combined = combined

	r.log.Info("computing detection map", "fwhm", r.cfg.Detection.FWHM)
	m, err := r.est.Compute(ctx, combined)
	if err != nil {
		return nil, fmt.Errorf("detection stage: %w", err)
	}
	res.Map = m
	res.Candidates = r.est.Candidates(m, r.cfg.ThresholdSigma)

	r.log.Info("run complete", "candidates", len(res.Candidates))
	return res, nil
}

// Subtractor adapts the runner's subtraction stage for the refinement
// and contrast consumers. For LLSG it yields the sparse layer, the
// same cube a Run feeds downstream.
type Subtractor struct {
	r *Runner
}

// Subtractor returns the adapter bound to this runner's engines.
func (r *Runner) Subtractor() *Subtractor { return &Subtractor{r: r} }

// Subtract produces the residual cube of the configured algorithm.
func (s *Subtractor) Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, error) {
	if s.r.lr != nil {
		out, _, err := s.r.lr.Subtract(ctx, c)
		return out, err
	}
	dec, err := s.r.lg.Decompose(ctx, c)
	if err != nil {
		return nil, err
	}
	return dec.Sparse, nil
}

// BasisSignalDependent reports whether the subtraction basis is fit
// from the science frames.
func (s *Subtractor) BasisSignalDependent() bool {
	if s.r.lr != nil {
		return s.r.lr.BasisSignalDependent()
	}
	return true
}

// Refine runs the configured refinement against this runner's
// subtraction stage, starting from a detected candidate. The
// candidate's aperture flux is converted to a template amplitude for
// the initial guess.
func (r *Runner) Refine(ctx context.Context, c *cube.Cube, tpl psf.Template, cand snrmap.Candidate) (*negfc.Refined, error) {
	ds := diskSum(tpl, r.cfg.Detection.FWHM/2)
	if ds <= 0 {
		return nil, fmt.Errorf("%w: template has no flux inside the aperture", ErrBadConfig)
	}
	opt, err := negfc.New(r.Subtractor(), r.cfg.Refinement)
	if err != nil {
		return nil, err
	}
	guess := negfc.Guess{Sep: cand.Sep, PA: cand.PA, Flux: cand.Flux / ds}
	r.log.Info("refining candidate",
		"sep", guess.Sep, "pa", guess.PA, "flux", guess.Flux,
		"strategy", r.cfg.Refinement.Strategy.String())
	return opt.Optimize(ctx, c, tpl, guess)
}

// ContrastCurve measures detection limits on the configured grid,
// driving this runner's subtraction stage with injected companions.
func (r *Runner) ContrastCurve(ctx context.Context, c *cube.Cube, tpl psf.Template) (contrast.Curve, error) {
	gen, err := contrast.New(r.Subtractor(), r.cfg.Contrast)
	if err != nil {
		return nil, err
	}
	return gen.Generate(ctx, c, tpl)
}

// diskSum integrates the template over a centered disk, the factor
// relating a map aperture flux to the template amplitude.
func diskSum(tpl psf.Template, radius float64) float64 {
	c := tpl.Center()
	n := int(math.Ceil(radius))
	r2 := radius * radius
	var s float64
	for dy := -n; dy <= n; dy++ {
		for dx := -n; dx <= n; dx++ {
			if float64(dx*dx+dy*dy) <= r2 {
				s += tpl.Sample(c+float64(dx), c+float64(dy))
			}
		}
	}
	return s
}
