// Package lowrank implements stellar halo subtraction by projection onto
// a truncated singular value decomposition of a reference set. The five
// reference-assembly strategies (full frame, annular with rotation
// protection, incremental batches, external reference library, and
// spectral with wavelength rescaling) share one basis and projection
// step; a mode only decides which frames, and which pixels of them, form
// the reference set for each target.
package lowrank

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/mat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// ErrBadConfig tags configuration rejected before any processing starts.
var ErrBadConfig = errors.New("lowrank: invalid configuration")

// Mode selects the reference-assembly strategy.
type Mode int

const (
	// ModeFullFrame fits one basis on every frame over all pixels.
	ModeFullFrame Mode = iota

	// ModeAnnular fits one basis per annular tile and target frame,
	// excluding references too close in rotation angle.
	ModeAnnular

	// ModeIncremental builds the basis in sequential batches of frames,
	// bounding peak memory on long sequences.
	ModeIncremental

	// ModeReferenceLibrary fits the basis on the cube's attached library
	// of star-only frames, never on the science frames themselves.
	ModeReferenceLibrary

	// ModeSpectral groups frames by spectral channel and optionally
	// rescales them to align speckles before fitting.
	ModeSpectral
)

func (m Mode) String() string {
	switch m {
	case ModeFullFrame:
		return "full-frame"
	case ModeAnnular:
		return "annular"
	case ModeIncremental:
		return "incremental"
	case ModeReferenceLibrary:
		return "reference-library"
	case ModeSpectral:
		return "spectral"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Config holds the subtraction parameters. Zero values select sensible
// defaults where noted; everything else is validated by New.
type Config struct {
	// Mode selects the reference-assembly strategy.
	Mode Mode

	// Rank is the number of basis modes to subtract. It is clamped to
	// the reference count when the reference set cannot support it,
	// with a logged warning and a degraded flag in the report.
	Rank int

	// RIn is the inner radius of the first annulus in pixels (annular
	// mode). Zero starts at the image center.
	RIn float64

	// AnnulusWidth is the radial width of each annulus in pixels
	// (annular mode).
	AnnulusWidth float64

	// Sectors optionally splits each annulus into equal azimuthal
	// sectors (annular mode). Zero or one means full annuli.
	Sectors int

	// ProtectionAngle excludes reference frames within this rotation
	// distance in degrees of the target frame (annular mode). Zero
	// disables the exclusion.
	ProtectionAngle float64

	// MinFrames is the smallest acceptable reference count per basis
	// (annular mode). When the protection angle leaves fewer, the
	// exclusion is relaxed to the most distant frames and the report
	// counts the relaxation. Defaults to 2.
	MinFrames int

	// BatchSize is the number of frames per incremental batch
	// (incremental mode). Defaults to twice the rank, at least 8.
	BatchSize int

	// Wavelengths gives the central wavelength of each spectral channel
	// (spectral mode), indexed by the cube's channel numbers. Units
	// cancel; only ratios matter.
	Wavelengths []float64

	// RescaleChannels enables the wavelength rescaling that radially
	// aligns speckles across channels (spectral mode).
	RescaleChannels bool

	// CrossChannel lets the spectral basis draw references from all
	// channels instead of only the target's own (spectral mode).
	CrossChannel bool

	// Workers bounds the processing goroutines; <= 0 uses all CPUs.
	Workers int

	// Logger receives degraded-rank and relaxation warnings. Defaults
	// to slog.Default().
	Logger *slog.Logger
}

// Report describes what the subtraction actually did, alongside the
// residual cube. Degraded rank and relaxed exclusions are reported here
// rather than as errors: the result is still usable, just weaker.
type Report struct {
	// Mode is the strategy that produced the residuals.
	Mode Mode

	// RequestedRank and EffectiveRank differ when a reference set could
	// not support the requested rank; EffectiveRank is the smallest
	// rank actually used across all fitted bases.
	RequestedRank int
	EffectiveRank int

	// Degraded is true when any basis was clamped below the request.
	Degraded bool

	// RelaxedBases counts annular bases whose protection-angle
	// exclusion had to be relaxed to reach the minimum reference count.
	RelaxedBases int

	// SignalIndependent is true when the basis was fitted without the
	// science frames, so repeated subtraction of modified science
	// cubes can reuse it.
	SignalIndependent bool
}

// Engine performs low-rank halo subtraction for one configuration.
// It is safe for concurrent use; reference-library bases are cached
// between calls since they do not depend on the science frames.
type Engine struct {
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	libCube  *cube.Cube
	libBasis *Basis
}

// New validates the configuration and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Rank < 1 {
		return nil, fmt.Errorf("%w: rank must be at least 1, got %d", ErrBadConfig, cfg.Rank)
	}
	switch cfg.Mode {
	case ModeFullFrame, ModeReferenceLibrary:
	case ModeAnnular:
		if cfg.AnnulusWidth <= 0 {
			return nil, fmt.Errorf("%w: annular mode needs a positive annulus width, got %g", ErrBadConfig, cfg.AnnulusWidth)
		}
		if cfg.RIn < 0 {
			return nil, fmt.Errorf("%w: inner radius must be non-negative, got %g", ErrBadConfig, cfg.RIn)
		}
		if cfg.ProtectionAngle < 0 {
			return nil, fmt.Errorf("%w: protection angle must be non-negative, got %g", ErrBadConfig, cfg.ProtectionAngle)
		}
		if cfg.MinFrames == 0 {
			cfg.MinFrames = 2
		}
		if cfg.MinFrames < 1 {
			return nil, fmt.Errorf("%w: minimum reference count must be positive, got %d", ErrBadConfig, cfg.MinFrames)
		}
	case ModeIncremental:
		if cfg.BatchSize == 0 {
			cfg.BatchSize = 2 * cfg.Rank
			if cfg.BatchSize < 8 {
				cfg.BatchSize = 8
			}
		}
		if cfg.BatchSize < 1 {
			return nil, fmt.Errorf("%w: batch size must be positive, got %d", ErrBadConfig, cfg.BatchSize)
		}
	case ModeSpectral:
		if cfg.RescaleChannels && len(cfg.Wavelengths) == 0 {
			return nil, fmt.Errorf("%w: spectral rescaling needs per-channel wavelengths", ErrBadConfig)
		}
		for i, w := range cfg.Wavelengths {
			if w <= 0 {
				return nil, fmt.Errorf("%w: wavelength %d must be positive, got %g", ErrBadConfig, i, w)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrBadConfig, int(cfg.Mode))
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}, nil
}

// Subtract removes the low-rank halo estimate from every frame and
// returns the residual cube, which keeps the input's angles and channel
// assignments. The input cube is never modified.
func (e *Engine) Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, err
	}
	switch e.cfg.Mode {
	case ModeFullFrame:
		return e.subtractFullFrame(ctx, c)
	case ModeAnnular:
		return e.subtractAnnular(ctx, c)
	case ModeIncremental:
		return e.subtractIncremental(ctx, c)
	case ModeReferenceLibrary:
		return e.subtractLibrary(ctx, c)
	case ModeSpectral:
		return e.subtractSpectral(ctx, c)
	}
	return nil, nil, fmt.Errorf("%w: unknown mode %d", ErrBadConfig, int(e.cfg.Mode))
}

// newResidualCube allocates the output cube, carrying over the input's
// angles and channel assignments.
func newResidualCube(c *cube.Cube) (*cube.Cube, error) {
	out, err := cube.New(c.NumFrames(), c.W, c.H, c.Angles)
	if err != nil {
		return nil, err
	}
	if c.Channels != nil {
		out.Channels = make([]int, len(c.Channels))
		copy(out.Channels, c.Channels)
	}
	return out, nil
}

// BasisSignalDependent reports whether the subtraction basis is fit
// from the frames being searched. Only the reference-library mode has
// a basis independent of the science signal, which lets
// injection-recovery consumers reuse it across injections.
func (e *Engine) BasisSignalDependent() bool {
	return e.cfg.Mode != ModeReferenceLibrary
}

// clampRank reduces the requested rank to what m references over p
// pixels can support.
func (e *Engine) clampRank(m, p int) int {
	k := e.cfg.Rank
	if k > m {
		k = m
	}
	if k > p {
		k = p
	}
	return k
}

// warnDegraded logs a single degraded-rank warning for a mode.
func (e *Engine) warnDegraded(effective int) {
	e.log.Warn("requested rank exceeds reference set, clamping",
		"mode", e.cfg.Mode.String(), "requested", e.cfg.Rank, "effective", effective)
}

func (e *Engine) subtractFullFrame(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	n := c.NumFrames()
	p := c.W * c.H
	k := e.clampRank(n, p)
	if k < e.cfg.Rank {
		e.warnDegraded(k)
	}

	refs := mat.NewDense(n, p, c.Data())
	basis, err := fitBasis(refs, k)
	if err != nil {
		return nil, nil, err
	}

	out, err := newResidualCube(c)
	if err != nil {
		return nil, nil, err
	}
	err = grid.Run(ctx, n, e.cfg.Workers, func(i int) error {
		basis.subtractInto(out.Frame(i).Pix, c.Frame(i).Pix)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{
		Mode:          ModeFullFrame,
		RequestedRank: e.cfg.Rank,
		EffectiveRank: basis.Rank(),
		Degraded:      basis.Rank() < e.cfg.Rank,
	}
	return out, rep, nil
}

func (e *Engine) subtractLibrary(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	if c.Library == nil {
		return nil, nil, fmt.Errorf("%w: reference-library mode needs a cube with an attached library", ErrBadConfig)
	}
	lib := c.Library
	m := lib.NumFrames()
	p := lib.W * lib.H
	k := e.clampRank(m, p)
	if k < e.cfg.Rank {
		e.warnDegraded(k)
	}

	basis, err := e.libraryBasis(lib, k)
	if err != nil {
		return nil, nil, err
	}

	out, err := newResidualCube(c)
	if err != nil {
		return nil, nil, err
	}
	err = grid.Run(ctx, c.NumFrames(), e.cfg.Workers, func(i int) error {
		basis.subtractInto(out.Frame(i).Pix, c.Frame(i).Pix)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{
		Mode:              ModeReferenceLibrary,
		RequestedRank:     e.cfg.Rank,
		EffectiveRank:     basis.Rank(),
		Degraded:          basis.Rank() < e.cfg.Rank,
		SignalIndependent: true,
	}
	return out, rep, nil
}

// libraryBasis fits or reuses the basis for a reference library. The
// basis depends only on the library frames, so injection-recovery loops
// that subtract many modified science cubes against the same library hit
// the cache after the first call.
func (e *Engine) libraryBasis(lib *cube.Cube, k int) (*Basis, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.libCube == lib && e.libBasis != nil && e.libBasis.Rank() == k {
		return e.libBasis, nil
	}

	refs := mat.NewDense(lib.NumFrames(), lib.W*lib.H, lib.Data())
	basis, err := fitBasis(refs, k)
	if err != nil {
		return nil, err
	}
	e.libCube = lib
	e.libBasis = basis
	return basis, nil
}
