// Package contrast measures achievable detection limits by injection
// and recovery: synthetic companions stamped across a grid of
// separations, position angles and flux levels each take a full trip
// through subtraction, derotation and the ring detection statistic,
// and the flux at which the recovered ratio first crosses the
// corrected threshold becomes the contrast limit at that separation.
package contrast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/interp"
	"gonum.org/v1/gonum/stat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/inject"
	"hcipipe/pkg/psf"
	"hcipipe/pkg/snrmap"
)

var (
	// ErrBadConfig tags rejected configurations.
	ErrBadConfig = errors.New("contrast: invalid configuration")

	// ErrOutOfRange reports separations outside the usable field.
	ErrOutOfRange = errors.New("contrast: separation outside the usable field")
)

// Subtractor produces a residual cube from a science cube.
type Subtractor interface {
	Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, error)
}

// SubtractFunc adapts a function to the Subtractor interface.
type SubtractFunc func(ctx context.Context, c *cube.Cube) (*cube.Cube, error)

// Subtract calls the wrapped function.
func (f SubtractFunc) Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, error) {
	return f(ctx, c)
}

// BasisAdvertiser is implemented by subtractors that can report whether
// their basis is fit from the frames being searched. A
// signal-independent basis is warmed with one plain pass and then
// reused across every injection; dependent bases recompute per
// injection since the injected source perturbs them.
type BasisAdvertiser interface {
	BasisSignalDependent() bool
}

// ProgressCallback receives completion counts while the injection grid
// runs. Calls are serialized.
type ProgressCallback func(completed, total int, message string)

// Point is one computed sample of a contrast curve.
type Point struct {
	// Separation from the frame center, in pixels.
	Separation float64

	// Contrast is the minimum detectable companion flux in the
	// template's flux units; NaN when no level of the grid reached the
	// threshold.
	Contrast float64
}

// Curve is a detection-limit curve ordered by increasing separation.
type Curve []Point

// At interpolates the detection limit between computed separations.
// Queries outside the computed range fail with ErrOutOfRange.
func (c Curve) At(sep float64) (float64, error) {
	if len(c) == 0 {
		return 0, fmt.Errorf("%w: empty curve", ErrOutOfRange)
	}
	if sep < c[0].Separation || sep > c[len(c)-1].Separation {
		return 0, fmt.Errorf("%w: separation %.2f px outside [%.2f, %.2f]",
			ErrOutOfRange, sep, c[0].Separation, c[len(c)-1].Separation)
	}
	if len(c) == 1 {
		return c[0].Contrast, nil
	}
	xs := make([]float64, len(c))
	ys := make([]float64, len(c))
	for i, p := range c {
		xs[i] = p.Separation
		ys[i] = p.Contrast
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return 0, fmt.Errorf("contrast: curve interpolation: %w", err)
	}
	return pl.Predict(sep), nil
}

// Config holds the injection-grid parameters. Zero values select the
// noted defaults.
type Config struct {
	// Separations lists the probed radii in pixels, strictly
	// ascending.
	Separations []float64

	// FluxLevels is the injected flux grid, strictly ascending, at
	// least two levels.
	FluxLevels []float64

	// PositionAngles lists the azimuths injected per separation, in
	// degrees. Defaults to {0, 120, 240}.
	PositionAngles []float64

	// ThresholdSigma is the Gaussian-equivalent detection threshold.
	// Defaults to 5.
	ThresholdSigma float64

	// FWHM is the instrument resolution element in pixels.
	FWHM float64

	// ExclusionRadius marks the unusable inner region, in pixels.
	ExclusionRadius float64

	// Combine selects the frame combination of the recovery pipeline;
	// TrimFrac applies when Combine is CombineTrimmed.
	Combine  derotate.CombineMethod
	TrimFrac float64

	// Workers bounds the concurrent injections; <= 0 uses all CPUs.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Generator runs injection-recovery grids against one subtraction
// stack. It is safe for concurrent use.
type Generator struct {
	cfg Config
	sub Subtractor
	est *snrmap.Estimator
	log *slog.Logger

	mu       sync.Mutex
	progress ProgressCallback
}

// New validates the configuration and returns a generator driving the
// given subtraction strategy.
func New(sub Subtractor, cfg Config) (*Generator, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: no subtractor", ErrBadConfig)
	}
	if cfg.FWHM <= 0 {
		return nil, fmt.Errorf("%w: fwhm must be positive, got %g", ErrBadConfig, cfg.FWHM)
	}
	if len(cfg.Separations) == 0 {
		return nil, fmt.Errorf("%w: no separations", ErrBadConfig)
	}
	if err := ascending("separations", cfg.Separations); err != nil {
		return nil, err
	}
	if len(cfg.FluxLevels) < 2 {
		return nil, fmt.Errorf("%w: flux grid needs at least 2 levels, got %d", ErrBadConfig, len(cfg.FluxLevels))
	}
	if err := ascending("flux levels", cfg.FluxLevels); err != nil {
		return nil, err
	}
	if len(cfg.PositionAngles) == 0 {
		cfg.PositionAngles = []float64{0, 120, 240}
	}
	if cfg.ThresholdSigma == 0 {
		cfg.ThresholdSigma = 5
	}
	if cfg.ThresholdSigma < 0 {
		return nil, fmt.Errorf("%w: threshold must be positive, got %g", ErrBadConfig, cfg.ThresholdSigma)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	est, err := snrmap.New(snrmap.Config{
		FWHM:            cfg.FWHM,
		ExclusionRadius: cfg.ExclusionRadius,
		Workers:         cfg.Workers,
		Logger:          log,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}
	return &Generator{cfg: cfg, sub: sub, est: est, log: log}, nil
}

func ascending(name string, vals []float64) error {
	prev := 0.0
	for _, v := range vals {
		if v <= prev {
			return fmt.Errorf("%w: %s must be positive and strictly ascending", ErrBadConfig, name)
		}
		prev = v
	}
	return nil
}

// SetProgressCallback installs a callback invoked after every injection
// of the grid.
func (g *Generator) SetProgressCallback(cb ProgressCallback) {
	g.mu.Lock()
	g.progress = cb
	g.mu.Unlock()
}

func (g *Generator) reportProgress(completed, total int, message string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.progress != nil {
		g.progress(completed, total, message)
		return
	}
	if completed == total || completed%50 == 0 {
		g.log.Debug("injection grid progress", "completed", completed, "total", total)
	}
}

// Generate runs the full injection grid and reduces it to one curve.
// Each (separation, angle, flux) triple injects a companion, reruns
// subtraction and combination, and recovers the ring
// signal-to-noise at the injected site; the per-angle detection limit
// is the piecewise-linear crossing of the corrected threshold across
// the flux grid, and the per-separation limit the median across
// angles.
func (g *Generator) Generate(ctx context.Context, c *cube.Cube, tpl psf.Template) (Curve, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if tpl.Size == 0 {
		return nil, fmt.Errorf("%w: empty template", ErrBadConfig)
	}
	f := c.Frame(0)
	maxR := cube.MaxRadius(f.W, f.H)
	for _, sep := range g.cfg.Separations {
		if !g.est.Usable(sep, maxR) {
			return nil, fmt.Errorf("%w: separation %.2f px in a %dx%d frame",
				ErrOutOfRange, sep, f.W, f.H)
		}
	}

	if adv, ok := g.sub.(BasisAdvertiser); ok && !adv.BasisSignalDependent() {
		// One plain pass fills the basis before the fan-out so the
		// injections share it instead of racing to fit their own.
		if _, err := g.sub.Subtract(ctx, c); err != nil {
			return nil, err
		}
		g.log.Debug("warmed signal-independent basis")
	}

	nPA := len(g.cfg.PositionAngles)
	nFlux := len(g.cfg.FluxLevels)
	perSep := nPA * nFlux
	total := len(g.cfg.Separations) * perSep
	snr := make([]float64, total)

	err := grid.RunProgress(ctx, total, g.cfg.Workers, g.reportProgress, "injection grid", func(i int) error {
		sep := g.cfg.Separations[i/perSep]
		pa := g.cfg.PositionAngles[(i%perSep)/nFlux]
		flux := g.cfg.FluxLevels[i%nFlux]

		injected, err := inject.Companion(c, tpl, sep, pa, flux)
		if err != nil {
			return err
		}
		resid, err := g.sub.Subtract(ctx, injected)
		if err != nil {
			return err
		}
		// Derotation stays serial here; the grid already saturates the
		// workers.
		combined, err := derotate.DerotateAndCombine(ctx, resid, g.cfg.Combine, g.cfg.TrimFrac, 1)
		if err != nil {
			return err
		}
		v, err := g.est.SNRAt(combined, sep, pa)
		if err != nil {
			return err
		}
		snr[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	curve := make(Curve, 0, len(g.cfg.Separations))
	for si, sep := range g.cfg.Separations {
		thr := g.est.CorrectedThreshold(g.cfg.ThresholdSigma, sep)
		limits := make([]float64, 0, nPA)
		for j := 0; j < nPA; j++ {
			base := si*perSep + j*nFlux
			if lim := crossing(g.cfg.FluxLevels, snr[base:base+nFlux], thr); !math.IsNaN(lim) {
				limits = append(limits, lim)
			}
		}
		if len(limits) == 0 {
			g.log.Warn("no detection across flux grid", "separation", sep)
			curve = append(curve, Point{Separation: sep, Contrast: math.NaN()})
			continue
		}
		sort.Float64s(limits)
		curve = append(curve, Point{
			Separation: sep,
			Contrast:   stat.Quantile(0.5, stat.Empirical, limits, nil),
		})
	}
	g.log.Debug("contrast curve complete", "points", len(curve), "injections", total)
	return curve, nil
}

// crossing finds the lowest flux whose recovered ratio reaches the
// threshold, interpolating linearly between grid levels. The first
// level counts as the limit when even it is detected; NaN means the
// grid never reached the threshold.
func crossing(flux, snr []float64, thr float64) float64 {
	for i, v := range snr {
		if math.IsNaN(v) || v < thr {
			continue
		}
		if i == 0 {
			return flux[0]
		}
		prev := snr[i-1]
		if math.IsNaN(prev) {
			return flux[i]
		}
		t := (thr - prev) / (v - prev)
		return flux[i-1] + t*(flux[i]-flux[i-1])
	}
	return math.NaN()
}
