// Package negfc refines a candidate's position and flux by cancelling
// it: a flux-inverted copy of the PSF is injected at the trial
// parameters, the full subtraction and combination pipeline is re-run,
// and the residual energy left in an aperture at the site is the cost.
// Where the cancellation is perfect the companion vanishes from the
// combined frame, so the minimum of the cost surface is the best
// estimate of the real parameters.
//
// Every cost evaluation is a complete subtraction pass, so both
// strategies treat evaluations as the scarce resource: the local search
// is a gradient-free simplex with an evaluation budget, the sampler an
// affine-invariant ensemble whose chain length is bounded by the
// iteration cap.
package negfc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"gonum.org/v1/gonum/optimize"

	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/inject"
	"hcipipe/pkg/psf"
)

// ErrBadConfig tags configuration or guesses rejected before any
// processing starts.
var ErrBadConfig = errors.New("negfc: invalid configuration")

const penaltyCost = 1e30

// Subtractor produces a residual cube from a science cube. Any halo
// subtraction strategy can drive the cost through it.
type Subtractor interface {
	Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, error)
}

// SubtractFunc adapts a function to the Subtractor interface.
type SubtractFunc func(ctx context.Context, c *cube.Cube) (*cube.Cube, error)

// Subtract calls the wrapped function.
func (f SubtractFunc) Subtract(ctx context.Context, c *cube.Cube) (*cube.Cube, error) {
	return f(ctx, c)
}

// Strategy selects how the cost surface is explored.
type Strategy int

const (
	// StrategyLocal runs a Nelder-Mead simplex from the initial guess.
	StrategyLocal Strategy = iota

	// StrategySample runs an ensemble Markov chain over the search box
	// and reports credible intervals instead of a point estimate.
	StrategySample
)

func (s Strategy) String() string {
	switch s {
	case StrategyLocal:
		return "local"
	case StrategySample:
		return "sample"
	}
	return fmt.Sprintf("strategy(%d)", int(s))
}

// Guess is a companion parameter triple: separation in pixels, position
// angle in degrees, flux in the template's units.
type Guess struct {
	Sep, PA, Flux float64
}

// Interval is a parameter estimate with its 1-sigma range: the local
// strategy fills it from the cost curvature around the optimum, the
// sampling strategy from the 16/50/84 posterior percentiles.
type Interval struct {
	Lo, Mid, Hi float64
}

// Refined is the optimization outcome. Converged false is a
// diagnostic, not a failure: the estimate is the best one found and the
// caller decides whether to retry with different settings.
type Refined struct {
	Sep, PA, Flux Interval

	// Cost is the residual aperture energy at the best parameters.
	Cost float64

	// Evaluations counts full pipeline runs spent.
	Evaluations int

	// Converged reports whether the strategy met its own stopping
	// criterion rather than a budget, cancellation, or a failed
	// sampling diagnostic.
	Converged bool

	// Tau is the integrated autocorrelation time of the chain, in
	// steps; zero for the local strategy.
	Tau float64
}

// Best returns the point estimate.
func (r *Refined) Best() Guess {
	return Guess{Sep: r.Sep.Mid, PA: r.PA.Mid, Flux: r.Flux.Mid}
}

// Config holds the optimizer parameters. Zero values select the noted
// defaults.
type Config struct {
	// Strategy selects local search or ensemble sampling.
	Strategy Strategy

	// FWHM is the instrument resolution element in pixels. It scales
	// the default cost aperture and the noise annulus.
	FWHM float64

	// Aperture is the cost aperture radius in pixels. Defaults to
	// FWHM.
	Aperture float64

	// SearchRadius is the spatial half-extent of the search in pixels;
	// it scales the initial simplex and bounds the sampling prior.
	// Defaults to 2.
	SearchRadius float64

	// FluxSpan is the multiplicative flux range searched around the
	// guess: the prior allows guess/FluxSpan up to guess*FluxSpan.
	// Defaults to 3.
	FluxSpan float64

	// MaxIterations caps simplex iterations or sampling steps per
	// walker. Defaults to 200.
	MaxIterations int

	// MaxEvaluations caps cost evaluations of the local strategy.
	// Defaults to 500.
	MaxEvaluations int

	// Walkers is the ensemble size of the sampling strategy.
	// Defaults to 24.
	Walkers int

	// Burn is the fraction of each chain discarded before computing
	// intervals. Defaults to 0.3.
	Burn float64

	// Seed seeds the sampler; runs are deterministic for a fixed seed.
	Seed uint64

	// Combine selects the frame combination of the cost pipeline.
	Combine derotate.CombineMethod

	// TrimFrac is the trimmed-mean fraction when Combine is
	// CombineTrimmed.
	TrimFrac float64

	// Workers bounds the derotation goroutines; <= 0 uses all CPUs.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Optimizer refines candidates against one subtraction stack. It is
// safe for concurrent use.
type Optimizer struct {
	cfg Config
	sub Subtractor
	log *slog.Logger
}

// New validates the configuration and returns an optimizer driving the
// given subtraction strategy.
func New(sub Subtractor, cfg Config) (*Optimizer, error) {
	if sub == nil {
		return nil, fmt.Errorf("%w: no subtractor", ErrBadConfig)
	}
	if cfg.FWHM <= 0 {
		return nil, fmt.Errorf("%w: fwhm must be positive, got %g", ErrBadConfig, cfg.FWHM)
	}
	if cfg.Aperture == 0 {
		cfg.Aperture = cfg.FWHM
	}
	if cfg.Aperture < 0 {
		return nil, fmt.Errorf("%w: aperture radius must be positive, got %g", ErrBadConfig, cfg.Aperture)
	}
	if cfg.SearchRadius == 0 {
		cfg.SearchRadius = 2
	}
	if cfg.SearchRadius < 0 {
		return nil, fmt.Errorf("%w: search radius must be positive, got %g", ErrBadConfig, cfg.SearchRadius)
	}
	if cfg.FluxSpan == 0 {
		cfg.FluxSpan = 3
	}
	if cfg.FluxSpan <= 1 {
		return nil, fmt.Errorf("%w: flux span must exceed 1, got %g", ErrBadConfig, cfg.FluxSpan)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 200
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: iteration cap must be positive, got %d", ErrBadConfig, cfg.MaxIterations)
	}
	if cfg.MaxEvaluations == 0 {
		cfg.MaxEvaluations = 500
	}
	if cfg.MaxEvaluations < 1 {
		return nil, fmt.Errorf("%w: evaluation cap must be positive, got %d", ErrBadConfig, cfg.MaxEvaluations)
	}
	if cfg.Walkers == 0 {
		cfg.Walkers = 24
	}
	if cfg.Walkers < 4 {
		return nil, fmt.Errorf("%w: at least 4 walkers needed, got %d", ErrBadConfig, cfg.Walkers)
	}
	if cfg.Burn == 0 {
		cfg.Burn = 0.3
	}
	if cfg.Burn < 0 || cfg.Burn >= 1 {
		return nil, fmt.Errorf("%w: burn fraction must lie in [0, 1), got %g", ErrBadConfig, cfg.Burn)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Optimizer{cfg: cfg, sub: sub, log: log}, nil
}

// Optimize refines the initial guess against the cube. Cancellation
// and exhausted budgets return the best estimate found so far with
// Converged false and a nil error; only broken inputs or a failing
// subtraction stack produce errors.
func (o *Optimizer) Optimize(ctx context.Context, c *cube.Cube, tpl psf.Template, initial Guess) (*Refined, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if tpl.Size == 0 {
		return nil, fmt.Errorf("%w: empty template", ErrBadConfig)
	}
	if initial.Sep <= 0 || initial.Flux <= 0 {
		return nil, fmt.Errorf("%w: initial guess needs positive separation and flux, got sep %g flux %g",
			ErrBadConfig, initial.Sep, initial.Flux)
	}

	switch o.cfg.Strategy {
	case StrategyLocal:
		return o.optimizeLocal(ctx, c, tpl, initial)
	case StrategySample:
		return o.optimizeSample(ctx, c, tpl, initial)
	}
	return nil, fmt.Errorf("%w: unknown strategy %d", ErrBadConfig, int(o.cfg.Strategy))
}

// cost injects the inverted trial companion, reruns the subtraction
// pipeline, and measures the squared residual flux in the aperture at
// the trial site.
func (o *Optimizer) cost(ctx context.Context, c *cube.Cube, tpl psf.Template, g Guess) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	injected, err := inject.Companion(c, tpl, g.Sep, g.PA, -g.Flux)
	if err != nil {
		return 0, err
	}
	resid, err := o.sub.Subtract(ctx, injected)
	if err != nil {
		return 0, err
	}
	combined, err := derotate.DerotateAndCombine(ctx, resid, o.cfg.Combine, o.cfg.TrimFrac, o.cfg.Workers)
	if err != nil {
		return 0, err
	}
	return apertureEnergy(combined, g.Sep, g.PA, o.cfg.Aperture), nil
}

// apertureEnergy sums squared pixel values within the radius of the
// given polar position.
func apertureEnergy(f cube.Frame, sep, paDeg, radius float64) float64 {
	cx, cy := f.Center()
	px, py := cube.PolarToPix(sep, paDeg, cx, cy)
	x0 := int(math.Floor(px - radius))
	x1 := int(math.Ceil(px + radius))
	y0 := int(math.Floor(py - radius))
	y1 := int(math.Ceil(py + radius))
	r2 := radius * radius

	var s float64
	for y := y0; y <= y1; y++ {
		if y < 0 || y >= f.H {
			continue
		}
		for x := x0; x <= x1; x++ {
			if x < 0 || x >= f.W {
				continue
			}
			dx := float64(x) - px
			dy := float64(y) - py
			if dx*dx+dy*dy <= r2 {
				v := f.At(x, y)
				s += v * v
			}
		}
	}
	return s
}

// aperturePixels counts the pixels apertureEnergy would sum over a
// fully interior aperture.
func aperturePixels(radius float64) int {
	r := int(math.Ceil(radius))
	r2 := radius * radius
	n := 0
	for dy := -r; dy <= r; dy++ {
		for dx := -r; dx <= r; dx++ {
			if float64(dx*dx+dy*dy) <= r2 {
				n++
			}
		}
	}
	return n
}

// scales returns the affine parameter scaling used by the local search:
// one unit of each simplex coordinate spans the search radius in
// separation, the matching arc in angle, and the flux span.
func (o *Optimizer) scales(g Guess) [3]float64 {
	paScale := o.cfg.SearchRadius / g.Sep * 180 / math.Pi
	return [3]float64{
		o.cfg.SearchRadius,
		paScale,
		g.Flux * (o.cfg.FluxSpan - 1) / 2,
	}
}

func fromVec(u []float64, g Guess, sc [3]float64) Guess {
	return Guess{
		Sep:  g.Sep + (u[0]-1)*sc[0],
		PA:   g.PA + (u[1]-1)*sc[1],
		Flux: g.Flux + (u[2]-1)*sc[2],
	}
}

// localRun is the mutable state of one local optimization.
type localRun struct {
	mu    sync.Mutex
	err   error
	best  Guess
	bestC float64
	evals int
}

func (r *localRun) note(g Guess, c float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evals++
	if c < r.bestC {
		r.bestC = c
		r.best = g
	}
}

func (r *localRun) noteErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
}

func (r *localRun) load() (Guess, float64, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.best, r.bestC, r.evals, r.err
}

func (o *Optimizer) optimizeLocal(ctx context.Context, c *cube.Cube, tpl psf.Template, initial Guess) (*Refined, error) {
	sc := o.scales(initial)
	run := &localRun{best: initial, bestC: math.Inf(1)}

	prob := optimize.Problem{
		Func: func(u []float64) float64 {
			g := fromVec(u, initial, sc)
			if g.Sep <= 0 || g.Flux <= 0 {
				return penaltyCost
			}
			v, err := o.cost(ctx, c, tpl, g)
			if err != nil {
				run.noteErr(err)
				return penaltyCost
			}
			run.note(g, v)
			return v
		},
		Status: func() (optimize.Status, error) {
			if err := ctx.Err(); err != nil {
				return optimize.Failure, err
			}
			if _, _, _, err := run.load(); err != nil {
				return optimize.Failure, err
			}
			return optimize.NotTerminated, nil
		},
	}
	settings := &optimize.Settings{
		MajorIterations: o.cfg.MaxIterations,
		FuncEvaluations: o.cfg.MaxEvaluations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-12,
			Relative:   1e-8,
			Iterations: 30,
		},
	}

	res, minErr := optimize.Minimize(prob, []float64{1, 1, 1}, settings, &optimize.NelderMead{})
	best, bestC, evals, runErr := run.load()

	if ctx.Err() != nil {
		// Best-so-far on cancellation, by contract.
		return pointRefined(best, bestC, evals, false), nil
	}
	if runErr != nil {
		return nil, runErr
	}
	if minErr != nil {
		return nil, fmt.Errorf("negfc: local search: %w", minErr)
	}

	converged := res.Status == optimize.FunctionConvergence
	ref := pointRefined(best, bestC, evals, converged)
	if converged {
		o.curvatureIntervals(ctx, c, tpl, ref)
	}
	return ref, nil
}

// pointRefined wraps a point estimate in degenerate intervals.
func pointRefined(g Guess, cost float64, evals int, converged bool) *Refined {
	if math.IsInf(cost, 1) {
		cost = math.NaN()
	}
	return &Refined{
		Sep:         Interval{g.Sep, g.Sep, g.Sep},
		PA:          Interval{g.PA, g.PA, g.PA},
		Flux:        Interval{g.Flux, g.Flux, g.Flux},
		Cost:        cost,
		Evaluations: evals,
		Converged:   converged,
	}
}

// curvatureIntervals widens the point intervals with a 1-sigma estimate
// from a quadratic probe of the cost around the optimum. The residual
// energy inside the aperture, spread over its pixels, stands in for the
// per-pixel noise variance. Parameters whose curvature comes out flat
// or negative keep a NaN width.
func (o *Optimizer) curvatureIntervals(ctx context.Context, c *cube.Cube, tpl psf.Template, ref *Refined) {
	g := ref.Best()
	steps := [3]float64{0.1, 0.1 / g.Sep * 180 / math.Pi, 0.01 * g.Flux}
	s2 := ref.Cost / float64(aperturePixels(o.cfg.Aperture))
	if s2 <= 0 {
		s2 = 1e-12
	}

	for i, iv := range []*Interval{&ref.Sep, &ref.PA, &ref.Flux} {
		lo, hi := g, g
		switch i {
		case 0:
			lo.Sep -= steps[i]
			hi.Sep += steps[i]
		case 1:
			lo.PA -= steps[i]
			hi.PA += steps[i]
		case 2:
			lo.Flux -= steps[i]
			hi.Flux += steps[i]
		}
		cl, err1 := o.cost(ctx, c, tpl, lo)
		ch, err2 := o.cost(ctx, c, tpl, hi)
		ref.Evaluations += 2
		sigma := math.NaN()
		if err1 == nil && err2 == nil {
			if curv := (cl - 2*ref.Cost + ch) / (steps[i] * steps[i]); curv > 0 {
				sigma = math.Sqrt(2 * s2 / curv)
			}
		}
		iv.Lo = iv.Mid - sigma
		iv.Hi = iv.Mid + sigma
	}
}
