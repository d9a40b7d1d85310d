package negfc

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/stat"

	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/psf"
)

// stretchA is the stretch-move scale of the ensemble sampler. Proposals
// draw z in [1/a, a] with density proportional to 1/sqrt(z).
const stretchA = 2.0

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// optimizeSample explores the posterior over (sep, pa, flux) with an
// affine-invariant ensemble: each walker proposes a stretch move along
// the line to a random companion walker, and the chain of accepted
// positions yields 16/50/84 percentile intervals. The likelihood is a
// Gaussian on the aperture residual with a noise scale measured from an
// annulus at the candidate separation.
func (o *Optimizer) optimizeSample(ctx context.Context, c *cube.Cube, tpl psf.Template, initial Guess) (*Refined, error) {
	sigma2, evals, err := o.noiseVariance(ctx, c, initial)
	if err != nil {
		if isCancel(err) {
			return pointRefined(initial, math.NaN(), evals, false), nil
		}
		return nil, err
	}

	box := o.priorBox(initial)
	sc := o.scales(initial)
	rng := rand.New(rand.NewSource(int64(o.cfg.Seed)))

	best := initial
	bestCost := math.Inf(1)
	evalLn := func(p [3]float64) (float64, error) {
		g := Guess{Sep: p[0], PA: p[1], Flux: p[2]}
		cst, err := o.cost(ctx, c, tpl, g)
		if err != nil {
			return 0, err
		}
		evals++
		if cst < bestCost {
			bestCost, best = cst, g
		}
		return -cst / (2 * sigma2), nil
	}

	// Walkers start in a tight ball around the guess, clamped into the
	// prior box.
	nw := o.cfg.Walkers
	walkers := make([][3]float64, nw)
	lnp := make([]float64, nw)
	for k := range walkers {
		p := [3]float64{initial.Sep, initial.PA, initial.Flux}
		for i := range p {
			p[i] += 1e-2 * sc[i] * rng.NormFloat64()
			p[i] = math.Min(math.Max(p[i], box[i][0]), box[i][1])
		}
		v, err := evalLn(p)
		if err != nil {
			if isCancel(err) {
				return pointRefined(best, bestCost, evals, false), nil
			}
			return nil, err
		}
		walkers[k] = p
		lnp[k] = v
	}

	steps := o.cfg.MaxIterations
	chain := make([][3]float64, 0, nw*steps)
	cancelled := false

sampling:
	for s := 0; s < steps; s++ {
		for k := 0; k < nw; k++ {
			if ctx.Err() != nil {
				cancelled = true
				break sampling
			}
			j := rng.Intn(nw - 1)
			if j >= k {
				j++
			}
			z := rng.Float64()*(stretchA-1) + 1
			z = z * z / stretchA
			var prop [3]float64
			inBox := true
			for i := range prop {
				prop[i] = walkers[j][i] + z*(walkers[k][i]-walkers[j][i])
				if prop[i] < box[i][0] || prop[i] > box[i][1] {
					inBox = false
				}
			}
			if !inBox {
				continue
			}
			v, err := evalLn(prop)
			if err != nil {
				if isCancel(err) {
					cancelled = true
					break sampling
				}
				return nil, err
			}
			// z^(d-1) with d = 3 parameters.
			if math.Log(rng.Float64()) < 2*math.Log(z)+v-lnp[k] {
				walkers[k] = prop
				lnp[k] = v
			}
		}
		for k := range walkers {
			chain = append(chain, walkers[k])
		}
	}

	o.log.Debug("sampling finished",
		"steps", len(chain)/nw, "evaluations", evals, "cancelled", cancelled)
	return o.chainRefined(chain, best, bestCost, evals, cancelled), nil
}

// noiseVariance estimates the per-pixel residual variance in an annulus
// at the candidate separation, excluding the aperture around the
// candidate itself, from one pipeline pass without any injection. The
// variance is floored so that noise-free synthetic cubes still sample.
func (o *Optimizer) noiseVariance(ctx context.Context, c *cube.Cube, g Guess) (float64, int, error) {
	resid, err := o.sub.Subtract(ctx, c)
	if err != nil {
		return 0, 0, err
	}
	combined, err := derotate.DerotateAndCombine(ctx, resid, o.cfg.Combine, o.cfg.TrimFrac, o.cfg.Workers)
	if err != nil {
		return 0, 0, err
	}

	cx, cy := combined.Center()
	px, py := cube.PolarToPix(g.Sep, g.PA, cx, cy)
	half := o.cfg.FWHM / 2
	ap2 := o.cfg.Aperture * o.cfg.Aperture
	var vals []float64
	for y := 0; y < combined.H; y++ {
		for x := 0; x < combined.W; x++ {
			r := math.Hypot(float64(x)-cx, float64(y)-cy)
			if math.Abs(r-g.Sep) > half {
				continue
			}
			dx := float64(x) - px
			dy := float64(y) - py
			if dx*dx+dy*dy <= ap2 {
				continue
			}
			vals = append(vals, combined.At(x, y))
		}
	}
	if len(vals) < 2 {
		return 0, 1, fmt.Errorf("negfc: no noise annulus at separation %g in a %dx%d frame",
			g.Sep, combined.W, combined.H)
	}
	v := stat.Variance(vals, nil)
	if v < 1e-12 {
		v = 1e-12
	}
	return v, 1, nil
}

// priorBox is the uniform support of the sampler: the search radius in
// separation, the matching arc in angle, the flux span in flux.
func (o *Optimizer) priorBox(g Guess) [3][2]float64 {
	r := o.cfg.SearchRadius
	dpa := r / g.Sep * 180 / math.Pi
	sepLo := g.Sep - r
	if sepLo <= 0 {
		sepLo = 1e-3
	}
	return [3][2]float64{
		{sepLo, g.Sep + r},
		{g.PA - dpa, g.PA + dpa},
		{g.Flux / o.cfg.FluxSpan, g.Flux * o.cfg.FluxSpan},
	}
}

// chainRefined summarizes the chain into percentile intervals and the
// convergence diagnostic. Too short a chain falls back to the best
// point seen.
func (o *Optimizer) chainRefined(chain [][3]float64, best Guess, bestCost float64, evals int, cancelled bool) *Refined {
	nw := o.cfg.Walkers
	done := len(chain) / nw
	burn := int(float64(done) * o.cfg.Burn)
	post := chain[burn*nw:]
	postSteps := len(post) / nw
	if postSteps < 2 {
		return pointRefined(best, bestCost, evals, false)
	}

	// Integrated autocorrelation time of the walker-averaged series,
	// worst parameter; the estimate on the first half of the chain
	// cross-checks its stability.
	var tau, tauHalf float64
	for i := 0; i < 3; i++ {
		tau = math.Max(tau, autocorrTime(walkerMeans(post, nw, i)))
		tauHalf = math.Max(tauHalf, autocorrTime(walkerMeans(post[:(postSteps/2)*nw], nw, i)))
	}
	converged := !cancelled &&
		float64(postSteps) >= 50*tau &&
		math.Abs(tau-tauHalf) <= 0.5*tau

	ref := &Refined{
		Cost:        bestCost,
		Evaluations: evals,
		Converged:   converged,
		Tau:         tau,
	}
	for i, iv := range []*Interval{&ref.Sep, &ref.PA, &ref.Flux} {
		vals := column(post, i)
		sort.Float64s(vals)
		iv.Lo = stat.Quantile(0.16, stat.Empirical, vals, nil)
		iv.Mid = stat.Quantile(0.5, stat.Empirical, vals, nil)
		iv.Hi = stat.Quantile(0.84, stat.Empirical, vals, nil)
	}
	return ref
}

// walkerMeans averages one parameter over the ensemble at each step.
func walkerMeans(samples [][3]float64, nw, param int) []float64 {
	steps := len(samples) / nw
	out := make([]float64, steps)
	for s := 0; s < steps; s++ {
		var m float64
		for k := 0; k < nw; k++ {
			m += samples[s*nw+k][param]
		}
		out[s] = m / float64(nw)
	}
	return out
}

func column(samples [][3]float64, param int) []float64 {
	out := make([]float64, len(samples))
	for i, p := range samples {
		out[i] = p[param]
	}
	return out
}

// autocorrTime is the initial-positive-sequence estimate of the
// integrated autocorrelation time, in steps. A constant series counts
// as uncorrelated; series too short to estimate report their own
// length, which never passes the convergence check.
func autocorrTime(series []float64) float64 {
	n := len(series)
	if n < 4 {
		return float64(n + 1)
	}
	mean := stat.Mean(series, nil)
	var c0 float64
	for _, v := range series {
		d := v - mean
		c0 += d * d
	}
	c0 /= float64(n)
	if c0 <= 0 {
		return 1
	}
	tau := 1.0
	for t := 1; t < n/3; t++ {
		var ct float64
		for s := 0; s+t < n; s++ {
			ct += (series[s] - mean) * (series[s+t] - mean)
		}
		ct /= float64(n - t)
		rho := ct / c0
		if rho <= 0 {
			break
		}
		tau += 2 * rho
	}
	return tau
}
