// Package llsg decomposes an image cube into low-rank, sparse and noise
// components by alternating minimization over spatial patches. The
// low-rank layer absorbs the slowly varying stellar halo, the sparse
// layer keeps compact signal such as companions, and the remainder is
// treated as noise. The sparse layer is what detection consumes; it
// survives subtraction tradeoffs that pure low-rank projection makes.
package llsg

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// ErrBadConfig tags configuration rejected before any processing starts.
var ErrBadConfig = errors.New("llsg: invalid configuration")

// NumericalError reports a decomposition failure on degenerate input.
type NumericalError struct {
	Op string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("llsg: %s failed to converge numerically", e.Op)
}

// Config holds the decomposition parameters. Zero values select the
// noted defaults; everything else is validated by New.
type Config struct {
	// Rank bounds the low-rank component per patch. It is clamped to
	// the patch dimensions when those cannot support it.
	Rank int

	// Lambda is the soft-threshold level separating sparse signal from
	// noise, in the flux units of the input frames.
	Lambda float64

	// PatchSize is the side of the square spatial tiles decomposed
	// independently; edge tiles are smaller. Zero decomposes each
	// frame as a single patch.
	PatchSize int

	// MaxIterations caps the alternating updates per patch.
	// Defaults to 10.
	MaxIterations int

	// Tolerance stops a patch when the relative change of its
	// reconstruction norm falls below it. Defaults to 1e-3.
	Tolerance float64

	// Workers bounds the patch goroutines; <= 0 uses all CPUs.
	Workers int

	// Progress, when set, receives per-patch completion counts. It may
	// be invoked from multiple goroutines.
	Progress func(completed, total int, message string)

	// Logger receives degraded-rank warnings. Defaults to
	// slog.Default().
	Logger *slog.Logger
}

// PatchStatus records how one spatial tile converged.
type PatchStatus struct {
	// X0, Y0, W, H are the tile bounds in frame pixels.
	X0, Y0, W, H int

	// Iterations is how many alternating updates ran.
	Iterations int

	// Converged is false when the tile hit the iteration cap or the
	// run was cancelled before the tolerance was met.
	Converged bool
}

// Result is the three-way split of the input cube. LowRank + Sparse +
// Noise reproduces the input exactly; the split, not the sum, carries
// the information. A false Converged means at least one patch returned
// its best estimate short of the tolerance, which is a usable result
// rather than an error.
type Result struct {
	LowRank *cube.Cube
	Sparse  *cube.Cube
	Noise   *cube.Cube

	Patches   []PatchStatus
	Converged bool
}

// Engine performs the decomposition for one configuration. It is safe
// for concurrent use.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New validates the configuration and returns an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Rank < 1 {
		return nil, fmt.Errorf("%w: rank must be at least 1, got %d", ErrBadConfig, cfg.Rank)
	}
	if cfg.Lambda <= 0 {
		return nil, fmt.Errorf("%w: threshold lambda must be positive, got %g", ErrBadConfig, cfg.Lambda)
	}
	if cfg.PatchSize < 0 {
		return nil, fmt.Errorf("%w: patch size must be non-negative, got %d", ErrBadConfig, cfg.PatchSize)
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.MaxIterations < 1 {
		return nil, fmt.Errorf("%w: iteration cap must be positive, got %d", ErrBadConfig, cfg.MaxIterations)
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 1e-3
	}
	if cfg.Tolerance < 0 {
		return nil, fmt.Errorf("%w: tolerance must be non-negative, got %g", ErrBadConfig, cfg.Tolerance)
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{cfg: cfg, log: log}, nil
}

// Decompose splits the cube into low-rank, sparse and noise cubes, all
// carrying the input's angles and channel assignments. Cancellation
// stops the per-patch iterations at the next boundary and the result is
// assembled from whatever each patch had reached, tagged Converged
// false; partial work is never discarded. The input is not modified.
func (e *Engine) Decompose(ctx context.Context, c *cube.Cube) (*Result, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	patches := tilePatches(c.W, c.H, e.cfg.PatchSize)
	low, err := newComponentCube(c)
	if err != nil {
		return nil, err
	}
	sparse, err := newComponentCube(c)
	if err != nil {
		return nil, err
	}
	noise, err := newComponentCube(c)
	if err != nil {
		return nil, err
	}

	n := c.NumFrames()
	minPix := patches[0].w * patches[0].h
	for _, p := range patches {
		if q := p.w * p.h; q < minPix {
			minPix = q
		}
	}
	if e.cfg.Rank > n || e.cfg.Rank > minPix {
		e.log.Warn("clamping decomposition rank to patch dimensions",
			"requested", e.cfg.Rank, "frames", n, "smallest_patch", minPix)
	}

	// The fan-out runs every patch regardless of cancellation; the
	// caller's context is honored inside the iteration loops, so a
	// cancelled run still assembles its best-so-far state.
	statuses := make([]PatchStatus, len(patches))
	err = grid.RunProgress(context.Background(), len(patches), e.cfg.Workers, e.cfg.Progress, "patch decomposition", func(pi int) error {
		return e.decomposePatch(ctx, c, patches[pi], low, sparse, noise, &statuses[pi])
	})
	if err != nil {
		return nil, err
	}

	converged := true
	for _, st := range statuses {
		if !st.Converged {
			converged = false
			break
		}
	}
	return &Result{
		LowRank:   low,
		Sparse:    sparse,
		Noise:     noise,
		Patches:   statuses,
		Converged: converged,
	}, nil
}

// decomposePatch runs the alternating updates for one tile and scatters
// the three components into the output cubes. Each tile owns a disjoint
// pixel set, so tiles write concurrently without coordination.
func (e *Engine) decomposePatch(ctx context.Context, c *cube.Cube, r patchRect, low, sparse, noise *cube.Cube, st *PatchStatus) error {
	n := c.NumFrames()
	q := r.w * r.h
	x := mat.NewDense(n, q, nil)
	for i := 0; i < n; i++ {
		gatherPatch(c.Frame(i), r, x.RawRowView(i))
	}

	k := e.cfg.Rank
	if k > n {
		k = n
	}
	if k > q {
		k = q
	}

	l := mat.NewDense(n, q, nil)
	s := mat.NewDense(n, q, nil)
	prev := math.NaN() // no comparison on the first iteration
	converged := false
	iters := 0
	for iters < e.cfg.MaxIterations {
		if ctx.Err() != nil {
			break
		}
		cur, err := step(x, l, s, k, e.cfg.Lambda)
		if err != nil {
			return err
		}
		iters++
		delta := math.Abs(cur - prev)
		if !math.IsNaN(delta) && delta <= e.cfg.Tolerance*math.Max(prev, 1e-15) {
			converged = true
			break
		}
		prev = cur
	}

	for i := 0; i < n; i++ {
		lr := l.RawRowView(i)
		sr := s.RawRowView(i)
		xr := x.RawRowView(i)
		scatterPatch(low.Frame(i), r, lr)
		scatterPatch(sparse.Frame(i), r, sr)
		g := make([]float64, q)
		for j := range g {
			g[j] = xr[j] - lr[j] - sr[j]
		}
		scatterPatch(noise.Frame(i), r, g)
	}

	*st = PatchStatus{X0: r.x0, Y0: r.y0, W: r.w, H: r.h, Iterations: iters, Converged: converged}
	return nil
}

// step advances the alternating minimization one iteration: the low-rank
// estimate is refit as the rank-k singular value truncation of X-S, the
// sparse estimate as the soft-thresholded remainder X-L, and the noise
// is whatever neither claims. It returns the Frobenius norm of L+S,
// whose stabilization is the convergence signal. The state lives
// entirely in l and s; calling step again with the same inputs yields
// the same outputs.
func step(x, l, s *mat.Dense, k int, lambda float64) (float64, error) {
	n, q := x.Dims()

	var work mat.Dense
	work.Sub(x, s)
	var svd mat.SVD
	if !svd.Factorize(&work, mat.SVDThin) {
		return 0, &NumericalError{Op: "singular value decomposition"}
	}
	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	vals := svd.Values(nil)

	var us mat.Dense
	us.Mul(u.Slice(0, n, 0, k), mat.NewDiagDense(k, vals[:k]))
	l.Mul(&us, v.Slice(0, q, 0, k).T())

	var norm float64
	for i := 0; i < n; i++ {
		xr := x.RawRowView(i)
		lr := l.RawRowView(i)
		sr := s.RawRowView(i)
		for j := 0; j < q; j++ {
			sv := soft(xr[j]-lr[j], lambda)
			sr[j] = sv
			t := lr[j] + sv
			norm += t * t
		}
	}
	return math.Sqrt(norm), nil
}

// soft is the scalar soft-threshold operator.
func soft(v, lambda float64) float64 {
	switch {
	case v > lambda:
		return v - lambda
	case v < -lambda:
		return v + lambda
	}
	return 0
}

type patchRect struct {
	x0, y0, w, h int
}

// tilePatches covers a w x h frame with size-square tiles, edge tiles
// smaller. Size <= 0 yields a single full-frame patch.
func tilePatches(w, h, size int) []patchRect {
	if size <= 0 {
		return []patchRect{{0, 0, w, h}}
	}
	var out []patchRect
	for y0 := 0; y0 < h; y0 += size {
		ph := size
		if y0+ph > h {
			ph = h - y0
		}
		for x0 := 0; x0 < w; x0 += size {
			pw := size
			if x0+pw > w {
				pw = w - x0
			}
			out = append(out, patchRect{x0, y0, pw, ph})
		}
	}
	return out
}

func gatherPatch(f cube.Frame, r patchRect, dst []float64) {
	for y := 0; y < r.h; y++ {
		src := f.Pix[(r.y0+y)*f.W+r.x0:]
		copy(dst[y*r.w:(y+1)*r.w], src[:r.w])
	}
}

func scatterPatch(f cube.Frame, r patchRect, src []float64) {
	for y := 0; y < r.h; y++ {
		dst := f.Pix[(r.y0+y)*f.W+r.x0:]
		copy(dst[:r.w], src[y*r.w:(y+1)*r.w])
	}
}

// newComponentCube allocates an output cube carrying the input's angles
// and channel assignments.
func newComponentCube(c *cube.Cube) (*cube.Cube, error) {
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
