// Package snrmap turns a combined residual frame into a per-pixel
// detection-significance map. Each pixel is compared against a ring of
// same-sized apertures at its own radius, so the noise estimate always
// comes from resolution elements that share the pixel's radial
// statistics. At small radii only a handful of independent apertures
// exist; the sample standard deviation and a Student's t treatment keep
// the false-positive rate honest there instead of assuming Gaussian
// statistics that the small sample cannot support.
package snrmap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

var (
	// ErrBadConfig tags configuration rejected before any processing.
	ErrBadConfig = errors.New("snrmap: invalid configuration")

	// ErrOutOfRange reports a point query outside the usable field.
	ErrOutOfRange = errors.New("snrmap: position outside the usable field")
)

// Config holds the estimator parameters.
type Config struct {
	// FWHM is the aperture diameter in pixels, normally the width of
	// one resolution element of the instrument PSF.
	FWHM float64

	// ExclusionRadius marks pixels closer to the center as undefined,
	// on top of the radii the ring statistic cannot serve anyway. Zero
	// adds no extra exclusion.
	ExclusionRadius float64

	// Workers bounds the row goroutines; <= 0 uses all CPUs.
	Workers int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Map is the per-pixel significance of a frame, alongside the aperture
// flux image it was derived from. Undefined pixels hold NaN in SNR.
type Map struct {
	// SNR is the small-sample-corrected signal-to-noise per pixel.
	SNR cube.Frame

	// Flux is the diameter-FWHM aperture flux per pixel, kept because
	// candidate photometry and point queries read it.
	Flux cube.Frame

	// FWHM is the aperture diameter the map was built with.
	FWHM float64
}

// At returns the significance at a pixel; NaN where undefined.
func (m *Map) At(x, y int) float64 { return m.SNR.At(x, y) }

// Estimator computes detection maps and point significances for one
// configuration. It is safe for concurrent use.
type Estimator struct {
	cfg Config
	log *slog.Logger
}

// New validates the configuration and returns an estimator.
func New(cfg Config) (*Estimator, error) {
	if cfg.FWHM <= 0 {
		return nil, fmt.Errorf("%w: aperture fwhm must be positive, got %g", ErrBadConfig, cfg.FWHM)
	}
	if cfg.ExclusionRadius < 0 {
		return nil, fmt.Errorf("%w: exclusion radius must be non-negative, got %g", ErrBadConfig, cfg.ExclusionRadius)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Estimator{cfg: cfg, log: log}, nil
}

// Compute builds the significance map of a frame. Rows are processed in
// parallel; cancellation is honored between rows.
func (e *Estimator) Compute(ctx context.Context, f cube.Frame) (*Map, error) {
	if f.W <= 0 || f.H <= 0 || len(f.Pix) != f.W*f.H {
		return nil, &cube.DimensionError{
			Op:   "snrmap.Compute",
			Want: "non-empty frame with matching pixel count",
			Got:  fmt.Sprintf("%dx%d with %d pixels", f.W, f.H, len(f.Pix)),
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m := &Map{
		SNR:  cube.NewFrame(f.W, f.H),
		Flux: fluxMap(f, e.cfg.FWHM),
		FWHM: e.cfg.FWHM,
	}
	cx, cy := f.Center()
	err := grid.Run(ctx, f.H, e.cfg.Workers, func(y int) error {
		row := m.SNR.Pix[y*f.W : (y+1)*f.W]
		for x := 0; x < f.W; x++ {
			sep, pa := cube.PixToPolar(float64(x), float64(y), cx, cy)
			snr, ok := e.snrRing(m.Flux, sep, pa)
			if !ok {
				row[x] = math.NaN()
				continue
			}
			row[x] = snr
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// SNRAt evaluates the ring statistic at a single polar position of a
// frame, without building the full per-pixel map. The aperture flux
// image is still computed once for the whole frame so the flux
// definition matches Compute exactly.
func (e *Estimator) SNRAt(f cube.Frame, sep, paDeg float64) (float64, error) {
	if f.W <= 0 || f.H <= 0 || len(f.Pix) != f.W*f.H {
		return 0, &cube.DimensionError{
			Op:   "snrmap.SNRAt",
			Want: "non-empty frame with matching pixel count",
			Got:  fmt.Sprintf("%dx%d with %d pixels", f.W, f.H, len(f.Pix)),
		}
	}
	snr, ok := e.snrRing(fluxMap(f, e.cfg.FWHM), sep, paDeg)
	if !ok {
		return 0, fmt.Errorf("%w: separation %.2f px in a %dx%d frame", ErrOutOfRange, sep, f.W, f.H)
	}
	return snr, nil
}

// apertures returns how many non-overlapping diameter-FWHM apertures
// fit on the ring at the given separation.
func (e *Estimator) apertures(sep float64) int {
	return int(math.Floor(2 * math.Pi * sep / e.cfg.FWHM))
}

// background returns the background-aperture count at a separation: the
// ring population minus the test aperture and its two neighbors.
func (e *Estimator) background(sep float64) int {
	return e.apertures(sep) - 3
}

// Usable reports whether the ring statistic is defined at a separation
// for frames whose largest fully sampled radius is maxR.
func (e *Estimator) Usable(sep, maxR float64) bool {
	if sep < e.cfg.ExclusionRadius {
		return false
	}
	if sep+e.cfg.FWHM/2 > maxR {
		return false
	}
	return e.background(sep) >= 2
}

// snrRing evaluates the Mawet et al. small-sample statistic at one
// position: the test aperture flux against the mean and sample standard
// deviation of the remaining ring apertures, inflated by sqrt(1+1/n).
func (e *Estimator) snrRing(flux cube.Frame, sep, paDeg float64) (float64, bool) {
	cx, cy := flux.Center()
	maxR := cube.MaxRadius(flux.W, flux.H)
	if !e.Usable(sep, maxR) {
		return 0, false
	}

	n := e.apertures(sep)
	stepDeg := 360.0 / float64(n)
	bg := make([]float64, 0, n-3)
	var test float64
	for j := 0; j < n; j++ {
		x, y := cube.PolarToPix(sep, paDeg+float64(j)*stepDeg, cx, cy)
		v := flux.Sample(x, y)
		switch j {
		case 0:
			test = v
		case 1, n - 1:
			// Immediate neighbors share flux with the test aperture
			// and would bias the noise estimate.
		default:
			bg = append(bg, v)
		}
	}

	mean := stat.Mean(bg, nil)
	sd := math.Sqrt(stat.Variance(bg, nil))
	noise := sd * math.Sqrt(1+1/float64(len(bg)))
	return (test - mean) / noise, true
}

// Significance converts a ring t-statistic at a separation into its
// Gaussian-equivalent sigma. Far from the center the two agree; close
// in, few background apertures exist and the same t value is worth
// fewer sigma.
func (e *Estimator) Significance(snr, sep float64) float64 {
	nu := float64(e.background(sep) - 1)
	if nu < 1 || math.IsNaN(snr) {
		return math.NaN()
	}
	if math.IsInf(snr, 0) {
		return snr
	}
	p := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}.CDF(snr)
	return distuv.UnitNormal.Quantile(p)
}

// CorrectedThreshold is the inverse of Significance: the ring t-value a
// detection must reach at a separation for the stated Gaussian-
// equivalent sigma. Detection thresholds and contrast curves use this
// so "5 sigma" keeps its false-positive meaning at small separations.
func (e *Estimator) CorrectedThreshold(sigma, sep float64) float64 {
	nu := float64(e.background(sep) - 1)
	if nu < 1 {
		return math.NaN()
	}
	p := distuv.UnitNormal.CDF(sigma)
	return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}.Quantile(p)
}
