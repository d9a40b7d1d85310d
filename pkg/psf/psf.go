// Package psf models the instrumental point spread function as a small
// square template image. Templates are either measured off-axis stamps
// supplied by the caller or synthetic profiles generated here, and they
// feed both companion injection and the matched detection statistics.
package psf

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Template is a square PSF stamp with row-major pixel storage. The
// template center is ((Size-1)/2, (Size-1)/2), so odd sizes center the
// profile on a pixel.
type Template struct {
	// Pix holds the stamp values, indexed as Pix[y*Size+x].
	Pix []float64

	// Size is the side length in pixels.
	Size int
}

// New wraps existing pixel data as a template. The data length must be a
// perfect square.
func New(pix []float64) (Template, error) {
	size := int(math.Round(math.Sqrt(float64(len(pix)))))
	if size*size != len(pix) || size == 0 {
		return Template{}, fmt.Errorf("psf.New: %d values do not form a square stamp", len(pix))
	}
	return Template{Pix: pix, Size: size}, nil
}

// At returns the stamp value at integer coordinates (x, y).
func (t Template) At(x, y int) float64 {
	return t.Pix[y*t.Size+x]
}

// Center returns the stamp center coordinate, identical along both axes.
func (t Template) Center() float64 {
	return float64(t.Size-1) / 2
}

// Sum returns the total flux of the stamp.
func (t Template) Sum() float64 {
	return floats.Sum(t.Pix)
}

// Peak returns the maximum stamp value, -Inf for an empty template.
func (t Template) Peak() float64 {
	if len(t.Pix) == 0 {
		return math.Inf(-1)
	}
	return floats.Max(t.Pix)
}

// Clone returns a template with its own copy of the pixel data.
func (t Template) Clone() Template {
	out := Template{Pix: make([]float64, len(t.Pix)), Size: t.Size}
	copy(out.Pix, t.Pix)
	return out
}

// NormalizeSum scales the template so its total flux is one. A template
// with zero or negative total flux cannot be normalized.
func (t Template) NormalizeSum() (Template, error) {
	s := t.Sum()
	if s <= 0 {
		return Template{}, fmt.Errorf("psf.NormalizeSum: non-positive template flux %g", s)
	}
	out := t.Clone()
	for i := range out.Pix {
		out.Pix[i] /= s
	}
	return out, nil
}

// NormalizePeak scales the template so its maximum value is one.
func (t Template) NormalizePeak() (Template, error) {
	p := t.Peak()
	if p <= 0 {
		return Template{}, fmt.Errorf("psf.NormalizePeak: non-positive template peak %g", p)
	}
	out := t.Clone()
	for i := range out.Pix {
		out.Pix[i] /= p
	}
	return out, nil
}

// Sample returns the bilinearly interpolated stamp value at the
// fractional position (x, y), zero outside the stamp.
func (t Template) Sample(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	var v float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			xi := x0 + dx
			yi := y0 + dy
			if xi < 0 || xi >= t.Size || yi < 0 || yi >= t.Size {
				continue
			}
			wx := 1 - fx
			if dx == 1 {
				wx = fx
			}
			wy := 1 - fy
			if dy == 1 {
				wy = fy
			}
			v += wx * wy * t.Pix[yi*t.Size+xi]
		}
	}
	return v
}

// Shift returns the template translated by (dx, dy) pixels using bilinear
// resampling, with zero fill at the stamp border.
func (t Template) Shift(dx, dy float64) Template {
	out := Template{Pix: make([]float64, len(t.Pix)), Size: t.Size}
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			out.Pix[y*t.Size+x] = t.Sample(float64(x)-dx, float64(y)-dy)
		}
	}
	return out
}

// FWHM estimates the full width at half maximum from flux-weighted second
// moments of the stamp, assuming a roughly circular profile. Negative
// values are clipped to zero weight so noisy measured stamps stay usable.
func (t Template) FWHM() float64 {
	c := t.Center()
	var sw, sx2, sy2 float64
	for y := 0; y < t.Size; y++ {
		for x := 0; x < t.Size; x++ {
			w := t.Pix[y*t.Size+x]
			if w <= 0 {
				continue
			}
			dx := float64(x) - c
			dy := float64(y) - c
			sw += w
			sx2 += w * dx * dx
			sy2 += w * dy * dy
		}
	}
	if sw == 0 {
		return 0
	}
	sigma := math.Sqrt((sx2 + sy2) / (2 * sw))
	return sigma * 2 * math.Sqrt(2*math.Ln2)
}

// Gaussian synthesizes a circular Gaussian template of the given stamp
// size and full width at half maximum, normalized to unit peak.
func Gaussian(size int, fwhm float64) Template {
	t := Template{Pix: make([]float64, size*size), Size: size}
	c := t.Center()
	sigma := fwhm / (2 * math.Sqrt(2*math.Ln2))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) - c
			dy := float64(y) - c
			t.Pix[y*size+x] = math.Exp(-(dx*dx + dy*dy) / (2 * sigma * sigma))
		}
	}
	return t
}

// Moffat synthesizes a circular Moffat template of the given stamp size,
// full width at half maximum and concentration index beta, normalized to
// unit peak. Larger beta approaches a Gaussian core; beta near one keeps
// the broad wings typical of ground-based seeing.
func Moffat(size int, fwhm, beta float64) Template {
	t := Template{Pix: make([]float64, size*size), Size: size}
	c := t.Center()
	alpha := fwhm / (2 * math.Sqrt(math.Pow(2, 1/beta)-1))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			dx := float64(x) - c
			dy := float64(y) - c
			r2 := (dx*dx + dy*dy) / (alpha * alpha)
			t.Pix[y*size+x] = math.Pow(1+r2, -beta)
		}
	}
	return t
}
