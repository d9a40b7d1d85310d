// Package inject stamps synthetic point sources into frames and cubes.
//
// Injection serves two roles: positive-flux stamps build calibration
// scenes for contrast curves and end-to-end tests, and negative-flux
// stamps cancel a real candidate during flux and position refinement.
// Both go through the same bilinear subpixel placement so the two uses
// stay numerically consistent with each other.
package inject

import (
	"errors"
	"math"

	"hcipipe/pkg/cube"
	"hcipipe/pkg/psf"
)

// Stamp adds flux times the template into f, with the template center
// placed at the fractional pixel position (x, y). The template is
// resampled bilinearly, which keeps the total added flux equal to
// flux*tpl.Sum() for any subpixel offset as long as the stamp fits in
// the frame; parts extending past the frame edge are clipped.
func Stamp(f cube.Frame, tpl psf.Template, x, y, flux float64) {
	if flux == 0 || tpl.Size == 0 {
		return
	}
	tc := tpl.Center()

	// The bilinear kernel reaches one pixel past the template grid.
	x0 := int(math.Floor(x-tc)) - 1
	x1 := int(math.Ceil(x+tc)) + 1
	y0 := int(math.Floor(y-tc)) - 1
	y1 := int(math.Ceil(y+tc)) + 1
	if x0 < 0 {
		x0 = 0
	}
	if y0 < 0 {
		y0 = 0
	}
	if x1 > f.W-1 {
		x1 = f.W - 1
	}
	if y1 > f.H-1 {
		y1 = f.H - 1
	}

	for fy := y0; fy <= y1; fy++ {
		row := f.Pix[fy*f.W : (fy+1)*f.W]
		ty := tc + (float64(fy) - y)
		for fx := x0; fx <= x1; fx++ {
			if v := tpl.Sample(tc+(float64(fx)-x), ty); v != 0 {
				row[fx] += flux * v
			}
		}
	}
}

// Companion returns a copy of c with a synthetic source stamped into
// every frame. The source sits at the given separation and position
// angle as seen in the derotated result: frame i receives it at
// paDeg + c.Angles[i], so derotation brings every stamp back to paDeg.
// Negative flux injects a source-shaped hole, which is how candidate
// refinement cancels a real detection. The input cube is not modified.
func Companion(c *cube.Cube, tpl psf.Template, sep, paDeg, flux float64) (*cube.Cube, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if tpl.Size == 0 {
		return nil, errors.New("inject: empty template")
	}

	out := c.Clone()
	cx, cy := c.Center()
	for i := 0; i < out.NumFrames(); i++ {
		x, y := cube.PolarToPix(sep, paDeg+out.Angles[i], cx, cy)
		Stamp(out.Frame(i), tpl, x, y, flux)
	}
	return out, nil
}
