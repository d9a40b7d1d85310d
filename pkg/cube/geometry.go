package cube

import (
	"fmt"
	"math"
)

// PolarToPix converts a (separation, position angle) pair to fractional
// pixel coordinates about the center (cx, cy). The position angle is in
// degrees counterclockwise from the +y axis.
func PolarToPix(sep, paDeg, cx, cy float64) (x, y float64) {
	theta := paDeg * math.Pi / 180
	return cx - sep*math.Sin(theta), cy + sep*math.Cos(theta)
}

// PixToPolar converts pixel coordinates to a (separation, position angle)
// pair about the center (cx, cy), with the angle normalized to [0, 360).
func PixToPolar(x, y, cx, cy float64) (sep, paDeg float64) {
	dx := x - cx
	dy := y - cy
	sep = math.Hypot(dx, dy)
	paDeg = math.Atan2(-dx, dy) * 180 / math.Pi
	if paDeg < 0 {
		paDeg += 360
	}
	return sep, paDeg
}

// Annulus is an annular region of a frame, optionally restricted to an
// azimuthal sector. Radial and azimuthal bounds are half-open intervals,
// [RIn, ROut) and [ThetaMin, ThetaMax), so that a set of tiled annuli
// assigns every covered pixel to exactly one tile.
type Annulus struct {
	// RIn and ROut bound the radial interval in pixels.
	RIn, ROut float64

	// ThetaMin and ThetaMax bound the azimuthal sector in degrees.
	// Both zero means the full circle.
	ThetaMin, ThetaMax float64
}

// Full reports whether the annulus spans the full circle.
func (a Annulus) Full() bool {
	return a.ThetaMin == 0 && a.ThetaMax == 0
}

// Contains reports whether a point at polar coordinates (r, thetaDeg)
// falls inside the annulus. thetaDeg must be normalized to [0, 360).
func (a Annulus) Contains(r, thetaDeg float64) bool {
	if r < a.RIn || r >= a.ROut {
		return false
	}
	if a.Full() {
		return true
	}
	return thetaDeg >= a.ThetaMin && thetaDeg < a.ThetaMax
}

// Pixels returns the row-major indices of all pixels of a w x h frame
// whose centers fall inside the annulus, measured from the frame center.
func (a Annulus) Pixels(w, h int) []int {
	cx := float64(w-1) / 2
	cy := float64(h-1) / 2
	var idx []int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, theta := PixToPolar(float64(x), float64(y), cx, cy)
			if a.Contains(r, theta) {
				idx = append(idx, y*w+x)
			}
		}
	}
	return idx
}

// MeanRadius returns the midpoint radius of the annulus.
func (a Annulus) MeanRadius() float64 {
	return (a.RIn + a.ROut) / 2
}

// MaxRadius returns the largest radius fully contained in a w x h frame,
// measured from the frame center. Pixels beyond it (the frame corners)
// are not covered by annular tilings.
func MaxRadius(w, h int) float64 {
	cx := float64(w-1) / 2
	cy := float64(h-1) / 2
	return math.Min(math.Min(cx, float64(w-1)-cx), math.Min(cy, float64(h-1)-cy))
}

// TileAnnuli partitions the radial range [rIn, MaxRadius] of a w x h
// frame into concentric annuli of the given width, each optionally split
// into the given number of equal azimuthal sectors. The tiles are
// returned inside-out and, within a ring, in increasing angle. Every
// pixel with rIn <= r <= MaxRadius belongs to exactly one tile.
func TileAnnuli(w, h int, rIn, width float64, sectors int) ([]Annulus, error) {
	if width <= 0 {
		return nil, fmt.Errorf("cube.TileAnnuli: annulus width must be positive, got %g", width)
	}
	if rIn < 0 {
		return nil, fmt.Errorf("cube.TileAnnuli: inner radius must be non-negative, got %g", rIn)
	}
	if sectors < 1 {
		sectors = 1
	}
	maxR := MaxRadius(w, h)
	if rIn >= maxR {
		return nil, fmt.Errorf("cube.TileAnnuli: inner radius %g exceeds usable radius %g of a %dx%d frame", rIn, maxR, w, h)
	}

	nRings := int(math.Ceil((maxR - rIn) / width))
	tiles := make([]Annulus, 0, nRings*sectors)
	for i := 0; i < nRings; i++ {
		r0 := rIn + float64(i)*width
		r1 := r0 + width
		if i == nRings-1 {
			// The outermost ring absorbs the remainder so the tiling
			// reaches MaxRadius exactly. Nudged past maxR because the
			// radial interval is half-open.
			r1 = math.Nextafter(maxR, math.Inf(1))
		}
		if sectors == 1 {
			tiles = append(tiles, Annulus{RIn: r0, ROut: r1})
			continue
		}
		step := 360.0 / float64(sectors)
		for s := 0; s < sectors; s++ {
			t0 := float64(s) * step
			t1 := t0 + step
			if s == sectors-1 {
				t1 = 360
			}
			tiles = append(tiles, Annulus{RIn: r0, ROut: r1, ThetaMin: t0, ThetaMax: t1})
		}
	}
	return tiles, nil
}
