// Package derotate aligns the frames of an angular sequence to a common
// sky orientation and collapses them into a single image. Derotation is
// what turns quasi-static residual speckles into a smooth background
// while real sources, which track the rotation, stack coherently.
package derotate

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// CombineMethod selects how the aligned frames are collapsed per pixel.
type CombineMethod int

const (
	// CombineMedian takes the per-pixel median, the robust default.
	CombineMedian CombineMethod = iota

	// CombineMean takes the per-pixel arithmetic mean.
	CombineMean

	// CombineTrimmed takes the per-pixel mean after discarding a
	// fraction of the sorted values at each end.
	CombineTrimmed
)

// Rotate returns the frame rotated counterclockwise by thetaDeg about the
// frame center, using bilinear resampling with zero fill for source
// positions outside the frame.
func Rotate(f cube.Frame, thetaDeg float64) cube.Frame {
	out := cube.NewFrame(f.W, f.H)
	cx, cy := f.Center()
	theta := thetaDeg * math.Pi / 180
	cos := math.Cos(theta)
	sin := math.Sin(theta)

	for y := 0; y < f.H; y++ {
		dy := float64(y) - cy
		for x := 0; x < f.W; x++ {
			dx := float64(x) - cx
			// Inverse mapping: rotate the output position by -theta to
			// find where it came from in the input.
			sx := cx + cos*dx + sin*dy
			sy := cy - sin*dx + cos*dy
			out.Pix[y*f.W+x] = f.Sample(sx, sy)
		}
	}
	return out
}

// Derotate rotates every frame i by -Angles[i], aligning all frames to
// the orientation of a zero-angle sky. Frames are processed in parallel
// across at most workers goroutines (all CPUs when workers <= 0). The
// returned cube carries zeroed angles: its rotation has been consumed.
func Derotate(ctx context.Context, c *cube.Cube, workers int) (*cube.Cube, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	n := c.NumFrames()
	out, err := cube.New(n, c.W, c.H, make([]float64, n))
	if err != nil {
		return nil, err
	}

	err = grid.Run(ctx, n, workers, func(i int) error {
		rot := Rotate(c.Frame(i), -c.Angles[i])
		return out.SetFrame(i, rot)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Combine collapses a cube into one frame with the given method. trimFrac
// is the fraction of sorted values discarded at each end per pixel and is
// only consulted by CombineTrimmed, where it must lie in [0, 0.5).
func Combine(c *cube.Cube, method CombineMethod, trimFrac float64) (cube.Frame, error) {
	if err := c.Validate(); err != nil {
		return cube.Frame{}, err
	}
	if method == CombineTrimmed && (trimFrac < 0 || trimFrac >= 0.5) {
		return cube.Frame{}, fmt.Errorf("derotate.Combine: trim fraction %g outside [0, 0.5)", trimFrac)
	}

	n := c.NumFrames()
	p := c.W * c.H
	out := cube.NewFrame(c.W, c.H)
	data := c.Data()

	column := make([]float64, n)
	for px := 0; px < p; px++ {
		for i := 0; i < n; i++ {
			column[i] = data[i*p+px]
		}
		switch method {
		case CombineMean:
			out.Pix[px] = stat.Mean(column, nil)
		case CombineMedian:
			out.Pix[px] = median(column)
		case CombineTrimmed:
			sort.Float64s(column)
			cut := int(math.Floor(trimFrac * float64(n)))
			out.Pix[px] = stat.Mean(column[cut:n-cut], nil)
		default:
			return cube.Frame{}, fmt.Errorf("derotate.Combine: unknown method %d", method)
		}
	}
	return out, nil
}

// median sorts values in place and returns their median, averaging the
// two middle values for even counts.
func median(values []float64) float64 {
	sort.Float64s(values)
	n := len(values)
	if n == 0 {
		return 0
	}
	if n%2 == 0 {
		return (values[n/2-1] + values[n/2]) / 2
	}
	return values[n/2]
}

// DerotateAndCombine is the common tail of every subtraction pipeline:
// align the frames and collapse them in one call.
func DerotateAndCombine(ctx context.Context, c *cube.Cube, method CombineMethod, trimFrac float64, workers int) (cube.Frame, error) {
	derot, err := Derotate(ctx, c, workers)
	if err != nil {
		return cube.Frame{}, err
	}
	return Combine(derot, method, trimFrac)
}
