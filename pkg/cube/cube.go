// Package cube defines the core data types shared by every stage of the
// post-processing pipeline: single detector frames, temporally ordered
// image cubes with their derotation angles, and the annular regions used
// to partition frames for locally optimized processing.
//
// All pixel data is stored as flat []float64 in row-major order. The frame
// center is the point ((W-1)/2, (H-1)/2), which for odd dimensions is the
// central pixel. Position angles are measured in degrees counterclockwise
// from the +y image axis, so a source at separation r and angle theta sits
// at x = cx - r*sin(theta), y = cy + r*cos(theta).
package cube

import (
	"fmt"
	"math"
)

// DimensionError reports inputs whose shapes cannot be combined, such as
// an angle vector that does not match the frame count or a reference
// library with a different frame geometry. It is always returned eagerly,
// before any processing starts.
type DimensionError struct {
	// Op names the operation that rejected the input.
	Op string

	// Want describes the expected shape.
	Want string

	// Got describes the offending shape.
	Got string
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("%s: dimension mismatch: want %s, got %s", e.Op, e.Want, e.Got)
}

// Frame is a single 2D image with row-major pixel storage.
type Frame struct {
	// Pix holds the pixel values, indexed as Pix[y*W+x].
	Pix []float64

	// W and H are the frame dimensions in pixels.
	W, H int
}

// NewFrame allocates a zero-filled frame of the given dimensions.
func NewFrame(w, h int) Frame {
	return Frame{Pix: make([]float64, w*h), W: w, H: h}
}

// At returns the pixel value at integer coordinates (x, y).
func (f Frame) At(x, y int) float64 {
	return f.Pix[y*f.W+x]
}

// Set assigns the pixel value at integer coordinates (x, y).
func (f Frame) Set(x, y int, v float64) {
	f.Pix[y*f.W+x] = v
}

// Clone returns a frame with its own copy of the pixel data.
func (f Frame) Clone() Frame {
	out := Frame{Pix: make([]float64, len(f.Pix)), W: f.W, H: f.H}
	copy(out.Pix, f.Pix)
	return out
}

// Center returns the frame center coordinates ((W-1)/2, (H-1)/2).
func (f Frame) Center() (cx, cy float64) {
	return float64(f.W-1) / 2, float64(f.H-1) / 2
}

// Sample returns the bilinearly interpolated value at the fractional
// position (x, y). Positions outside the frame contribute zero, so samples
// near the border fade toward zero rather than clamping to edge pixels.
func (f Frame) Sample(x, y float64) float64 {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)

	var v float64
	for dy := 0; dy <= 1; dy++ {
		for dx := 0; dx <= 1; dx++ {
			xi := x0 + dx
			yi := y0 + dy
			if xi < 0 || xi >= f.W || yi < 0 || yi >= f.H {
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
			v += wx * wy * f.Pix[yi*f.W+xi]
		}
	}
	return v
}

// Cube is a temporally ordered stack of equally sized frames together with
// the metadata the pipeline needs to interpret them: one derotation angle
// per frame, an optional per-frame spectral channel index, and an optional
// reference library of star-only frames.
//
// The pixel data of all frames lives in one contiguous backing array so
// that the full cube can be viewed as an (n x W*H) matrix without copying.
// Engines treat input cubes as immutable and return new cubes.
type Cube struct {
	data []float64

	// W and H are the per-frame dimensions in pixels.
	W, H int

	// Angles holds the derotation angle of each frame in degrees.
	// Derotating frame i rotates it by -Angles[i] about the frame center.
	Angles []float64

	// Channels optionally assigns each frame to a spectral channel.
	// It is nil for pure temporal (ADI) cubes.
	Channels []int

	// Library optionally holds reference frames of other stars with the
	// same geometry, used by reference-library subtraction.
	Library *Cube
}

// New allocates a zero-filled cube of n frames of w x h pixels with a copy
// of the given angle vector, one angle per frame.
func New(n, w, h int, angles []float64) (*Cube, error) {
	if n <= 0 || w <= 0 || h <= 0 {
		return nil, &DimensionError{
			Op:   "cube.New",
			Want: "positive frame count and dimensions",
			Got:  fmt.Sprintf("n=%d w=%d h=%d", n, w, h),
		}
	}
	if len(angles) != n {
		return nil, &DimensionError{
			Op:   "cube.New",
			Want: fmt.Sprintf("%d angles", n),
			Got:  fmt.Sprintf("%d angles", len(angles)),
		}
	}
	c := &Cube{
		data:   make([]float64, n*w*h),
		W:      w,
		H:      h,
		Angles: make([]float64, n),
	}
	copy(c.Angles, angles)
	return c, nil
}

// FromFrames builds a cube by copying the given frames, which must all
// share the same dimensions.
func FromFrames(frames []Frame, angles []float64) (*Cube, error) {
	if len(frames) == 0 {
		return nil, &DimensionError{Op: "cube.FromFrames", Want: "at least one frame", Got: "0 frames"}
	}
	w, h := frames[0].W, frames[0].H
	c, err := New(len(frames), w, h, angles)
	if err != nil {
		return nil, err
	}
	for i, f := range frames {
		if f.W != w || f.H != h {
			return nil, &DimensionError{
				Op:   "cube.FromFrames",
				Want: fmt.Sprintf("%dx%d", w, h),
				Got:  fmt.Sprintf("%dx%d at frame %d", f.W, f.H, i),
			}
		}
		copy(c.data[i*w*h:(i+1)*w*h], f.Pix)
	}
	return c, nil
}

// NumFrames returns the number of frames in the cube.
func (c *Cube) NumFrames() int {
	return len(c.data) / (c.W * c.H)
}

// Frame returns a view of frame i sharing the cube's backing array.
// Callers that need to mutate the pixels must Clone the view first.
func (c *Cube) Frame(i int) Frame {
	p := c.W * c.H
	return Frame{Pix: c.data[i*p : (i+1)*p : (i+1)*p], W: c.W, H: c.H}
}

// SetFrame copies the pixels of f into frame i.
func (c *Cube) SetFrame(i int, f Frame) error {
	if f.W != c.W || f.H != c.H {
		return &DimensionError{
			Op:   "cube.SetFrame",
			Want: fmt.Sprintf("%dx%d", c.W, c.H),
			Got:  fmt.Sprintf("%dx%d", f.W, f.H),
		}
	}
	p := c.W * c.H
	copy(c.data[i*p:(i+1)*p], f.Pix)
	return nil
}

// Data exposes the contiguous backing array, ordered frame by frame in
// row-major layout. The slice aliases the cube's storage.
func (c *Cube) Data() []float64 {
	return c.data
}

// Clone returns a deep copy of the cube. The reference library, if any,
// is shared rather than copied: libraries are immutable by convention.
func (c *Cube) Clone() *Cube {
	out := &Cube{
		data:    make([]float64, len(c.data)),
		W:       c.W,
		H:       c.H,
		Angles:  make([]float64, len(c.Angles)),
		Library: c.Library,
	}
	copy(out.data, c.data)
	copy(out.Angles, c.Angles)
	if c.Channels != nil {
		out.Channels = make([]int, len(c.Channels))
		copy(out.Channels, c.Channels)
	}
	return out
}

// Center returns the frame center coordinates ((W-1)/2, (H-1)/2).
func (c *Cube) Center() (cx, cy float64) {
	return float64(c.W-1) / 2, float64(c.H-1) / 2
}

// WithLibrary returns a shallow copy of the cube with the given reference
// library attached. The library must share the cube's frame geometry.
func (c *Cube) WithLibrary(lib *Cube) (*Cube, error) {
	if lib != nil && (lib.W != c.W || lib.H != c.H) {
		return nil, &DimensionError{
			Op:   "cube.WithLibrary",
			Want: fmt.Sprintf("%dx%d library frames", c.W, c.H),
			Got:  fmt.Sprintf("%dx%d", lib.W, lib.H),
		}
	}
	out := *c
	out.Library = lib
	return &out, nil
}

// Validate checks the cube's internal consistency: a positive frame count,
// a matching angle vector, matching channel vector when present, and a
// geometry-compatible library when attached.
func (c *Cube) Validate() error {
	if c.W <= 0 || c.H <= 0 || len(c.data) == 0 {
		return &DimensionError{Op: "cube.Validate", Want: "non-empty cube", Got: "empty"}
	}
	n := c.NumFrames()
	if n*c.W*c.H != len(c.data) {
		return &DimensionError{
			Op:   "cube.Validate",
			Want: fmt.Sprintf("%d values for %d frames", n*c.W*c.H, n),
			Got:  fmt.Sprintf("%d values", len(c.data)),
		}
	}
	if len(c.Angles) != n {
		return &DimensionError{
			Op:   "cube.Validate",
			Want: fmt.Sprintf("%d angles", n),
			Got:  fmt.Sprintf("%d angles", len(c.Angles)),
		}
	}
	if c.Channels != nil && len(c.Channels) != n {
		return &DimensionError{
			Op:   "cube.Validate",
			Want: fmt.Sprintf("%d channel indices", n),
			Got:  fmt.Sprintf("%d channel indices", len(c.Channels)),
		}
	}
	if c.Library != nil && (c.Library.W != c.W || c.Library.H != c.H) {
		return &DimensionError{
			Op:   "cube.Validate",
			Want: fmt.Sprintf("%dx%d library frames", c.W, c.H),
			Got:  fmt.Sprintf("%dx%d", c.Library.W, c.Library.H),
		}
	}
	return nil
}
