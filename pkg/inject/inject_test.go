package inject

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"hcipipe/pkg/cube"
	"hcipipe/pkg/psf"
)

func frameCentroid(f cube.Frame) (x, y, total float64) {
	var sw, sx, sy float64
	for yy := 0; yy < f.H; yy++ {
		for xx := 0; xx < f.W; xx++ {
			v := f.At(xx, yy)
			sw += v
			sx += v * float64(xx)
			sy += v * float64(yy)
		}
	}
	return sx / sw, sy / sw, sw
}

func TestStampAtIntegerPositionMatchesTemplate(t *testing.T) {
	tpl := psf.Gaussian(15, 3)
	f := cube.NewFrame(31, 31)
	Stamp(f, tpl, 12, 9, 2)

	// Integer placement degenerates to direct template addition.
	tc := int(tpl.Center())
	for _, d := range [][2]int{{0, 0}, {1, 0}, {0, -2}, {-3, 3}} {
		want := 2 * tpl.At(tc+d[0], tc+d[1])
		got := f.At(12+d[0], 9+d[1])
		if math.Abs(got-want) > 1e-12 {
			t.Errorf("offset %v: expected %g, got %g", d, want, got)
		}
	}
}

func TestStampSubpixelConservesFluxAndCentroid(t *testing.T) {
	tpl := psf.Gaussian(15, 3)
	f := cube.NewFrame(41, 41)
	Stamp(f, tpl, 15.3, 20.7, 10)

	cx, cy, total := frameCentroid(f)

	// Bilinear resampling preserves both the zeroth and first moments
	// exactly while the stamp stays inside the frame.
	require.InDelta(t, 10*tpl.Sum(), total, 1e-9)
	require.InDelta(t, 15.3, cx, 1e-6)
	require.InDelta(t, 20.7, cy, 1e-6)
}

func TestStampNegativeFluxCancels(t *testing.T) {
	tpl := psf.Gaussian(11, 2.5)
	f := cube.NewFrame(25, 25)
	Stamp(f, tpl, 13.4, 8.9, 5)
	Stamp(f, tpl, 13.4, 8.9, -5)

	for i, v := range f.Pix {
		if math.Abs(v) > 1e-12 {
			t.Fatalf("pixel %d not cancelled: %g", i, v)
		}
	}
}

func TestStampClipsAtFrameEdge(t *testing.T) {
	tpl := psf.Gaussian(15, 3)
	f := cube.NewFrame(21, 21)
	Stamp(f, tpl, 1, 1, 4)

	_, _, total := frameCentroid(f)
	if total <= 0 || total >= 4*tpl.Sum() {
		t.Errorf("clipped stamp should keep part of the flux, got %g of %g", total, 4*tpl.Sum())
	}
	for _, v := range f.Pix {
		require.False(t, math.IsNaN(v))
	}
}

func TestCompanionFollowsFrameRotation(t *testing.T) {
	const (
		sep  = 10.0
		pa   = 30.0
		flux = 8.0
	)
	angles := []float64{0, 10, 20, 30, 40}
	c, err := cube.New(len(angles), 41, 41, angles)
	require.NoError(t, err)
	tpl := psf.Gaussian(15, 3)

	out, err := Companion(c, tpl, sep, pa, flux)
	require.NoError(t, err)

	cx, cy := c.Center()
	for i := 0; i < out.NumFrames(); i++ {
		wantX, wantY := cube.PolarToPix(sep, pa+angles[i], cx, cy)
		gotX, gotY, total := frameCentroid(out.Frame(i))
		require.InDeltaf(t, wantX, gotX, 1e-6, "frame %d x", i)
		require.InDeltaf(t, wantY, gotY, 1e-6, "frame %d y", i)
		require.InDeltaf(t, flux*tpl.Sum(), total, 1e-9, "frame %d flux", i)
	}

	// Source cube stays untouched.
	for _, v := range c.Data() {
		require.Zero(t, v)
	}
}

func TestCompanionRejectsBadInput(t *testing.T) {
	c, err := cube.New(3, 21, 21, []float64{0, 1, 2})
	require.NoError(t, err)

	_, err = Companion(c, psf.Template{}, 5, 0, 1)
	require.Error(t, err)

	c.Angles = c.Angles[:2]
	var dimErr *cube.DimensionError
	_, err = Companion(c, psf.Gaussian(11, 2.5), 5, 0, 1)
	require.ErrorAs(t, err, &dimErr)
}
