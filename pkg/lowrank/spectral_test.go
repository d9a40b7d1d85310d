package lowrank

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"hcipipe/pkg/cube"
)

func TestScaleFactorsNormalization(t *testing.T) {
	got, err := ScaleFactors([]float64{1.0, 2.0, 1.6})
	require.NoError(t, err)

	want := []float64{2.0, 1.0, 1.25}
	for i := range want {
		if math.Abs(got[i]-want[i]) > 1e-12 {
			t.Errorf("factor %d: expected %g, got %g", i, want[i], got[i])
		}
	}

	// The longest wavelength always maps to exactly one.
	minF := got[0]
	for _, f := range got {
		if f < minF {
			minF = f
		}
	}
	require.Equal(t, 1.0, minF)
}

func TestScaleFactorsRejectBadInput(t *testing.T) {
	_, err := ScaleFactors(nil)
	require.ErrorIs(t, err, ErrBadConfig)
	_, err = ScaleFactors([]float64{1.0, -2.0})
	require.ErrorIs(t, err, ErrBadConfig)
}

// TestRescaleFrameMovesRadiusAndConservesFlux checks the two contracted
// properties of the geometric rescale: a feature at radius r lands at
// s*r, and the total flux is unchanged up to interpolation loss.
func TestRescaleFrameMovesRadiusAndConservesFlux(t *testing.T) {
	const (
		w, h  = 81, 81
		sep   = 6.0
		pa    = 30.0
		sigma = 1.5
		s     = 2.0
	)
	f := cube.NewFrame(w, h)
	addBlob(f, sep, pa, sigma, 4)

	before := 0.0
	for _, v := range f.Pix {
		before += v
	}

	out := rescaleFrame(f, s)
	after := 0.0
	var sw, sx, sy float64
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := out.At(x, y)
			after += v
			if v > 0 {
				sw += v
				sx += v * float64(x)
				sy += v * float64(y)
			}
		}
	}

	if math.Abs(after-before)/before > 0.02 {
		t.Errorf("flux not conserved: before %.3f, after %.3f", before, after)
	}

	cx, cy := f.Center()
	gotSep, gotPA := cube.PixToPolar(sx/sw, sy/sw, cx, cy)
	if math.Abs(gotSep-s*sep) > 0.1 {
		t.Errorf("expected separation %g after rescale, got %g", s*sep, gotSep)
	}
	if math.Abs(gotPA-pa) > 1 {
		t.Errorf("position angle changed by rescale: %g", gotPA)
	}
}

func TestRescaleFrameRoundTrip(t *testing.T) {
	f := cube.NewFrame(61, 61)
	addBlob(f, 4, 200, 5, 2)

	// Interior window only: the stretched intermediate loses the frame
	// corners, so the round trip is exact only where both samples land
	// inside the grid.
	back := rescaleFrame(rescaleFrame(f, 1.4), 1/1.4)
	for y := 14; y < 47; y++ {
		for x := 14; x < 47; x++ {
			if math.Abs(back.At(x, y)-f.At(x, y)) > 0.05 {
				t.Fatalf("round trip error %.3f at (%d,%d)", back.At(x, y)-f.At(x, y), x, y)
			}
		}
	}
}

// TestSpectralPerChannelSelfSubtraction: per-channel groups at full group
// rank must null their own frames, and the residual cube must keep the
// channel assignments.
func TestSpectralPerChannelSelfSubtraction(t *testing.T) {
	const w, h = 21, 21
	frames := make([]cube.Frame, 6)
	channels := []int{0, 0, 0, 1, 1, 1}
	for i := range frames {
		frames[i] = specklesFrame(w, h, 10, uint64(i+70))
	}
	c, err := cube.FromFrames(frames, make([]float64, 6))
	require.NoError(t, err)
	c.Channels = channels

	eng, err := New(Config{Mode: ModeSpectral, Rank: 3, Logger: quietLogger()})
	require.NoError(t, err)
	res, rep, err := eng.Subtract(context.Background(), c)
	require.NoError(t, err)
	require.Equal(t, channels, res.Channels)
	require.Equal(t, 3, rep.EffectiveRank)

	rel := frobNorm(res) / frobNorm(c)
	if rel > 1e-8 {
		t.Errorf("per-channel full-rank subtraction left residual %g", rel)
	}
}

// TestSpectralRescaledSpeckleAlignment builds channels whose speckle
// pattern scales with wavelength and checks that rescaling lets a
// cross-channel basis remove what per-channel information alone could
// not: the pattern aligns radially across channels after the rescale.
// Three distinct channels keep a rank-1 basis from nulling the cube by
// accident; it only succeeds if the rescale really aligns them.
func TestSpectralRescaledSpeckleAlignment(t *testing.T) {
	const w, h = 81, 81
	wavelengths := []float64{1, 1.25, 2}

	// Speckle radii, widths and inverse-square amplitudes all follow
	// the wavelength, as diffraction does.
	mkSpeckle := func(scale float64) cube.Frame {
		f := cube.NewFrame(w, h)
		for _, pos := range [][2]float64{{8, 40}, {12, 160}, {10, 280}} {
			addBlob(f, pos[0]*scale, pos[1], 1.8*scale, 6/(scale*scale))
		}
		return f
	}

	frames := []cube.Frame{mkSpeckle(1), mkSpeckle(1.25), mkSpeckle(2)}
	channels := []int{0, 1, 2}
	c, err := cube.FromFrames(frames, make([]float64, 3))
	require.NoError(t, err)
	c.Channels = channels

	eng, err := New(Config{
		Mode:            ModeSpectral,
		Rank:            1,
		Wavelengths:     wavelengths,
		RescaleChannels: true,
		CrossChannel:    true,
		Logger:          quietLogger(),
	})
	require.NoError(t, err)
	res, _, err := eng.Subtract(context.Background(), c)
	require.NoError(t, err)

	rel := frobNorm(res) / frobNorm(c)
	if rel > 0.1 {
		t.Errorf("rescaled cross-channel basis left residual %g of input energy", rel)
	}
}

func TestSpectralValidation(t *testing.T) {
	c, _ := cube.New(2, 10, 10, []float64{0, 0})
	eng, _ := New(Config{Mode: ModeSpectral, Rank: 1, Logger: quietLogger()})
	_, _, err := eng.Subtract(context.Background(), c)
	require.ErrorIs(t, err, ErrBadConfig)

	c.Channels = []int{0, 5}
	eng2, _ := New(Config{
		Mode: ModeSpectral, Rank: 1,
		Wavelengths: []float64{1, 1.1}, RescaleChannels: true,
		Logger: quietLogger(),
	})
	_, _, err = eng2.Subtract(context.Background(), c)
	require.ErrorIs(t, err, ErrBadConfig)
}
