package llsg

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"hcipipe/pkg/cube"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// haloSpikeCube builds a rank-1 halo (a Gaussian blob with per-frame
// gain) plus a few isolated bright pixels, the canonical input the
// decomposition is meant to split.
func haloSpikeCube(t *testing.T) (*cube.Cube, func(i, x, y int) float64) {
	t.Helper()
	const w, h, n = 24, 24, 6
	halo := func(i, x, y int) float64 {
		gain := 1 + 0.05*float64(i)
		dx := float64(x) - 11.5
		dy := float64(y) - 11.5
		return gain * 3 * math.Exp(-(dx*dx+dy*dy)/(2*36))
	}
	c, err := cube.New(n, w, h, make([]float64, n))
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		f := c.Frame(i)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Set(x, y, halo(i, x, y))
			}
		}
	}
	for _, sp := range [][3]int{{1, 5, 5}, {3, 18, 7}, {4, 12, 20}} {
		f := c.Frame(sp[0])
		f.Set(sp[1], sp[2], f.At(sp[1], sp[2])+10)
	}
	return c, halo
}

func TestStepTruncatesAndThresholds(t *testing.T) {
	x := mat.NewDense(2, 2, []float64{3, 0, 0, 1})
	l := mat.NewDense(2, 2, nil)
	s := mat.NewDense(2, 2, nil)

	norm, err := step(x, l, s, 1, 0.5)
	require.NoError(t, err)

	// Rank-1 truncation keeps only the dominant singular direction.
	require.InDelta(t, 3, l.At(0, 0), 1e-12)
	require.InDelta(t, 0, l.At(1, 1), 1e-12)
	// The remainder 1 at (1,1) shrinks by lambda.
	require.InDelta(t, 0.5, s.At(1, 1), 1e-12)
	require.InDelta(t, 0, s.At(0, 0), 1e-12)
	require.InDelta(t, math.Sqrt(9.25), norm, 1e-12)
}

func TestDecomposeSeparatesHaloAndSpikes(t *testing.T) {
	c, halo := haloSpikeCube(t)
	eng, err := New(Config{Rank: 1, Lambda: 0.5, Logger: quietLogger()})
	require.NoError(t, err)

	res, err := eng.Decompose(context.Background(), c)
	require.NoError(t, err)
	require.True(t, res.Converged)

	// The three components always reassemble the input exactly.
	for i := 0; i < c.NumFrames(); i++ {
		in := c.Frame(i)
		for y := 0; y < c.H; y++ {
			for x := 0; x < c.W; x++ {
				sum := res.LowRank.Frame(i).At(x, y) + res.Sparse.Frame(i).At(x, y) + res.Noise.Frame(i).At(x, y)
				if math.Abs(sum-in.At(x, y)) > 1e-9 {
					t.Fatalf("frame %d (%d,%d): components sum to %g, input is %g", i, x, y, sum, in.At(x, y))
				}
			}
		}
	}

	// Spikes land in the sparse layer, shrunk by at most lambda.
	for _, sp := range [][3]int{{1, 5, 5}, {3, 18, 7}, {4, 12, 20}} {
		got := res.Sparse.Frame(sp[0]).At(sp[1], sp[2])
		if got < 8 {
			t.Errorf("spike in frame %d at (%d,%d) only reached %g in the sparse layer", sp[0], sp[1], sp[2], got)
		}
	}

	// Away from the spikes the sparse layer is almost entirely zero.
	nonzero := 0
	for _, v := range res.Sparse.Data() {
		if math.Abs(v) > 1e-9 {
			nonzero++
		}
	}
	total := len(res.Sparse.Data())
	if nonzero > total/100 {
		t.Errorf("sparse layer has %d of %d entries set", nonzero, total)
	}

	// The low-rank layer tracks the true halo.
	var num, den float64
	for i := 0; i < c.NumFrames(); i++ {
		f := res.LowRank.Frame(i)
		for y := 0; y < c.H; y++ {
			for x := 0; x < c.W; x++ {
				d := f.At(x, y) - halo(i, x, y)
				num += d * d
				den += halo(i, x, y) * halo(i, x, y)
			}
		}
	}
	if rel := math.Sqrt(num / den); rel > 0.05 {
		t.Errorf("low-rank layer deviates from the halo by %g relative", rel)
	}

	// Noise holds only thresholding remnants.
	for _, v := range res.Noise.Data() {
		if math.Abs(v) > 0.7 {
			t.Fatalf("noise layer carries %g, more than a threshold remnant", v)
		}
	}
}

func TestDecomposePatchTilingCoversFrameOnce(t *testing.T) {
	c, _ := haloSpikeCube(t)
	eng, err := New(Config{Rank: 1, Lambda: 0.5, PatchSize: 10, Logger: quietLogger()})
	require.NoError(t, err)

	res, err := eng.Decompose(context.Background(), c)
	require.NoError(t, err)
	require.Len(t, res.Patches, 9)

	claimed := make([]int, c.W*c.H)
	for _, st := range res.Patches {
		require.True(t, st.Converged)
		for y := st.Y0; y < st.Y0+st.H; y++ {
			for x := st.X0; x < st.X0+st.W; x++ {
				claimed[y*c.W+x]++
			}
		}
	}
	for i, n := range claimed {
		if n != 1 {
			t.Fatalf("pixel %d claimed %d times", i, n)
		}
	}

	// Identity must hold across patch seams too.
	for i := 0; i < c.NumFrames(); i++ {
		for j, want := range c.Frame(i).Pix {
			sum := res.LowRank.Frame(i).Pix[j] + res.Sparse.Frame(i).Pix[j] + res.Noise.Frame(i).Pix[j]
			if math.Abs(sum-want) > 1e-9 {
				t.Fatalf("frame %d pixel %d: components sum to %g, input is %g", i, j, sum, want)
			}
		}
	}
}

func TestDecomposeIterationCapReportsIncomplete(t *testing.T) {
	c, _ := haloSpikeCube(t)
	eng, err := New(Config{Rank: 1, Lambda: 0.5, MaxIterations: 2, Tolerance: 1e-15, Logger: quietLogger()})
	require.NoError(t, err)

	res, err := eng.Decompose(context.Background(), c)
	require.NoError(t, err)
	require.False(t, res.Converged)
	for _, st := range res.Patches {
		require.Equal(t, 2, st.Iterations)
		require.False(t, st.Converged)
	}
}

func TestDecomposeCancelledReturnsBestSoFar(t *testing.T) {
	c, _ := haloSpikeCube(t)
	eng, err := New(Config{Rank: 1, Lambda: 0.5, Logger: quietLogger()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := eng.Decompose(ctx, c)
	require.NoError(t, err)
	require.False(t, res.Converged)

	// Nothing ran, so the trivial split is returned: everything in the
	// noise layer.
	for _, st := range res.Patches {
		require.Zero(t, st.Iterations)
	}
	for _, v := range res.LowRank.Data() {
		require.Zero(t, v)
	}
	for i, v := range res.Noise.Data() {
		require.Equal(t, c.Data()[i], v)
	}
}

func TestNewValidatesConfig(t *testing.T) {
	cases := []Config{
		{Rank: 0, Lambda: 1},
		{Rank: 1, Lambda: 0},
		{Rank: 1, Lambda: -2},
		{Rank: 1, Lambda: 1, PatchSize: -4},
		{Rank: 1, Lambda: 1, MaxIterations: -1},
		{Rank: 1, Lambda: 1, Tolerance: -1e-3},
	}
	for i, cfg := range cases {
		_, err := New(cfg)
		require.ErrorIsf(t, err, ErrBadConfig, "case %d", i)
	}
}

func TestDecomposeRejectsBadCube(t *testing.T) {
	c, err := cube.New(3, 8, 8, []float64{0, 1, 2})
	require.NoError(t, err)
	c.Angles = c.Angles[:2]

	eng, err := New(Config{Rank: 1, Lambda: 1, Logger: quietLogger()})
	require.NoError(t, err)
	var dimErr *cube.DimensionError
	_, err = eng.Decompose(context.Background(), c)
	require.ErrorAs(t, err, &dimErr)
}
