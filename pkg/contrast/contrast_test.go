package contrast

import (
	"context"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/inject"
	"hcipipe/pkg/psf"
	"hcipipe/pkg/snrmap"
)

func derotateMedian(c *cube.Cube) (cube.Frame, error) {
	return derotate.DerotateAndCombine(context.Background(), c, derotate.CombineMedian, 0, 1)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func identity() SubtractFunc {
	return func(_ context.Context, c *cube.Cube) (*cube.Cube, error) {
		return c.Clone(), nil
	}
}

func noiseCube(t *testing.T, w, h, n int, sigma float64, seed uint64) *cube.Cube {
	t.Helper()
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = float64(i) * 12
	}
	c, err := cube.New(n, w, h, angles)
	require.NoError(t, err)
	rng := rand.New(rand.NewSource(int64(seed)))
	for i := 0; i < n; i++ {
		f := c.Frame(i)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				f.Set(x, y, sigma*rng.NormFloat64())
			}
		}
	}
	return c
}

func TestGenerateBracketsDetectableFlux(t *testing.T) {
	c := noiseCube(t, 64, 64, 6, 1, 11)
	tpl := psf.Gaussian(13, 4)

	gen, err := New(identity(), Config{
		Separations: []float64{12, 18},
		FluxLevels:  []float64{0.5, 1, 2, 4, 8, 16},
		FWHM:        4,
		Workers:     2,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)

	curve, err := gen.Generate(context.Background(), c, tpl)
	require.NoError(t, err)
	require.Len(t, curve, 2)

	for i, sep := range []float64{12, 18} {
		assert.Equal(t, sep, curve[i].Separation)
		// The top of the grid is loud enough and the bottom quiet
		// enough that the limit must fall strictly inside it.
		assert.Greater(t, curve[i].Contrast, 0.5)
		assert.Less(t, curve[i].Contrast, 16.0)
	}
}

// A companion injected comfortably above the reported limit must show
// up as a detection in the map statistic the curve was built from.
func TestCurveCrossConsistentWithDetectionMap(t *testing.T) {
	c := noiseCube(t, 64, 64, 6, 1, 13)
	tpl := psf.Gaussian(13, 4)
	const sep = 14.0

	gen, err := New(identity(), Config{
		Separations: []float64{sep},
		FluxLevels:  []float64{0.5, 1, 2, 4, 8, 16},
		FWHM:        4,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)
	curve, err := gen.Generate(context.Background(), c, tpl)
	require.NoError(t, err)
	limit := curve[0].Contrast
	require.False(t, math.IsNaN(limit))

	injected, err := inject.Companion(c, tpl, sep, 0, 1.5*limit)
	require.NoError(t, err)
	combined, err := derotateMedian(injected)
	require.NoError(t, err)

	est, err := snrmap.New(snrmap.Config{FWHM: 4, Logger: quietLogger()})
	require.NoError(t, err)
	snr, err := est.SNRAt(combined, sep, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, est.Significance(snr, sep), 5.0)
}

type advertisingSub struct {
	dependent bool
	calls     atomic.Int64

	once     sync.Once
	firstSum float64
}

func (s *advertisingSub) Subtract(_ context.Context, c *cube.Cube) (*cube.Cube, error) {
	s.calls.Add(1)
	s.once.Do(func() {
		for _, v := range c.Data() {
			s.firstSum += v
		}
	})
	return c.Clone(), nil
}

func (s *advertisingSub) BasisSignalDependent() bool { return s.dependent }

func TestGenerateWarmsSignalIndependentBasis(t *testing.T) {
	c := noiseCube(t, 48, 48, 4, 1, 17)
	var base float64
	for _, v := range c.Data() {
		base += v
	}
	tpl := psf.Gaussian(11, 4)
	cfg := Config{
		Separations: []float64{10},
		FluxLevels:  []float64{1, 4},
		FWHM:        4,
		Logger:      quietLogger(),
	}
	total := int64(1 * 3 * 2) // separations x default angles x flux levels

	indep := &advertisingSub{dependent: false}
	gen, err := New(indep, cfg)
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), c, tpl)
	require.NoError(t, err)
	assert.Equal(t, total+1, indep.calls.Load(), "warm pass plus one per injection")
	assert.InDelta(t, base, indep.firstSum, 1e-9, "warm pass must see the un-injected cube")

	dep := &advertisingSub{dependent: true}
	gen, err = New(dep, cfg)
	require.NoError(t, err)
	_, err = gen.Generate(context.Background(), c, tpl)
	require.NoError(t, err)
	assert.Equal(t, total, dep.calls.Load())
}

func TestGenerateProgressCallback(t *testing.T) {
	c := noiseCube(t, 48, 48, 4, 1, 19)
	tpl := psf.Gaussian(11, 4)

	gen, err := New(identity(), Config{
		Separations:    []float64{10},
		FluxLevels:     []float64{1, 4},
		PositionAngles: []float64{0, 180},
		FWHM:           4,
		Workers:        2,
		Logger:         quietLogger(),
	})
	require.NoError(t, err)

	var got []int
	gen.SetProgressCallback(func(completed, total int, message string) {
		assert.Equal(t, 4, total)
		assert.Equal(t, "injection grid", message)
		got = append(got, completed)
	})

	_, err = gen.Generate(context.Background(), c, tpl)
	require.NoError(t, err)

	sort.Ints(got)
	assert.Equal(t, []int{1, 2, 3, 4}, got)
}

func TestGenerateRejectsOutOfRange(t *testing.T) {
	c := noiseCube(t, 64, 64, 4, 1, 23)
	tpl := psf.Gaussian(11, 4)

	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"inside ring floor", Config{Separations: []float64{1, 12}, FluxLevels: []float64{1, 2}, FWHM: 4}},
		{"beyond edge", Config{Separations: []float64{12, 30}, FluxLevels: []float64{1, 2}, FWHM: 4}},
		{"inside exclusion", Config{Separations: []float64{12}, FluxLevels: []float64{1, 2}, FWHM: 4, ExclusionRadius: 14}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tc.cfg.Logger = quietLogger()
			gen, err := New(identity(), tc.cfg)
			require.NoError(t, err)
			_, err = gen.Generate(context.Background(), c, tpl)
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}
}

func TestGenerateCancelled(t *testing.T) {
	c := noiseCube(t, 48, 48, 4, 1, 29)
	tpl := psf.Gaussian(11, 4)
	gen, err := New(identity(), Config{
		Separations: []float64{10},
		FluxLevels:  []float64{1, 4},
		FWHM:        4,
		Logger:      quietLogger(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = gen.Generate(ctx, c, tpl)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	base := func() Config {
		return Config{
			Separations: []float64{10, 15},
			FluxLevels:  []float64{1, 2},
			FWHM:        4,
		}
	}
	cases := []struct {
		name   string
		sub    Subtractor
		mutate func(*Config)
	}{
		{"nil subtractor", nil, func(*Config) {}},
		{"zero fwhm", identity(), func(c *Config) { c.FWHM = 0 }},
		{"no separations", identity(), func(c *Config) { c.Separations = nil }},
		{"descending separations", identity(), func(c *Config) { c.Separations = []float64{15, 10} }},
		{"negative separation", identity(), func(c *Config) { c.Separations = []float64{-3, 10} }},
		{"single flux level", identity(), func(c *Config) { c.FluxLevels = []float64{2} }},
		{"duplicate flux levels", identity(), func(c *Config) { c.FluxLevels = []float64{2, 2} }},
		{"negative threshold", identity(), func(c *Config) { c.ThresholdSigma = -1 }},
		{"negative exclusion", identity(), func(c *Config) { c.ExclusionRadius = -2 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(&cfg)
			_, err := New(tc.sub, cfg)
			require.ErrorIsf(t, err, ErrBadConfig, "config %+v", cfg)
		})
	}
}

func TestCurveAtInterpolates(t *testing.T) {
	c := Curve{{Separation: 10, Contrast: 4}, {Separation: 20, Contrast: 8}}

	v, err := c.At(15)
	require.NoError(t, err)
	assert.InDelta(t, 6.0, v, 1e-12)

	v, err = c.At(10)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, v, 1e-12)

	v, err = c.At(20)
	require.NoError(t, err)
	assert.InDelta(t, 8.0, v, 1e-12)

	_, err = c.At(5)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = c.At(25)
	require.ErrorIs(t, err, ErrOutOfRange)

	_, err = Curve{}.At(10)
	require.ErrorIs(t, err, ErrOutOfRange)

	one := Curve{{Separation: 12, Contrast: 3}}
	v, err = one.At(12)
	require.NoError(t, err)
	assert.Equal(t, 3.0, v)
}

func TestCrossingInterpolatesFirstThresholdHit(t *testing.T) {
	flux := []float64{1, 2, 4}

	assert.InDelta(t, 1.5, crossing(flux, []float64{1, 3, 5}, 2), 1e-12)
	assert.Equal(t, 1.0, crossing(flux, []float64{3, 4, 5}, 2))
	assert.True(t, math.IsNaN(crossing(flux, []float64{1, 3, 5}, 6)))
	assert.Equal(t, 2.0, crossing(flux, []float64{math.NaN(), 3, 5}, 2))
}
