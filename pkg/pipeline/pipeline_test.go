package pipeline

import (
	"context"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hcipipe/pkg/config"
	"hcipipe/pkg/cube"
	"hcipipe/pkg/derotate"
	"hcipipe/pkg/inject"
	"hcipipe/pkg/llsg"
	"hcipipe/pkg/lowrank"
	"hcipipe/pkg/negfc"
	"hcipipe/pkg/psf"
	"hcipipe/pkg/snrmap"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// sceneCube builds n flat frames whose field rotates through the given
// span, with one companion injected at the given polar position.
func sceneCube(t *testing.T, n, w, h int, span float64, tpl psf.Template, sep, pa, flux float64) *cube.Cube {
	t.Helper()
	angles := make([]float64, n)
	for i := range angles {
		angles[i] = span * float64(i) / float64(n-1)
	}
	c, err := cube.New(n, w, h, angles)
	require.NoError(t, err)
	out, err := inject.Companion(c, tpl, sep, pa, flux)
	require.NoError(t, err)
	return out
}

func lowRankRunner(t *testing.T, rank int) *Runner {
	t.Helper()
	r, err := New(Config{
		Algorithm: AlgorithmLowRank,
		LowRank:   lowrank.Config{Mode: lowrank.ModeFullFrame, Rank: rank},
		Detection: snrmap.Config{FWHM: 4, ExclusionRadius: 4},
		Refinement: negfc.Config{
			MaxIterations:  400,
			MaxEvaluations: 1200,
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return r
}

// TestRunFindsInjectedCompanion drives the full chain on a flat
// 50-frame cube with a single bright companion: the combined frame
// peaks at the companion, the detection list leads with it, and
// refinement recovers flux to 1% and position to a tenth of a pixel.
func TestRunFindsInjectedCompanion(t *testing.T) {
	if testing.Short() {
		t.Skip("full pipeline scenario is slow")
	}

	tpl := psf.Gaussian(15, 4)
	const sep, pa, flux = 20.0, 40.0, 100.0
	c := sceneCube(t, 50, 100, 100, 90, tpl, sep, pa, flux)

	r := lowRankRunner(t, 1)
	res, err := r.Run(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, res.Report)
	require.Nil(t, res.Decomposition)

	cx, cy := c.Center()
	wantX, wantY := cube.PolarToPix(sep, pa, cx, cy)

	// The combined frame must peak at the injection site.
	peakX, peakY := 0, 0
	peak := math.Inf(-1)
	for y := 0; y < res.Combined.H; y++ {
		for x := 0; x < res.Combined.W; x++ {
			if v := res.Combined.At(x, y); v > peak {
				peak, peakX, peakY = v, x, y
			}
		}
	}
	assert.Less(t, math.Hypot(float64(peakX)-wantX, float64(peakY)-wantY), 1.5,
		"combined peak away from the injection site")

	require.NotEmpty(t, res.Candidates)
	top := res.Candidates[0]
	assert.GreaterOrEqual(t, top.SNR, 5.0)
	assert.InDelta(t, sep, top.Sep, 1.0)
	gotX, gotY := cube.PolarToPix(top.Sep, top.PA, cx, cy)
	assert.Less(t, math.Hypot(gotX-wantX, gotY-wantY), 1.5,
		"top candidate away from the injection site")

	ref, err := r.Refine(context.Background(), c, tpl, top)
	require.NoError(t, err)
	require.True(t, ref.Converged)

	best := ref.Best()
	assert.InDelta(t, flux, best.Flux, 0.01*flux)
	refX, refY := cube.PolarToPix(best.Sep, best.PA, cx, cy)
	assert.Less(t, math.Hypot(refX-wantX, refY-wantY), 0.1,
		"refined position off by more than a tenth of a pixel")
}

func TestRunLLSGUsesSparseLayer(t *testing.T) {
	tpl := psf.Gaussian(11, 3)
	c := sceneCube(t, 8, 40, 40, 70, tpl, 10, 210, 25)

	r, err := New(Config{
		Algorithm: AlgorithmLLSG,
		LLSG:      llsg.Config{Rank: 2, Lambda: 0.5},
		Detection: snrmap.Config{FWHM: 3, ExclusionRadius: 3},
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	res, err := r.Run(context.Background(), c)
	require.NoError(t, err)
	require.NotNil(t, res.Decomposition)
	require.Nil(t, res.Report)
	assert.Same(t, res.Decomposition.Sparse, res.Residuals,
		"detection must consume the sparse layer")
	assert.Equal(t, c.NumFrames(), res.Residuals.NumFrames())
}

func TestSubtractorMatchesAlgorithm(t *testing.T) {
	tpl := psf.Gaussian(11, 3)
	c := sceneCube(t, 6, 32, 32, 60, tpl, 8, 100, 10)

	t.Run("lowrank residuals", func(t *testing.T) {
		r := lowRankRunner(t, 2)
		got, err := r.Subtractor().Subtract(context.Background(), c)
		require.NoError(t, err)
		want, _, err := r.lr.Subtract(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, want.Data(), got.Data())
	})

	t.Run("llsg sparse layer", func(t *testing.T) {
		r, err := New(Config{
			Algorithm: AlgorithmLLSG,
			LLSG:      llsg.Config{Rank: 1, Lambda: 0.5},
			Detection: snrmap.Config{FWHM: 3},
			Logger:    quietLogger(),
		})
		require.NoError(t, err)
		got, err := r.Subtractor().Subtract(context.Background(), c)
		require.NoError(t, err)
		dec, err := r.lg.Decompose(context.Background(), c)
		require.NoError(t, err)
		assert.Equal(t, dec.Sparse.Data(), got.Data())
		assert.True(t, r.Subtractor().BasisSignalDependent())
	})

	t.Run("basis dependence by mode", func(t *testing.T) {
		r := lowRankRunner(t, 2)
		assert.True(t, r.Subtractor().BasisSignalDependent())

		lib, err := New(Config{
			Algorithm: AlgorithmLowRank,
			LowRank:   lowrank.Config{Mode: lowrank.ModeReferenceLibrary, Rank: 2},
			Detection: snrmap.Config{FWHM: 4},
			Logger:    quietLogger(),
		})
		require.NoError(t, err)
		assert.False(t, lib.Subtractor().BasisSignalDependent())
	})
}

func TestNewFillsEngineDefaults(t *testing.T) {
	r, err := New(Config{
		Algorithm: AlgorithmLowRank,
		LowRank:   lowrank.Config{Mode: lowrank.ModeFullFrame, Rank: 2},
		Detection: snrmap.Config{FWHM: 4, ExclusionRadius: 6},
		Combine:   derotate.CombineTrimmed,
		TrimFrac:  0.2,
		Workers:   3,
		Logger:    quietLogger(),
	})
	require.NoError(t, err)

	cfg := r.Config()
	assert.Equal(t, 5.0, cfg.ThresholdSigma)
	assert.Equal(t, 3, cfg.LowRank.Workers)
	assert.Equal(t, 3, cfg.LLSG.Workers)
	assert.Equal(t, 3, cfg.Contrast.Workers)
	assert.Equal(t, 4.0, cfg.Refinement.FWHM)
	assert.Equal(t, derotate.CombineTrimmed, cfg.Refinement.Combine)
	assert.Equal(t, 0.2, cfg.Refinement.TrimFrac)
	assert.Equal(t, 4.0, cfg.Contrast.FWHM)
	assert.Equal(t, 6.0, cfg.Contrast.ExclusionRadius)
	assert.Equal(t, 5.0, cfg.Contrast.ThresholdSigma)
	assert.Equal(t, derotate.CombineTrimmed, cfg.Contrast.Combine)
	assert.Equal(t, 0.2, cfg.Contrast.TrimFrac)
	assert.NotNil(t, cfg.LowRank.Logger)
}

func TestNewValidatesConfig(t *testing.T) {
	base := func() Config {
		return Config{
			Algorithm: AlgorithmLowRank,
			LowRank:   lowrank.Config{Mode: lowrank.ModeFullFrame, Rank: 2},
			Detection: snrmap.Config{FWHM: 4},
			Logger:    quietLogger(),
		}
	}

	t.Run("negative threshold", func(t *testing.T) {
		cfg := base()
		cfg.ThresholdSigma = -1
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrBadConfig)
	})

	t.Run("unknown algorithm", func(t *testing.T) {
		cfg := base()
		cfg.Algorithm = Algorithm(7)
		_, err := New(cfg)
		require.ErrorIs(t, err, ErrBadConfig)
	})

	t.Run("bad subtraction config", func(t *testing.T) {
		cfg := base()
		cfg.LowRank.Rank = -3
		_, err := New(cfg)
		require.ErrorIs(t, err, lowrank.ErrBadConfig)
	})

	t.Run("bad decomposition config", func(t *testing.T) {
		cfg := base()
		cfg.Algorithm = AlgorithmLLSG
		cfg.LLSG = llsg.Config{Rank: 1, Lambda: -1}
		_, err := New(cfg)
		require.ErrorIs(t, err, llsg.ErrBadConfig)
	})

	t.Run("bad detection config", func(t *testing.T) {
		cfg := base()
		cfg.Detection.FWHM = 0
		_, err := New(cfg)
		require.ErrorIs(t, err, snrmap.ErrBadConfig)
	})
}

func TestRunCancelled(t *testing.T) {
	tpl := psf.Gaussian(11, 3)
	c := sceneCube(t, 6, 32, 32, 60, tpl, 8, 100, 10)
	r := lowRankRunner(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Run(ctx, c)
	require.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsInvalidCube(t *testing.T) {
	tpl := psf.Gaussian(11, 3)
	c := sceneCube(t, 6, 32, 32, 60, tpl, 8, 100, 10)
	c.Angles = c.Angles[:2]

	r := lowRankRunner(t, 1)
	_, err := r.Run(context.Background(), c)
	var de *cube.DimensionError
	require.ErrorAs(t, err, &de)
}

func TestRefineRejectsFluxlessTemplate(t *testing.T) {
	tpl, err := psf.New(make([]float64, 9))
	require.NoError(t, err)
	c := sceneCube(t, 6, 32, 32, 60, psf.Gaussian(11, 3), 8, 100, 10)

	r := lowRankRunner(t, 1)
	_, err = r.Refine(context.Background(), c, tpl, snrmap.Candidate{Sep: 8, PA: 100, Flux: 10})
	require.ErrorIs(t, err, ErrBadConfig)
}

func TestFromConfigTranslatesDefaults(t *testing.T) {
	fc := config.DefaultConfig()
	cfg, err := FromConfig(fc)
	require.NoError(t, err)

	assert.Equal(t, AlgorithmLowRank, cfg.Algorithm)
	assert.Equal(t, fc.Processing.Workers, cfg.Workers)
	assert.Equal(t, lowrank.ModeFullFrame, cfg.LowRank.Mode)
	assert.Equal(t, 5, cfg.LowRank.Rank)
	assert.Equal(t, 2, cfg.LowRank.MinFrames)
	assert.Equal(t, 5, cfg.LLSG.Rank)
	assert.Equal(t, 1e-3, cfg.LLSG.Tolerance)
	assert.Equal(t, 4.0, cfg.Detection.FWHM)
	assert.Equal(t, 5.0, cfg.ThresholdSigma)
	assert.Equal(t, derotate.CombineMedian, cfg.Combine)
	assert.Zero(t, cfg.TrimFrac)
	assert.Equal(t, negfc.StrategyLocal, cfg.Refinement.Strategy)
	assert.Equal(t, 24, cfg.Refinement.Walkers)
	assert.Equal(t, []float64{0, 120, 240}, cfg.Contrast.PositionAngles)

	// The translated configuration must construct a runner as-is.
	cfg.Logger = quietLogger()
	_, err = New(cfg)
	require.NoError(t, err)
}

func TestFromConfigEnumMappings(t *testing.T) {
	modes := map[string]lowrank.Mode{
		"fullframe":   lowrank.ModeFullFrame,
		"annular":     lowrank.ModeAnnular,
		"incremental": lowrank.ModeIncremental,
		"library":     lowrank.ModeReferenceLibrary,
		"spectral":    lowrank.ModeSpectral,
	}
	for name, want := range modes {
		fc := config.DefaultConfig()
		fc.Subtraction.Mode = name
		cfg, err := FromConfig(fc)
		require.NoError(t, err, name)
		assert.Equal(t, want, cfg.LowRank.Mode, name)
	}

	fc := config.DefaultConfig()
	fc.Processing.Algorithm = "llsg"
	fc.Combine.Method = "trimmed"
	fc.Combine.TrimFraction = 0.3
	fc.Refinement.Strategy = "sample"
	cfg, err := FromConfig(fc)
	require.NoError(t, err)
	assert.Equal(t, AlgorithmLLSG, cfg.Algorithm)
	assert.Equal(t, derotate.CombineTrimmed, cfg.Combine)
	assert.Equal(t, 0.3, cfg.TrimFrac)
	assert.Equal(t, negfc.StrategySample, cfg.Refinement.Strategy)
}

func TestFromConfigRejectsUnknownNames(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"algorithm", func(c *config.Config) { c.Processing.Algorithm = "pca" }},
		{"mode", func(c *config.Config) { c.Subtraction.Mode = "annulus" }},
		{"combine", func(c *config.Config) { c.Combine.Method = "average" }},
		{"strategy", func(c *config.Config) { c.Refinement.Strategy = "mcmc" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fc := config.DefaultConfig()
			tc.mutate(fc)
			_, err := FromConfig(fc)
			require.ErrorIs(t, err, ErrBadConfig)
		})
	}
}
