package lowrank

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// ScaleFactors converts per-channel wavelengths into the geometric
// rescaling factors that radially align speckle patterns: factor
// max(wavelengths)/wavelength, normalized so the smallest factor is
// exactly one. Shorter wavelengths get larger factors and are stretched
// outward toward the longest channel's speckle scale.
func ScaleFactors(wavelengths []float64) ([]float64, error) {
	if len(wavelengths) == 0 {
		return nil, fmt.Errorf("%w: no wavelengths given", ErrBadConfig)
	}
	maxW := wavelengths[0]
	for _, w := range wavelengths {
		if w <= 0 {
			return nil, fmt.Errorf("%w: wavelengths must be positive, got %g", ErrBadConfig, w)
		}
		if w > maxW {
			maxW = w
		}
	}
	factors := make([]float64, len(wavelengths))
	minF := maxW / wavelengths[0]
	for i, w := range wavelengths {
		factors[i] = maxW / w
		if factors[i] < minF {
			minF = factors[i]
		}
	}
	for i := range factors {
		factors[i] /= minF
	}
	return factors, nil
}

// rescaleFrame geometrically rescales a frame by s about its center,
// keeping the frame dimensions and dividing by s^2 to conserve total
// flux. Content pushed past the border by an upscale is lost, which is
// acceptable for halo alignment since the speckle field of interest sits
// near the center. The inverse operation is rescaleFrame with 1/s.
func rescaleFrame(f cube.Frame, s float64) cube.Frame {
	if s == 1 {
		return f.Clone()
	}
	out := cube.NewFrame(f.W, f.H)
	cx, cy := f.Center()
	inv := 1 / s
	norm := 1 / (s * s)
	for y := 0; y < f.H; y++ {
		dy := float64(y) - cy
		for x := 0; x < f.W; x++ {
			dx := float64(x) - cx
			out.Pix[y*f.W+x] = f.Sample(cx+dx*inv, cy+dy*inv) * norm
		}
	}
	return out
}

// subtractSpectral aligns the speckle scale across spectral channels,
// fits bases in the rescaled space, and maps the residuals back to the
// native scale. With CrossChannel set, one basis draws on every channel;
// otherwise each channel group gets its own.
func (e *Engine) subtractSpectral(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	if c.Channels == nil {
		return nil, nil, fmt.Errorf("%w: spectral mode needs per-frame channel assignments", ErrBadConfig)
	}
	n := c.NumFrames()
	p := c.W * c.H

	// Per-frame rescale factor from the channel wavelengths.
	frameScale := make([]float64, n)
	for i := range frameScale {
		frameScale[i] = 1
	}
	if e.cfg.RescaleChannels {
		factors, err := ScaleFactors(e.cfg.Wavelengths)
		if err != nil {
			return nil, nil, err
		}
		for i, ch := range c.Channels {
			if ch < 0 || ch >= len(factors) {
				return nil, nil, fmt.Errorf("%w: frame %d has channel %d outside the %d configured wavelengths",
					ErrBadConfig, i, ch, len(factors))
			}
			frameScale[i] = factors[ch]
		}
	}

	// Rescale into the common speckle scale.
	work, err := cube.New(n, c.W, c.H, c.Angles)
	if err != nil {
		return nil, nil, err
	}
	err = grid.Run(ctx, n, e.cfg.Workers, func(i int) error {
		return work.SetFrame(i, rescaleFrame(c.Frame(i), frameScale[i]))
	})
	if err != nil {
		return nil, nil, err
	}

	resc := work.Clone() // residuals in rescaled space
	rep := &Report{Mode: ModeSpectral, RequestedRank: e.cfg.Rank, EffectiveRank: e.cfg.Rank}

	if e.cfg.CrossChannel {
		k := e.clampRank(n, p)
		if k < e.cfg.Rank {
			e.warnDegraded(k)
		}
		basis, err := fitBasis(mat.NewDense(n, p, work.Data()), k)
		if err != nil {
			return nil, nil, err
		}
		rep.EffectiveRank = basis.Rank()
		rep.Degraded = basis.Rank() < e.cfg.Rank
		err = grid.Run(ctx, n, e.cfg.Workers, func(i int) error {
			basis.subtractInto(resc.Frame(i).Pix, work.Frame(i).Pix)
			return nil
		})
		if err != nil {
			return nil, nil, err
		}
	} else {
		groups := channelGroups(c.Channels)
		for _, members := range groups {
			if err := ctx.Err(); err != nil {
				return nil, nil, err
			}
			refs := mat.NewDense(len(members), p, nil)
			for r, i := range members {
				refs.SetRow(r, work.Frame(i).Pix)
			}
			k := e.clampRank(len(members), p)
			basis, err := fitBasis(refs, k)
			if err != nil {
				return nil, nil, err
			}
			if basis.Rank() < rep.EffectiveRank {
				rep.EffectiveRank = basis.Rank()
			}
			if basis.Rank() < e.cfg.Rank {
				rep.Degraded = true
			}
			for _, i := range members {
				basis.subtractInto(resc.Frame(i).Pix, work.Frame(i).Pix)
			}
		}
		if rep.Degraded {
			e.warnDegraded(rep.EffectiveRank)
		}
	}

	// Map residuals back to the native spatial scale.
	out, err := newResidualCube(c)
	if err != nil {
		return nil, nil, err
	}
	err = grid.Run(ctx, n, e.cfg.Workers, func(i int) error {
		return out.SetFrame(i, rescaleFrame(resc.Frame(i), 1/frameScale[i]))
	})
	if err != nil {
		return nil, nil, err
	}
	return out, rep, nil
}

// channelGroups collects frame indices per channel, in channel order.
func channelGroups(channels []int) [][]int {
	byChannel := make(map[int][]int)
	var order []int
	for i, ch := range channels {
		if _, seen := byChannel[ch]; !seen {
			order = append(order, ch)
		}
		byChannel[ch] = append(byChannel[ch], i)
	}
	groups := make([][]int, 0, len(order))
	for _, ch := range order {
		groups = append(groups, byChannel[ch])
	}
	return groups
}
