package lowrank

import (
	"context"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// tileStats carries what one annular tile contributes to the report.
type tileStats struct {
	minRank  int
	relaxed  int
	degraded bool
}

// subtractAnnular processes each annular tile independently. Within a
// tile, every target frame gets its own reference set: all frames whose
// rotation distance to the target is at least the protection angle. The
// tiles partition the covered radial range, so each output pixel is
// written by exactly one tile; pixels outside all tiles stay zero.
func (e *Engine) subtractAnnular(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	tiles, err := cube.TileAnnuli(c.W, c.H, e.cfg.RIn, e.cfg.AnnulusWidth, e.cfg.Sectors)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrBadConfig, err)
	}

	out, err := newResidualCube(c)
	if err != nil {
		return nil, nil, err
	}

	stats := make([]tileStats, len(tiles))
	err = grid.Run(ctx, len(tiles), e.cfg.Workers, func(t int) error {
		st, err := e.processTile(c, out, tiles[t])
		if err != nil {
			return fmt.Errorf("annulus [%g,%g): %w", tiles[t].RIn, tiles[t].ROut, err)
		}
		stats[t] = st
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{Mode: ModeAnnular, RequestedRank: e.cfg.Rank, EffectiveRank: e.cfg.Rank}
	for _, st := range stats {
		if st.minRank > 0 && st.minRank < rep.EffectiveRank {
			rep.EffectiveRank = st.minRank
		}
		rep.RelaxedBases += st.relaxed
		rep.Degraded = rep.Degraded || st.degraded
	}
	if rep.RelaxedBases > 0 {
		e.log.Warn("protection angle relaxed for some bases",
			"relaxed", rep.RelaxedBases, "protectionAngle", e.cfg.ProtectionAngle,
			"minFrames", e.cfg.MinFrames)
	}
	if rep.Degraded {
		e.log.Warn("annular rank degraded", "requested", e.cfg.Rank, "effective", rep.EffectiveRank)
	}
	return out, rep, nil
}

// processTile fits and subtracts the bases of one annular tile, writing
// residuals for this tile's pixels across all frames.
func (e *Engine) processTile(c, out *cube.Cube, tile cube.Annulus) (tileStats, error) {
	idx := tile.Pixels(c.W, c.H)
	if len(idx) == 0 {
		return tileStats{}, nil
	}
	n := c.NumFrames()
	pt := len(idx)

	// Gather the tile's pixels for every frame once.
	tileData := mat.NewDense(n, pt, nil)
	for i := 0; i < n; i++ {
		pix := c.Frame(i).Pix
		for j, px := range idx {
			tileData.Set(i, j, pix[px])
		}
	}

	st := tileStats{minRank: e.cfg.Rank}
	residual := make([]float64, pt)

	if e.cfg.ProtectionAngle == 0 {
		// Without an exclusion every target shares the same reference
		// set, so one basis serves the whole tile.
		k := e.clampRank(n, pt)
		basis, err := fitBasis(tileData, k)
		if err != nil {
			return tileStats{}, err
		}
		if basis.Rank() < st.minRank {
			st.minRank = basis.Rank()
		}
		st.degraded = basis.Rank() < e.cfg.Rank
		for i := 0; i < n; i++ {
			basis.subtractInto(residual, tileData.RawRowView(i))
			scatterRow(out.Frame(i).Pix, residual, idx)
		}
		return st, nil
	}

	for i := 0; i < n; i++ {
		refRows, relaxed := e.selectReferences(c.Angles, i)
		if relaxed {
			st.relaxed++
		}
		if len(refRows) == 0 {
			return tileStats{}, fmt.Errorf("frame %d has no usable references", i)
		}

		refs := mat.NewDense(len(refRows), pt, nil)
		for r, row := range refRows {
			refs.SetRow(r, tileData.RawRowView(row))
		}
		k := e.clampRank(len(refRows), pt)
		basis, err := fitBasis(refs, k)
		if err != nil {
			return tileStats{}, err
		}
		if basis.Rank() < st.minRank {
			st.minRank = basis.Rank()
		}
		if basis.Rank() < e.cfg.Rank {
			st.degraded = true
		}

		basis.subtractInto(residual, tileData.RawRowView(i))
		scatterRow(out.Frame(i).Pix, residual, idx)
	}
	return st, nil
}

// selectReferences returns the frame indices allowed to serve as
// references for target frame i under the protection angle. When the
// exclusion leaves fewer than the configured minimum, it falls back to
// the most rotation-distant frames and reports the relaxation.
func (e *Engine) selectReferences(angles []float64, i int) (refs []int, relaxed bool) {
	for j := range angles {
		if math.Abs(angles[j]-angles[i]) >= e.cfg.ProtectionAngle {
			refs = append(refs, j)
		}
	}
	if len(refs) >= e.cfg.MinFrames {
		return refs, false
	}

	// Relax: rank all other frames by rotation distance, farthest first.
	order := make([]int, 0, len(angles)-1)
	for j := range angles {
		if j != i {
			order = append(order, j)
		}
	}
	sort.Slice(order, func(a, b int) bool {
		return math.Abs(angles[order[a]]-angles[i]) > math.Abs(angles[order[b]]-angles[i])
	})
	if len(order) > e.cfg.MinFrames {
		order = order[:e.cfg.MinFrames]
	}
	return order, true
}

// scatterRow writes tile-pixel values back to their frame positions.
func scatterRow(dst, src []float64, idx []int) {
	for j, px := range idx {
		dst[px] = src[j]
	}
}
