package lowrank

import (
	"context"
	"math"

	"gonum.org/v1/gonum/mat"

	"hcipipe/internal/grid"
	"hcipipe/pkg/cube"
)

// subtractIncremental builds the basis by streaming the cube through
// fixed-size batches. Each batch update factorizes only a small stacked
// matrix of the weighted current components, the centered batch, and a
// mean-correction row, so the SVD working set stays bounded by the batch
// size no matter how long the sequence is. The final basis then projects
// every frame as usual.
func (e *Engine) subtractIncremental(ctx context.Context, c *cube.Cube) (*cube.Cube, *Report, error) {
	n := c.NumFrames()
	p := c.W * c.H
	batch := e.cfg.BatchSize
	if batch > n {
		batch = n
	}

	// The first batch bounds the reachable rank.
	k := e.clampRank(batch, p)
	if k < e.cfg.Rank {
		e.warnDegraded(k)
	}

	var (
		mean  = make([]float64, p)
		comps *mat.Dense
		svals []float64
		seen  int
	)

	for start := 0; start < n; start += batch {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		end := start + batch
		if end > n {
			end = n
		}
		bn := end - start
		rows := mat.NewDense(bn, p, c.Data()[start*p:end*p])

		batchMean := make([]float64, p)
		for j := 0; j < p; j++ {
			var s float64
			for i := 0; i < bn; i++ {
				s += rows.At(i, j)
			}
			batchMean[j] = s / float64(bn)
		}

		var stacked *mat.Dense
		if seen == 0 {
			stacked = mat.NewDense(bn, p, nil)
			for i := 0; i < bn; i++ {
				for j := 0; j < p; j++ {
					stacked.Set(i, j, rows.At(i, j)-batchMean[j])
				}
			}
			copy(mean, batchMean)
		} else {
			total := seen + bn
			corrScale := math.Sqrt(float64(seen) * float64(bn) / float64(total))

			stacked = mat.NewDense(k+bn+1, p, nil)
			for r := 0; r < k; r++ {
				for j := 0; j < p; j++ {
					stacked.Set(r, j, svals[r]*comps.At(r, j))
				}
			}
			for i := 0; i < bn; i++ {
				for j := 0; j < p; j++ {
					stacked.Set(k+i, j, rows.At(i, j)-batchMean[j])
				}
			}
			for j := 0; j < p; j++ {
				stacked.Set(k+bn, j, corrScale*(mean[j]-batchMean[j]))
				mean[j] = (float64(seen)*mean[j] + float64(bn)*batchMean[j]) / float64(total)
			}
		}

		var svd mat.SVD
		if ok := svd.Factorize(stacked, mat.SVDThin); !ok {
			return nil, nil, &NumericalError{Op: "incremental batch SVD"}
		}
		var v mat.Dense
		svd.VTo(&v)
		vals := svd.Values(nil)

		if comps == nil {
			comps = mat.NewDense(k, p, nil)
			svals = make([]float64, k)
		}
		for r := 0; r < k; r++ {
			svals[r] = vals[r]
			for j := 0; j < p; j++ {
				comps.Set(r, j, v.At(j, r))
			}
		}
		seen += bn
	}

	basis := &Basis{components: comps, mean: mean, k: k}
	out, err := newResidualCube(c)
	if err != nil {
		return nil, nil, err
	}
	err = grid.Run(ctx, n, e.cfg.Workers, func(i int) error {
		basis.subtractInto(out.Frame(i).Pix, c.Frame(i).Pix)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	rep := &Report{
		Mode:          ModeIncremental,
		RequestedRank: e.cfg.Rank,
		EffectiveRank: k,
		Degraded:      k < e.cfg.Rank,
	}
	return out, rep, nil
}
