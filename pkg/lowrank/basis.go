package lowrank

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// NumericalError reports a factorization that failed to converge, which
// on real data indicates non-finite pixels or a pathological reference
// set. It is surfaced to the caller rather than papered over.
type NumericalError struct {
	// Op names the computation that failed.
	Op string
}

func (e *NumericalError) Error() string {
	return fmt.Sprintf("lowrank: %s failed to converge", e.Op)
}

// Basis is an orthonormal low-rank basis fitted to a reference set over
// some pixel support, together with the temporal mean the references were
// centered on. Projecting a frame through the basis yields the stellar
// halo model for that frame.
type Basis struct {
	// components holds the leading right singular vectors as rows (k x p).
	components *mat.Dense

	// mean is the per-pixel temporal mean of the reference set.
	mean []float64

	// k is the effective rank, which may be lower than requested when
	// the reference set cannot support it.
	k int
}

// Rank returns the effective rank of the basis.
func (b *Basis) Rank() int { return b.k }

// fitBasis computes the rank-k basis of a reference set given as an m x p
// matrix with one flattened frame per row. The rows are centered on their
// per-pixel mean before the singular value decomposition; the requested
// rank is clamped to min(m, p).
func fitBasis(refs *mat.Dense, k int) (*Basis, error) {
	m, p := refs.Dims()
	if k > m {
		k = m
	}
	if k > p {
		k = p
	}
	if k < 1 {
		return nil, fmt.Errorf("lowrank: cannot fit basis with rank %d", k)
	}

	mean := make([]float64, p)
	for j := 0; j < p; j++ {
		var s float64
		for i := 0; i < m; i++ {
			s += refs.At(i, j)
		}
		mean[j] = s / float64(m)
	}

	centered := mat.NewDense(m, p, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < p; j++ {
			centered.Set(i, j, refs.At(i, j)-mean[j])
		}
	}

	var svd mat.SVD
	if ok := svd.Factorize(centered, mat.SVDThin); !ok {
		return nil, &NumericalError{Op: "reference SVD"}
	}
	var v mat.Dense
	svd.VTo(&v)

	components := mat.NewDense(k, p, nil)
	for j := 0; j < k; j++ {
		for px := 0; px < p; px++ {
			components.Set(j, px, v.At(px, j))
		}
	}
	return &Basis{components: components, mean: mean, k: k}, nil
}

// Project returns the halo model for one flattened frame: the reference
// mean plus the frame's centered projection onto the basis.
func (b *Basis) Project(frame []float64) []float64 {
	p := len(b.mean)
	centered := mat.NewVecDense(p, nil)
	for i := 0; i < p; i++ {
		centered.SetVec(i, frame[i]-b.mean[i])
	}

	var coeff mat.VecDense
	coeff.MulVec(b.components, centered)
	var rec mat.VecDense
	rec.MulVec(b.components.T(), &coeff)

	model := make([]float64, p)
	for i := 0; i < p; i++ {
		model[i] = b.mean[i] + rec.AtVec(i)
	}
	return model
}

// subtractInto writes frame minus its halo model into dst.
func (b *Basis) subtractInto(dst, frame []float64) {
	model := b.Project(frame)
	for i := range model {
		dst[i] = frame[i] - model[i]
	}
}
