package snrmap

import (
	"math"
	"sort"

	"hcipipe/pkg/cube"
)

// Candidate is a localized detection extracted from a significance map.
type Candidate struct {
	// X, Y is the flux-weighted subpixel position.
	X, Y float64

	// Sep, PA is the same position in polar form about the frame
	// center, position angle in degrees.
	Sep, PA float64

	// Flux is the diameter-FWHM aperture flux at the position.
	Flux float64

	// SNR is the highest ring statistic inside the detection.
	SNR float64
}

// Candidates extracts sources from a map: pixels whose Gaussian-
// equivalent significance clears the threshold are grouped into
// 8-connected blobs, each blob becomes a candidate at its flux-weighted
// centroid, and weaker candidates within one FWHM of a stronger one are
// suppressed. The result is ranked by peak ring statistic.
func (e *Estimator) Candidates(m *Map, thresholdSigma float64) []Candidate {
	w, h := m.SNR.W, m.SNR.H
	cx, cy := m.SNR.Center()

	// Threshold on Gaussian-equivalent significance, not the raw ring
	// statistic, so near-center blobs face the stricter small-sample
	// bar.
	above := make([]bool, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := m.SNR.At(x, y)
			if math.IsNaN(v) {
				continue
			}
			sep, _ := cube.PixToPolar(float64(x), float64(y), cx, cy)
			if sig := e.Significance(v, sep); !math.IsNaN(sig) && sig >= thresholdSigma {
				above[y*w+x] = true
			}
		}
	}

	var cands []Candidate
	visited := make([]bool, w*h)
	var stack, blob []int
	for i := range above {
		if !above[i] || visited[i] {
			continue
		}
		blob = blob[:0]
		stack = append(stack[:0], i)
		visited[i] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			blob = append(blob, p)
			px, py := p%w, p/w
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny := px+dx, py+dy
					if nx < 0 || nx >= w || ny < 0 || ny >= h {
						continue
					}
					if q := ny*w + nx; above[q] && !visited[q] {
						visited[q] = true
						stack = append(stack, q)
					}
				}
			}
		}
		cands = append(cands, e.blobCandidate(m, blob))
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].SNR > cands[j].SNR })
	return e.suppressClose(cands)
}

// blobCandidate reduces one connected pixel group to a candidate. The
// centroid weights pixels by aperture flux rather than significance, so
// an unbounded ring statistic over a flat background cannot poison it.
func (e *Estimator) blobCandidate(m *Map, blob []int) Candidate {
	w := m.SNR.W
	cx, cy := m.SNR.Center()

	var sw, sx, sy float64
	peak := math.Inf(-1)
	for _, p := range blob {
		if v := m.SNR.Pix[p]; v > peak {
			peak = v
		}
		wt := m.Flux.Pix[p]
		if wt < 0 {
			wt = 0
		}
		sw += wt
		sx += wt * float64(p%w)
		sy += wt * float64(p/w)
	}

	var x, y float64
	if sw > 0 {
		x, y = sx/sw, sy/sw
	} else {
		// Flat or negative blob; fall back to the plain centroid.
		for _, p := range blob {
			x += float64(p % w)
			y += float64(p / w)
		}
		x /= float64(len(blob))
		y /= float64(len(blob))
	}

	sep, pa := cube.PixToPolar(x, y, cx, cy)
	return Candidate{X: x, Y: y, Sep: sep, PA: pa, Flux: m.Flux.Sample(x, y), SNR: peak}
}

// suppressClose drops candidates within one FWHM of a stronger one.
// The input must already be ranked strongest first.
func (e *Estimator) suppressClose(cands []Candidate) []Candidate {
	out := cands[:0]
	for _, c := range cands {
		keep := true
		for _, k := range out {
			if math.Hypot(c.X-k.X, c.Y-k.Y) < e.cfg.FWHM {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, c)
		}
	}
	return out
}
