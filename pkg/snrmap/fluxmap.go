package snrmap

import (
	"gonum.org/v1/gonum/dsp/fourier"

	"hcipipe/pkg/cube"
)

// fluxMap convolves a frame with a unit disk of diameter fwhm, giving
// every pixel the summed flux of the aperture centered on it. A pixel
// belongs to the disk when its center lies within the radius. The
// convolution is circular, so pixels closer than fwhm/2 to the border
// pick up wrap-around flux; those all lie outside the usable field and
// are never read by the ring statistic.
func fluxMap(f cube.Frame, fwhm float64) cube.Frame {
	w, h := f.W, f.H
	img := make([]complex128, w*h)
	for i, v := range f.Pix {
		img[i] = complex(v, 0)
	}

	// Disk kernel laid out origin-at-corner, as the transform expects.
	kern := make([]complex128, w*h)
	r2 := fwhm * fwhm / 4
	for y := 0; y < h; y++ {
		dy := y
		if dy > h/2 {
			dy -= h
		}
		for x := 0; x < w; x++ {
			dx := x
			if dx > w/2 {
				dx -= w
			}
			if float64(dx*dx+dy*dy) <= r2 {
				kern[y*w+x] = 1
			}
		}
	}

	fft2(img, w, h, true)
	fft2(kern, w, h, true)
	for i := range img {
		img[i] *= kern[i]
	}
	fft2(img, w, h, false)

	// One inverse pass per axis leaves a factor of w*h.
	out := cube.NewFrame(w, h)
	scale := float64(w * h)
	for i := range out.Pix {
		out.Pix[i] = real(img[i]) / scale
	}
	return out
}

// fft2 transforms data in place, rows first and then columns.
func fft2(data []complex128, w, h int, forward bool) {
	rowFFT := fourier.NewCmplxFFT(w)
	row := make([]complex128, w)
	for y := 0; y < h; y++ {
		copy(row, data[y*w:(y+1)*w])
		if forward {
			rowFFT.Coefficients(data[y*w:(y+1)*w], row)
		} else {
			rowFFT.Sequence(data[y*w:(y+1)*w], row)
		}
	}

	colFFT := fourier.NewCmplxFFT(h)
	col := make([]complex128, h)
	dst := make([]complex128, h)
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			col[y] = data[y*w+x]
		}
		if forward {
			colFFT.Coefficients(dst, col)
		} else {
			colFFT.Sequence(dst, col)
		}
		for y := 0; y < h; y++ {
			data[y*w+x] = dst[y]
		}
	}
}
