package dsp

import (
	"math/bits"

	"gonum.org/v1/gonum/dsp/fourier"
)

// fftTapThreshold is the impulse response length from which Convolver
// switches from the direct form to FFT convolution.
const fftTapThreshold = 32

// ConvolveDirect filters x through the taps h. x carries len(h)-1 samples
// of history in front of the len(x)-len(h)+1 output samples:
//
//	y[n] = sum_l h[l] * x[n-l+len(h)-1]
//
// The result is written to dst, which is grown if needed.
func ConvolveDirect(dst, x, h []complex128) []complex128 {
	n := len(x) - len(h) + 1
	if len(h) == 0 || n <= 0 {
		return dst[:0]
	}
	dst = grow(dst, n)
	last := len(h) - 1
	for i := 0; i < n; i++ {
		var acc complex128
		for l, tap := range h {
			acc += tap * x[i-l+last]
		}
		dst[i] = acc
	}
	return dst
}

// Convolver computes the same filter as ConvolveDirect, using gonum FFTs
// for long impulse responses. Plans are cached per size. A Convolver is
// owned by one goroutine.
type Convolver struct {
	plans map[int]*fourier.CmplxFFT
	xs    []complex128
	hs    []complex128
}

// NewConvolver returns an empty convolver.
func NewConvolver() *Convolver {
	return &Convolver{plans: make(map[int]*fourier.CmplxFFT)}
}

// Apply filters x through h into dst. See ConvolveDirect for the layout.
func (c *Convolver) Apply(dst, x, h []complex128) []complex128 {
	n := len(x) - len(h) + 1
	if len(h) < fftTapThreshold || n <= 0 {
		return ConvolveDirect(dst, x, h)
	}
	size := 1 << bits.Len(uint(len(x)+len(h)-2))
	plan := c.plans[size]
	if plan == nil {
		plan = fourier.NewCmplxFFT(size)
		c.plans[size] = plan
	}

	c.xs = zeroPad(c.xs, x, size)
	c.hs = zeroPad(c.hs, h, size)
	xf := plan.Coefficients(nil, c.xs)
	hf := plan.Coefficients(nil, c.hs)
	for i := range xf {
		xf[i] *= hf[i]
	}
	full := plan.Sequence(nil, xf)

	// gonum leaves the inverse transform unnormalized.
	scale := complex(1/float64(size), 0)
	dst = grow(dst, n)
	last := len(h) - 1
	for i := range dst {
		dst[i] = full[i+last] * scale
	}
	return dst
}

func zeroPad(buf, src []complex128, size int) []complex128 {
	buf = grow(buf, size)
	copy(buf, src)
	clear(buf[len(src):])
	return buf
}

func grow(buf []complex128, n int) []complex128 {
	if cap(buf) < n {
		return make([]complex128, n)
	}
	return buf[:n]
}
