package dsp

import (
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"
)

// FFTShift returns the FFT output shifted so that DC is centered.
func FFTShift(data []complex128) []complex128 {
	n := len(data)
	if n == 0 {
		return []complex128{}
	}
	half := n / 2
	shifted := make([]complex128, 0, n)
	shifted = append(shifted, data[half:]...)
	return append(shifted, data[:half]...)
}

func spectrum(fft *fourier.CmplxFFT, win []float64, sumWin float64, samples []complex128) ([]complex128, []float64) {
	windowed := ApplyWindow(nil, samples, win)
	coeff := fft.Coefficients(nil, windowed)
	for i := range coeff {
		coeff[i] /= complex(sumWin, 0)
	}
	shifted := FFTShift(coeff)
	dbfs := make([]float64, len(shifted))
	for i, v := range shifted {
		mag := cmplx.Abs(v)
		if mag == 0 {
			dbfs[i] = math.Inf(-1)
			continue
		}
		dbfs[i] = 20 * math.Log10(mag/FullScale)
	}
	return shifted, dbfs
}
