package dsp

import "math"

// FullScale is the magnitude of a full-scale 16-bit sample.
const FullScale = 32768.0

// DBToAmplitude converts a gain in dB to a linear amplitude factor.
func DBToAmplitude(db float64) float64 {
	return math.Pow(10, db/20)
}

// DBToPower converts a gain in dB to a linear power factor.
func DBToPower(db float64) float64 {
	return math.Pow(10, db/10)
}

// Round16 rounds half away from zero and saturates to the int16 range.
func Round16(v float64) int16 {
	r := math.Round(v)
	switch {
	case math.IsNaN(r):
		return 0
	case r > math.MaxInt16:
		return math.MaxInt16
	case r < math.MinInt16:
		return math.MinInt16
	}
	return int16(r)
}

// MeanPower is the average of |x|^2.
func MeanPower(x []complex128) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += real(v)*real(v) + imag(v)*imag(v)
	}
	return sum / float64(len(x))
}

// PowerDBFS expresses the mean power of x relative to a full-scale sample.
func PowerDBFS(x []complex128) float64 {
	p := MeanPower(x)
	if p == 0 {
		return math.Inf(-1)
	}
	return 10 * math.Log10(p/(FullScale*FullScale))
}
