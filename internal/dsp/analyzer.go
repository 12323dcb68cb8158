package dsp

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// ToneStats summarizes the strongest spectral line in a buffer.
type ToneStats struct {
	PeakDBFS     float64 `json:"peakDbfs"`
	PeakBin      int     `json:"peakBin"`
	PeakHz       float64 `json:"peakHz"`
	NoiseFloorDB float64 `json:"noiseFloorDb"`
	SNRdB        float64 `json:"snrDb"`
	PowerDBFS    float64 `json:"powerDbfs"`
}

// Analyzer caches the window and FFT plan for one buffer size so repeated
// receive buffers can be summarized cheaply.
type Analyzer struct {
	mu         sync.Mutex
	size       int
	sampleRate float64
	window     []float64
	windowSum  float64
	fft        *fourier.CmplxFFT
}

// NewAnalyzer prepares an analyzer for buffers of size samples.
func NewAnalyzer(size int, sampleRate float64) *Analyzer {
	a := &Analyzer{sampleRate: sampleRate}
	a.resize(size)
	return a
}

func (a *Analyzer) resize(size int) {
	a.size = size
	a.window = Hamming(size)
	a.windowSum = floats.Sum(a.window)
	if size > 0 {
		a.fft = fourier.NewCmplxFFT(size)
	}
}

// Size returns the current FFT size.
func (a *Analyzer) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Analyze computes tone statistics for samples. A buffer of a different
// length re-plans the cached FFT.
func (a *Analyzer) Analyze(samples []complex128) ToneStats {
	if len(samples) == 0 {
		return ToneStats{PeakDBFS: math.Inf(-1), NoiseFloorDB: math.Inf(-1), PowerDBFS: math.Inf(-1)}
	}
	a.mu.Lock()
	if len(samples) != a.size {
		a.resize(len(samples))
	}
	_, db := spectrum(a.fft, a.window, a.windowSum, samples)
	a.mu.Unlock()

	stats := ToneStats{PowerDBFS: PowerDBFS(samples)}
	peak, bin, ok := peakInBand(db, 0, len(db))
	if !ok {
		stats.PeakDBFS = math.Inf(-1)
		stats.NoiseFloorDB = math.Inf(-1)
		return stats
	}
	stats.PeakDBFS = peak
	stats.PeakBin = bin
	stats.PeakHz = (float64(bin) - float64(len(db)/2)) * a.sampleRate / float64(len(db))
	if noise, ok := noiseFloor(db, 0, len(db), bin); ok {
		stats.NoiseFloorDB = noise
		if snr := peak - noise; !math.IsNaN(snr) && !math.IsInf(snr, 0) {
			stats.SNRdB = snr
		}
	} else {
		stats.NoiseFloorDB = math.Inf(-1)
	}
	return stats
}

// peakInBand returns the maximum finite value of db in [start,end).
func peakInBand(db []float64, start, end int) (peak float64, bin int, ok bool) {
	start, end = max(start, 0), min(end, len(db))
	peak = math.Inf(-1)
	for i := start; i < end; i++ {
		if db[i] > peak {
			peak = db[i]
			bin = i
		}
	}
	return peak, bin, !math.IsInf(peak, -1)
}

// noiseFloor averages db over [start,end) outside a one-bin guard around
// signalBin, skipping empty bins.
func noiseFloor(db []float64, start, end, signalBin int) (float64, bool) {
	start, end = max(start, 0), min(end, len(db))
	var sum float64
	var count int
	for i := start; i < end; i++ {
		if i >= signalBin-1 && i <= signalBin+1 {
			continue
		}
		v := db[i]
		if math.IsInf(v, 0) || math.IsNaN(v) {
			continue
		}
		sum += v
		count++
	}
	if count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}
