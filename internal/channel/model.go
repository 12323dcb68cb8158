// Package channel provides the propagation models applied between a
// transmitting peer and the local receiver.
package channel

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"sync/atomic"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rjboer/rfsim/internal/dsp"
)

// SpeedOfLight in m/s.
const SpeedOfLight = 299792458.0

// Model is what the combiner needs from a channel: a complex impulse
// response per (tx, rx) antenna pair, a path loss and a propagation offset
// in samples.
type Model interface {
	Name() string
	Length() int
	Offset() uint64
	PathLossDB() float64
	ImpulseResponse(tx, rx int) []complex128
}

// Impairments is implemented by models that add their own noise or a
// Doppler rotation on top of the filtered signal.
type Impairments interface {
	// NoiseAmplitude is the standard deviation of the per-sample Gaussian
	// noise added after filtering. Zero disables it.
	NoiseAmplitude() float64
	// DopplerPhaseInc is the phase advance per sample in radians.
	DopplerPhaseInc() float64
}

// OffsetSetter is implemented by models whose propagation delay can be
// changed at runtime.
type OffsetSetter interface {
	SetOffset(samples uint64)
}

// Kind selects how Desc generates its taps.
type Kind string

const (
	KindAWGN     Kind = "awgn"
	KindRayleigh Kind = "rayleigh"
)

// ParseKind accepts the model names used in configuration files.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "awgn":
		return KindAWGN, nil
	case "rayleigh", "rayleigh8", "tdl":
		return KindRayleigh, nil
	default:
		return "", fmt.Errorf("unknown channel model %q", s)
	}
}

// Params configures a Desc.
type Params struct {
	Name       string
	Kind       Kind
	TxAntennas int
	RxAntennas int
	PathLossDB float64
	// Noise enables per-model noise at NoiseDB.
	Noise   bool
	NoiseDB float64
	// ProfileDB is the relative power of each tap for KindRayleigh.
	ProfileDB  []float64
	DopplerHz  float64
	SampleRate float64
	Offset     uint64
	Seed       uint64
}

// Desc is a concrete channel description. Taps are regenerated explicitly
// through Regenerate; reads of the taps are not synchronized with it.
type Desc struct {
	name       string
	kind       Kind
	nbTx, nbRx int
	taps       [][]complex128
	profile    []float64
	offset     atomic.Uint64
	pathLossDB float64
	noiseAmp   float64
	dopplerInc float64
	src        rand.Source
}

// New builds a channel description from p and draws its first taps.
func New(p Params) (*Desc, error) {
	if p.TxAntennas <= 0 || p.RxAntennas <= 0 {
		return nil, fmt.Errorf("channel %q: antenna counts must be positive (tx=%d rx=%d)", p.Name, p.TxAntennas, p.RxAntennas)
	}
	if p.Kind == "" {
		p.Kind = KindAWGN
	}
	d := &Desc{
		name:       p.Name,
		kind:       p.Kind,
		nbTx:       p.TxAntennas,
		nbRx:       p.RxAntennas,
		pathLossDB: p.PathLossDB,
		src:        rand.NewPCG(p.Seed, p.Seed^0x9e3779b97f4a7c15),
	}
	d.offset.Store(p.Offset)
	if p.Noise {
		// 256 is the nominal amplitude of a unit-gain baseband sample.
		d.noiseAmp = dsp.DBToPower(p.NoiseDB) * 256
	}
	if p.DopplerHz != 0 {
		if p.SampleRate <= 0 {
			return nil, fmt.Errorf("channel %q: doppler needs a sample rate", p.Name)
		}
		d.dopplerInc = 2 * math.Pi * p.DopplerHz / p.SampleRate
	}

	switch p.Kind {
	case KindAWGN:
		d.profile = []float64{1}
	case KindRayleigh:
		if len(p.ProfileDB) == 0 {
			return nil, fmt.Errorf("channel %q: rayleigh model needs a power delay profile", p.Name)
		}
		d.profile = make([]float64, len(p.ProfileDB))
		for i, db := range p.ProfileDB {
			d.profile[i] = dsp.DBToPower(db)
		}
		floats.Scale(1/floats.Sum(d.profile), d.profile)
	default:
		return nil, fmt.Errorf("channel %q: unsupported kind %q", p.Name, p.Kind)
	}

	d.taps = make([][]complex128, d.nbTx*d.nbRx)
	d.Regenerate()
	return d, nil
}

// Regenerate draws a new set of taps. AWGN channels are deterministic:
// unit gain between matching antennas, nothing across.
func (d *Desc) Regenerate() {
	for tx := 0; tx < d.nbTx; tx++ {
		for rx := 0; rx < d.nbRx; rx++ {
			taps := make([]complex128, len(d.profile))
			switch d.kind {
			case KindAWGN:
				if tx == rx || d.nbTx == 1 || d.nbRx == 1 {
					taps[0] = 1
				}
			case KindRayleigh:
				phase := distuv.Uniform{Min: 0, Max: 2 * math.Pi, Src: d.src}
				for l, p := range d.profile {
					// Weibull with K=2 is Rayleigh with sigma = Lambda/sqrt(2)
					mag := distuv.Weibull{K: 2, Lambda: math.Sqrt(p), Src: d.src}.Rand()
					theta := phase.Rand()
					taps[l] = complex(mag*math.Cos(theta), mag*math.Sin(theta))
				}
			}
			d.taps[tx*d.nbRx+rx] = taps
		}
	}
}

func (d *Desc) Name() string        { return d.name }
func (d *Desc) Kind() Kind          { return d.kind }
func (d *Desc) Length() int         { return len(d.profile) }
func (d *Desc) Offset() uint64      { return d.offset.Load() }
func (d *Desc) PathLossDB() float64 { return d.pathLossDB }

// SetOffset changes the propagation delay in samples.
func (d *Desc) SetOffset(samples uint64) { d.offset.Store(samples) }

func (d *Desc) NoiseAmplitude() float64  { return d.noiseAmp }
func (d *Desc) DopplerPhaseInc() float64 { return d.dopplerInc }

// ImpulseResponse returns the taps from tx to rx. Antenna indices beyond
// the model wrap around so a model built for fewer antennas still serves a
// larger peer.
func (d *Desc) ImpulseResponse(tx, rx int) []complex128 {
	return d.taps[(tx%d.nbTx)*d.nbRx+rx%d.nbRx]
}

// DistanceToOffset converts a distance in meters to whole samples of delay.
func DistanceToOffset(meters, sampleRate float64) uint64 {
	if meters <= 0 || sampleRate <= 0 {
		return 0
	}
	return uint64(meters * sampleRate / SpeedOfLight)
}

// OffsetToDistance is the distance in meters matching offset samples.
func OffsetToDistance(offset uint64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(offset) * SpeedOfLight / sampleRate
}

// DelayToOffset rounds a propagation delay in milliseconds up to samples.
func DelayToOffset(delayMs, sampleRate float64) uint64 {
	if delayMs <= 0 || sampleRate <= 0 {
		return 0
	}
	return uint64(math.Ceil(sampleRate * delayMs / 1000))
}

// OffsetToDelay is the delay in milliseconds matching offset samples.
func OffsetToDelay(offset uint64, sampleRate float64) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(offset) * 1000 / sampleRate
}
