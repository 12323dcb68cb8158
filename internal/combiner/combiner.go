// Package combiner turns queued peer blocks into the receive samples of one
// beam: it gathers the transmit beams through the beam gain table, applies
// the peer channel model or the plain antenna coupling, and adds the
// optional global noise floor.
package combiner

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/rjboer/rfsim/internal/beams"
	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/dsp"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/pktqueue"
	"github.com/rjboer/rfsim/internal/wire"
)

// Source is one peer as seen by the combiner.
type Source struct {
	Queue *pktqueue.Queue
	// Antennas is the peer's transmit antenna count.
	Antennas int
	// Model, when set, replaces the antenna coupling and the global
	// channel offset for this peer.
	Model channel.Model
}

// Config configures a Combiner.
type Config struct {
	RxAntennas int
	// Gains is nil when beams are not simulated.
	Gains *beams.GainTable
	// NoiseDBFS enables the global noise floor when Noise is set.
	Noise     bool
	NoiseDBFS float64
	Seed      uint64
	Logger    logging.Logger
}

// Combiner is driven from a single goroutine; only its Pool runs
// concurrently.
type Combiner struct {
	cfg      Config
	log      logging.Logger
	pool     *Pool
	noise    distuv.Normal
	noiseAmp float64
	acc      [][]complex128
}

// New validates cfg and starts the convolution workers.
func New(cfg Config) (*Combiner, error) {
	if cfg.RxAntennas <= 0 || cfg.RxAntennas > wire.MaxAntennas {
		return nil, fmt.Errorf("combiner: rx antennas %d out of range 1..%d", cfg.RxAntennas, wire.MaxAntennas)
	}
	c := &Combiner{
		cfg:  cfg,
		log:  logging.OrDefault(cfg.Logger).With(logging.F("subsystem", "combiner")),
		pool: NewPool(cfg.RxAntennas, cfg.Seed),
		acc:  make([][]complex128, cfg.RxAntennas),
	}
	if cfg.Noise {
		c.noiseAmp = (dsp.FullScale - 1) / math.Pow(10, 0.05*-cfg.NoiseDBFS)
		c.noise = distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewPCG(cfg.Seed, 0xa5a5)}
	}
	c.log.Debug("combiner ready",
		logging.F("rx_antennas", cfg.RxAntennas),
		logging.F("beams", cfg.Gains.Size()),
		logging.F("noise_dbfs", cfg.NoiseDBFS))
	return c, nil
}

// NoiseAmplitude is the standard deviation of the global noise per I and
// Q component, zero when disabled.
func (c *Combiner) NoiseAmplitude() float64 { return c.noiseAmp }

// Close stops the worker pool.
func (c *Combiner) Close() { c.pool.Close() }

// Combine fills out[a][0:n] for receive beam rxBeam at timestamp ts, where
// n is len(out[0]). Every row of out is overwritten. chanOffset is the
// global propagation delay applied to peers without a channel model.
func (c *Combiner) Combine(out [][]wire.Sample, sources []Source, ts uint64, rxBeam int, chanOffset uint64) {
	if len(out) == 0 {
		return
	}
	n := len(out[0])
	rows := min(len(out), c.cfg.RxAntennas)
	for a := range rows {
		c.acc[a] = grow(c.acc[a], n)
		clear(c.acc[a])
	}

	for _, src := range sources {
		if src.Queue == nil || src.Queue.Len() == 0 || src.Antennas <= 0 {
			continue
		}
		if src.Model != nil {
			c.addModeled(rows, src, ts, n, rxBeam)
			continue
		}
		c.addCoupled(rows, src, ts, n, rxBeam, chanOffset)
	}

	for a := range rows {
		acc := c.acc[a]
		if c.noiseAmp != 0 {
			for i := range acc {
				acc[i] += complex(c.noiseAmp*c.noise.Rand(), c.noiseAmp*c.noise.Rand())
			}
		}
		dst := out[a][:n]
		for i, v := range acc {
			dst[i] = wire.Sample{Re: dsp.Round16(real(v)), Im: dsp.Round16(imag(v))}
		}
	}
	for a := rows; a < len(out); a++ {
		clear(out[a])
	}
}

func (c *Combiner) addModeled(rows int, src Source, ts uint64, n int, rxBeam int) {
	m := src.Model
	l := m.Length()
	start := int64(ts) - int64(m.Offset()) - int64(l-1)
	input := c.gather(src, start, n+l-1, rxBeam)
	for a, y := range c.pool.Convolve(input, m, n) {
		if a >= rows {
			break
		}
		acc := c.acc[a]
		for i, v := range y {
			acc[i] += v
		}
	}
}

// addCoupled mixes the peer antennas straight onto the receive antennas:
// unit gain between matching indices, 0.2/|a-b| across.
func (c *Combiner) addCoupled(rows int, src Source, ts uint64, n int, rxBeam int, chanOffset uint64) {
	input := c.gather(src, int64(ts)-int64(chanOffset), n, rxBeam)
	for a := range rows {
		acc := c.acc[a]
		for b, x := range input {
			h := Coupling(a, b)
			for i, v := range x {
				acc[i] += v * complex(h, 0)
			}
		}
	}
}

// Coupling is the amplitude leaking from transmit antenna b onto receive
// antenna a when no channel model is configured.
func Coupling(a, b int) float64 {
	if a == b {
		return 1
	}
	d := a - b
	if d < 0 {
		d = -d
	}
	return 0.2 / float64(d)
}

// gather sums the peer's transmit beams, weighted by their gain towards
// rxBeam, over [start, start+count) into one row per transmit antenna.
// The part of the window before timestamp zero stays silent.
func (c *Combiner) gather(src Source, start int64, count int, rxBeam int) [][]complex128 {
	rows := make([][]complex128, src.Antennas)
	for i := range rows {
		rows[i] = make([]complex128, count)
	}
	shift := 0
	if start < 0 {
		shift = int(-start)
		if shift >= count {
			return rows
		}
		start = 0
	}
	for blk, ov := range src.Queue.QueryRange(uint64(start), count-shift) {
		ants := min(int(blk.Antennas), src.Antennas)
		for pos, beamID := range blk.BeamIDs() {
			g := c.cfg.Gains.Linear(rxBeam, beamID)
			for a := range ants {
				in := blk.Stream(pos, a)[ov.ReadOffset : ov.ReadOffset+ov.Count]
				dst := rows[a][shift+ov.WriteOffset:]
				for i, s := range in {
					dst[i] += complex(float64(s.Re)*g, float64(s.Im)*g)
				}
			}
		}
	}
	return rows
}

func grow(buf []complex128, n int) []complex128 {
	if cap(buf) < n {
		return make([]complex128, n)
	}
	return buf[:n]
}
