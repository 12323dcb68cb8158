// Package app drives a transport device with a test tone: every received
// buffer is answered by a transmitted one and what arrives is analyzed.
package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/cmplx"
	"time"

	"github.com/rjboer/rfsim/internal/dsp"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/telemetry"
	"github.com/rjboer/rfsim/internal/transport"
	"github.com/rjboer/rfsim/internal/wire"
)

// Device is the part of transport.Device the runner uses.
type Device interface {
	Read(samples [][]wire.Sample) (uint64, error)
	Write(ts uint64, samples [][]wire.Sample, flags transport.Flags) (int, error)
	Stats() transport.Stats
	VirtualTime() transport.VirtualTime
}

// Config captures application level configuration.
type Config struct {
	SampleRate float64
	// ToneOffset is the transmitted tone frequency relative to baseband.
	ToneOffset float64
	// ToneDBFS is the tone level; 0 is full scale.
	ToneDBFS      float64
	NumSamples    int
	TxAntennas    int
	RxAntennas    int
	// WarmupBuffers are read and dropped before the loop. Each blocks until
	// every peer has transmitted, so leave it zero when both ends run a
	// Runner.
	WarmupBuffers int
	// Iterations stops Run after that many buffers; zero runs until the
	// context ends.
	Iterations  int
	ReportEvery time.Duration
	// Silent receives without transmitting.
	Silent bool
}

// LinkState tells whether the peer tone is heard.
type LinkState string

const (
	LinkSearching LinkState = "searching"
	LinkAcquired  LinkState = "acquired"
)

// Runner wires a transport device into the tone loop.
type Runner struct {
	dev      Device
	reporter telemetry.Reporter
	logger   logging.Logger
	cfg      Config
	analyzer *dsp.Analyzer

	tx     [][]wire.Sample
	rx     [][]wire.Sample
	buf    []complex128
	phase  float64
	wrote  bool
	state  LinkState
	stable int
	drops  int

	lastTone   dsp.ToneStats
	lastReport time.Time
	iterations int
}

func NewRunner(dev Device, reporter telemetry.Reporter, logger logging.Logger, cfg Config) *Runner {
	return &Runner{
		dev:      dev,
		reporter: reporter,
		logger:   logging.OrDefault(logger).With(logging.F("subsystem", "app")),
		cfg:      cfg,
		state:    LinkSearching,
	}
}

// Init applies defaults and allocates the sample buffers.
func (r *Runner) Init() error {
	if r.cfg.NumSamples <= 0 {
		r.cfg.NumSamples = 1024
	}
	if r.cfg.TxAntennas <= 0 {
		r.cfg.TxAntennas = 1
	}
	if r.cfg.RxAntennas <= 0 {
		r.cfg.RxAntennas = 1
	}
	if r.cfg.SampleRate <= 0 {
		return fmt.Errorf("app: sample rate must be positive")
	}
	if math.Abs(r.cfg.ToneOffset) >= r.cfg.SampleRate/2 {
		return fmt.Errorf("app: tone offset %.0f Hz outside the %.0f Hz band", r.cfg.ToneOffset, r.cfg.SampleRate)
	}
	if r.cfg.ReportEvery <= 0 {
		r.cfg.ReportEvery = time.Second
	}
	r.tx = rows(r.cfg.TxAntennas, r.cfg.NumSamples)
	r.rx = rows(r.cfg.RxAntennas, r.cfg.NumSamples)
	r.buf = make([]complex128, r.cfg.NumSamples)
	r.analyzer = dsp.NewAnalyzer(r.cfg.NumSamples, r.cfg.SampleRate)
	return nil
}

// Run reads, answers and analyzes buffers until the context ends or the
// configured number of iterations is reached.
func (r *Runner) Run(ctx context.Context) error {
	if r.analyzer == nil {
		if err := r.Init(); err != nil {
			return err
		}
	}
	if err := r.warmup(ctx); err != nil {
		return fmt.Errorf("warmup: %w", err)
	}
	// prime one buffer so a peer running the same loop is not left waiting
	// for our first answer
	if !r.cfg.Silent {
		if err := r.answer(r.dev.VirtualTime().NextRx); err != nil {
			return err
		}
	}
	for r.cfg.Iterations == 0 || r.iterations < r.cfg.Iterations {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.step(); err != nil {
			return err
		}
	}
	r.report(true)
	return nil
}

func (r *Runner) step() error {
	began := time.Now()
	ts, err := r.dev.Read(r.rx)
	if err != nil {
		return fmt.Errorf("receive samples: %w", err)
	}
	if !r.cfg.Silent {
		if err := r.answer(ts + uint64(r.cfg.NumSamples)); err != nil {
			return err
		}
	}

	for i, s := range r.rx[0] {
		r.buf[i] = complex(float64(s.Re), float64(s.Im))
	}
	r.lastTone = r.analyzer.Analyze(r.buf)
	r.updateLink(r.lastTone.SNRdB)
	r.iterations++
	r.logger.Debug("iteration complete",
		logging.F("iteration", r.iterations),
		logging.F("timestamp", ts),
		logging.F("peak_dbfs", r.lastTone.PeakDBFS),
		logging.F("elapsed_ms", time.Since(began).Seconds()*1000))
	r.report(false)
	return nil
}

// answer transmits the next stretch of the tone at ts. The loop answers
// one buffer ahead of what it just received, so writes are contiguous.
func (r *Runner) answer(ts uint64) error {
	amp := dsp.FullScale * dsp.DBToAmplitude(r.cfg.ToneDBFS)
	step := 2 * math.Pi * r.cfg.ToneOffset / r.cfg.SampleRate
	for i := range r.cfg.NumSamples {
		v := cmplx.Rect(amp, r.phase+float64(i)*step)
		s := wire.Sample{Re: dsp.Round16(real(v)), Im: dsp.Round16(imag(v))}
		for a := range r.tx {
			r.tx[a][i] = s
		}
	}
	r.phase = math.Mod(r.phase+float64(r.cfg.NumSamples)*step, 2*math.Pi)

	flags := transport.BurstMiddle
	if !r.wrote {
		flags = transport.BurstStart
	}
	if _, err := r.dev.Write(ts, r.tx, flags); err != nil {
		return fmt.Errorf("transmit samples: %w", err)
	}
	r.wrote = true
	return nil
}

func (r *Runner) updateLink(snr float64) {
	const (
		acquireSNR   = 10.0
		dropSNR      = 4.0
		stableNeeded = 3
		dropNeeded   = 2
	)
	switch r.state {
	case LinkAcquired:
		if snr < dropSNR {
			r.drops++
			if r.drops >= dropNeeded {
				r.state = LinkSearching
				r.stable = 0
				r.logger.Warn("peer tone lost", logging.F("snr_db", snr))
			}
		} else {
			r.drops = 0
		}
	default:
		if snr >= acquireSNR {
			r.stable++
			if r.stable >= stableNeeded {
				r.state = LinkAcquired
				r.drops = 0
				r.logger.Info("peer tone acquired",
					logging.F("snr_db", snr),
					logging.F("peak_hz", r.lastTone.PeakHz))
			}
		} else {
			r.stable = 0
		}
	}
}

func (r *Runner) report(force bool) {
	if r.reporter == nil {
		return
	}
	now := time.Now()
	if !force && now.Sub(r.lastReport) < r.cfg.ReportEvery {
		return
	}
	r.lastReport = now
	tone := r.lastTone
	r.reporter.Report(telemetry.Sample{Timestamp: now, Transport: r.dev.Stats(), Tone: &tone})
}

func (r *Runner) warmup(ctx context.Context) error {
	for i := range r.cfg.WarmupBuffers {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := r.dev.Read(r.rx); err != nil {
			return fmt.Errorf("warmup RX buffer %d: %w", i, err)
		}
	}
	return nil
}

// LinkState reports whether the last buffers carried a tone.
func (r *Runner) LinkState() LinkState { return r.state }

// LastTone returns the analysis of the most recent buffer.
func (r *Runner) LastTone() dsp.ToneStats { return r.lastTone }

// Iterations counts completed read/answer cycles.
func (r *Runner) Iterations() int { return r.iterations }

// Stopped reports whether err is the normal end of Run.
func Stopped(err error) bool {
	return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func rows(antennas, n int) [][]wire.Sample {
	out := make([][]wire.Sample, antennas)
	for a := range out {
		out[a] = make([]wire.Sample, n)
	}
	return out
}
