package combiner

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/rfsim/internal/beams"
	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/pktqueue"
	"github.com/rjboer/rfsim/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// block builds a single-beam block whose antenna a carries fill(a, i).
func block(t *testing.T, ts uint64, beam, antennas, n int, fill func(a, i int) wire.Sample) *wire.Block {
	t.Helper()
	blk, err := wire.NewBlock(wire.Header{Samples: uint32(n), Antennas: uint32(antennas), Timestamp: ts, BeamMask: 1 << beam})
	require.NoError(t, err)
	for a := range antennas {
		s := blk.Stream(0, a)
		for i := range s {
			s[i] = fill(a, i)
		}
	}
	return blk
}

func constant(v int16) func(a, i int) wire.Sample {
	return func(int, int) wire.Sample { return wire.Sample{Re: v, Im: v} }
}

func ramp(a, i int) wire.Sample { return wire.Sample{Re: int16(i + 1), Im: int16(-(i + 1))} }

func source(t *testing.T, antennas int, blocks ...*wire.Block) Source {
	t.Helper()
	q := pktqueue.New()
	for _, b := range blocks {
		q.Enqueue(b)
	}
	return Source{Queue: q, Antennas: antennas}
}

func output(rows, n int) [][]wire.Sample {
	out := make([][]wire.Sample, rows)
	for i := range out {
		out[i] = make([]wire.Sample, n)
	}
	return out
}

func newCombiner(t *testing.T, cfg Config) *Combiner {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestBeamGainsSumAcrossPeers(t *testing.T) {
	gains, err := beams.NewGainTable([]float64{0, -6})
	require.NoError(t, err)
	c := newCombiner(t, Config{RxAntennas: 1, Gains: gains})

	p1 := source(t, 1, block(t, 0, 0, 1, 8, constant(1)))
	p2 := source(t, 1, block(t, 0, 1, 1, 8, constant(1)))
	out := output(1, 8)
	c.Combine(out, []Source{p1, p2}, 0, 0, 0)
	for _, s := range out[0] {
		// 1 + 10^(-6/20) = 1.501, rounded once
		require.Equal(t, wire.Sample{Re: 2, Im: 2}, s)
	}

	p1 = source(t, 1, block(t, 0, 0, 1, 8, constant(1000)))
	p2 = source(t, 1, block(t, 0, 1, 1, 8, constant(1000)))
	c.Combine(out, []Source{p1, p2}, 0, 0, 0)
	require.Equal(t, wire.Sample{Re: 1501, Im: 1501}, out[0][3])

	// receive beam 1 sees the mirror image
	c.Combine(out, []Source{p1, p2}, 0, 1, 0)
	require.Equal(t, wire.Sample{Re: 1501, Im: 1501}, out[0][0])
}

func TestUnknownGainPairPanics(t *testing.T) {
	gains, err := beams.NewGainTable([]float64{0})
	require.NoError(t, err)
	c := newCombiner(t, Config{RxAntennas: 1, Gains: gains})
	p := source(t, 1, block(t, 0, 3, 1, 4, constant(1)))
	require.Panics(t, func() { c.Combine(output(1, 4), []Source{p}, 0, 0, 0) })
}

func TestAntennaCoupling(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 3})
	p := source(t, 2, block(t, 0, 0, 2, 4, func(a, i int) wire.Sample {
		if a == 0 {
			return wire.Sample{Re: 100}
		}
		return wire.Sample{}
	}))
	out := output(3, 4)
	c.Combine(out, []Source{p}, 0, 0, 0)
	require.Equal(t, int16(100), out[0][0].Re)
	require.Equal(t, int16(20), out[1][0].Re)
	require.Equal(t, int16(10), out[2][0].Re)

	require.Equal(t, 1.0, Coupling(2, 2))
	require.InDelta(t, 0.1, Coupling(0, 2), 1e-12)
}

func TestGlobalOffsetAndSilenceBeforeZero(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 1})
	p := source(t, 1, block(t, 0, 0, 1, 10, ramp))

	out := output(1, 3)
	c.Combine(out, []Source{p}, 5, 0, 5)
	require.Equal(t, []wire.Sample{{Re: 1, Im: -1}, {Re: 2, Im: -2}, {Re: 3, Im: -3}}, out[0])

	out = output(1, 5)
	c.Combine(out, []Source{p}, 0, 0, 3)
	require.Equal(t, []wire.Sample{{}, {}, {}, {Re: 1, Im: -1}, {Re: 2, Im: -2}}, out[0])
}

func TestGapsReadAsSilence(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 1})
	p := source(t, 1,
		block(t, 0, 0, 1, 2, constant(7)),
		block(t, 4, 0, 1, 2, constant(9)))
	out := output(1, 6)
	c.Combine(out, []Source{p}, 0, 0, 0)
	require.Equal(t, []int16{7, 7, 0, 0, 9, 9}, reals(out[0]))
}

// delayModel is a fixed two-tap channel.
type delayModel struct {
	taps   []complex128
	offset uint64
	loss   float64
}

func (d delayModel) Name() string                          { return "delay" }
func (d delayModel) Length() int                           { return len(d.taps) }
func (d delayModel) Offset() uint64                        { return d.offset }
func (d delayModel) PathLossDB() float64                   { return d.loss }
func (d delayModel) ImpulseResponse(tx, rx int) []complex128 { return d.taps }

func TestModelFiltersWithHistory(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 1})
	p := source(t, 1, block(t, 0, 0, 1, 16, ramp))

	// one sample of delay pulls the sample before the window
	p.Model = delayModel{taps: []complex128{0, 1}}
	out := output(1, 4)
	c.Combine(out, []Source{p}, 4, 0, 99)
	require.Equal(t, []int16{4, 5, 6, 7}, reals(out[0]))

	// model offset replaces the global one
	p.Model = delayModel{taps: []complex128{1, 0}, offset: 2}
	c.Combine(out, []Source{p}, 4, 0, 99)
	require.Equal(t, []int16{3, 4, 5, 6}, reals(out[0]))
}

func TestAWGNModelAppliesPathLoss(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 2})
	m, err := channel.New(channel.Params{TxAntennas: 2, RxAntennas: 2, PathLossDB: -20})
	require.NoError(t, err)
	p := source(t, 2, block(t, 0, 0, 2, 8, func(a, i int) wire.Sample {
		return wire.Sample{Re: int16(1000 * (a + 1))}
	}))
	p.Model = m
	out := output(2, 8)
	c.Combine(out, []Source{p}, 0, 0, 0)
	// no cross coupling through an AWGN model
	require.Equal(t, int16(100), out[0][5].Re)
	require.Equal(t, int16(200), out[1][5].Re)
}

func TestDopplerRotatesContinuously(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 1})
	m, err := channel.New(channel.Params{TxAntennas: 1, RxAntennas: 1, DopplerHz: 250, SampleRate: 1000})
	require.NoError(t, err)
	p := source(t, 1, block(t, 0, 0, 1, 8, constant(1000)))
	p.Model = m

	// a quarter turn per sample: 1000+1000i -> -1000+1000i -> ...
	out := output(1, 2)
	c.Combine(out, []Source{p}, 0, 0, 0)
	require.Equal(t, wire.Sample{Re: 1000, Im: 1000}, out[0][0])
	require.Equal(t, wire.Sample{Re: -1000, Im: 1000}, out[0][1])
	c.Combine(out, []Source{p}, 2, 0, 0)
	require.Equal(t, wire.Sample{Re: -1000, Im: -1000}, out[0][0])
}

func TestGlobalNoiseLevel(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 1, Noise: true, NoiseDBFS: -30, Seed: 7})
	want := 32767 / math.Pow(10, 1.5)
	require.InDelta(t, want, c.NoiseAmplitude(), 1e-9)

	out := output(1, 8192)
	c.Combine(out, nil, 0, 0, 0)
	var sum float64
	for _, s := range out[0] {
		sum += float64(s.Re) * float64(s.Re)
	}
	require.InEpsilon(t, want, math.Sqrt(sum/float64(len(out[0]))), 0.05)
}

func TestNoSourcesIsSilence(t *testing.T) {
	c := newCombiner(t, Config{RxAntennas: 2})
	out := output(2, 4)
	out[1][2] = wire.Sample{Re: 5}
	c.Combine(out, []Source{{Queue: pktqueue.New(), Antennas: 1}}, 100, 0, 0)
	require.Equal(t, output(2, 4), out)
}

func TestNewRejectsBadAntennaCount(t *testing.T) {
	_, err := New(Config{RxAntennas: 0})
	require.Error(t, err)
	_, err = New(Config{RxAntennas: wire.MaxAntennas + 1})
	require.Error(t, err)
}

func reals(s []wire.Sample) []int16 {
	out := make([]int16, len(s))
	for i, v := range s {
		out[i] = v.Re
	}
	return out
}
