package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/rfsim/internal/beams"
	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/connectionmgr"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newServer(t *testing.T, opts Options) *Device {
	t.Helper()
	opts.Role = Server
	opts.Addr = "127.0.0.1:0"
	if opts.Logger == nil {
		opts.Logger = logging.NewMemory()
	}
	if opts.OnFatal == nil {
		opts.OnFatal = func(err error) { t.Errorf("unexpected fatal error: %v", err) }
	}
	d, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(func() { d.Close() })
	return d
}

// waitPeers pumps the device's event loop until n peers have joined.
func waitPeers(t *testing.T, d *Device, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(d.mux.Peers()) < n {
		require.True(t, time.Now().Before(deadline), "peers did not join")
		d.mux.Poll(10 * time.Millisecond)
	}
}

// rawPeer is a bare socket speaking the wire format.
func rawPeer(t *testing.T, d *Device) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", d.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func send(t *testing.T, c net.Conn, ts uint64, beamIDs []int, fill func(beam, i int) int16, n int) {
	t.Helper()
	payload := make([][][]wire.Sample, len(beamIDs))
	for b := range beamIDs {
		row := make([]wire.Sample, n)
		for i := range row {
			v := fill(b, i)
			row[i] = wire.Sample{Re: v, Im: v}
		}
		payload[b] = [][]wire.Sample{row}
	}
	buf, err := wire.Encode(ts, beamIDs, payload)
	require.NoError(t, err)
	_, err = c.Write(buf)
	require.NoError(t, err)
}

func value(v int16) func(int, int) int16 { return func(int, int) int16 { return v } }

func rows(antennas, n int) [][]wire.Sample {
	out := make([][]wire.Sample, antennas)
	for a := range out {
		out[a] = make([]wire.Sample, n)
	}
	return out
}

func reals(s []wire.Sample) []int16 {
	out := make([]int16, len(s))
	for i, v := range s {
		out[i] = v.Re
	}
	return out
}

func filled(n int, v int16) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestTwoPeerCombination(t *testing.T) {
	gains, err := beams.NewGainTable([]float64{0, -6})
	require.NoError(t, err)
	d := newServer(t, Options{Gains: gains})

	p1, p2 := rawPeer(t, d), rawPeer(t, d)
	waitPeers(t, d, 2)
	send(t, p1, 0, []int{0}, value(1), 100)
	send(t, p2, 0, []int{1}, value(1), 100)

	out := rows(1, 100)
	ts, err := d.Read(out)
	require.NoError(t, err)
	require.Zero(t, ts)
	// 1 + 10^(-6/20) = 1.501 before the single rounding step
	for _, s := range out[0] {
		require.Equal(t, wire.Sample{Re: 2, Im: 2}, s)
	}
}

func TestOutOfOrderPeerDataIsDiscarded(t *testing.T) {
	log := logging.NewMemory()
	d := newServer(t, Options{Logger: log})
	p := rawPeer(t, d)
	waitPeers(t, d, 1)

	send(t, p, 100, []int{0}, value(1), 50)
	send(t, p, 50, []int{0}, value(2), 50)
	send(t, p, 150, []int{0}, value(3), 50)

	out := rows(1, 200)
	ts, err := d.Read(out)
	require.NoError(t, err)
	require.Zero(t, ts)
	want := append(append(filled(100, 0), filled(50, 1)...), filled(50, 3)...)
	require.Equal(t, want, reals(out[0]))
	require.Equal(t, 1, log.Count("received data in past"))
	require.Equal(t, uint64(1), d.Stats().Discarded)
}

func TestSilenceWithoutPeersAdvancesCursor(t *testing.T) {
	d := newServer(t, Options{})
	out := rows(1, 10)
	out[0][3] = wire.Sample{Re: 9}
	for i := range 3 {
		ts, err := d.Read(out)
		require.NoError(t, err)
		require.Equal(t, uint64(i*10), ts)
		require.Equal(t, filled(10, 0), reals(out[0]))
	}
	st := d.Stats()
	require.Equal(t, uint64(3), st.SilentReads)
	require.Equal(t, uint64(30), st.NextRx)
}

func TestReadWaitsForEveryPeer(t *testing.T) {
	d := newServer(t, Options{})
	fast, slow := rawPeer(t, d), rawPeer(t, d)
	waitPeers(t, d, 2)
	send(t, fast, 0, []int{0}, value(1), 100)
	send(t, slow, 0, []int{0}, value(2), 50)

	type result struct {
		ts  uint64
		out [][]wire.Sample
		err error
	}
	done := make(chan result, 1)
	go func() {
		out := rows(1, 100)
		ts, err := d.Read(out)
		done <- result{ts, out, err}
	}()

	select {
	case <-done:
		t.Fatal("read returned before the slow peer covered the window")
	case <-time.After(100 * time.Millisecond):
	}

	send(t, slow, 50, []int{0}, value(4), 50)
	select {
	case r := <-done:
		require.NoError(t, r.err)
		require.Equal(t, append(filled(50, 3), filled(50, 5)...), reals(r.out[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("read never returned")
	}
}

func TestMonotonicCursorAndBoundedQueues(t *testing.T) {
	d := newServer(t, Options{})
	p := rawPeer(t, d)
	waitPeers(t, d, 1)

	const n = 64
	for i := range 50 {
		send(t, p, uint64(i*n), []int{0}, value(int16(i)), n)
		out := rows(1, n)
		ts, err := d.Read(out)
		require.NoError(t, err)
		require.Equal(t, uint64(i*n), ts)
		require.Equal(t, filled(n, int16(i)), reals(out[0]))
		require.LessOrEqual(t, d.mux.Peers()[0].Queue.Len(), 2)
	}
}

func TestPropagationDelayShiftsPeers(t *testing.T) {
	d := newServer(t, Options{SampleRate: 1000, PropDelayMs: 10})
	require.Equal(t, uint64(10), d.chanOffset)
	p := rawPeer(t, d)
	waitPeers(t, d, 1)
	send(t, p, 0, []int{0}, func(_, i int) int16 { return int16(i + 1) }, 100)

	out := rows(1, 20)
	_, err := d.Read(out)
	require.NoError(t, err)
	require.Equal(t, []int16{0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, reals(out[0]))
}

func TestModelledPeerWaitsOnItsOwnOffset(t *testing.T) {
	// the global delay is 100 samples but the peer's model has none
	d := newServer(t, Options{
		SampleRate:  1000,
		PropDelayMs: 100,
		NewChannel: func(int) channel.Model {
			m, err := channel.New(channel.Params{Name: "awgn", TxAntennas: 1, RxAntennas: 1})
			require.NoError(t, err)
			return m
		},
	})
	require.Equal(t, uint64(100), d.chanOffset)
	p := rawPeer(t, d)
	waitPeers(t, d, 1)
	send(t, p, 0, []int{0}, value(1), 100)

	out := rows(1, 100)
	ts, err := d.Read(out)
	require.NoError(t, err)
	require.Zero(t, ts)
	require.Equal(t, filled(100, 1), reals(out[0]))

	done := make(chan error, 1)
	go func() {
		_, err := d.Read(out)
		done <- err
	}()
	select {
	case <-done:
		t.Fatal("read returned before the modelled peer covered the window")
	case <-time.After(100 * time.Millisecond):
	}

	send(t, p, 100, []int{0}, value(2), 100)
	select {
	case err := <-done:
		require.NoError(t, err)
		require.Equal(t, filled(100, 2), reals(out[0]))
	case <-time.After(2 * time.Second):
		t.Fatal("read never returned")
	}
}

func TestMultiBeamRead(t *testing.T) {
	gains, err := beams.NewGainTable([]float64{0, -6})
	require.NoError(t, err)
	d := newServer(t, Options{BeamMode: MultiBeam, Gains: gains, InitialBeams: []int{0, 1}})
	p := rawPeer(t, d)
	waitPeers(t, d, 1)
	send(t, p, 0, []int{0, 1}, func(b, _ int) int16 { return int16(1000 * (b + 1)) }, 16)

	out := [][][]wire.Sample{rows(1, 16), rows(1, 16), rows(1, 16)}
	out[2][0][0] = wire.Sample{Re: 7}
	_, err = d.ReadBeams(out)
	require.NoError(t, err)
	require.Equal(t, int16(2002), out[0][0][5].Re)
	require.Equal(t, int16(2501), out[1][0][5].Re)
	// no third beam is active
	require.Equal(t, filled(16, 0), reals(out[2][0]))
}

func TestBeamSwitchSplitsRead(t *testing.T) {
	gains, err := beams.NewGainTable([]float64{0, -6})
	require.NoError(t, err)
	d := newServer(t, Options{Gains: gains})
	p := rawPeer(t, d)
	waitPeers(t, d, 1)
	send(t, p, 0, []int{0}, value(1000), 100)
	require.NoError(t, d.SetBeams([]int{1}, 50))

	out := rows(1, 100)
	_, err = d.Read(out)
	require.NoError(t, err)
	require.Equal(t, append(filled(50, 1000), filled(50, 501)...), reals(out[0]))
}

func TestWriteSplitsOnBeamSwitchAndRecords(t *testing.T) {
	log := logging.NewMemory()
	var rec bytes.Buffer
	d := newServer(t, Options{Logger: log, Recorder: &rec})
	c := rawPeer(t, d)
	waitPeers(t, d, 1)

	sync, err := wire.ReadBlock(c)
	require.NoError(t, err)
	require.Equal(t, uint32(1), sync.Samples)
	require.Zero(t, sync.Timestamp)

	require.NoError(t, d.SetBeamMask(0b100, 50))
	samples := rows(1, 100)
	for i := range samples[0] {
		samples[0][i] = wire.Sample{Re: int16(i)}
	}
	n, err := d.Write(0, samples, BurstStart)
	require.NoError(t, err)
	require.Equal(t, 100, n)

	first, err := wire.ReadBlock(c)
	require.NoError(t, err)
	require.Equal(t, []int{0}, first.BeamIDs())
	require.Equal(t, uint64(0), first.Timestamp)
	require.Equal(t, uint32(50), first.Samples)

	second, err := wire.ReadBlock(c)
	require.NoError(t, err)
	require.Equal(t, []int{2}, second.BeamIDs())
	require.Equal(t, uint64(50), second.Timestamp)
	require.Equal(t, int16(50), second.Stream(0, 0)[0].Re)

	recorded, err := wire.ReadBlock(&rec)
	require.NoError(t, err)
	require.Equal(t, first.Header, recorded.Header)
	require.Zero(t, log.Count("write gap without burst start"))
	require.Equal(t, uint64(100), d.VirtualTime().LastTx)
}

func TestWriteTimingWarnings(t *testing.T) {
	log := logging.NewMemory()
	d := newServer(t, Options{Logger: log, SampleRate: 1000})
	s := rows(1, 10)

	_, err := d.Write(0, s, BurstStart)
	require.NoError(t, err)
	_, err = d.Write(10, s, BurstMiddle)
	require.NoError(t, err)
	require.Zero(t, log.Count("write gap without burst start"))

	_, err = d.Write(40, s, BurstMiddle)
	require.NoError(t, err)
	require.Equal(t, 1, log.Count("write gap without burst start"))

	_, err = d.Write(30, s, BurstStart)
	require.NoError(t, err)
	require.Equal(t, 1, log.Count("write out of order"))
	require.Equal(t, uint64(50), d.Stats().LastTx)

	_, err = d.Write(5000, s, BurstStart)
	require.NoError(t, err)
	require.Equal(t, 1, log.Count("write gap too large"))
}

func TestSampleAdvance(t *testing.T) {
	d := newServer(t, Options{SampleAdvance: 7})
	_, err := d.Write(100, rows(1, 3), BurstStart)
	require.NoError(t, err)
	require.Equal(t, uint64(96), d.VirtualTime().LastTx)
}

func TestClientServerRoundTrip(t *testing.T) {
	srv := newServer(t, Options{})

	var fatal atomic.Value
	cli, err := New(Options{
		Role:    Client,
		Addr:    srv.Addr(),
		Logger:  logging.NewMemory(),
		OnFatal: func(err error) { fatal.Store(err) },
	})
	require.NoError(t, err)
	defer cli.Close()

	started := make(chan error, 1)
	go func() { started <- cli.Start(context.Background()) }()
	waitPeers(t, srv, 1)
	require.NoError(t, <-started)
	require.Zero(t, cli.VirtualTime().NextRx)

	tx := rows(1, 100)
	for i := range tx[0] {
		tx[0][i] = wire.Sample{Re: 5, Im: -5}
	}
	_, err = srv.Write(0, tx, BurstStart)
	require.NoError(t, err)

	rx := rows(1, 100)
	ts, err := cli.Read(rx)
	require.NoError(t, err)
	require.Zero(t, ts)
	require.Equal(t, filled(100, 5), reals(rx[0]))

	for i := range tx[0] {
		tx[0][i] = wire.Sample{Re: 9}
	}
	_, err = cli.Write(0, tx, BurstStart)
	require.NoError(t, err)
	_, err = srv.Read(rx)
	require.NoError(t, err)
	require.Equal(t, filled(100, 9), reals(rx[0]))

	// losing the server is fatal for a client
	require.NoError(t, srv.Close())
	deadline := time.Now().Add(2 * time.Second)
	for fatal.Load() == nil {
		require.True(t, time.Now().Before(deadline), "client never noticed the hang-up")
		_, err := cli.Read(rows(1, 10))
		require.NoError(t, err)
	}
	require.ErrorIs(t, fatal.Load().(error), connectionmgr.ErrServerLost)
}

func TestClientStartHonoursContext(t *testing.T) {
	dial := func(context.Context, string, string) (net.Conn, error) { return nil, errors.New("refused") }
	cli, err := New(Options{Role: Client, Addr: "127.0.0.1:1", Dial: dial, Logger: logging.NewMemory()})
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.Error(t, cli.Start(ctx))
	_, err = cli.Read(rows(1, 1))
	require.ErrorIs(t, err, ErrNotStarted)
}

func TestDistanceDrivesChannelModels(t *testing.T) {
	const fs = 30.72e6
	d := newServer(t, Options{
		SampleRate: fs,
		NewChannel: func(int) channel.Model {
			m, err := channel.New(channel.Params{Name: "awgn", TxAntennas: 1, RxAntennas: 1})
			require.NoError(t, err)
			return m
		},
	})
	require.NoError(t, d.SetDistance(1000))
	require.Equal(t, uint64(102), d.chanOffset)
	require.InDelta(t, 995.4, d.Distance(), 0.1)

	rawPeer(t, d)
	waitPeers(t, d, 1)
	m := d.mux.Peers()[0].Model
	require.NotNil(t, m)
	require.Equal(t, uint64(102), m.Offset())
	d.updateStats(nil, 0)
	require.Equal(t, "awgn", d.Stats().PeerStats[0].Model)
	require.Equal(t, "awgn", d.Stats().PeerStats[0].ModelKind)

	require.NoError(t, d.SetDistance(0))
	require.Zero(t, m.Offset())
}

func TestShapeErrors(t *testing.T) {
	d := newServer(t, Options{RxAntennas: 2})
	_, err := d.Read(rows(3, 10))
	require.ErrorIs(t, err, ErrShape)
	_, err = d.Read([][]wire.Sample{make([]wire.Sample, 4), make([]wire.Sample, 5)})
	require.ErrorIs(t, err, ErrShape)
	_, err = d.ReadBeams([][][]wire.Sample{rows(1, 4), rows(1, 4)})
	require.ErrorIs(t, err, ErrShape)
	_, err = d.Write(0, rows(1, 0), BurstStart)
	require.ErrorIs(t, err, ErrShape)
	require.Error(t, d.SetBeams([]int{1, 1}, 0))
	require.Error(t, d.SetBeamMask(0, 0))
}

func TestNotStarted(t *testing.T) {
	d, err := New(Options{Logger: logging.NewMemory()})
	require.NoError(t, err)
	defer d.Close()
	_, err = d.Read(rows(1, 1))
	require.ErrorIs(t, err, ErrNotStarted)
	_, err = d.Write(0, rows(1, 1), BurstStart)
	require.ErrorIs(t, err, ErrNotStarted)
}
