package app

import (
	"context"
	"errors"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/telemetry"
	"github.com/rjboer/rfsim/internal/transport"
	"github.com/rjboer/rfsim/internal/wire"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type write struct {
	ts    uint64
	flags transport.Flags
}

// loopback hears back whatever was last written.
type loopback struct {
	next   uint64
	last   []wire.Sample
	writes []write
}

func (l *loopback) Read(samples [][]wire.Sample) (uint64, error) {
	ts := l.next
	for _, row := range samples {
		if l.last == nil {
			clear(row)
		} else {
			copy(row, l.last)
		}
	}
	l.next += uint64(len(samples[0]))
	return ts, nil
}

func (l *loopback) Write(ts uint64, samples [][]wire.Sample, flags transport.Flags) (int, error) {
	l.last = append(l.last[:0], samples[0]...)
	l.writes = append(l.writes, write{ts, flags})
	return len(samples[0]), nil
}

func (l *loopback) Stats() transport.Stats {
	return transport.Stats{NextRx: l.next, Writes: uint64(len(l.writes))}
}

func (l *loopback) VirtualTime() transport.VirtualTime {
	return transport.VirtualTime{NextRx: l.next}
}

type recordingReporter struct {
	samples []telemetry.Sample
}

func (r *recordingReporter) Report(s telemetry.Sample) {
	r.samples = append(r.samples, s)
}

func TestRunnerAnswersContiguouslyAndHearsTone(t *testing.T) {
	dev := &loopback{}
	rep := &recordingReporter{}
	cfg := Config{
		SampleRate:  1e6,
		ToneOffset:  125e3,
		ToneDBFS:    -20,
		NumSamples:  256,
		Iterations:  6,
		ReportEvery: time.Hour,
	}
	r := NewRunner(dev, rep, logging.NewMemory(), cfg)
	require.NoError(t, r.Init())
	require.NoError(t, r.Run(context.Background()))

	require.Equal(t, 6, r.Iterations())
	require.Len(t, dev.writes, 7)
	require.Equal(t, transport.BurstStart, dev.writes[0].flags)
	for i, w := range dev.writes {
		require.Equal(t, uint64(i*256), w.ts)
		if i > 0 {
			require.Equal(t, transport.BurstMiddle, w.flags)
		}
	}

	tone := r.LastTone()
	require.InDelta(t, 125e3, tone.PeakHz, 1e6/256)
	require.InDelta(t, -20, tone.PowerDBFS, 0.5)
	require.Greater(t, tone.SNRdB, 40.0)
	require.Equal(t, LinkAcquired, r.LinkState())

	// the first iteration reports, the rest are throttled until the end
	require.Len(t, rep.samples, 2)
	require.NotNil(t, rep.samples[1].Tone)
	require.Equal(t, uint64(6*256), rep.samples[1].Transport.NextRx)
}

func TestSilentRunnerOnlyReceives(t *testing.T) {
	dev := &loopback{}
	r := NewRunner(dev, nil, logging.NewMemory(), Config{SampleRate: 1e6, NumSamples: 64, Iterations: 4, Silent: true, WarmupBuffers: 2})
	require.NoError(t, r.Run(context.Background()))
	require.Empty(t, dev.writes)
	require.Equal(t, uint64(6*64), dev.next)
	require.Equal(t, LinkSearching, r.LinkState())
}

func TestLinkLostAfterTwoQuietBuffers(t *testing.T) {
	log := logging.NewMemory()
	r := NewRunner(&loopback{}, nil, log, Config{SampleRate: 1e6})
	for range 3 {
		r.updateLink(30)
	}
	require.Equal(t, LinkAcquired, r.LinkState())
	r.updateLink(0)
	require.Equal(t, LinkAcquired, r.LinkState())
	r.updateLink(0)
	require.Equal(t, LinkSearching, r.LinkState())
	require.Equal(t, 1, log.Count("peer tone acquired"))
	require.Equal(t, 1, log.Count("peer tone lost"))
}

func TestInitRejectsToneOutsideBand(t *testing.T) {
	r := NewRunner(&loopback{}, nil, nil, Config{SampleRate: 1e6, ToneOffset: 600e3})
	require.Error(t, r.Init())
	r = NewRunner(&loopback{}, nil, nil, Config{})
	require.Error(t, r.Init())
}

func TestRunStopsOnContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(&loopback{}, nil, logging.NewMemory(), Config{SampleRate: 1e6, NumSamples: 16})
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.True(t, Stopped(err))
	require.False(t, Stopped(errors.New("boom")))
}

func TestClientHearsServerOverTransport(t *testing.T) {
	srvCtx, stopSrv := context.WithCancel(context.Background())
	defer stopSrv()
	srv, err := transport.New(transport.Options{
		Role:       transport.Server,
		Addr:       "127.0.0.1:0",
		SampleRate: 1e6,
		Logger:     logging.NewMemory(),
		OnFatal:    func(error) {},
	})
	require.NoError(t, err)
	require.NoError(t, srv.Start(srvCtx))

	cfg := Config{SampleRate: 1e6, ToneOffset: 62.5e3, ToneDBFS: -10, NumSamples: 512}
	srvDone := make(chan error, 1)
	go func() {
		srvDone <- NewRunner(srv, nil, logging.NewMemory(), cfg).Run(srvCtx)
	}()

	var fatal atomic.Bool
	cli, err := transport.New(transport.Options{
		Role:       transport.Client,
		Addr:       srv.Addr(),
		SampleRate: 1e6,
		Logger:     logging.NewMemory(),
		OnFatal:    func(error) { fatal.Store(true) },
	})
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, cli.Start(ctx))

	cliCfg := cfg
	cliCfg.Iterations = 20
	runner := NewRunner(cli, nil, logging.NewMemory(), cliCfg)
	require.NoError(t, runner.Run(ctx))
	require.Equal(t, LinkAcquired, runner.LinkState())
	require.InDelta(t, 62.5e3, runner.LastTone().PeakHz, 1e6/512)
	require.Less(t, math.Abs(runner.LastTone().PowerDBFS+10), 1.0)

	stopSrv()
	require.True(t, Stopped(<-srvDone))
	require.NoError(t, cli.Close())
	require.NoError(t, srv.Close())
	require.False(t, fatal.Load())
}
