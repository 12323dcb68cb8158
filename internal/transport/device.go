// Package transport is the blocking read/write surface a baseband stack
// uses in place of a radio front-end. A Device is driven by one goroutine:
// Read pumps the connection multiplexer until every peer has delivered the
// requested window, then hands the queued blocks to the combiner.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rjboer/rfsim/internal/beams"
	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/combiner"
	"github.com/rjboer/rfsim/internal/connectionmgr"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/wire"
)

// Role re-exports the multiplexer roles.
type Role = connectionmgr.Role

const (
	Server = connectionmgr.Server
	Client = connectionmgr.Client
)

// BeamMode selects between the plain and the multi-beam API.
type BeamMode int

const (
	SingleBeam BeamMode = iota
	MultiBeam
)

func (m BeamMode) String() string {
	if m == MultiBeam {
		return "multi-beam"
	}
	return "single-beam"
}

// Flags describe where a write sits in a transmit burst.
type Flags int

const (
	BurstMiddle Flags = iota
	BurstStart
	BurstEnd
	BurstStartAndEnd
)

var (
	// ErrNotStarted is returned by Read and Write before Start.
	ErrNotStarted = errors.New("transport: device not started")
	// ErrShape reports sample buffers that do not match the device.
	ErrShape = errors.New("transport: bad sample buffer shape")
)

const (
	DefaultPort        = 4043
	DefaultWaitTimeout = time.Millisecond
	pollInterval       = 3 * time.Millisecond
	slowPeerLog        = time.Second
)

// Options configures a Device. Zero values pick the stock rfsimulator
// defaults.
type Options struct {
	Role Role
	// Addr is host:port to listen on (Server) or connect to (Client).
	Addr       string
	SampleRate float64
	TxAntennas int
	RxAntennas int
	// WaitTimeout bounds how long Read waits for a peer to appear before
	// returning silence.
	WaitTimeout time.Duration
	// PropDelayMs delays every peer without a channel model.
	PropDelayMs float64
	// SampleAdvance is subtracted from every write timestamp.
	SampleAdvance uint64
	BeamMode      BeamMode
	// Gains is nil when beams are not simulated.
	Gains        *beams.GainTable
	InitialBeams []int
	// NoiseDBFS below zero enables the global noise floor.
	NoiseDBFS float64
	Seed      uint64
	// NewChannel returns the model for the peer with the given index, or
	// nil for plain antenna coupling.
	NewChannel func(index int) channel.Model
	// Recorder receives a copy of every block sent.
	Recorder io.Writer
	Dial     connectionmgr.DialFunc
	MaxPeers int
	MaxQueue int
	Logger   logging.Logger
	// OnFatal is called when the device can no longer operate, e.g. a
	// client losing its server. The default logs and exits.
	OnFatal func(error)
}

func (o *Options) setDefaults() {
	if o.Addr == "" {
		o.Addr = fmt.Sprintf("127.0.0.1:%d", DefaultPort)
	}
	if o.TxAntennas <= 0 {
		o.TxAntennas = 1
	}
	if o.RxAntennas <= 0 {
		o.RxAntennas = 1
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = DefaultWaitTimeout
	}
}

// Device is one transport endpoint.
type Device struct {
	opts Options
	log  logging.Logger
	mux  *connectionmgr.Multiplexer
	comb *combiner.Combiner

	txSched *beams.Schedule
	rxSched *beams.Schedule

	ctx        context.Context
	started    bool
	nextRx     uint64
	lastTx     uint64
	chanOffset uint64
	// distanceSet applies chanOffset to models of peers joining later.
	distanceSet bool

	sources []combiner.Source
	window  [][]wire.Sample

	statsMu sync.Mutex
	stats   Stats
}

// New validates opts and builds the device. No socket is opened until
// Start.
func New(opts Options) (*Device, error) {
	opts.setDefaults()
	if opts.TxAntennas > wire.MaxAntennas || opts.RxAntennas > wire.MaxAntennas {
		return nil, fmt.Errorf("transport: antenna count above %d", wire.MaxAntennas)
	}
	if opts.PropDelayMs > 0 && opts.SampleRate <= 0 {
		return nil, fmt.Errorf("transport: propagation delay needs a sample rate")
	}
	if len(opts.InitialBeams) > 0 {
		if _, err := wire.BeamsToMask(opts.InitialBeams); err != nil {
			return nil, fmt.Errorf("transport: initial beams: %w", err)
		}
	}

	d := &Device{
		opts:    opts,
		log:     logging.OrDefault(opts.Logger).With(logging.F("subsystem", "transport")),
		txSched: beams.NewSchedule(opts.InitialBeams),
		rxSched: beams.NewSchedule(opts.InitialBeams),
		ctx:     context.Background(),
	}
	if opts.OnFatal == nil {
		d.opts.OnFatal = func(err error) {
			d.log.Error("transport stopped", logging.F("err", err))
			os.Exit(1)
		}
	}
	if opts.PropDelayMs > 0 {
		d.chanOffset = channel.DelayToOffset(opts.PropDelayMs, opts.SampleRate)
	}

	comb, err := combiner.New(combiner.Config{
		RxAntennas: opts.RxAntennas,
		Gains:      opts.Gains,
		Noise:      opts.NoiseDBFS < 0,
		NoiseDBFS:  opts.NoiseDBFS,
		Seed:       opts.Seed,
		Logger:     opts.Logger,
	})
	if err != nil {
		return nil, err
	}
	d.comb = comb

	var gapWarn uint64
	if opts.SampleRate > 0 {
		gapWarn = uint64(opts.SampleRate)
	}
	d.mux = connectionmgr.New(connectionmgr.Config{
		Role:     opts.Role,
		Addr:     opts.Addr,
		MaxPeers: opts.MaxPeers,
		Dial:     opts.Dial,
		GapWarn:  gapWarn,
		MaxQueue: opts.MaxQueue,
		Logger:   opts.Logger,
		OnPeer:   d.onPeer,
		OnRemove: d.onRemove,
	})
	d.stats.Role = opts.Role.String()
	d.stats.BeamMode = opts.BeamMode.String()
	d.stats.ChanOffset = d.chanOffset
	return d, nil
}

// Start opens the listening socket, or connects to the server and waits
// for its anchor timestamp. ctx also bounds every later wait in Read.
func (d *Device) Start(ctx context.Context) error {
	if d.started {
		return nil
	}
	d.ctx = ctx
	switch d.opts.Role {
	case Client:
		p, err := d.mux.Dial(ctx)
		if err != nil {
			return err
		}
		if err := d.firstRead(ctx, p); err != nil {
			return err
		}
	default:
		if err := d.mux.Listen(ctx); err != nil {
			return err
		}
	}
	d.started = true
	d.log.Info("transport started",
		logging.F("role", d.opts.Role.String()),
		logging.F("addr", d.opts.Addr),
		logging.F("beam_mode", d.opts.BeamMode.String()),
		logging.F("chan_offset", d.chanOffset))
	return nil
}

// firstRead blocks until the server's sync block has anchored the
// connection, then starts the receive cursor just before it.
func (d *Device) firstRead(ctx context.Context, p *connectionmgr.Peer) error {
	for !p.Anchored() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(d.mux.Peers()) == 0 {
			return connectionmgr.ErrServerLost
		}
		d.mux.Poll(pollInterval)
	}
	d.nextRx = p.AnchorTimestamp()
	if d.nextRx > 0 {
		d.nextRx--
	}
	d.log.Debug("client got first timestamp", logging.F("next_rx", d.nextRx))
	return nil
}

// Addr is the bound listen address of a started server.
func (d *Device) Addr() string {
	if a := d.mux.Addr(); a != nil {
		return a.String()
	}
	return d.opts.Addr
}

// Close drops every peer and stops the combiner workers.
func (d *Device) Close() error {
	err := d.mux.Close()
	d.comb.Close()
	return err
}

func (d *Device) onPeer(p *connectionmgr.Peer) {
	if d.opts.NewChannel != nil {
		p.Model = d.opts.NewChannel(p.Index)
		if s, ok := p.Model.(channel.OffsetSetter); ok && d.distanceSet {
			s.SetOffset(d.chanOffset)
		}
		d.log.Debug("channel model attached",
			logging.F("peer", p.ID.String()),
			logging.F("model", p.Model.Name()),
			logging.F("kind", modelKind(p.Model)),
			logging.F("offset", p.Model.Offset()))
	}
	if d.opts.Role != Server {
		return
	}
	// a one-sample block at the current transmit time anchors the new peer
	p.SetLastContiguous(d.lastTx)
	zero := make([][][]wire.Sample, 1)
	zero[0] = make([][]wire.Sample, d.opts.TxAntennas)
	for a := range zero[0] {
		zero[0][a] = make([]wire.Sample, 1)
	}
	sync, err := wire.Encode(d.lastTx, []int{0}, zero)
	if err != nil {
		d.log.Error("encode sync block", logging.F("err", err))
		return
	}
	if err := d.mux.Send(p, sync); err == nil {
		d.log.Debug("sent sync block", logging.F("timestamp", d.lastTx))
	}
}

func (d *Device) onRemove(p *connectionmgr.Peer, cause error) {
	if d.opts.Role == Client {
		d.opts.OnFatal(fmt.Errorf("%w: %v", connectionmgr.ErrServerLost, cause))
	}
}

// SetBeams switches both directions to ids from timestamp ts on. Commands
// must be issued in non-decreasing timestamp order.
func (d *Device) SetBeams(ids []int, ts uint64) error {
	if _, err := wire.BeamsToMask(ids); err != nil {
		return err
	}
	cmd := beams.Command{Beams: ids, Timestamp: ts}
	d.txSched.Enqueue(cmd)
	d.rxSched.Enqueue(cmd)
	d.log.Debug("beam switch scheduled", logging.F("beams", ids), logging.F("timestamp", ts))
	return nil
}

// SetBeamMask is SetBeams with the beam set given as a bit mask.
func (d *Device) SetBeamMask(mask uint64, ts uint64) error {
	if mask == 0 {
		return fmt.Errorf("transport: empty beam mask")
	}
	return d.SetBeams(wire.MaskToBeams(mask), ts)
}

// SetDistance moves every peer to the given distance in meters: the
// global propagation offset and every channel model offset follow it.
func (d *Device) SetDistance(meters float64) error {
	if d.opts.SampleRate <= 0 {
		return fmt.Errorf("transport: distance needs a sample rate")
	}
	d.chanOffset = channel.DistanceToOffset(meters, d.opts.SampleRate)
	d.distanceSet = true
	for _, p := range d.mux.Peers() {
		if s, ok := p.Model.(channel.OffsetSetter); ok {
			s.SetOffset(d.chanOffset)
		}
	}
	d.log.Info("distance set",
		logging.F("meters", meters),
		logging.F("offset", d.chanOffset),
		logging.F("prop_delay_ms", channel.OffsetToDelay(d.chanOffset, d.opts.SampleRate)))
	d.updateStats(nil, 0)
	return nil
}

// Distance is the distance matching the current propagation offset.
func (d *Device) Distance() float64 {
	return channel.OffsetToDistance(d.chanOffset, d.opts.SampleRate)
}

// VirtualTime is the device's view of sample time.
type VirtualTime struct {
	NextRx     uint64
	LastTx     uint64
	SampleRate float64
	Seconds    float64
}

// VirtualTime reports the receive cursor and the transmit timestamp.
func (d *Device) VirtualTime() VirtualTime {
	vt := VirtualTime{NextRx: d.nextRx, LastTx: d.lastTx, SampleRate: d.opts.SampleRate}
	if d.opts.SampleRate > 0 {
		vt.Seconds = float64(d.nextRx) / d.opts.SampleRate
	}
	return vt
}
