package transport

import (
	"fmt"
	"time"

	"github.com/rjboer/rfsim/internal/combiner"
	"github.com/rjboer/rfsim/internal/connectionmgr"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/wire"
)

// Read fills samples[antenna][0:n] with the next n received samples and
// returns their timestamp. It is ReadBeams for the first active beam.
func (d *Device) Read(samples [][]wire.Sample) (uint64, error) {
	return d.ReadBeams([][][]wire.Sample{samples})
}

// ReadBeams fills out[i][antenna][0:n] with what the i-th active receive
// beam hears over the next n samples. Rows for beams beyond the active set
// are zeroed. It blocks until every connected peer has delivered the
// window; with no peer at all it waits WaitTimeout and returns silence.
func (d *Device) ReadBeams(out [][][]wire.Sample) (uint64, error) {
	if !d.started {
		return 0, ErrNotStarted
	}
	n, err := d.checkRead(out)
	if err != nil {
		return 0, err
	}
	began := time.Now()
	ts := d.nextRx

	if len(d.mux.Peers()) == 0 {
		d.mux.Poll(d.opts.WaitTimeout)
	}
	if len(d.mux.Peers()) == 0 {
		for _, rows := range out {
			clearRows(rows)
		}
		d.nextRx += uint64(n)
		d.rxSched.Prune(d.nextRx)
		d.updateStats(func(s *Stats) { s.Reads++; s.SilentReads++ }, time.Since(began))
		return ts, nil
	}

	if err := d.waitCovered(ts, n); err != nil {
		return 0, err
	}

	d.sources = d.sources[:0]
	for _, p := range d.mux.Peers() {
		d.sources = append(d.sources, combiner.Source{Queue: p.Queue, Antennas: p.Antennas(), Model: p.Model})
	}
	for _, rows := range out {
		clearRows(rows)
	}

	cursor, remaining := ts, n
	for remaining > 0 {
		active, span := d.rxSched.Active(cursor, remaining)
		off := int(cursor - ts)
		for i := range min(len(out), len(active)) {
			d.comb.Combine(d.slice(out[i], off, span), d.sources, cursor, active[i], d.chanOffset)
		}
		cursor += uint64(span)
		remaining -= span
	}

	d.nextRx += uint64(n)
	d.rxSched.Prune(d.nextRx)
	d.evict()
	d.updateStats(func(s *Stats) { s.Reads++ }, time.Since(began))
	return ts, nil
}

// waitCovered pumps the multiplexer until every peer has data up to the
// end of the window, shifted back by that peer's propagation offset. Peers
// leaving while we wait simply stop counting.
func (d *Device) waitCovered(ts uint64, n int) error {
	began := time.Now()
	logged := false
	for {
		slow, need := d.slowestPeer(ts, n)
		if slow == nil {
			return nil
		}
		if err := d.ctx.Err(); err != nil {
			return err
		}
		if !logged && time.Since(began) > slowPeerLog {
			logged = true
			d.log.Warn("waiting for peer data",
				logging.F("peer", slow.ID.String()),
				logging.F("have", slow.CoveredTo()),
				logging.F("need", need))
		}
		d.mux.Poll(pollInterval)
	}
}

func (d *Device) slowestPeer(ts uint64, n int) (*connectionmgr.Peer, uint64) {
	for _, p := range d.mux.Peers() {
		if need := d.peerNeeds(p, ts, n); !p.Covered(need) {
			return p, need
		}
	}
	return nil, 0
}

// peerNeeds is the end timestamp a peer must cover before the window
// [ts, ts+n) can be combined. A channel model carries its own offset.
func (d *Device) peerNeeds(p *connectionmgr.Peer, ts uint64, n int) uint64 {
	offset := d.chanOffset
	if p.Model != nil {
		offset = p.Model.Offset()
	}
	return satSub(ts, offset) + uint64(n)
}

// evict drops blocks no later read can reach. Peers with a channel model
// keep enough history for the impulse response and the model offset.
func (d *Device) evict() {
	for _, p := range d.mux.Peers() {
		keep := d.chanOffset
		if p.Model != nil {
			keep = uint64(p.Model.Length()-1) + max(p.Model.Offset(), d.chanOffset)
		}
		p.Queue.EvictBefore(satSub(d.nextRx, 1+keep))
	}
}

func (d *Device) checkRead(out [][][]wire.Sample) (int, error) {
	if len(out) == 0 || len(out) > wire.MaxBeams {
		return 0, fmt.Errorf("%w: %d beams", ErrShape, len(out))
	}
	if d.opts.BeamMode == SingleBeam && len(out) > 1 {
		return 0, fmt.Errorf("%w: single-beam device read with %d beams", ErrShape, len(out))
	}
	n := -1
	for _, rows := range out {
		if len(rows) == 0 || len(rows) > d.opts.RxAntennas {
			return 0, fmt.Errorf("%w: %d antennas, device has %d", ErrShape, len(rows), d.opts.RxAntennas)
		}
		for _, r := range rows {
			if n < 0 {
				n = len(r)
			}
			if len(r) != n {
				return 0, fmt.Errorf("%w: ragged antenna rows", ErrShape)
			}
		}
	}
	if n <= 0 {
		return 0, fmt.Errorf("%w: zero samples", ErrShape)
	}
	return n, nil
}

// slice views rows[a][off:off+n] without copying.
func (d *Device) slice(rows [][]wire.Sample, off, n int) [][]wire.Sample {
	if cap(d.window) < len(rows) {
		d.window = make([][]wire.Sample, len(rows))
	}
	w := d.window[:len(rows)]
	for a, r := range rows {
		w[a] = r[off : off+n]
	}
	return w
}

func clearRows(rows [][]wire.Sample) {
	for _, r := range rows {
		clear(r)
	}
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}
