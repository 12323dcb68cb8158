package connectionmgr

import (
	"fmt"
	"net"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rjboer/rfsim/internal/channel"
	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/pktqueue"
	"github.com/rjboer/rfsim/internal/wire"
)

type recvState int

const (
	waitHeader recvState = iota
	waitPayload
)

func (s recvState) String() string {
	if s == waitPayload {
		return "payload"
	}
	return "header"
}

// PeerStats are counters updated as the peer's bytes are processed. They
// may be read from any goroutine.
type PeerStats struct {
	BytesIn   atomic.Uint64
	BytesOut  atomic.Uint64
	Queued    atomic.Uint64
	Discarded atomic.Uint64
	Dropped   atomic.Uint64
}

// Peer is one remote endpoint. Everything except Stats is owned by the
// goroutine that calls Multiplexer.Poll.
type Peer struct {
	ID     uuid.UUID
	Index  int
	Remote string
	// Queue holds the admitted blocks in timestamp order.
	Queue *pktqueue.Queue
	// Model is the channel applied to this peer's samples, nil for the
	// plain antenna coupling.
	Model channel.Model
	Stats PeerStats

	conn     net.Conn
	log      logging.Logger
	gapWarn  uint64
	maxQueue int

	state    recvState
	hdrBuf   [wire.HeaderLen]byte
	filled   int
	header   wire.Header
	payload  []byte
	discard  bool
	antennas int

	anchored       bool
	anchorTS       uint64
	lastContiguous uint64
	coveredTo      uint64
	removed        bool
}

func newPeer(conn net.Conn, index int, log logging.Logger, gapWarn uint64, maxQueue int) *Peer {
	id := uuid.New()
	remote := "pipe"
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	return &Peer{
		ID:       id,
		Index:    index,
		Remote:   remote,
		Queue:    pktqueue.New(),
		conn:     conn,
		log:      log.With(logging.F("peer", id.String()), logging.F("remote", remote)),
		gapWarn:  gapWarn,
		maxQueue: maxQueue,
	}
}

// Antennas is the antenna count of the most recent header, 0 before any.
func (p *Peer) Antennas() int { return p.antennas }

// Anchored reports whether the first block has been received.
func (p *Peer) Anchored() bool { return p.anchored }

// AnchorTimestamp is the timestamp of the first block received.
func (p *Peer) AnchorTimestamp() uint64 { return p.anchorTS }

// LastContiguous is the end timestamp of the newest admitted block, or
// the anchor timestamp while only a sync block has arrived.
func (p *Peer) LastContiguous() uint64 { return p.lastContiguous }

// SetLastContiguous seeds the admission cursor before the first block. The
// peer counts as having delivered everything before ts.
func (p *Peer) SetLastContiguous(ts uint64) {
	p.lastContiguous = ts
	p.coveredTo = max(p.coveredTo, ts)
}

// CoveredTo is the highest end timestamp delivered so far.
func (p *Peer) CoveredTo() uint64 { return p.coveredTo }

// Covered reports whether every sample before end has arrived or been
// skipped over.
func (p *Peer) Covered(end uint64) bool { return p.coveredTo >= end }

// State names the receive phase, for diagnostics.
func (p *Peer) State() string { return p.state.String() }

// feed advances the receive state machine over data. Any number of
// headers and payloads may be completed by one call.
func (p *Peer) feed(data []byte) error {
	p.Stats.BytesIn.Add(uint64(len(data)))
	for len(data) > 0 {
		switch p.state {
		case waitHeader:
			n := copy(p.hdrBuf[p.filled:], data)
			p.filled += n
			data = data[n:]
			if p.filled < wire.HeaderLen {
				continue
			}
			h, err := wire.DecodeHeader(p.hdrBuf[:])
			if err != nil {
				return err
			}
			p.header = h
			p.antennas = int(h.Antennas)
			p.discard = !p.admit(h)
			p.filled = 0
			if !p.discard {
				p.payload = make([]byte, h.PayloadLen())
			}
			p.state = waitPayload

		case waitPayload:
			need := p.header.PayloadLen() - p.filled
			n := min(need, len(data))
			if !p.discard {
				copy(p.payload[p.filled:], data[:n])
			}
			p.filled += n
			data = data[n:]
			if p.filled < p.header.PayloadLen() {
				continue
			}
			if err := p.complete(); err != nil {
				return err
			}
			p.filled = 0
			p.payload = nil
			p.state = waitHeader
		}
	}
	return nil
}

// admit applies the timestamp admission policy to a header. The first
// block anchors the peer unconditionally and is queued. After a one-sample
// sync block the cursor stays at its start, since a server follows it with
// data stamped at the same timestamp; any longer anchor moves the cursor
// past itself so resent samples are not summed twice.
func (p *Peer) admit(h wire.Header) bool {
	if !p.anchored {
		p.anchored = true
		p.anchorTS = h.Timestamp
		p.lastContiguous = h.End()
		if h.Samples == 1 {
			p.lastContiguous = h.Timestamp
		}
		p.coveredTo = max(p.coveredTo, h.End())
		p.log.Debug("peer anchored", logging.F("timestamp", h.Timestamp))
		return true
	}
	if h.Timestamp < p.lastContiguous {
		p.log.Warn("received data in past",
			logging.F("current", p.lastContiguous),
			logging.F("timestamp", h.Timestamp))
		p.Stats.Discarded.Add(1)
		return false
	}
	if gap := h.Timestamp - p.lastContiguous; p.gapWarn > 0 && gap > p.gapWarn {
		p.log.Warn("timestamp gap",
			logging.F("current", p.lastContiguous),
			logging.F("timestamp", h.Timestamp),
			logging.F("gap", gap))
	}
	p.lastContiguous = h.End()
	p.coveredTo = max(p.coveredTo, h.End())
	return true
}

func (p *Peer) complete() error {
	if p.discard {
		p.discard = false
		return nil
	}
	blk, err := wire.DecodePayload(p.payload, p.header)
	if err != nil {
		return fmt.Errorf("peer %s: %w", p.ID, err)
	}
	p.Queue.Enqueue(blk)
	p.Stats.Queued.Add(1)
	if p.maxQueue > 0 && p.Queue.Len() > p.maxQueue {
		n := p.Queue.EvictBefore(p.Queue.Oldest().End())
		p.Stats.Dropped.Add(uint64(n))
		p.log.Debug("queue full, dropped oldest block", logging.F("limit", p.maxQueue))
	}
	return nil
}
