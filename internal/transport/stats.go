package transport

import (
	"slices"
	"time"

	"github.com/rjboer/rfsim/internal/channel"
)

// PeerStat describes one connected peer.
type PeerStat struct {
	ID             string `json:"id"`
	Index          int    `json:"index"`
	Remote         string `json:"remote"`
	Antennas       int    `json:"antennas"`
	Model          string `json:"model,omitempty"`
	ModelKind      string `json:"model_kind,omitempty"`
	QueueLen       int    `json:"queue_len"`
	LastContiguous uint64 `json:"last_contiguous"`
	BytesIn        uint64 `json:"bytes_in"`
	BytesOut       uint64 `json:"bytes_out"`
	Queued         uint64 `json:"queued"`
	Discarded      uint64 `json:"discarded"`
	Dropped        uint64 `json:"dropped"`
}

// Stats is a snapshot of the device taken after the last Read or Write.
type Stats struct {
	Role        string        `json:"role"`
	BeamMode    string        `json:"beam_mode"`
	Peers       int           `json:"peers"`
	NextRx      uint64        `json:"next_rx"`
	LastTx      uint64        `json:"last_tx"`
	ChanOffset  uint64        `json:"chan_offset"`
	Reads       uint64        `json:"reads"`
	SilentReads uint64        `json:"silent_reads"`
	Writes      uint64        `json:"writes"`
	LastWait    time.Duration `json:"last_wait_ns"`
	BytesIn     uint64        `json:"bytes_in"`
	BytesOut    uint64        `json:"bytes_out"`
	Queued      uint64        `json:"queued"`
	Discarded   uint64        `json:"discarded"`
	Dropped     uint64        `json:"dropped"`
	PeerStats   []PeerStat    `json:"peer_stats"`
}

// Stats returns the latest snapshot. Unlike the rest of Device it may be
// called from any goroutine.
func (d *Device) Stats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	s := d.stats
	s.PeerStats = slices.Clone(d.stats.PeerStats)
	return s
}

func (d *Device) updateStats(mut func(*Stats), wait time.Duration) {
	peers := d.mux.Peers()
	ps := make([]PeerStat, 0, len(peers))
	var in, out, queued, discarded, dropped uint64
	for _, p := range peers {
		st := PeerStat{
			ID:             p.ID.String(),
			Index:          p.Index,
			Remote:         p.Remote,
			Antennas:       p.Antennas(),
			QueueLen:       p.Queue.Len(),
			LastContiguous: p.LastContiguous(),
			BytesIn:        p.Stats.BytesIn.Load(),
			BytesOut:       p.Stats.BytesOut.Load(),
			Queued:         p.Stats.Queued.Load(),
			Discarded:      p.Stats.Discarded.Load(),
			Dropped:        p.Stats.Dropped.Load(),
		}
		if p.Model != nil {
			st.Model = p.Model.Name()
			st.ModelKind = modelKind(p.Model)
		}
		in += st.BytesIn
		out += st.BytesOut
		queued += st.Queued
		discarded += st.Discarded
		dropped += st.Dropped
		ps = append(ps, st)
	}

	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	if mut != nil {
		mut(&d.stats)
	}
	d.stats.Peers = len(peers)
	d.stats.NextRx = d.nextRx
	d.stats.LastTx = d.lastTx
	d.stats.ChanOffset = d.chanOffset
	if wait > 0 {
		d.stats.LastWait = wait
	}
	d.stats.BytesIn = in
	d.stats.BytesOut = out
	d.stats.Queued = queued
	d.stats.Discarded = discarded
	d.stats.Dropped = dropped
	d.stats.PeerStats = ps
}

// modelKind names how a model draws its taps, empty for custom models.
func modelKind(m channel.Model) string {
	if k, ok := m.(interface{ Kind() channel.Kind }); ok {
		return string(k.Kind())
	}
	return ""
}
