package telemetry

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector mirrors transport samples into Prometheus metrics. The device
// reports running totals; Collector turns them into counter increments.
type Collector struct {
	gatherer prometheus.Gatherer

	Peers      prometheus.Gauge
	NextRx     prometheus.Gauge
	LastTx     prometheus.Gauge
	ChanOffset prometheus.Gauge
	QueueLen   *prometheus.GaugeVec
	Counters   *prometheus.CounterVec
	ReadWait   prometheus.Histogram
	TonePeak   prometheus.Gauge
	ToneSNR    prometheus.Gauge

	mu   sync.Mutex
	last map[string]uint64
}

// NewCollector registers the metrics against reg, defaulting to the global
// registry when nil. Registering twice reuses the existing collectors.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &Collector{gatherer: gatherer, last: make(map[string]uint64)}

	var err error
	gauges := []struct {
		dst  *prometheus.Gauge
		name string
		help string
	}{
		{&c.Peers, "rfsim_peers", "Connected peers."},
		{&c.NextRx, "rfsim_next_rx_sample", "Timestamp of the next sample to be read."},
		{&c.LastTx, "rfsim_last_tx_sample", "Timestamp just past the last sample written."},
		{&c.ChanOffset, "rfsim_channel_offset_samples", "Propagation offset applied to peers."},
		{&c.TonePeak, "rfsim_tone_peak_dbfs", "Strongest tone in the last analyzed receive buffer."},
		{&c.ToneSNR, "rfsim_tone_snr_db", "SNR of that tone."},
	}
	for _, g := range gauges {
		*g.dst, err = registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{Name: g.name, Help: g.help}), g.name)
		if err != nil {
			return nil, err
		}
	}

	c.QueueLen, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "rfsim_peer_queue_blocks",
		Help: "Blocks buffered per peer.",
	}, []string{"peer"}), "rfsim_peer_queue_blocks")
	if err != nil {
		return nil, err
	}

	c.Counters, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rfsim_events_total",
		Help: "Transport events by kind: reads, silent_reads, writes, bytes_in, bytes_out, queued, discarded, dropped.",
	}, []string{"kind"}), "rfsim_events_total")
	if err != nil {
		return nil, err
	}

	c.ReadWait, err = registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rfsim_read_wait_seconds",
		Help:    "Time a read spent waiting for peers.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}), "rfsim_read_wait_seconds")
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Report implements Reporter.
func (c *Collector) Report(s Sample) {
	if c == nil {
		return
	}
	st := s.Transport
	c.Peers.Set(float64(st.Peers))
	c.NextRx.Set(float64(st.NextRx))
	c.LastTx.Set(float64(st.LastTx))
	c.ChanOffset.Set(float64(st.ChanOffset))
	if st.LastWait > 0 {
		c.ReadWait.Observe(st.LastWait.Seconds())
	}
	c.QueueLen.Reset()
	for _, p := range st.PeerStats {
		c.QueueLen.WithLabelValues(p.ID).Set(float64(p.QueueLen))
	}
	if s.Tone != nil {
		c.TonePeak.Set(s.Tone.PeakDBFS)
		c.ToneSNR.Set(s.Tone.SNRdB)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for kind, v := range map[string]uint64{
		"reads":        st.Reads,
		"silent_reads": st.SilentReads,
		"writes":       st.Writes,
		"bytes_in":     st.BytesIn,
		"bytes_out":    st.BytesOut,
		"queued":       st.Queued,
		"discarded":    st.Discarded,
		"dropped":      st.Dropped,
	} {
		c.advance(kind, v)
	}
}

// advance adds the growth of a running total. Peer totals shrink when a
// peer leaves; the next growth then counts from the new base.
func (c *Collector) advance(kind string, v uint64) {
	prev := c.last[kind]
	c.last[kind] = v
	if v > prev {
		c.Counters.WithLabelValues(kind).Add(float64(v - prev))
	}
}

// Handler exposes a ready-to-use /metrics handler.
func (c *Collector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerHistogram(reg prometheus.Registerer, h prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(h); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return h, nil
}
