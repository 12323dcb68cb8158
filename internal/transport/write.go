package transport

import (
	"fmt"

	"github.com/rjboer/rfsim/internal/logging"
	"github.com/rjboer/rfsim/internal/wire"
)

// Write sends samples[antenna][0:n] stamped ts on the first active
// transmit beam.
func (d *Device) Write(ts uint64, samples [][]wire.Sample, flags Flags) (int, error) {
	return d.WriteBeams(ts, [][][]wire.Sample{samples}, flags)
}

// WriteBeams sends samples[i][antenna][0:n], where i indexes the active
// transmit beams, to every peer. A beam switch inside the window splits
// it into one block per beam set. Timing anomalies are logged, never
// returned.
func (d *Device) WriteBeams(ts uint64, samples [][][]wire.Sample, flags Flags) (int, error) {
	if !d.started {
		return 0, ErrNotStarted
	}
	n, err := d.checkWrite(samples)
	if err != nil {
		return 0, err
	}
	ts = satSub(ts, d.opts.SampleAdvance)

	// pick up joins and hang-ups without waiting
	d.mux.Poll(0)

	cursor, remaining := ts, n
	for remaining > 0 {
		active, span := d.txSched.Active(cursor, remaining)
		off := int(cursor - ts)
		k := min(len(active), len(samples))
		seg := make([][][]wire.Sample, k)
		for i := range k {
			seg[i] = make([][]wire.Sample, len(samples[i]))
			for a, row := range samples[i] {
				seg[i][a] = row[off : off+span]
			}
		}
		buf, err := wire.Encode(cursor, active[:k], seg)
		if err != nil {
			return 0, fmt.Errorf("transport: encode: %w", err)
		}
		d.mux.Broadcast(buf)
		d.record(buf)
		cursor += uint64(span)
		remaining -= span
	}

	d.checkTiming(ts, n, flags)
	// an out-of-order write never moves the transmit cursor back
	d.lastTx = max(d.lastTx, ts+uint64(n))
	d.txSched.Prune(d.lastTx)
	d.updateStats(func(s *Stats) { s.Writes++ }, 0)
	return n, nil
}

// checkTiming reports writes that do not continue the previous one.
func (d *Device) checkTiming(ts uint64, n int, flags Flags) {
	last := d.lastTx
	fields := []logging.Field{logging.F("last", last), logging.F("timestamp", ts)}
	if last != 0 && d.opts.SampleRate > 0 {
		diff := max(last, ts) - min(last, ts)
		if float64(diff) > d.opts.SampleRate {
			d.log.Warn("write gap too large", fields...)
		}
	}
	if last > ts {
		d.log.Warn("write out of order", fields...)
	}
	if flags != BurstStart && flags != BurstStartAndEnd && last < ts {
		d.log.Warn("write gap without burst start", append(fields, logging.F("gap", ts-last))...)
	}
	d.log.Debug("sent samples", logging.F("timestamp", ts), logging.F("samples", n))
}

func (d *Device) record(buf []byte) {
	if d.opts.Recorder == nil {
		return
	}
	if _, err := d.opts.Recorder.Write(buf); err != nil {
		d.log.Warn("recording failed", logging.F("err", err))
	}
}

func (d *Device) checkWrite(samples [][][]wire.Sample) (int, error) {
	if len(samples) == 0 || len(samples) > wire.MaxBeams {
		return 0, fmt.Errorf("%w: %d beams", ErrShape, len(samples))
	}
	if d.opts.BeamMode == SingleBeam && len(samples) > 1 {
		return 0, fmt.Errorf("%w: single-beam device written with %d beams", ErrShape, len(samples))
	}
	n := -1
	for _, rows := range samples {
		if len(rows) == 0 || len(rows) > wire.MaxAntennas {
			return 0, fmt.Errorf("%w: %d antennas", ErrShape, len(rows))
		}
		if len(rows) != len(samples[0]) {
			return 0, fmt.Errorf("%w: beams carry different antenna counts", ErrShape)
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
