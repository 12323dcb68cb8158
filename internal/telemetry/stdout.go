package telemetry

import (
	"github.com/rjboer/rfsim/internal/logging"
)

// StdoutReporter logs every sample through the structured logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	return StdoutReporter{logger: logging.OrDefault(logger).With(logging.F("subsystem", "telemetry"))}
}

func (r StdoutReporter) Report(s Sample) {
	st := s.Transport
	fields := []logging.Field{
		logging.F("role", st.Role),
		logging.F("peers", st.Peers),
		logging.F("next_rx", st.NextRx),
		logging.F("last_tx", st.LastTx),
		logging.F("reads", st.Reads),
		logging.F("writes", st.Writes),
	}
	if st.Discarded != 0 {
		fields = append(fields, logging.F("discarded", st.Discarded))
	}
	if st.Dropped != 0 {
		fields = append(fields, logging.F("dropped", st.Dropped))
	}
	if st.LastWait > 0 {
		fields = append(fields, logging.F("last_wait", st.LastWait.String()))
	}
	if s.Tone != nil {
		fields = append(fields,
			logging.F("peak_dbfs", s.Tone.PeakDBFS),
			logging.F("peak_hz", s.Tone.PeakHz),
			logging.F("snr_db", s.Tone.SNRdB),
		)
	}
	r.logger.Info("telemetry sample", fields...)
}
