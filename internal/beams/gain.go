package beams

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// GainTable holds the receive gain in dB between a receive beam and a
// transmit beam. Only the distance between beam ids matters:
// gain[rx][tx] = table[|rx-tx|], so the table is square with one row per
// configured distance.
type GainTable struct {
	byDistance []float64
}

// NewGainTable builds a table from per-distance gains in dB.
func NewGainTable(byDistanceDB []float64) (*GainTable, error) {
	if len(byDistanceDB) == 0 {
		return nil, fmt.Errorf("gain table needs at least one entry")
	}
	if len(byDistanceDB) > 64 {
		return nil, fmt.Errorf("gain table has %d entries, at most 64 beams are supported", len(byDistanceDB))
	}
	for i, g := range byDistanceDB {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return nil, fmt.Errorf("gain table entry %d is not finite", i)
		}
	}
	return &GainTable{byDistance: append([]float64(nil), byDistanceDB...)}, nil
}

// ParseGainTable reads a comma separated list such as "0,-6,-12".
func ParseGainTable(s string) (*GainTable, error) {
	var gains []float64
	for _, tok := range strings.Split(s, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		g, err := strconv.ParseFloat(tok, 64)
		if err != nil {
			return nil, fmt.Errorf("parse gain %q: %w", tok, err)
		}
		gains = append(gains, g)
	}
	return NewGainTable(gains)
}

// Size is the number of beams the table covers.
func (g *GainTable) Size() int {
	if g == nil {
		return 0
	}
	return len(g.byDistance)
}

// DB returns the gain between rx and tx. A nil table means beams are not
// simulated and every pair is 0 dB. A pair outside the table is a setup
// error and panics.
func (g *GainTable) DB(rx, tx int) float64 {
	if g == nil {
		return 0
	}
	n := len(g.byDistance)
	if rx < 0 || tx < 0 || rx >= n || tx >= n {
		panic(fmt.Sprintf("beams: no gain configured for rx beam %d tx beam %d (table covers %d beams)", rx, tx, n))
	}
	d := rx - tx
	if d < 0 {
		d = -d
	}
	return g.byDistance[d]
}

// Linear returns the amplitude gain 10^(dB/20) between rx and tx.
func (g *GainTable) Linear(rx, tx int) float64 {
	return math.Pow(10, g.DB(rx, tx)/20)
}

// Distances returns a copy of the per-distance gains.
func (g *GainTable) Distances() []float64 {
	if g == nil {
		return nil
	}
	return append([]float64(nil), g.byDistance...)
}
