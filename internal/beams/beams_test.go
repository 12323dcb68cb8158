package beams

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestActiveSegmentsAtSwitch(t *testing.T) {
	s := NewSchedule([]int{9})
	s.Enqueue(Command{Beams: []int{0}, Timestamp: 0})
	s.Enqueue(Command{Beams: []int{1}, Timestamp: 1000})

	active, span := s.Active(500, 1000)
	require.Equal(t, []int{0}, active)
	require.Equal(t, 500, span)

	active, span = s.Active(1000, 500)
	require.Equal(t, []int{1}, active)
	require.Equal(t, 500, span)
	require.Zero(t, s.Pending())
}

func TestActiveWithoutPendingClampsToLimit(t *testing.T) {
	s := NewSchedule(nil)
	active, span := s.Active(42, 77)
	require.Equal(t, []int{0}, active)
	require.Equal(t, 77, span)
}

func TestActiveAppliesLastDueCommand(t *testing.T) {
	s := NewSchedule([]int{0})
	s.Enqueue(Command{Beams: []int{1}, Timestamp: 10})
	s.Enqueue(Command{Beams: []int{2, 3}, Timestamp: 20})
	s.Enqueue(Command{Beams: []int{4}, Timestamp: 300})

	active, span := s.Active(25, 1000)
	require.Equal(t, []int{2, 3}, active)
	require.Equal(t, 275, span)
	require.Equal(t, 1, s.Pending())
}

func TestPrune(t *testing.T) {
	s := NewSchedule([]int{0})
	s.Enqueue(Command{Beams: []int{5}, Timestamp: 100})
	s.Prune(99)
	require.Equal(t, []int{0}, s.Current())
	s.Prune(100)
	require.Equal(t, []int{5}, s.Current())
	require.Zero(t, s.Pending())
}

func TestEnqueueRejectsDecreasingTimestamps(t *testing.T) {
	s := NewSchedule(nil)
	s.Enqueue(Command{Beams: []int{1}, Timestamp: 100})
	s.Enqueue(Command{Beams: []int{2}, Timestamp: 100})
	require.Panics(t, func() { s.Enqueue(Command{Beams: []int{3}, Timestamp: 99}) })
	require.Panics(t, func() { s.Enqueue(Command{Timestamp: 200}) })
}

func TestEnqueueCopiesBeams(t *testing.T) {
	s := NewSchedule(nil)
	ids := []int{1}
	s.Enqueue(Command{Beams: ids, Timestamp: 0})
	ids[0] = 7
	active, _ := s.Active(0, 1)
	require.Equal(t, []int{1}, active)
}

func TestGainTableToeplitz(t *testing.T) {
	g, err := ParseGainTable("0, -6, -12")
	require.NoError(t, err)
	require.Equal(t, 3, g.Size())
	require.Equal(t, 0.0, g.DB(1, 1))
	require.Equal(t, -6.0, g.DB(0, 1))
	require.Equal(t, -6.0, g.DB(2, 1))
	require.Equal(t, -12.0, g.DB(2, 0))
	require.InDelta(t, 0.501, g.Linear(0, 1), 1e-3)
}

func TestGainTableMissingEntryPanics(t *testing.T) {
	g, err := NewGainTable([]float64{0, -6})
	require.NoError(t, err)
	require.Panics(t, func() { g.DB(2, 0) })
	require.Panics(t, func() { g.DB(0, -1) })
}

func TestNilGainTableIsUnity(t *testing.T) {
	var g *GainTable
	require.Equal(t, 0.0, g.DB(40, 3))
	require.Equal(t, 1.0, g.Linear(40, 3))
}

func TestParseGainTableErrors(t *testing.T) {
	_, err := ParseGainTable("")
	require.Error(t, err)
	_, err = ParseGainTable("0,abc")
	require.Error(t, err)
}
