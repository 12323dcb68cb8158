// Package beams tracks which beam set is active at a given sample timestamp
// and the gain between receive and transmit beams.
package beams

import (
	"fmt"
	"slices"
)

// Command switches the active beam set at Timestamp.
type Command struct {
	Beams     []int
	Timestamp uint64
}

// Schedule is the active beam set plus the queue of pending switches for
// one direction. It is not safe for concurrent use.
type Schedule struct {
	active  []int
	pending []Command
}

// NewSchedule starts with initial as the active set.
func NewSchedule(initial []int) *Schedule {
	if len(initial) == 0 {
		initial = []int{0}
	}
	return &Schedule{active: slices.Clone(initial)}
}

// Enqueue appends a switch. Timestamps must not go backwards across calls;
// a violation is a caller bug and panics.
func (s *Schedule) Enqueue(cmd Command) {
	if len(cmd.Beams) == 0 {
		panic("beams: switch command needs at least one beam")
	}
	if n := len(s.pending); n > 0 && cmd.Timestamp < s.pending[n-1].Timestamp {
		panic(fmt.Sprintf("beams: switch at %d enqueued after switch at %d", cmd.Timestamp, s.pending[n-1].Timestamp))
	}
	s.pending = append(s.pending, Command{Beams: slices.Clone(cmd.Beams), Timestamp: cmd.Timestamp})
}

// Active applies every due command (Timestamp <= cursor) and returns the
// beam set now active together with the number of samples until the next
// pending switch, clamped to limit.
func (s *Schedule) Active(cursor uint64, limit int) ([]int, int) {
	s.Prune(cursor)
	span := limit
	if len(s.pending) > 0 {
		if d := s.pending[0].Timestamp - cursor; d < uint64(limit) {
			span = int(d)
		}
	}
	return s.active, span
}

// Prune applies and drops every command due at or before cursor.
func (s *Schedule) Prune(cursor uint64) {
	i := 0
	for i < len(s.pending) && s.pending[i].Timestamp <= cursor {
		s.active = s.pending[i].Beams
		i++
	}
	if i > 0 {
		s.pending = slices.Delete(s.pending, 0, i)
	}
}

// Current returns the active set without applying anything.
func (s *Schedule) Current() []int { return s.active }

// Pending reports how many switches are still queued.
func (s *Schedule) Pending() int { return len(s.pending) }
