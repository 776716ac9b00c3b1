package control

import "sync/atomic"

// Sequencer hands out batch sequence numbers for one control authority.
type Sequencer struct {
	next atomic.Uint64
}

// NewSequencer creates a sequencer whose first number is start.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.next.Store(start)

	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.next.Add(1) - 1
}

// Peek returns the number Next would return without consuming it.
func (s *Sequencer) Peek() uint64 {
	return s.next.Load()
}
