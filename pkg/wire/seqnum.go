package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// SeqNum is a sequence number that wraps at its resolution.
type SeqNum struct {
	value uint64
	mask  uint64
}

// NewSeqNum returns a counter of width b starting at v.
func NewSeqNum(v uint64, b Bits) (SeqNum, error) {
	s := SeqNum{mask: b.Mask()}
	if err := s.Set(v); err != nil {
		return SeqNum{}, err
	}
	return s, nil
}

func (s SeqNum) Get() uint64  { return s.value }
func (s SeqNum) Mask() uint64 { return s.mask }

// Set replaces the value; it must fit the resolution.
func (s *SeqNum) Set(v uint64) error {
	if v&^s.mask != 0 {
		return fmt.Errorf("sequence number %d exceeds mask %#x: %w", v, s.mask, codec.ErrOverflow)
	}
	s.value = v
	return nil
}

// Next returns the value after the current one without advancing.
func (s SeqNum) Next() uint64 { return (s.value + 1) & s.mask }

// Increment advances the counter, wrapping at the resolution.
func (s *SeqNum) Increment() { s.value = s.Next() }

// Precedes reports whether s comes strictly before v, treating the space as
// a ring: v is ahead when the forward gap is non-zero and at most half the
// ring.
func (s SeqNum) Precedes(v uint64) bool {
	gap := (v - s.value) & s.mask
	return gap != 0 && gap <= s.mask>>1
}

// Counters holds one sequence number per reliability class.
type Counters struct {
	Reliable   SeqNum
	BestEffort SeqNum
}

// NewCounters starts both classes at v.
func NewCounters(v uint64, b Bits) (Counters, error) {
	sn, err := NewSeqNum(v, b)
	if err != nil {
		return Counters{}, err
	}
	return Counters{Reliable: sn, BestEffort: sn}, nil
}

// For returns the counter of class r.
func (c *Counters) For(r Reliability) *SeqNum {
	if r == Reliable {
		return &c.Reliable
	}
	return &c.BestEffort
}
