// Package batch packs zenoh messages into link-sized batches and reads
// them back.
//
// A batch is a run of transport messages. Network messages travel inside
// frames: a FrameHeader followed by every consecutive message of the same
// reliability and priority. Consecutive messages of one class share one
// header and therefore one sequence number.
package batch

import (
	"errors"
	"fmt"

	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

// ErrFull is returned when a message does not fit in what is left of the
// batch. The batch stays valid for transmission.
var ErrFull = fmt.Errorf("batch: full: %w", codec.ErrOverflow)

// Outgoing is a network message tagged with its delivery class. The
// priority comes from the message QoS.
type Outgoing struct {
	Message     wire.NetworkMessage
	Reliability wire.Reliability
}

type class struct {
	reliability wire.Reliability
	priority    wire.Priority
}

// Writer appends messages to one batch. It is not safe for concurrent use.
type Writer struct {
	w      *codec.Writer
	sn     *wire.Counters
	open   bool
	cur    class
	count  int
	sealed bool
}

// NewWriter returns a Writer filling buf and drawing frame sequence
// numbers from sn.
func NewWriter(buf []byte, sn *wire.Counters) *Writer {
	return &Writer{w: codec.NewWriter(buf), sn: sn}
}

// Bytes returns the batch written so far.
func (b *Writer) Bytes() []byte { return b.w.Bytes() }

// Len returns the number of messages fully written.
func (b *Writer) Len() int { return b.count }

// Size returns the number of bytes written.
func (b *Writer) Size() int { return b.w.Len() }

// Empty reports whether nothing has been written yet.
func (b *Writer) Empty() bool { return b.w.Len() == 0 }

// Reset discards the batch so the buffer can be refilled. Sequence
// numbers already taken are not returned.
func (b *Writer) Reset() {
	b.w.Reset()
	b.open = false
	b.count = 0
	b.sealed = false
}

// WriteTransport appends a control message and ends the open frame.
// Frame headers and fragments are written by WriteNetwork and
// WriteFragment.
func (b *Writer) WriteTransport(msg wire.TransportMessage) error {
	switch msg.(type) {
	case wire.FrameHeader, wire.Fragment:
		return fmt.Errorf("batch: %T is not a control message: %w", msg, wire.ErrInvalidTag)
	}
	if b.sealed {
		return ErrFull
	}
	if err := wire.EncodeTransport(b.w, msg); err != nil {
		return overflow(err)
	}
	b.open = false
	b.count++
	return nil
}

// WriteNetwork appends msg, opening a new frame when its class differs
// from the open one. On failure neither the batch nor the counters change.
func (b *Writer) WriteNetwork(o Outgoing) error {
	if b.sealed {
		return ErrFull
	}
	c := class{reliability: o.Reliability, priority: wire.NetworkPriority(o.Message)}
	if b.open && b.cur == c {
		if err := wire.EncodeNetwork(b.w, o.Message); err != nil {
			return overflow(err)
		}
		b.count++
		return nil
	}

	mark := b.w.Len()
	sn := b.sn.For(c.reliability)
	hdr := wire.FrameHeader{Reliability: c.reliability, SN: sn.Get(), Priority: c.priority}
	if err := wire.EncodeTransport(b.w, hdr); err != nil {
		return overflow(err)
	}
	if err := wire.EncodeNetwork(b.w, o.Message); err != nil {
		b.w.Truncate(mark)
		return overflow(err)
	}
	sn.Increment()
	b.cur = c
	b.open = true
	b.count++
	return nil
}

func overflow(err error) error {
	if errors.Is(err, codec.ErrOverflow) {
		return fmt.Errorf("%w: %v", ErrFull, err)
	}
	return err
}

// Result describes an assembled batch.
type Result struct {
	Bytes    []byte
	Messages int
}

// Assemble packs as many of msgs as fit into buf, in order. Messages past
// Result.Messages were not written and belong in the next batch. ErrFull
// is returned only when not even the first message fits, in which case it
// has to be fragmented.
func Assemble(buf []byte, msgs []Outgoing, sn *wire.Counters) (Result, error) {
	b := NewWriter(buf, sn)
	for _, m := range msgs {
		if err := b.WriteNetwork(m); err != nil {
			if errors.Is(err, ErrFull) && b.Len() > 0 {
				break
			}
			return Result{Bytes: b.Bytes(), Messages: b.Len()}, err
		}
	}
	return Result{Bytes: b.Bytes(), Messages: b.Len()}, nil
}
