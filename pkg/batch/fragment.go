package batch

import (
	"errors"
	"fmt"

	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

var (
	// ErrFragmentGap is returned when a fragment does not continue the
	// sequence of the message being reassembled.
	ErrFragmentGap = errors.New("batch: fragment sequence gap")
	// ErrFragmentTooLarge is returned when a reassembled message would
	// exceed the configured cap.
	ErrFragmentTooLarge = errors.New("batch: fragmented message too large")
)

// Fragmenter slices one encoded network message into Fragment messages.
type Fragmenter struct {
	class   class
	payload []byte
	off     int
}

// NewFragmenter encodes o into scratch, which must be large enough to hold
// the whole message.
func NewFragmenter(o Outgoing, scratch []byte) (*Fragmenter, error) {
	w := codec.NewWriter(scratch)
	if err := wire.EncodeNetwork(w, o.Message); err != nil {
		return nil, fmt.Errorf("batch: fragmenting: %w", err)
	}
	return &Fragmenter{
		class:   class{reliability: o.Reliability, priority: wire.NetworkPriority(o.Message)},
		payload: w.Bytes(),
	}, nil
}

// Done reports whether every byte has been written.
func (f *Fragmenter) Done() bool { return f.off >= len(f.payload) }

// Remaining returns the number of bytes not yet written.
func (f *Fragmenter) Remaining() int { return len(f.payload) - f.off }

// WriteFragment fills the rest of the batch with the next slice of f. A
// fragment payload runs to the end of the batch, so nothing can follow it.
func (b *Writer) WriteFragment(f *Fragmenter) error {
	if b.sealed || f.Done() {
		return ErrFull
	}
	sn := b.sn.For(f.class.reliability)
	frag := wire.Fragment{
		Reliability: f.class.reliability,
		More:        true,
		SN:          sn.Get(),
		Priority:    f.class.priority,
	}

	mark := b.w.Len()
	if err := wire.EncodeTransport(b.w, frag); err != nil {
		return overflow(err)
	}
	room := b.w.Available()
	b.w.Truncate(mark)
	if room == 0 {
		return ErrFull
	}

	n := min(room, f.Remaining())
	frag.Payload = f.payload[f.off : f.off+n]
	frag.More = f.off+n < len(f.payload)
	if err := wire.EncodeTransport(b.w, frag); err != nil {
		return overflow(err)
	}
	sn.Increment()
	f.off += n
	b.open = false
	b.sealed = true
	b.count++
	return nil
}

// Defragmenter rebuilds a network message from consecutive fragments of
// one reliability class.
type Defragmenter struct {
	buf    []byte
	max    int
	next   wire.SeqNum
	active bool
}

// NewDefragmenter returns a Defragmenter accepting messages up to max
// bytes with sequence numbers of width bits.
func NewDefragmenter(max int, bits wire.Bits) *Defragmenter {
	next, _ := wire.NewSeqNum(0, bits)
	return &Defragmenter{max: max, next: next}
}

// Reset drops any partial message.
func (d *Defragmenter) Reset() {
	d.buf = d.buf[:0]
	d.active = false
}

// Push adds a fragment. When the last one arrives it returns the complete
// message bytes, valid until the next call to Push. A gap drops the partial
// message and f starts a new one, so ErrFragmentGap may come with a complete
// message. An oversized message resets the Defragmenter. The caller may keep
// feeding it after any error.
func (d *Defragmenter) Push(f wire.Fragment) ([]byte, bool, error) {
	var gap error
	if d.active && f.SN != d.next.Get() {
		gap = fmt.Errorf("%w: got %d, want %d", ErrFragmentGap, f.SN, d.next.Get())
		d.Reset()
	}
	if len(d.buf)+len(f.Payload) > d.max {
		d.Reset()
		return nil, false, errors.Join(gap, fmt.Errorf("%w: cap %d", ErrFragmentTooLarge, d.max))
	}
	if err := d.next.Set(f.SN); err != nil {
		d.Reset()
		return nil, false, errors.Join(gap, err)
	}
	d.next.Increment()
	d.buf = append(d.buf, f.Payload...)
	if f.More {
		d.active = true
		return nil, false, gap
	}
	d.active = false
	out := d.buf
	d.buf = d.buf[:0]
	return out, true, gap
}
