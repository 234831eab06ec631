package batch

import (
	"fmt"
	"iter"

	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

// Item is one decoded message. Exactly one of Transport and Network is
// set. Frame headers and fragments are yielded as transport items; a
// network item carries the header of the frame it travelled in.
type Item struct {
	Transport wire.TransportMessage
	Network   wire.NetworkMessage
	Frame     wire.FrameHeader
}

// Reader decodes a received batch one message at a time. Slices in the
// decoded messages borrow the batch buffer.
type Reader struct {
	r       *codec.Reader
	inFrame bool
	frame   wire.FrameHeader
	item    Item
	err     error
}

// NewReader returns a Reader over one batch.
func NewReader(batch []byte) *Reader {
	return &Reader{r: codec.NewReader(batch)}
}

// Next decodes the next message. It returns false at the end of the batch
// or on the first error, which Err then reports.
func (r *Reader) Next() bool {
	if r.err != nil || r.r.Remaining() == 0 {
		return false
	}
	h, _ := r.r.Peek()
	if wire.IsNetworkKind(h) {
		if !r.inFrame {
			r.err = fmt.Errorf("batch: network message 0x%02x outside a frame: %w", wire.Kind(h), wire.ErrInvalidTag)
			return false
		}
		m, err := wire.DecodeNetwork(r.r)
		if err != nil {
			r.err = fmt.Errorf("batch: frame %d: %w", r.frame.SN, err)
			return false
		}
		r.item = Item{Network: m, Frame: r.frame}
		return true
	}

	r.inFrame = false
	m, err := wire.DecodeTransport(r.r)
	if err != nil {
		r.err = fmt.Errorf("batch: offset %d: %w", r.r.Pos(), err)
		return false
	}
	if fh, ok := m.(wire.FrameHeader); ok {
		r.inFrame = true
		r.frame = fh
	}
	r.item = Item{Transport: m}
	return true
}

// Item returns the message decoded by the last successful Next.
func (r *Reader) Item() Item { return r.item }

// Err returns the error that stopped Next, if any.
func (r *Reader) Err() error { return r.err }

// SkipFrame discards the rest of the open frame, for a receiver that
// drops it after looking at its header.
func (r *Reader) SkipFrame() error {
	for r.inFrame && r.r.Remaining() > 0 {
		h, _ := r.r.Peek()
		if !wire.IsNetworkKind(h) {
			break
		}
		if !r.Next() {
			return r.err
		}
	}
	r.inFrame = false
	return nil
}

// All yields every remaining message. An error is yielded once, last.
// Stopping early discards the rest of the batch.
func (r *Reader) All() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for r.Next() {
			if !yield(r.item, nil) {
				return
			}
		}
		if r.err != nil {
			yield(Item{}, r.err)
		}
	}
}
