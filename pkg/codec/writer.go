package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Writer appends encoded values to a fixed buffer. Every write is atomic:
// on ErrOverflow nothing is written and the cursor does not move.
type Writer struct {
	buf []byte
	n   int
}

// NewWriter returns a Writer whose capacity is len(buf).
func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf}
}

// Bytes returns the written prefix of the buffer.
func (w *Writer) Bytes() []byte { return w.buf[:w.n] }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return w.n }

// Cap returns the total capacity of the underlying buffer.
func (w *Writer) Cap() int { return len(w.buf) }

// Available returns the number of bytes that can still be written.
func (w *Writer) Available() int { return len(w.buf) - w.n }

// Reset discards everything written.
func (w *Writer) Reset() { w.n = 0 }

// Truncate rolls the cursor back to n, which must not exceed Len.
func (w *Writer) Truncate(n int) {
	if n < 0 || n > w.n {
		panic(fmt.Sprintf("codec: truncate to %d outside [0,%d]", n, w.n))
	}
	w.n = n
}

func (w *Writer) reserve(n int) ([]byte, error) {
	if n > len(w.buf)-w.n {
		return nil, ErrOverflow
	}
	b := w.buf[w.n : w.n+n]
	w.n += n
	return b, nil
}

// WriteU8 writes a single byte.
func (w *Writer) WriteU8(v uint8) error {
	b, err := w.reserve(1)
	if err != nil {
		return err
	}
	b[0] = v
	return nil
}

// WriteU16 writes v as two little-endian bytes.
func (w *Writer) WriteU16(v uint16) error {
	b, err := w.reserve(2)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(b, v)
	return nil
}

// WriteU32 writes v as four little-endian bytes.
func (w *Writer) WriteU32(v uint32) error {
	b, err := w.reserve(4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(b, v)
	return nil
}

// WriteU64 writes v as eight little-endian bytes.
func (w *Writer) WriteU64(v uint64) error {
	b, err := w.reserve(8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

// WriteZ64 writes v as a zenoh varint.
func (w *Writer) WriteZ64(v uint64) error {
	b, err := w.reserve(ZLen(v))
	if err != nil {
		return err
	}
	putZ(b, v)
	return nil
}

// WriteZ32 writes v as a zenoh varint.
func (w *Writer) WriteZ32(v uint32) error { return w.WriteZ64(uint64(v)) }

// WriteZ16 writes v as a zenoh varint.
func (w *Writer) WriteZ16(v uint16) error { return w.WriteZ64(uint64(v)) }

// WriteZ8 writes v as a zenoh varint.
func (w *Writer) WriteZ8(v uint8) error { return w.WriteZ64(uint64(v)) }

// SetU8At overwrites an already written byte.
func (w *Writer) SetU8At(pos int, v uint8) {
	w.buf[:w.n][pos] = v
}

// U8At returns an already written byte.
func (w *Writer) U8At(pos int) uint8 {
	return w.buf[:w.n][pos]
}

// StartPrefix marks the start of a body whose varint length is not yet
// known. Write the body, then call EndPrefix with the returned mark.
func (w *Writer) StartPrefix() int { return w.n }

// EndPrefix inserts the varint length of everything written since start in
// front of it. On ErrOverflow the body is discarded as well.
func (w *Writer) EndPrefix(start int) error {
	body := w.n - start
	l := ZLen(uint64(body))
	if l > len(w.buf)-w.n {
		w.n = start
		return ErrOverflow
	}
	copy(w.buf[start+l:], w.buf[start:w.n])
	putZ(w.buf[start:], uint64(body))
	w.n += l
	return nil
}

// WriteBytes writes p without a length prefix.
func (w *Writer) WriteBytes(p []byte) error {
	b, err := w.reserve(len(p))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

// WriteZBytes writes p prefixed by its varint length.
func (w *Writer) WriteZBytes(p []byte) error {
	need := ZLen(uint64(len(p))) + len(p)
	b, err := w.reserve(need)
	if err != nil {
		return err
	}
	n := putZ(b, uint64(len(p)))
	copy(b[n:], p)
	return nil
}

// WriteZString writes s prefixed by its varint length.
func (w *Writer) WriteZString(s string) error {
	need := ZLen(uint64(len(s))) + len(s)
	b, err := w.reserve(need)
	if err != nil {
		return err
	}
	n := putZ(b, uint64(len(s)))
	copy(b[n:], s)
	return nil
}

// WriteU8Bytes writes p prefixed by a single length byte.
func (w *Writer) WriteU8Bytes(p []byte) error {
	if len(p) > math.MaxUint8 {
		return ErrOverflow
	}
	b, err := w.reserve(1 + len(p))
	if err != nil {
		return err
	}
	b[0] = byte(len(p))
	copy(b[1:], p)
	return nil
}
