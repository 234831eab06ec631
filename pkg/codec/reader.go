package codec

import (
	"encoding/binary"
	"math"
)

// Reader decodes values from a borrowed slice. Slices it returns alias the
// input and stay valid only as long as the caller keeps that buffer intact.
// A failed read leaves the cursor where it was.
type Reader struct {
	buf []byte
	pos int
}

// NewReader returns a Reader positioned at the start of buf.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining returns the number of unread bytes.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

// Pos returns the number of bytes consumed.
func (r *Reader) Pos() int { return r.pos }

// Rewind moves the cursor back to a position returned by Pos.
func (r *Reader) Rewind(pos int) { r.pos = pos }

func (r *Reader) next(n int) ([]byte, error) {
	if n < 0 || n > len(r.buf)-r.pos {
		return nil, ErrTruncated
	}
	b := r.buf[r.pos : r.pos+n : r.pos+n]
	r.pos += n
	return b, nil
}

// Peek returns the next byte without consuming it.
func (r *Reader) Peek() (uint8, error) {
	if r.pos >= len(r.buf) {
		return 0, ErrTruncated
	}
	return r.buf[r.pos], nil
}

// Skip discards n bytes.
func (r *Reader) Skip(n int) error {
	_, err := r.next(n)
	return err
}

// ReadU8 reads a single byte.
func (r *Reader) ReadU8() (uint8, error) {
	b, err := r.next(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ReadU16 reads two little-endian bytes.
func (r *Reader) ReadU16() (uint16, error) {
	b, err := r.next(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ReadU32 reads four little-endian bytes.
func (r *Reader) ReadU32() (uint32, error) {
	b, err := r.next(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ReadU64 reads eight little-endian bytes.
func (r *Reader) ReadU64() (uint64, error) {
	b, err := r.next(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// readZ decodes a varint that may occupy at most maxLen bytes.
func (r *Reader) readZ(maxLen int) (uint64, error) {
	var v uint64
	end := r.pos
	for i := 0; i < MaxZLen; i++ {
		if i >= maxLen {
			return 0, ErrOverflow
		}
		if end >= len(r.buf) {
			return 0, ErrTruncated
		}
		b := r.buf[end]
		end++
		if i == MaxZLen-1 {
			v |= uint64(b) << 56
			break
		}
		v |= uint64(b&0x7f) << (7 * i)
		if b&0x80 == 0 {
			break
		}
	}
	r.pos = end
	return v, nil
}

// ReadZ64 decodes a zenoh varint of up to 9 bytes.
func (r *Reader) ReadZ64() (uint64, error) {
	return r.readZ(MaxZLen)
}

// ReadZ32 decodes a varint that must fit in 32 bits.
func (r *Reader) ReadZ32() (uint32, error) {
	v, err := r.readNarrow(32, math.MaxUint32)
	return uint32(v), err
}

// ReadZ16 decodes a varint that must fit in 16 bits.
func (r *Reader) ReadZ16() (uint16, error) {
	v, err := r.readNarrow(16, math.MaxUint16)
	return uint16(v), err
}

// ReadZ8 decodes a varint that must fit in 8 bits.
func (r *Reader) ReadZ8() (uint8, error) {
	v, err := r.readNarrow(8, math.MaxUint8)
	return uint8(v), err
}

func (r *Reader) readNarrow(bits int, max uint64) (uint64, error) {
	start := r.pos
	v, err := r.readZ(zMaxLen(bits))
	if err != nil {
		return 0, err
	}
	if v > max {
		r.pos = start
		return 0, ErrOverflow
	}
	return v, nil
}

// ReadBytes returns the next n bytes.
func (r *Reader) ReadBytes(n int) ([]byte, error) {
	return r.next(n)
}

// ReadZBytes reads a varint length followed by that many bytes.
func (r *Reader) ReadZBytes() ([]byte, error) {
	start := r.pos
	n, err := r.ReadZ64()
	if err != nil {
		return nil, err
	}
	if n > uint64(r.Remaining()) {
		r.pos = start
		return nil, ErrTruncated
	}
	return r.next(int(n))
}

// ReadZString reads a varint-prefixed string. The result is a copy.
func (r *Reader) ReadZString() (string, error) {
	b, err := r.ReadZBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadU8Bytes reads a one-byte length followed by that many bytes.
func (r *Reader) ReadU8Bytes() ([]byte, error) {
	start := r.pos
	n, err := r.ReadU8()
	if err != nil {
		return nil, err
	}
	b, err := r.next(int(n))
	if err != nil {
		r.pos = start
		return nil, err
	}
	return b, nil
}

// ReadRemaining consumes and returns every unread byte.
func (r *Reader) ReadRemaining() []byte {
	b := r.buf[r.pos:len(r.buf):len(r.buf)]
	r.pos = len(r.buf)
	return b
}
