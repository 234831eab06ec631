// Package codec implements the primitive wire encodings: fixed-width
// little-endian integers, zenoh variable-length integers, and length
// prefixed byte strings. Writers fill a caller-supplied buffer and never
// grow it; readers borrow from the input slice and never copy.
package codec

import "errors"

var (
	// ErrTruncated is returned when fewer bytes remain than a field needs.
	ErrTruncated = errors.New("codec: truncated input")
	// ErrOverflow is returned when a value does not fit its declared width
	// or the destination buffer lacks capacity.
	ErrOverflow = errors.New("codec: overflow")
)

// MaxZLen is the longest encoding of a 64-bit varint.
const MaxZLen = 9

// ZLen returns the number of bytes WriteZ64 uses for v.
func ZLen(v uint64) int {
	n := 1
	for v > 0x7f && n < MaxZLen {
		v >>= 7
		n++
	}
	return n
}

// putZ writes v into b, which must hold at least ZLen(v) bytes.
// The ninth byte, when reached, carries a full 8 bits.
func putZ(b []byte, v uint64) int {
	n := 0
	for v > 0x7f && n < MaxZLen-1 {
		b[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	b[n] = byte(v)
	return n + 1
}

// zMaxLen returns how many bytes a varint of the given width may occupy.
func zMaxLen(bits int) int {
	if bits >= 64 {
		return MaxZLen
	}
	return (bits + 6) / 7
}
