package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	// PrefixSize is the little-endian u16 length in front of every batch
	// on streamed links.
	PrefixSize = 2
	// MaxBatch is the largest batch a link carries.
	MaxBatch = 1<<16 - 1
)

// WriteBatch writes one batch to l. On streamed links the batch is
// prefixed with its length; the prefix and batch go out in a single
// Write so an encrypting link seals them together.
func WriteBatch(l Link, batch []byte) error {
	if len(batch) > MaxBatch {
		return fmt.Errorf("batch too large: %d > %d", len(batch), MaxBatch)
	}
	if !l.IsStreamed() {
		_, err := l.Write(batch)
		return err
	}

	buf := make([]byte, PrefixSize+len(batch))
	binary.LittleEndian.PutUint16(buf, uint16(len(batch)))
	copy(buf[PrefixSize:], batch)
	_, err := l.Write(buf)
	return err
}

// ReadBatch reads one batch from l into buf, which must hold MaxBatch
// bytes, and returns the filled prefix of buf.
func ReadBatch(l Link, buf []byte) ([]byte, error) {
	if !l.IsStreamed() {
		n, err := l.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	}

	var hdr [PrefixSize]byte
	if _, err := io.ReadFull(l, hdr[:]); err != nil {
		return nil, fmt.Errorf("reading batch length: %w", err)
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if n > len(buf) {
		return nil, fmt.Errorf("batch of %d bytes exceeds buffer of %d", n, len(buf))
	}
	if _, err := io.ReadFull(l, buf[:n]); err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	return buf[:n], nil
}
