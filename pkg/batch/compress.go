package batch

import (
	"fmt"

	"github.com/pierrec/lz4/v4"

	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

// Links that negotiated compression prefix every batch with one header
// byte. Bit 0 marks an LZ4 block.
const (
	HeaderSize = 1

	headerCompressed uint8 = 0x01
)

// compressionThreshold skips batches too small to gain anything.
const compressionThreshold = 64

// SealBound is the dst size Seal needs for a raw batch of n bytes.
func SealBound(n int) int {
	return HeaderSize + max(n, lz4.CompressBlockBound(n))
}

// Seal frames a raw batch for a compressing link, compressing it when
// that makes it smaller. dst is reused when large enough.
func Seal(dst, raw []byte) ([]byte, error) {
	need := SealBound(len(raw))
	if cap(dst) < need {
		dst = make([]byte, need)
	}
	dst = dst[:need]

	if len(raw) > compressionThreshold {
		n, err := lz4.CompressBlock(raw, dst[HeaderSize:], nil)
		if err != nil {
			return nil, fmt.Errorf("batch: compress: %w", err)
		}
		if n > 0 && n < len(raw) {
			dst[0] = headerCompressed
			return dst[:HeaderSize+n], nil
		}
	}
	dst[0] = 0
	n := copy(dst[HeaderSize:], raw)
	return dst[:HeaderSize+n], nil
}

// Unseal reverses Seal. A compressed batch is inflated into dst, whose
// length bounds the result; an uncompressed one is returned in place.
func Unseal(dst, sealed []byte) ([]byte, error) {
	if len(sealed) < HeaderSize {
		return nil, fmt.Errorf("batch: header: %w", codec.ErrTruncated)
	}
	h := sealed[0]
	if h&^headerCompressed != 0 {
		return nil, fmt.Errorf("batch: header 0x%02x: %w", h, wire.ErrInvalidTag)
	}
	if h&headerCompressed == 0 {
		return sealed[HeaderSize:], nil
	}
	n, err := lz4.UncompressBlock(sealed[HeaderSize:], dst)
	if err != nil {
		return nil, fmt.Errorf("batch: decompress: %w", err)
	}
	return dst[:n], nil
}
