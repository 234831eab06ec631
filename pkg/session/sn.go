package session

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"

	"zenoh/pkg/wire"
)

// InitialSN derives the first sequence number local sends to peer. The
// value depends only on the two identities and the width, so repeated
// handshakes between the same pair agree without keeping state. Argument
// order matters: each direction gets its own number.
func InitialSN(local, peer wire.ZenohID, bits wire.Bits) uint64 {
	h := sha3.NewShake128()
	h.Write(local.Bytes())
	h.Write(peer.Bytes())
	var out [8]byte
	h.Read(out[:])
	return binary.LittleEndian.Uint64(out[:]) & bits.Mask()
}
