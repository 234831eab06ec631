// Package wire defines the zenoh message catalog and its binary layout.
//
// Every message starts with a header byte: the low five bits carry the
// message kind and the high three bits carry per-message flags. Bit 7 (Z)
// always announces a chain of extensions after the fixed fields.
//
// Decoded byte slices (payloads, attachments, cookies) alias the input
// buffer and remain valid until the caller reuses it. Strings are copies.
package wire

import "errors"

var (
	// ErrInvalidTag is returned for an unknown message kind, an enumerated
	// field outside its range, or an extension with the wrong encoding.
	ErrInvalidTag = errors.New("wire: invalid tag")
	// ErrUnknownMandatoryExtension is returned when a peer marks an
	// extension this implementation does not know as mandatory.
	ErrUnknownMandatoryExtension = errors.New("wire: unknown mandatory extension")
)

const (
	KindMask uint8 = 0x1f

	// FlagZ marks the presence of an extension chain.
	FlagZ uint8 = 0x80

	flag5 uint8 = 0x20
	flag6 uint8 = 0x40
)

// Kind returns the message kind carried by a header byte.
func Kind(header uint8) uint8 { return header & KindMask }

// Transport message kinds.
const (
	KindOAM       uint8 = 0x00
	KindInit      uint8 = 0x01
	KindOpen      uint8 = 0x02
	KindClose     uint8 = 0x03
	KindKeepAlive uint8 = 0x04
	KindFrame     uint8 = 0x05
	KindFragment  uint8 = 0x06
	KindJoin      uint8 = 0x07
)

// Network message kinds.
const (
	KindInterest      uint8 = 0x19
	KindResponseFinal uint8 = 0x1a
	KindResponse      uint8 = 0x1b
	KindRequest       uint8 = 0x1c
	KindPush          uint8 = 0x1d
	KindDeclare       uint8 = 0x1e
)

// Zenoh body kinds, carried inside network messages.
const (
	KindPut   uint8 = 0x01
	KindDel   uint8 = 0x02
	KindQuery uint8 = 0x03
	KindReply uint8 = 0x04
	KindErr   uint8 = 0x05
)

// Declaration kinds, carried inside Declare.
const (
	KindDeclareKeyExpr      uint8 = 0x00
	KindUndeclareKeyExpr    uint8 = 0x01
	KindDeclareSubscriber   uint8 = 0x02
	KindUndeclareSubscriber uint8 = 0x03
	KindDeclareQueryable    uint8 = 0x04
	KindUndeclareQueryable  uint8 = 0x05
	KindDeclareFinal        uint8 = 0x1a
)

// IsNetworkKind reports whether a header byte starts a network message.
// Transport and network kinds do not overlap, which is what lets a frame
// body end at the first header that is not a network message.
func IsNetworkKind(header uint8) bool {
	switch Kind(header) {
	case KindResponseFinal, KindResponse, KindRequest, KindPush, KindDeclare:
		return true
	}
	return false
}
