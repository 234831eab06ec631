package wire

import (
	"encoding/hex"
	"fmt"
	"math/bits"
	"strings"
	"time"

	"github.com/google/uuid"

	"zenoh/pkg/codec"
)

// Version is the protocol version carried in Init messages.
const Version uint8 = 0x09

// WhatAmI is the role a node announces during Init.
type WhatAmI uint8

const (
	Router WhatAmI = 0b00
	Peer   WhatAmI = 0b01
	Client WhatAmI = 0b10
)

func (w WhatAmI) String() string {
	switch w {
	case Router:
		return "router"
	case Peer:
		return "peer"
	case Client:
		return "client"
	}
	return fmt.Sprintf("whatami(%d)", uint8(w))
}

// ParseWhatAmI accepts the names returned by String.
func ParseWhatAmI(s string) (WhatAmI, error) {
	switch strings.ToLower(s) {
	case "router":
		return Router, nil
	case "peer":
		return Peer, nil
	case "client":
		return Client, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ZenohID is a 1 to 16 byte node identifier: a little-endian u128 sent
// without its high zero bytes. The zero ID is invalid.
type ZenohID [16]byte

// RandomZenohID returns a fresh random identifier.
func RandomZenohID() ZenohID {
	return ZenohID(uuid.New())
}

// ZenohIDFromBytes builds an ID from its little-endian wire bytes.
func ZenohIDFromBytes(b []byte) (ZenohID, error) {
	var id ZenohID
	if len(b) == 0 || len(b) > len(id) {
		return id, fmt.Errorf("zid length %d: %w", len(b), ErrInvalidTag)
	}
	copy(id[:], b)
	if id.IsZero() {
		return id, fmt.Errorf("zero zid: %w", ErrInvalidTag)
	}
	return id, nil
}

// ParseZenohID parses the hex form returned by String.
func ParseZenohID(s string) (ZenohID, error) {
	if len(s)%2 == 1 {
		s = "0" + s
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ZenohID{}, fmt.Errorf("parsing zid: %w", err)
	}
	for i, j := 0, len(raw)-1; i < j; i, j = i+1, j-1 {
		raw[i], raw[j] = raw[j], raw[i]
	}
	return ZenohIDFromBytes(raw)
}

func (id ZenohID) IsZero() bool { return id == ZenohID{} }

// Size is the number of significant bytes.
func (id ZenohID) Size() int {
	n := len(id)
	for n > 0 && id[n-1] == 0 {
		n--
	}
	return n
}

// Bytes returns the significant little-endian bytes.
func (id *ZenohID) Bytes() []byte { return id[:id.Size()] }

// String renders the ID as big-endian hex without leading zeros.
func (id ZenohID) String() string {
	n := id.Size()
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = id[n-1-i]
	}
	return strings.TrimLeft(hex.EncodeToString(out), "0")
}

// writeZID writes the ID as <u8;z8>.
func writeZID(w *codec.Writer, id *ZenohID) error {
	if id.IsZero() {
		return fmt.Errorf("zero zid: %w", ErrInvalidTag)
	}
	return w.WriteZBytes(id.Bytes())
}

func readZID(r *codec.Reader, id *ZenohID) error {
	start := r.Pos()
	n, err := r.ReadZ8()
	if err != nil {
		return err
	}
	b, err := r.ReadBytes(int(n))
	if err == nil {
		*id, err = ZenohIDFromBytes(b)
	}
	if err != nil {
		r.Rewind(start)
	}
	return err
}

// Bits is a sequence number or request id width.
type Bits uint8

const (
	U8  Bits = 0b00
	U16 Bits = 0b01
	U32 Bits = 0b10
	U64 Bits = 0b11
)

// Width returns the width in bits.
func (b Bits) Width() int { return 8 << (b & 0b11) }

// Mask returns the largest value of the width.
func (b Bits) Mask() uint64 {
	if b&0b11 == U64 {
		return ^uint64(0)
	}
	return 1<<uint(b.Width()) - 1
}

func (b Bits) String() string { return fmt.Sprintf("u%d", b.Width()) }

// BitsFor maps a width in bits to its Bits value.
func BitsFor(n int) (Bits, error) {
	switch n {
	case 8:
		return U8, nil
	case 16:
		return U16, nil
	case 32:
		return U32, nil
	case 64:
		return U64, nil
	}
	return 0, fmt.Errorf("unsupported resolution %d bits", n)
}

// Resolution packs the frame sequence number width (bits 0-1) and the
// request id width (bits 2-3).
type Resolution uint8

// DefaultResolution uses 32 bits for both fields.
const DefaultResolution Resolution = 0x0a

func NewResolution(frameSN, requestID Bits) Resolution {
	return Resolution(frameSN&0b11 | (requestID&0b11)<<2)
}

func (r Resolution) FrameSN() Bits   { return Bits(r) & 0b11 }
func (r Resolution) RequestID() Bits { return Bits(r>>2) & 0b11 }

// Narrow returns the per-field minimum of r and o.
func (r Resolution) Narrow(o Resolution) Resolution {
	return NewResolution(min(r.FrameSN(), o.FrameSN()), min(r.RequestID(), o.RequestID()))
}

// Wider reports whether any field of r exceeds the matching field of o.
func (r Resolution) Wider(o Resolution) bool {
	return r.FrameSN() > o.FrameSN() || r.RequestID() > o.RequestID()
}

func (r Resolution) String() string {
	return fmt.Sprintf("sn=%s rid=%s", r.FrameSN(), r.RequestID())
}

// DefaultBatchSize is the largest batch a streamed link can carry.
const DefaultBatchSize uint16 = 65535

// Reliability is the delivery class of a frame.
type Reliability uint8

const (
	BestEffort Reliability = 0
	Reliable   Reliability = 1
)

func (r Reliability) String() string {
	if r == Reliable {
		return "reliable"
	}
	return "best-effort"
}

// Priority orders traffic; lower values are more urgent.
type Priority uint8

const (
	PriorityControl         Priority = 0
	PriorityRealTime        Priority = 1
	PriorityInteractiveHigh Priority = 2
	PriorityInteractiveLow  Priority = 3
	PriorityDataHigh        Priority = 4
	PriorityData            Priority = 5
	PriorityDataLow         Priority = 6
	PriorityBackground      Priority = 7
)

// DefaultPriority is assumed when no QoS extension is present.
const DefaultPriority = PriorityData

func (p Priority) Valid() bool { return p <= PriorityBackground }

func checkPriority(v uint64) (Priority, error) {
	if v > uint64(PriorityBackground) {
		return 0, fmt.Errorf("priority %d: %w", v, ErrInvalidTag)
	}
	return Priority(v), nil
}

// CloseReason explains a Close message. Unknown values are carried as is.
type CloseReason uint8

const (
	CloseGeneric          CloseReason = 0
	CloseUnsupported      CloseReason = 1
	CloseInvalid          CloseReason = 2
	CloseMaxSessions      CloseReason = 3
	CloseMaxLinks         CloseReason = 4
	CloseExpired          CloseReason = 5
	CloseUnresponsive     CloseReason = 6
	CloseConnectionToSelf CloseReason = 7
)

var closeReasonNames = [...]string{
	"generic", "unsupported", "invalid", "max-sessions",
	"max-links", "expired", "unresponsive", "connection-to-self",
}

func (c CloseReason) String() string {
	if int(c) < len(closeReasonNames) {
		return closeReasonNames[c]
	}
	return fmt.Sprintf("reason(%d)", uint8(c))
}

// Behaviour tells whether a Close tears down the link or the whole session.
type Behaviour uint8

const (
	CloseLink Behaviour = iota
	CloseSession
)

func (b Behaviour) String() string {
	if b == CloseSession {
		return "session"
	}
	return "link"
}

// Timestamp is a hybrid logical clock reading: an NTP64 time and the ID
// of the clock that produced it.
type Timestamp struct {
	Time uint64
	ID   ZenohID
}

// NewTimestamp converts t to NTP64 (seconds since the Unix epoch in the
// high 32 bits, binary fraction in the low 32).
func NewTimestamp(t time.Time, id ZenohID) Timestamp {
	secs := uint64(t.Unix())
	frac, _ := bits.Div64(uint64(t.Nanosecond()), 0, uint64(time.Second))
	return Timestamp{Time: secs<<32 | frac>>32, ID: id}
}

// Wall returns the wall clock time of the reading.
func (ts Timestamp) Wall() time.Time {
	secs := int64(ts.Time >> 32)
	frac := ts.Time & 0xffffffff
	nanos := (frac * uint64(time.Second)) >> 32
	return time.Unix(secs, int64(nanos))
}

func (ts *Timestamp) IsZero() bool { return ts.Time == 0 && ts.ID.IsZero() }

func writeTimestamp(w *codec.Writer, ts *Timestamp) error {
	if err := w.WriteZ64(ts.Time); err != nil {
		return err
	}
	return writeZID(w, &ts.ID)
}

func readTimestamp(r *codec.Reader, ts *Timestamp) error {
	t, err := r.ReadZ64()
	if err != nil {
		return err
	}
	ts.Time = t
	return readZID(r, &ts.ID)
}

// Encoding describes a payload: a registered id and an optional schema.
type Encoding struct {
	ID     uint16
	Schema []byte
}

func (e *Encoding) IsDefault() bool { return e.ID == 0 && len(e.Schema) == 0 }

func writeEncoding(w *codec.Writer, e *Encoding) error {
	v := uint32(e.ID) << 1
	if len(e.Schema) > 0 {
		v |= 1
	}
	if err := w.WriteZ32(v); err != nil {
		return err
	}
	if len(e.Schema) == 0 {
		return nil
	}
	if len(e.Schema) > 0xff {
		return fmt.Errorf("schema of %d bytes: %w", len(e.Schema), codec.ErrOverflow)
	}
	return w.WriteZBytes(e.Schema)
}

func readEncoding(r *codec.Reader, e *Encoding) error {
	v, err := r.ReadZ32()
	if err != nil {
		return err
	}
	if v>>1 > 0xffff {
		return fmt.Errorf("encoding id %d: %w", v>>1, codec.ErrOverflow)
	}
	e.ID = uint16(v >> 1)
	if v&1 == 0 {
		return nil
	}
	n, err := r.ReadZ8()
	if err != nil {
		return err
	}
	e.Schema, err = r.ReadBytes(int(n))
	return err
}

// EntityGlobalID names an entity (publisher, queryable) across the system.
type EntityGlobalID struct {
	ZID ZenohID
	EID uint32
}

// writeEntity lays out |zid_len-1|x|x|x|x| zid eid.
func writeEntity(w *codec.Writer, id *EntityGlobalID) error {
	n := id.ZID.Size()
	if n == 0 {
		return fmt.Errorf("zero zid: %w", ErrInvalidTag)
	}
	if err := w.WriteU8(uint8(n-1) << 4); err != nil {
		return err
	}
	if err := w.WriteBytes(id.ZID.Bytes()); err != nil {
		return err
	}
	return w.WriteZ32(id.EID)
}

func readEntity(r *codec.Reader, id *EntityGlobalID) error {
	h, err := r.ReadU8()
	if err != nil {
		return err
	}
	b, err := r.ReadBytes(int(h>>4) + 1)
	if err != nil {
		return err
	}
	if id.ZID, err = ZenohIDFromBytes(b); err != nil {
		return err
	}
	id.EID, err = r.ReadZ32()
	return err
}

// SourceInfo identifies the publisher of a sample and its sequence number.
type SourceInfo struct {
	ID EntityGlobalID
	SN uint32
}

func (s *SourceInfo) IsZero() bool { return s.ID.ZID.IsZero() }

func writeSourceInfo(w *codec.Writer, s *SourceInfo) error {
	if err := writeEntity(w, &s.ID); err != nil {
		return err
	}
	return w.WriteZ32(s.SN)
}

func readSourceInfo(r *codec.Reader, s *SourceInfo) error {
	if err := readEntity(r, &s.ID); err != nil {
		return err
	}
	sn, err := r.ReadZ32()
	s.SN = sn
	return err
}
