package wire

import (
	"fmt"
	"math"
	"time"

	"zenoh/pkg/codec"
)

// TransportMessage is one of InitSyn, InitAck, OpenSyn, OpenAck, Close,
// KeepAlive, FrameHeader or Fragment.
type TransportMessage interface {
	transportMessage()
}

// InitParams are the fields shared by InitSyn and InitAck.
type InitParams struct {
	Version    uint8
	WhatAmI    WhatAmI
	ZID        ZenohID
	Resolution Resolution
	BatchSize  uint16

	QoS         bool
	LowLatency  bool
	Compression bool
	Auth        []byte
	Patch       uint64
}

// DefaultInitParams returns the parameters a decoder assumes when the
// S flag is clear.
func DefaultInitParams() InitParams {
	return InitParams{
		Version:    Version,
		Resolution: DefaultResolution,
		BatchSize:  DefaultBatchSize,
	}
}

// InitSyn opens the handshake.
type InitSyn struct {
	InitParams
}

// InitAck answers InitSyn with the narrowed parameters and a cookie.
type InitAck struct {
	InitParams
	Cookie []byte
}

// OpenParams are the fields shared by OpenSyn and OpenAck.
type OpenParams struct {
	Lease     time.Duration
	InitialSN uint64

	QoS         bool
	LowLatency  bool
	Compression bool
	Auth        []byte
}

// OpenSyn echoes the responder cookie and announces the initiator lease.
type OpenSyn struct {
	OpenParams
	Cookie []byte
}

// OpenAck completes the handshake.
type OpenAck struct {
	OpenParams
}

// Close ends the link or the session.
type Close struct {
	Reason    CloseReason
	Behaviour Behaviour
}

// KeepAlive carries no data and only refreshes the peer lease.
type KeepAlive struct{}

// FrameHeader precedes a run of network messages of the same class.
type FrameHeader struct {
	Reliability Reliability
	SN          uint64
	Priority    Priority
}

// Fragment carries a slice of a network message too large for a batch.
// Payload runs to the end of the batch.
type Fragment struct {
	Reliability Reliability
	More        bool
	SN          uint64
	Priority    Priority
	Payload     []byte
}

func (InitSyn) transportMessage()     {}
func (InitAck) transportMessage()     {}
func (OpenSyn) transportMessage()     {}
func (OpenAck) transportMessage()     {}
func (Close) transportMessage()       {}
func (KeepAlive) transportMessage()   {}
func (FrameHeader) transportMessage() {}
func (Fragment) transportMessage()    {}

// Init and Open extension ids.
const (
	extIDQoS         = 0x1
	extIDAuth        = 0x3
	extIDLowLatency  = 0x5
	extIDCompression = 0x6
	extIDPatch       = 0x7
)

const (
	flagInitAck = flag5 // A
	flagInitS   = flag6 // S: resolution and batch size follow

	flagOpenAck = flag5 // A
	flagOpenT   = flag6 // T: lease in seconds

	flagCloseSession = flag5 // S

	flagReliable     = flag5 // R
	flagFragmentMore = flag6 // M
)

func initLayout[T any](name string, ack bool, p func(*T) *InitParams, cookie func(*T) *[]byte) *layout[T] {
	l := &layout[T]{
		name:     name,
		kind:     KindInit,
		defaults: func(m *T) { *p(m) = DefaultInitParams() },
		head: []field[T]{
			{
				enc: func(w *codec.Writer, m *T) error { return w.WriteU8(p(m).Version) },
				dec: func(r *codec.Reader, m *T) (err error) { p(m).Version, err = r.ReadU8(); return },
			},
			{
				enc: func(w *codec.Writer, m *T) error { return writeInitZID(w, p(m)) },
				dec: func(r *codec.Reader, m *T) error { return readInitZID(r, p(m)) },
			},
			{
				flag: flagInitS,
				has: func(m *T) bool {
					ip := p(m)
					return ip.Resolution != DefaultResolution || ip.BatchSize != DefaultBatchSize
				},
				enc: func(w *codec.Writer, m *T) error {
					if err := w.WriteU8(uint8(p(m).Resolution)); err != nil {
						return err
					}
					return w.WriteU16(p(m).BatchSize)
				},
				dec: func(r *codec.Reader, m *T) error {
					res, err := r.ReadU8()
					if err != nil {
						return err
					}
					bs, err := r.ReadU16()
					if err != nil {
						return err
					}
					p(m).Resolution, p(m).BatchSize = Resolution(res&0x0f), bs
					return nil
				},
			},
		},
		exts: []ext[T]{
			unitExt(extIDQoS, func(m *T) *bool { return &p(m).QoS }),
			bytesExt(extIDAuth, func(m *T) *[]byte { return &p(m).Auth }),
			unitExt(extIDLowLatency, func(m *T) *bool { return &p(m).LowLatency }),
			unitExt(extIDCompression, func(m *T) *bool { return &p(m).Compression }),
			z64Ext(extIDPatch, false, 0, func(m *T) *uint64 { return &p(m).Patch }),
		},
	}
	if ack {
		l.bits = []bit[T]{{flag: flagInitAck, get: func(*T) bool { return true }, set: func(*T) {}}}
		l.head = append(l.head, field[T]{
			enc: func(w *codec.Writer, m *T) error { return w.WriteZBytes(*cookie(m)) },
			dec: func(r *codec.Reader, m *T) (err error) { *cookie(m), err = r.ReadZBytes(); return },
		})
	}
	return l
}

// writeInitZID packs |zid_len-1:4|x|x|whatami:2| followed by the zid.
func writeInitZID(w *codec.Writer, p *InitParams) error {
	n := p.ZID.Size()
	if n == 0 {
		return fmt.Errorf("zero zid: %w", ErrInvalidTag)
	}
	if p.WhatAmI > Client {
		return fmt.Errorf("whatami %d: %w", p.WhatAmI, ErrInvalidTag)
	}
	if err := w.WriteU8(uint8(n-1)<<4 | uint8(p.WhatAmI)); err != nil {
		return err
	}
	return w.WriteBytes(p.ZID.Bytes())
}

func readInitZID(r *codec.Reader, p *InitParams) error {
	b, err := r.ReadU8()
	if err != nil {
		return err
	}
	p.WhatAmI = WhatAmI(b & 0b11)
	if p.WhatAmI > Client {
		return fmt.Errorf("whatami %d: %w", p.WhatAmI, ErrInvalidTag)
	}
	raw, err := r.ReadBytes(int(b>>4) + 1)
	if err != nil {
		return err
	}
	p.ZID, err = ZenohIDFromBytes(raw)
	return err
}

var initSynLayout = initLayout("InitSyn", false,
	func(m *InitSyn) *InitParams { return &m.InitParams }, nil)

var initAckLayout = initLayout("InitAck", true,
	func(m *InitAck) *InitParams { return &m.InitParams },
	func(m *InitAck) *[]byte { return &m.Cookie })

func openLayout[T any](name string, ack bool, p func(*T) *OpenParams, cookie func(*T) *[]byte) *layout[T] {
	l := &layout[T]{
		name: name,
		kind: KindOpen,
		bits: []bit[T]{{
			flag: flagOpenT,
			get:  func(m *T) bool { return p(m).Lease%time.Second == 0 },
			// the lease field reads this back as its unit
			set: func(m *T) { p(m).Lease = time.Second },
		}},
		head: []field[T]{
			{
				enc: func(w *codec.Writer, m *T) error {
					lease := p(m).Lease
					if lease < 0 {
						return fmt.Errorf("negative lease %s: %w", lease, ErrInvalidTag)
					}
					if lease%time.Second == 0 {
						return w.WriteZ64(uint64(lease / time.Second))
					}
					// sub-millisecond leases would read back as zero
					return w.WriteZ64(uint64(max(lease/time.Millisecond, 1)))
				},
				dec: func(r *codec.Reader, m *T) error {
					v, err := r.ReadZ64()
					if err != nil {
						return err
					}
					unit := p(m).Lease
					if unit == 0 {
						unit = time.Millisecond
					}
					if v > uint64(math.MaxInt64/int64(unit)) {
						return fmt.Errorf("lease %d x %s: %w", v, unit, codec.ErrOverflow)
					}
					p(m).Lease = time.Duration(v) * unit
					return nil
				},
			},
			{
				enc: func(w *codec.Writer, m *T) error { return w.WriteZ64(p(m).InitialSN) },
				dec: func(r *codec.Reader, m *T) (err error) { p(m).InitialSN, err = r.ReadZ64(); return },
			},
		},
		exts: []ext[T]{
			unitExt(extIDQoS, func(m *T) *bool { return &p(m).QoS }),
			bytesExt(extIDAuth, func(m *T) *[]byte { return &p(m).Auth }),
			unitExt(extIDLowLatency, func(m *T) *bool { return &p(m).LowLatency }),
			unitExt(extIDCompression, func(m *T) *bool { return &p(m).Compression }),
		},
	}
	if ack {
		l.bits = append(l.bits, bit[T]{flag: flagOpenAck, get: func(*T) bool { return true }, set: func(*T) {}})
	} else {
		l.head = append(l.head, field[T]{
			enc: func(w *codec.Writer, m *T) error { return w.WriteZBytes(*cookie(m)) },
			dec: func(r *codec.Reader, m *T) (err error) { *cookie(m), err = r.ReadZBytes(); return },
		})
	}
	return l
}

var openSynLayout = openLayout("OpenSyn", false,
	func(m *OpenSyn) *OpenParams { return &m.OpenParams },
	func(m *OpenSyn) *[]byte { return &m.Cookie })

var openAckLayout = openLayout("OpenAck", true,
	func(m *OpenAck) *OpenParams { return &m.OpenParams }, nil)

var closeLayout = &layout[Close]{
	name: "Close",
	kind: KindClose,
	bits: []bit[Close]{{
		flag: flagCloseSession,
		get:  func(m *Close) bool { return m.Behaviour == CloseSession },
		set:  func(m *Close) { m.Behaviour = CloseSession },
	}},
	head: []field[Close]{{
		enc: func(w *codec.Writer, m *Close) error { return w.WriteU8(uint8(m.Reason)) },
		dec: func(r *codec.Reader, m *Close) error {
			v, err := r.ReadU8()
			m.Reason = CloseReason(v)
			return err
		},
	}},
}

var keepAliveLayout = &layout[KeepAlive]{
	name: "KeepAlive",
	kind: KindKeepAlive,
}

// priorityExt is the mandatory QoS extension of frames and fragments.
func priorityExt[T any](get func(*T) *Priority) ext[T] {
	return ext[T]{
		id:        extIDQoS,
		enc:       ExtZ64,
		mandatory: true,
		present:   func(m *T) bool { return *get(m) != DefaultPriority },
		write:     func(w *codec.Writer, m *T) error { return w.WriteZ64(uint64(*get(m))) },
		load: func(m *T, e Extension) (err error) {
			*get(m), err = checkPriority(e.Value)
			return
		},
	}
}

func reliableBit[T any](get func(*T) *Reliability) bit[T] {
	return bit[T]{
		flag: flagReliable,
		get:  func(m *T) bool { return *get(m) == Reliable },
		set:  func(m *T) { *get(m) = Reliable },
	}
}

var frameLayout = &layout[FrameHeader]{
	name:     "Frame",
	kind:     KindFrame,
	defaults: func(m *FrameHeader) { m.Priority = DefaultPriority },
	bits:     []bit[FrameHeader]{reliableBit(func(m *FrameHeader) *Reliability { return &m.Reliability })},
	head: []field[FrameHeader]{{
		enc: func(w *codec.Writer, m *FrameHeader) error { return w.WriteZ64(m.SN) },
		dec: func(r *codec.Reader, m *FrameHeader) (err error) { m.SN, err = r.ReadZ64(); return },
	}},
	exts: []ext[FrameHeader]{priorityExt(func(m *FrameHeader) *Priority { return &m.Priority })},
}

var fragmentLayout = &layout[Fragment]{
	name:     "Fragment",
	kind:     KindFragment,
	defaults: func(m *Fragment) { m.Priority = DefaultPriority },
	bits: []bit[Fragment]{
		reliableBit(func(m *Fragment) *Reliability { return &m.Reliability }),
		{
			flag: flagFragmentMore,
			get:  func(m *Fragment) bool { return m.More },
			set:  func(m *Fragment) { m.More = true },
		},
	},
	head: []field[Fragment]{{
		enc: func(w *codec.Writer, m *Fragment) error { return w.WriteZ64(m.SN) },
		dec: func(r *codec.Reader, m *Fragment) (err error) { m.SN, err = r.ReadZ64(); return },
	}},
	exts: []ext[Fragment]{priorityExt(func(m *Fragment) *Priority { return &m.Priority })},
	tail: []field[Fragment]{{
		enc: func(w *codec.Writer, m *Fragment) error { return w.WriteBytes(m.Payload) },
		dec: func(r *codec.Reader, m *Fragment) error { m.Payload = r.ReadRemaining(); return nil },
	}},
}
