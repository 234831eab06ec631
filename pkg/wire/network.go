package wire

import (
	"fmt"
	"math"
	"time"

	"zenoh/pkg/codec"
)

// NetworkMessage is one of Push, Request, Response, ResponseFinal or Declare.
type NetworkMessage interface {
	networkMessage()
}

// Mapping tells which side's key expression table a scope refers to.
type Mapping uint8

const (
	MappingReceiver Mapping = 0
	MappingSender   Mapping = 1
)

// WireExpr is a key expression as sent: a numeric scope declared earlier
// plus an optional suffix. The suffix is opaque at this layer.
type WireExpr struct {
	Scope   uint16
	Suffix  string
	Mapping Mapping
}

func (we WireExpr) String() string {
	if we.Scope == 0 {
		return we.Suffix
	}
	return fmt.Sprintf("%d:%s", we.Scope, we.Suffix)
}

const (
	flagN = flag5 // suffix present
	flagM = flag6 // sender mapping
)

func mappingBit[T any](get func(*T) *WireExpr) bit[T] {
	return bit[T]{
		flag: flagM,
		get:  func(m *T) bool { return get(m).Mapping == MappingSender },
		set:  func(m *T) { get(m).Mapping = MappingSender },
	}
}

func wireExprFields[T any](get func(*T) *WireExpr) []field[T] {
	return []field[T]{
		{
			enc: func(w *codec.Writer, m *T) error { return w.WriteZ16(get(m).Scope) },
			dec: func(r *codec.Reader, m *T) (err error) { get(m).Scope, err = r.ReadZ16(); return },
		},
		{
			flag: flagN,
			has:  func(m *T) bool { return get(m).Suffix != "" },
			enc:  func(w *codec.Writer, m *T) error { return writeZ16String(w, get(m).Suffix) },
			dec:  func(r *codec.Reader, m *T) (err error) { get(m).Suffix, err = readZ16String(r); return },
		},
	}
}

func writeZ16String(w *codec.Writer, s string) error {
	if len(s) > math.MaxUint16 {
		return fmt.Errorf("string of %d bytes: %w", len(s), codec.ErrOverflow)
	}
	return w.WriteZString(s)
}

func readZ16String(r *codec.Reader) (string, error) {
	start := r.Pos()
	n, err := r.ReadZ16()
	if err != nil {
		return "", err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		r.Rewind(start)
		return "", err
	}
	return string(b), nil
}

// QoS is the per-message quality of service hint.
type QoS struct {
	Priority Priority
	Block    bool // block instead of drop under congestion
	Express  bool // bypass batching
}

// DefaultQoS is what a message without a QoS extension carries.
var DefaultQoS = QoS{Priority: DefaultPriority}

const (
	qosBlock   = 0x08
	qosExpress = 0x10
)

func (q QoS) value() uint64 {
	v := uint64(q.Priority & 0b111)
	if q.Block {
		v |= qosBlock
	}
	if q.Express {
		v |= qosExpress
	}
	return v
}

func qosFrom(v uint64) (QoS, error) {
	if v > 0x1f {
		return QoS{}, fmt.Errorf("qos %#x: %w", v, ErrInvalidTag)
	}
	return QoS{Priority: Priority(v & 0b111), Block: v&qosBlock != 0, Express: v&qosExpress != 0}, nil
}

// Network extension ids.
const (
	extIDNetQoS       = 0x1
	extIDNetTimestamp = 0x2
	extIDNetNodeID    = 0x3
	extIDNetTarget    = 0x4
	extIDNetBudget    = 0x5
	extIDNetTimeout   = 0x6
	extIDNetResponder = 0x3
)

func qosExt[T any](get func(*T) *QoS) ext[T] {
	return ext[T]{
		id:      extIDNetQoS,
		enc:     ExtZ64,
		present: func(m *T) bool { return *get(m) != DefaultQoS },
		write:   func(w *codec.Writer, m *T) error { return w.WriteZ64(get(m).value()) },
		load:    func(m *T, e Extension) (err error) { *get(m), err = qosFrom(e.Value); return },
	}
}

func timestampExt[T any](id uint8, get func(*T) *Timestamp) ext[T] {
	return structExt(id, get, func(ts *Timestamp) bool { return !ts.IsZero() }, writeTimestamp, readTimestamp)
}

func nodeIDExt[T any](get func(*T) *uint16) ext[T] {
	return ext[T]{
		id:      extIDNetNodeID,
		enc:     ExtZ64,
		present: func(m *T) bool { return *get(m) != 0 },
		write:   func(w *codec.Writer, m *T) error { return w.WriteZ64(uint64(*get(m))) },
		load: func(m *T, e Extension) error {
			if e.Value > math.MaxUint16 {
				return codec.ErrOverflow
			}
			*get(m) = uint16(e.Value)
			return nil
		},
	}
}

// Push delivers a Put or Del to subscribers.
type Push struct {
	WireExpr  WireExpr
	QoS       QoS
	Timestamp Timestamp
	NodeID    uint16
	Body      PushBody
}

// QueryTarget selects which queryables a request reaches.
type QueryTarget uint8

const (
	TargetBestMatching QueryTarget = 0
	TargetAll          QueryTarget = 1
	TargetAllComplete  QueryTarget = 2
)

// Request carries a Query.
type Request struct {
	ID        uint32
	WireExpr  WireExpr
	QoS       QoS
	Timestamp Timestamp
	NodeID    uint16
	Target    QueryTarget
	Budget    uint32
	Timeout   time.Duration
	Body      RequestBody
}

// Response carries a Reply or an Err for a request.
type Response struct {
	RequestID uint32
	WireExpr  WireExpr
	QoS       QoS
	Timestamp Timestamp
	Responder EntityGlobalID
	Body      ResponseBody
}

// ResponseFinal tells the requester no more responses will follow.
type ResponseFinal struct {
	RequestID uint32
	QoS       QoS
	Timestamp Timestamp
}

// Declare announces or withdraws a key expression, subscriber or queryable.
type Declare struct {
	HasInterest bool
	InterestID  uint32
	QoS         QoS
	Timestamp   Timestamp
	NodeID      uint16
	Body        Declaration
}

func (Push) networkMessage()          {}
func (Request) networkMessage()       {}
func (Response) networkMessage()      {}
func (ResponseFinal) networkMessage() {}
func (Declare) networkMessage()       {}

func requestIDField[T any](get func(*T) *uint32) field[T] {
	return field[T]{
		enc: func(w *codec.Writer, m *T) error { return w.WriteZ32(*get(m)) },
		dec: func(r *codec.Reader, m *T) (err error) { *get(m), err = r.ReadZ32(); return },
	}
}

var pushLayout = &layout[Push]{
	name:     "Push",
	kind:     KindPush,
	defaults: func(m *Push) { m.QoS = DefaultQoS },
	bits:     []bit[Push]{mappingBit(func(m *Push) *WireExpr { return &m.WireExpr })},
	head:     wireExprFields(func(m *Push) *WireExpr { return &m.WireExpr }),
	exts: []ext[Push]{
		qosExt(func(m *Push) *QoS { return &m.QoS }),
		timestampExt(extIDNetTimestamp, func(m *Push) *Timestamp { return &m.Timestamp }),
		nodeIDExt(func(m *Push) *uint16 { return &m.NodeID }),
	},
	tail: []field[Push]{{
		enc: func(w *codec.Writer, m *Push) error { return encodePushBody(w, m.Body) },
		dec: func(r *codec.Reader, m *Push) (err error) { m.Body, err = decodePushBody(r); return },
	}},
}

var requestLayout = &layout[Request]{
	name:     "Request",
	kind:     KindRequest,
	defaults: func(m *Request) { m.QoS = DefaultQoS },
	bits:     []bit[Request]{mappingBit(func(m *Request) *WireExpr { return &m.WireExpr })},
	head: append([]field[Request]{requestIDField(func(m *Request) *uint32 { return &m.ID })},
		wireExprFields(func(m *Request) *WireExpr { return &m.WireExpr })...),
	exts: []ext[Request]{
		qosExt(func(m *Request) *QoS { return &m.QoS }),
		timestampExt(extIDNetTimestamp, func(m *Request) *Timestamp { return &m.Timestamp }),
		nodeIDExt(func(m *Request) *uint16 { return &m.NodeID }),
		{
			id:      extIDNetTarget,
			enc:     ExtZ64,
			present: func(m *Request) bool { return m.Target != TargetBestMatching },
			write:   func(w *codec.Writer, m *Request) error { return w.WriteZ64(uint64(m.Target)) },
			load: func(m *Request, e Extension) error {
				if e.Value > uint64(TargetAllComplete) {
					return fmt.Errorf("query target %d: %w", e.Value, ErrInvalidTag)
				}
				m.Target = QueryTarget(e.Value)
				return nil
			},
		},
		{
			id:      extIDNetBudget,
			enc:     ExtZ64,
			present: func(m *Request) bool { return m.Budget != 0 },
			write:   func(w *codec.Writer, m *Request) error { return w.WriteZ64(uint64(m.Budget)) },
			load: func(m *Request, e Extension) error {
				if e.Value > math.MaxUint32 {
					return codec.ErrOverflow
				}
				m.Budget = uint32(e.Value)
				return nil
			},
		},
		{
			id:      extIDNetTimeout,
			enc:     ExtZ64,
			present: func(m *Request) bool { return m.Timeout/time.Millisecond != 0 },
			write:   func(w *codec.Writer, m *Request) error { return w.WriteZ64(uint64(m.Timeout / time.Millisecond)) },
			load: func(m *Request, e Extension) error {
				if e.Value > math.MaxInt64/uint64(time.Millisecond) {
					return codec.ErrOverflow
				}
				m.Timeout = time.Duration(e.Value) * time.Millisecond
				return nil
			},
		},
	},
	tail: []field[Request]{{
		enc: func(w *codec.Writer, m *Request) error { return encodeRequestBody(w, m.Body) },
		dec: func(r *codec.Reader, m *Request) (err error) { m.Body, err = decodeRequestBody(r); return },
	}},
}

var responseLayout = &layout[Response]{
	name:     "Response",
	kind:     KindResponse,
	defaults: func(m *Response) { m.QoS = DefaultQoS },
	bits:     []bit[Response]{mappingBit(func(m *Response) *WireExpr { return &m.WireExpr })},
	head: append([]field[Response]{requestIDField(func(m *Response) *uint32 { return &m.RequestID })},
		wireExprFields(func(m *Response) *WireExpr { return &m.WireExpr })...),
	exts: []ext[Response]{
		qosExt(func(m *Response) *QoS { return &m.QoS }),
		timestampExt(extIDNetTimestamp, func(m *Response) *Timestamp { return &m.Timestamp }),
		structExt(extIDNetResponder, func(m *Response) *EntityGlobalID { return &m.Responder },
			func(id *EntityGlobalID) bool { return !id.ZID.IsZero() }, writeEntity, readEntity),
	},
	tail: []field[Response]{{
		enc: func(w *codec.Writer, m *Response) error { return encodeResponseBody(w, m.Body) },
		dec: func(r *codec.Reader, m *Response) (err error) { m.Body, err = decodeResponseBody(r); return },
	}},
}

var responseFinalLayout = &layout[ResponseFinal]{
	name:     "ResponseFinal",
	kind:     KindResponseFinal,
	defaults: func(m *ResponseFinal) { m.QoS = DefaultQoS },
	head:     []field[ResponseFinal]{requestIDField(func(m *ResponseFinal) *uint32 { return &m.RequestID })},
	exts: []ext[ResponseFinal]{
		qosExt(func(m *ResponseFinal) *QoS { return &m.QoS }),
		timestampExt(extIDNetTimestamp, func(m *ResponseFinal) *Timestamp { return &m.Timestamp }),
	},
}

const flagDeclareInterest = flag5 // I

var declareLayout = &layout[Declare]{
	name:     "Declare",
	kind:     KindDeclare,
	defaults: func(m *Declare) { m.QoS = DefaultQoS },
	head: []field[Declare]{{
		flag: flagDeclareInterest,
		has:  func(m *Declare) bool { return m.HasInterest },
		enc:  func(w *codec.Writer, m *Declare) error { return w.WriteZ32(m.InterestID) },
		dec: func(r *codec.Reader, m *Declare) (err error) {
			m.HasInterest = true
			m.InterestID, err = r.ReadZ32()
			return
		},
	}},
	exts: []ext[Declare]{
		qosExt(func(m *Declare) *QoS { return &m.QoS }),
		timestampExt(extIDNetTimestamp, func(m *Declare) *Timestamp { return &m.Timestamp }),
		nodeIDExt(func(m *Declare) *uint16 { return &m.NodeID }),
	},
	tail: []field[Declare]{{
		enc: func(w *codec.Writer, m *Declare) error { return encodeDeclaration(w, m.Body) },
		dec: func(r *codec.Reader, m *Declare) (err error) { m.Body, err = decodeDeclaration(r); return },
	}},
}
