package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// PushBody is Put or Del. Replies carry the same set.
type PushBody interface {
	pushBody()
}

// RequestBody is Query.
type RequestBody interface {
	requestBody()
}

// ResponseBody is Reply or Err.
type ResponseBody interface {
	responseBody()
}

// Put publishes a value.
type Put struct {
	Timestamp  Timestamp
	Encoding   Encoding
	SourceInfo SourceInfo
	Attachment []byte
	Payload    []byte
}

// Del removes a value.
type Del struct {
	Timestamp  Timestamp
	SourceInfo SourceInfo
	Attachment []byte
}

// Consolidation selects how replies to a query are merged.
type Consolidation uint8

const (
	ConsolidationAuto      Consolidation = 0
	ConsolidationNone      Consolidation = 1
	ConsolidationMonotonic Consolidation = 2
	ConsolidationLatest    Consolidation = 3
)

// QueryValue is a payload attached to a query.
type QueryValue struct {
	Encoding Encoding
	Payload  []byte
}

// Query asks queryables for values.
type Query struct {
	Consolidation Consolidation
	Parameters    string
	SourceInfo    SourceInfo
	Value         QueryValue
	Attachment    []byte
}

// Reply answers a query with a Put or Del.
type Reply struct {
	Consolidation Consolidation
	Body          PushBody
}

// Err reports a failed query.
type Err struct {
	Encoding   Encoding
	SourceInfo SourceInfo
	Payload    []byte
}

func (Put) pushBody()       {}
func (Del) pushBody()       {}
func (Query) requestBody()  {}
func (Reply) responseBody() {}
func (Err) responseBody()   {}

// Body extension ids.
const (
	extIDSourceInfo      = 0x1
	extIDBodyAttachment  = 0x3
	extIDQueryValue      = 0x3
	extIDQueryAttachment = 0x5
)

const (
	flagBodyT = flag5 // timestamp
	flagBodyE = flag6 // encoding

	flagQueryC = flag5 // consolidation
	flagQueryP = flag6 // parameters

	flagReplyC = flag5 // consolidation
)

func writeZ32Bytes(w *codec.Writer, p []byte) error {
	if uint64(len(p)) > 0xffffffff {
		return codec.ErrOverflow
	}
	return w.WriteZBytes(p)
}

func readZ32Bytes(r *codec.Reader) ([]byte, error) {
	start := r.Pos()
	n, err := r.ReadZ32()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(int(n))
	if err != nil {
		r.Rewind(start)
	}
	return b, err
}

func timestampField[T any](get func(*T) *Timestamp) field[T] {
	return field[T]{
		flag: flagBodyT,
		has:  func(m *T) bool { return !get(m).IsZero() },
		enc:  func(w *codec.Writer, m *T) error { return writeTimestamp(w, get(m)) },
		dec:  func(r *codec.Reader, m *T) error { return readTimestamp(r, get(m)) },
	}
}

func encodingField[T any](get func(*T) *Encoding) field[T] {
	return field[T]{
		flag: flagBodyE,
		has:  func(m *T) bool { return !get(m).IsDefault() },
		enc:  func(w *codec.Writer, m *T) error { return writeEncoding(w, get(m)) },
		dec:  func(r *codec.Reader, m *T) error { return readEncoding(r, get(m)) },
	}
}

func sourceInfoExt[T any](get func(*T) *SourceInfo) ext[T] {
	return structExt(extIDSourceInfo, get, func(s *SourceInfo) bool { return !s.IsZero() },
		writeSourceInfo, readSourceInfo)
}

func consolidationField[T any](flag uint8, get func(*T) *Consolidation) field[T] {
	return field[T]{
		flag: flag,
		has:  func(m *T) bool { return *get(m) != ConsolidationAuto },
		enc:  func(w *codec.Writer, m *T) error { return w.WriteU8(uint8(*get(m))) },
		dec: func(r *codec.Reader, m *T) error {
			v, err := r.ReadU8()
			if err != nil {
				return err
			}
			if Consolidation(v) > ConsolidationLatest {
				return fmt.Errorf("consolidation %d: %w", v, ErrInvalidTag)
			}
			*get(m) = Consolidation(v)
			return nil
		},
	}
}

var putLayout = &layout[Put]{
	name: "Put",
	kind: KindPut,
	head: []field[Put]{
		timestampField(func(m *Put) *Timestamp { return &m.Timestamp }),
		encodingField(func(m *Put) *Encoding { return &m.Encoding }),
	},
	exts: []ext[Put]{
		sourceInfoExt(func(m *Put) *SourceInfo { return &m.SourceInfo }),
		bytesExt(extIDBodyAttachment, func(m *Put) *[]byte { return &m.Attachment }),
	},
	tail: []field[Put]{{
		enc: func(w *codec.Writer, m *Put) error { return writeZ32Bytes(w, m.Payload) },
		dec: func(r *codec.Reader, m *Put) (err error) { m.Payload, err = readZ32Bytes(r); return },
	}},
}

var delLayout = &layout[Del]{
	name: "Del",
	kind: KindDel,
	head: []field[Del]{timestampField(func(m *Del) *Timestamp { return &m.Timestamp })},
	exts: []ext[Del]{
		sourceInfoExt(func(m *Del) *SourceInfo { return &m.SourceInfo }),
		bytesExt(extIDBodyAttachment, func(m *Del) *[]byte { return &m.Attachment }),
	},
}

var queryLayout = &layout[Query]{
	name: "Query",
	kind: KindQuery,
	head: []field[Query]{
		consolidationField(flagQueryC, func(m *Query) *Consolidation { return &m.Consolidation }),
		{
			flag: flagQueryP,
			has:  func(m *Query) bool { return m.Parameters != "" },
			enc:  func(w *codec.Writer, m *Query) error { return writeZ16String(w, m.Parameters) },
			dec:  func(r *codec.Reader, m *Query) (err error) { m.Parameters, err = readZ16String(r); return },
		},
	},
	exts: []ext[Query]{
		sourceInfoExt(func(m *Query) *SourceInfo { return &m.SourceInfo }),
		structExt(extIDQueryValue, func(m *Query) *QueryValue { return &m.Value },
			func(v *QueryValue) bool { return len(v.Payload) > 0 || !v.Encoding.IsDefault() },
			func(w *codec.Writer, v *QueryValue) error {
				if err := writeEncoding(w, &v.Encoding); err != nil {
					return err
				}
				return w.WriteBytes(v.Payload)
			},
			func(r *codec.Reader, v *QueryValue) error {
				if err := readEncoding(r, &v.Encoding); err != nil {
					return err
				}
				v.Payload = r.ReadRemaining()
				return nil
			}),
		bytesExt(extIDQueryAttachment, func(m *Query) *[]byte { return &m.Attachment }),
	},
}

var replyLayout = &layout[Reply]{
	name: "Reply",
	kind: KindReply,
	head: []field[Reply]{consolidationField(flagReplyC, func(m *Reply) *Consolidation { return &m.Consolidation })},
	tail: []field[Reply]{{
		enc: func(w *codec.Writer, m *Reply) error { return encodePushBody(w, m.Body) },
		dec: func(r *codec.Reader, m *Reply) (err error) { m.Body, err = decodePushBody(r); return },
	}},
}

var errLayout = &layout[Err]{
	name: "Err",
	kind: KindErr,
	head: []field[Err]{encodingField(func(m *Err) *Encoding { return &m.Encoding })},
	exts: []ext[Err]{sourceInfoExt(func(m *Err) *SourceInfo { return &m.SourceInfo })},
	tail: []field[Err]{{
		enc: func(w *codec.Writer, m *Err) error { return writeZ32Bytes(w, m.Payload) },
		dec: func(r *codec.Reader, m *Err) (err error) { m.Payload, err = readZ32Bytes(r); return },
	}},
}

func encodePushBody(w *codec.Writer, b PushBody) error {
	switch b := b.(type) {
	case Put:
		return putLayout.encode(w, &b)
	case Del:
		return delLayout.encode(w, &b)
	case nil:
		return fmt.Errorf("missing body: %w", ErrInvalidTag)
	}
	return fmt.Errorf("body %T: %w", b, ErrInvalidTag)
}

func decodePushBody(r *codec.Reader) (PushBody, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch Kind(h) {
	case KindPut:
		return pushBodyAs(r, putLayout)
	case KindDel:
		return pushBodyAs(r, delLayout)
	}
	return nil, fmt.Errorf("push body kind 0x%02x: %w", Kind(h), ErrInvalidTag)
}

func encodeRequestBody(w *codec.Writer, b RequestBody) error {
	switch b := b.(type) {
	case Query:
		return queryLayout.encode(w, &b)
	case nil:
		return fmt.Errorf("missing body: %w", ErrInvalidTag)
	}
	return fmt.Errorf("body %T: %w", b, ErrInvalidTag)
}

func decodeRequestBody(r *codec.Reader) (RequestBody, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	if Kind(h) != KindQuery {
		return nil, fmt.Errorf("request body kind 0x%02x: %w", Kind(h), ErrInvalidTag)
	}
	var m Query
	if err := queryLayout.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func encodeResponseBody(w *codec.Writer, b ResponseBody) error {
	switch b := b.(type) {
	case Reply:
		return replyLayout.encode(w, &b)
	case Err:
		return errLayout.encode(w, &b)
	case nil:
		return fmt.Errorf("missing body: %w", ErrInvalidTag)
	}
	return fmt.Errorf("body %T: %w", b, ErrInvalidTag)
}

func decodeResponseBody(r *codec.Reader) (ResponseBody, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch Kind(h) {
	case KindReply:
		return responseBodyAs(r, replyLayout)
	case KindErr:
		return responseBodyAs(r, errLayout)
	}
	return nil, fmt.Errorf("response body kind 0x%02x: %w", Kind(h), ErrInvalidTag)
}

func pushBodyAs[T PushBody](r *codec.Reader, l *layout[T]) (PushBody, error) {
	var m T
	if err := l.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func responseBodyAs[T ResponseBody](r *codec.Reader, l *layout[T]) (ResponseBody, error) {
	var m T
	if err := l.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}
