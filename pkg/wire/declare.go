package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// Declaration is the body of a Declare message.
type Declaration interface {
	declaration()
}

// DeclareKeyExpr binds a numeric id to a key expression so later messages
// can refer to it by scope.
type DeclareKeyExpr struct {
	ID       uint16
	WireExpr WireExpr
}

type UndeclareKeyExpr struct {
	ID uint16
}

type DeclareSubscriber struct {
	ID       uint32
	WireExpr WireExpr
}

type UndeclareSubscriber struct {
	ID uint32
}

type DeclareQueryable struct {
	ID       uint32
	WireExpr WireExpr
	Complete bool
	Distance uint16
}

type UndeclareQueryable struct {
	ID uint32
}

// DeclareFinal ends a burst of declarations sent in answer to an interest.
type DeclareFinal struct{}

func (DeclareKeyExpr) declaration()      {}
func (UndeclareKeyExpr) declaration()    {}
func (DeclareSubscriber) declaration()   {}
func (UndeclareSubscriber) declaration() {}
func (DeclareQueryable) declaration()    {}
func (UndeclareQueryable) declaration()  {}
func (DeclareFinal) declaration()        {}

const extIDQueryableInfo = 0x1

func id16Field[T any](get func(*T) *uint16) field[T] {
	return field[T]{
		enc: func(w *codec.Writer, m *T) error { return w.WriteZ16(*get(m)) },
		dec: func(r *codec.Reader, m *T) (err error) { *get(m), err = r.ReadZ16(); return },
	}
}

func id32Field[T any](get func(*T) *uint32) field[T] {
	return field[T]{
		enc: func(w *codec.Writer, m *T) error { return w.WriteZ32(*get(m)) },
		dec: func(r *codec.Reader, m *T) (err error) { *get(m), err = r.ReadZ32(); return },
	}
}

var declareKeyExprLayout = &layout[DeclareKeyExpr]{
	name: "DeclareKeyExpr",
	kind: KindDeclareKeyExpr,
	head: append([]field[DeclareKeyExpr]{id16Field(func(m *DeclareKeyExpr) *uint16 { return &m.ID })},
		wireExprFields(func(m *DeclareKeyExpr) *WireExpr { return &m.WireExpr })...),
}

var undeclareKeyExprLayout = &layout[UndeclareKeyExpr]{
	name: "UndeclareKeyExpr",
	kind: KindUndeclareKeyExpr,
	head: []field[UndeclareKeyExpr]{id16Field(func(m *UndeclareKeyExpr) *uint16 { return &m.ID })},
}

var declareSubscriberLayout = &layout[DeclareSubscriber]{
	name: "DeclareSubscriber",
	kind: KindDeclareSubscriber,
	bits: []bit[DeclareSubscriber]{mappingBit(func(m *DeclareSubscriber) *WireExpr { return &m.WireExpr })},
	head: append([]field[DeclareSubscriber]{id32Field(func(m *DeclareSubscriber) *uint32 { return &m.ID })},
		wireExprFields(func(m *DeclareSubscriber) *WireExpr { return &m.WireExpr })...),
}

var undeclareSubscriberLayout = &layout[UndeclareSubscriber]{
	name: "UndeclareSubscriber",
	kind: KindUndeclareSubscriber,
	head: []field[UndeclareSubscriber]{id32Field(func(m *UndeclareSubscriber) *uint32 { return &m.ID })},
}

var declareQueryableLayout = &layout[DeclareQueryable]{
	name: "DeclareQueryable",
	kind: KindDeclareQueryable,
	bits: []bit[DeclareQueryable]{mappingBit(func(m *DeclareQueryable) *WireExpr { return &m.WireExpr })},
	head: append([]field[DeclareQueryable]{id32Field(func(m *DeclareQueryable) *uint32 { return &m.ID })},
		wireExprFields(func(m *DeclareQueryable) *WireExpr { return &m.WireExpr })...),
	exts: []ext[DeclareQueryable]{{
		id:      extIDQueryableInfo,
		enc:     ExtZ64,
		present: func(m *DeclareQueryable) bool { return m.Complete || m.Distance != 0 },
		write: func(w *codec.Writer, m *DeclareQueryable) error {
			v := uint64(m.Distance) << 8
			if m.Complete {
				v |= 1
			}
			return w.WriteZ64(v)
		},
		load: func(m *DeclareQueryable, e Extension) error {
			if e.Value>>8 > 0xffff {
				return codec.ErrOverflow
			}
			m.Complete = e.Value&1 != 0
			m.Distance = uint16(e.Value >> 8)
			return nil
		},
	}},
}

var undeclareQueryableLayout = &layout[UndeclareQueryable]{
	name: "UndeclareQueryable",
	kind: KindUndeclareQueryable,
	head: []field[UndeclareQueryable]{id32Field(func(m *UndeclareQueryable) *uint32 { return &m.ID })},
}

var declareFinalLayout = &layout[DeclareFinal]{
	name: "DeclareFinal",
	kind: KindDeclareFinal,
}

func encodeDeclaration(w *codec.Writer, d Declaration) error {
	switch d := d.(type) {
	case DeclareKeyExpr:
		return declareKeyExprLayout.encode(w, &d)
	case UndeclareKeyExpr:
		return undeclareKeyExprLayout.encode(w, &d)
	case DeclareSubscriber:
		return declareSubscriberLayout.encode(w, &d)
	case UndeclareSubscriber:
		return undeclareSubscriberLayout.encode(w, &d)
	case DeclareQueryable:
		return declareQueryableLayout.encode(w, &d)
	case UndeclareQueryable:
		return undeclareQueryableLayout.encode(w, &d)
	case DeclareFinal:
		return declareFinalLayout.encode(w, &d)
	case nil:
		return fmt.Errorf("missing declaration: %w", ErrInvalidTag)
	}
	return fmt.Errorf("declaration %T: %w", d, ErrInvalidTag)
}

func decodeDeclaration(r *codec.Reader) (Declaration, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch Kind(h) {
	case KindDeclareKeyExpr:
		return decodeAs(r, declareKeyExprLayout)
	case KindUndeclareKeyExpr:
		return decodeAs(r, undeclareKeyExprLayout)
	case KindDeclareSubscriber:
		return decodeAs(r, declareSubscriberLayout)
	case KindUndeclareSubscriber:
		return decodeAs(r, undeclareSubscriberLayout)
	case KindDeclareQueryable:
		return decodeAs(r, declareQueryableLayout)
	case KindUndeclareQueryable:
		return decodeAs(r, undeclareQueryableLayout)
	case KindDeclareFinal:
		return decodeAs(r, declareFinalLayout)
	}
	return nil, fmt.Errorf("declaration kind 0x%02x: %w", Kind(h), ErrInvalidTag)
}

// decodeAs decodes with l and boxes the result once it is complete.
func decodeAs[T Declaration](r *codec.Reader, l *layout[T]) (Declaration, error) {
	var m T
	if err := l.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}
