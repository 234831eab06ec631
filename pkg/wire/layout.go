package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// layout describes the wire shape of one message type. A single generic
// encode/decode pair walks it, so adding a message means adding a table.
//
// On the wire a message is: header, head fields, extension chain (when Z is
// set), tail fields. Header flags are derived from bits and from the
// presence of gated fields; they are never stored on the message.
type layout[T any] struct {
	name     string
	kind     uint8
	defaults func(*T)
	bits     []bit[T]
	head     []field[T]
	exts     []ext[T]
	tail     []field[T]
}

// bit is a header flag carrying a boolean of the message itself.
type bit[T any] struct {
	flag uint8
	get  func(*T) bool
	set  func(*T)
}

// field is a fixed field. When flag is non-zero the field is optional:
// has decides presence on encode and the flag decides it on decode.
type field[T any] struct {
	flag uint8
	has  func(*T) bool
	enc  func(*codec.Writer, *T) error
	dec  func(*codec.Reader, *T) error
}

// ext is a known extension. present returns false for absent or
// default-valued extensions, which are then left off the wire.
type ext[T any] struct {
	id        uint8
	enc       ExtEncoding
	mandatory bool
	present   func(*T) bool
	write     func(*codec.Writer, *T) error
	load      func(*T, Extension) error
}

func (l *layout[T]) header(m *T) uint8 {
	h := l.kind
	for i := range l.bits {
		if l.bits[i].get(m) {
			h |= l.bits[i].flag
		}
	}
	for _, fs := range [2][]field[T]{l.head, l.tail} {
		for i := range fs {
			if fs[i].flag != 0 && fs[i].has(m) {
				h |= fs[i].flag
			}
		}
	}
	return h
}

// encode writes m, leaving w untouched on failure.
func (l *layout[T]) encode(w *codec.Writer, m *T) error {
	start := w.Len()
	if err := l.encodeParts(w, m); err != nil {
		w.Truncate(start)
		return fmt.Errorf("encoding %s: %w", l.name, err)
	}
	return nil
}

func (l *layout[T]) encodeParts(w *codec.Writer, m *T) error {
	h := l.header(m)
	at := w.Len()
	if err := w.WriteU8(h); err != nil {
		return err
	}
	if err := encodeFields(w, m, l.head); err != nil {
		return err
	}
	wrote, err := l.encodeExts(w, m)
	if err != nil {
		return err
	}
	if wrote {
		w.SetU8At(at, h|FlagZ)
	}
	return encodeFields(w, m, l.tail)
}

func encodeFields[T any](w *codec.Writer, m *T, fs []field[T]) error {
	for i := range fs {
		f := &fs[i]
		if f.flag != 0 && !f.has(m) {
			continue
		}
		if err := f.enc(w, m); err != nil {
			return err
		}
	}
	return nil
}

// encodeExts writes every present extension, each with the more bit set,
// then clears it on the last one.
func (l *layout[T]) encodeExts(w *codec.Writer, m *T) (bool, error) {
	last := -1
	for i := range l.exts {
		e := &l.exts[i]
		if !e.present(m) {
			continue
		}
		h := e.id&extIDMask | uint8(e.enc) | extMore
		if e.mandatory {
			h |= extMandatory
		}
		at := w.Len()
		if err := w.WriteU8(h); err != nil {
			return false, err
		}
		switch e.enc {
		case ExtZ64:
			if err := e.write(w, m); err != nil {
				return false, err
			}
		case ExtZBuf:
			mark := w.StartPrefix()
			if err := e.write(w, m); err != nil {
				return false, err
			}
			if err := w.EndPrefix(mark); err != nil {
				return false, err
			}
		}
		last = at
	}
	if last < 0 {
		return false, nil
	}
	w.SetU8At(last, w.U8At(last)&^extMore)
	return true, nil
}

// decode reads one message into m. On failure r is rewound and m must be
// discarded.
func (l *layout[T]) decode(r *codec.Reader, m *T) error {
	start := r.Pos()
	if err := l.decodeParts(r, m); err != nil {
		r.Rewind(start)
		return fmt.Errorf("decoding %s: %w", l.name, err)
	}
	return nil
}

func (l *layout[T]) decodeParts(r *codec.Reader, m *T) error {
	h, err := r.ReadU8()
	if err != nil {
		return err
	}
	if Kind(h) != l.kind {
		return fmt.Errorf("kind 0x%02x: %w", Kind(h), ErrInvalidTag)
	}
	var zero T
	*m = zero
	if l.defaults != nil {
		l.defaults(m)
	}
	for i := range l.bits {
		if h&l.bits[i].flag != 0 {
			l.bits[i].set(m)
		}
	}
	if err := decodeFields(r, m, h, l.head); err != nil {
		return err
	}
	if h&FlagZ != 0 {
		if err := l.decodeExts(r, m); err != nil {
			return err
		}
	}
	return decodeFields(r, m, h, l.tail)
}

func decodeFields[T any](r *codec.Reader, m *T, h uint8, fs []field[T]) error {
	for i := range fs {
		f := &fs[i]
		if f.flag != 0 && h&f.flag == 0 {
			continue
		}
		if err := f.dec(r, m); err != nil {
			return err
		}
	}
	return nil
}

func (l *layout[T]) decodeExts(r *codec.Reader, m *T) error {
	for {
		e, err := ReadExtension(r)
		if err != nil {
			return err
		}
		if d := l.findExt(e.ID); d != nil {
			if d.enc != e.Encoding {
				return fmt.Errorf("extension 0x%x as %s: %w", e.ID, e.Encoding, ErrInvalidTag)
			}
			if err := d.load(m, e); err != nil {
				return fmt.Errorf("extension 0x%x: %w", e.ID, err)
			}
		} else if e.Mandatory {
			return fmt.Errorf("extension 0x%x: %w", e.ID, ErrUnknownMandatoryExtension)
		}
		if !e.More {
			return nil
		}
	}
}

func (l *layout[T]) findExt(id uint8) *ext[T] {
	for i := range l.exts {
		if l.exts[i].id == id {
			return &l.exts[i]
		}
	}
	return nil
}

// Shared extension builders.

func unitExt[T any](id uint8, get func(*T) *bool) ext[T] {
	return ext[T]{
		id:      id,
		enc:     ExtUnit,
		present: func(m *T) bool { return *get(m) },
		load:    func(m *T, _ Extension) error { *get(m) = true; return nil },
	}
}

func z64Ext[T any](id uint8, mandatory bool, def uint64, get func(*T) *uint64) ext[T] {
	return ext[T]{
		id:        id,
		enc:       ExtZ64,
		mandatory: mandatory,
		present:   func(m *T) bool { return *get(m) != def },
		write:     func(w *codec.Writer, m *T) error { return w.WriteZ64(*get(m)) },
		load:      func(m *T, e Extension) error { *get(m) = e.Value; return nil },
	}
}

func bytesExt[T any](id uint8, get func(*T) *[]byte) ext[T] {
	return ext[T]{
		id:      id,
		enc:     ExtZBuf,
		present: func(m *T) bool { return len(*get(m)) > 0 },
		write:   func(w *codec.Writer, m *T) error { return w.WriteBytes(*get(m)) },
		load:    func(m *T, e Extension) error { *get(m) = e.Body; return nil },
	}
}

// structExt carries a value with its own layout inside a ZBuf body. The
// body is decoded in isolation; bytes past the known fields are ignored.
func structExt[T, V any](id uint8, get func(*T) *V, present func(*V) bool,
	enc func(*codec.Writer, *V) error, dec func(*codec.Reader, *V) error) ext[T] {
	return ext[T]{
		id:      id,
		enc:     ExtZBuf,
		present: func(m *T) bool { return present(get(m)) },
		write:   func(w *codec.Writer, m *T) error { return enc(w, get(m)) },
		load: func(m *T, e Extension) error {
			return dec(codec.NewReader(e.Body), get(m))
		},
	}
}
