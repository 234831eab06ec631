package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// ExtEncoding selects how an extension body is laid out.
type ExtEncoding uint8

const (
	ExtUnit ExtEncoding = 0x00
	ExtZ64  ExtEncoding = 0x20
	ExtZBuf ExtEncoding = 0x40
)

const (
	extMore      uint8 = 0x80
	extEncMask   uint8 = 0x60
	extMandatory uint8 = 0x10
	extIDMask    uint8 = 0x0f
)

func (e ExtEncoding) String() string {
	switch e {
	case ExtUnit:
		return "unit"
	case ExtZ64:
		return "z64"
	case ExtZBuf:
		return "zbuf"
	}
	return fmt.Sprintf("reserved(0x%02x)", uint8(e))
}

// Extension is one raw block of an extension chain.
type Extension struct {
	ID        uint8
	Encoding  ExtEncoding
	Mandatory bool
	More      bool
	Value     uint64 // ExtZ64
	Body      []byte // ExtZBuf, borrowed
}

func (e Extension) header() uint8 {
	h := e.ID&extIDMask | uint8(e.Encoding)
	if e.Mandatory {
		h |= extMandatory
	}
	if e.More {
		h |= extMore
	}
	return h
}

// WriteExtension encodes one extension block.
func WriteExtension(w *codec.Writer, e Extension) error {
	start := w.Len()
	err := w.WriteU8(e.header())
	if err == nil {
		switch e.Encoding {
		case ExtUnit:
		case ExtZ64:
			err = w.WriteZ64(e.Value)
		case ExtZBuf:
			err = w.WriteZBytes(e.Body)
		default:
			err = ErrInvalidTag
		}
	}
	if err != nil {
		w.Truncate(start)
	}
	return err
}

// ReadExtension decodes one extension block. Unknown blocks can be skipped
// by simply discarding the result, whatever their encoding.
func ReadExtension(r *codec.Reader) (Extension, error) {
	start := r.Pos()
	h, err := r.ReadU8()
	if err != nil {
		return Extension{}, err
	}
	e := Extension{
		ID:        h & extIDMask,
		Encoding:  ExtEncoding(h & extEncMask),
		Mandatory: h&extMandatory != 0,
		More:      h&extMore != 0,
	}
	switch e.Encoding {
	case ExtUnit:
	case ExtZ64:
		e.Value, err = r.ReadZ64()
	case ExtZBuf:
		e.Body, err = r.ReadZBytes()
	default:
		err = fmt.Errorf("extension 0x%x encoding %s: %w", e.ID, e.Encoding, ErrInvalidTag)
	}
	if err != nil {
		r.Rewind(start)
		return Extension{}, err
	}
	return e, nil
}

// SkipExtensions consumes an extension chain, failing on the first
// mandatory block.
func SkipExtensions(r *codec.Reader) error {
	for {
		e, err := ReadExtension(r)
		if err != nil {
			return err
		}
		if e.Mandatory {
			return fmt.Errorf("extension 0x%x: %w", e.ID, ErrUnknownMandatoryExtension)
		}
		if !e.More {
			return nil
		}
	}
}
