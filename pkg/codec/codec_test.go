package codec_test

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"zenoh/pkg/codec"
)

func TestVarintEncoding(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0, []byte{0x00}},
		{1, []byte{0x01}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{300, []byte{0xac, 0x02}},
		{16383, []byte{0xff, 0x7f}},
		{16384, []byte{0x80, 0x80, 0x01}},
		{math.MaxUint32, []byte{0xff, 0xff, 0xff, 0xff, 0x0f}},
		{1 << 56, []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x80, 0x01}},
		{math.MaxUint64, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}},
	}
	for _, tt := range tests {
		var buf [16]byte
		w := codec.NewWriter(buf[:])
		if err := w.WriteZ64(tt.v); err != nil {
			t.Fatalf("WriteZ64(%d): %v", tt.v, err)
		}
		if !bytes.Equal(w.Bytes(), tt.want) {
			t.Errorf("WriteZ64(%d): got %x, want %x", tt.v, w.Bytes(), tt.want)
		}
		if codec.ZLen(tt.v) != len(tt.want) {
			t.Errorf("ZLen(%d): got %d, want %d", tt.v, codec.ZLen(tt.v), len(tt.want))
		}

		r := codec.NewReader(tt.want)
		got, err := r.ReadZ64()
		if err != nil {
			t.Fatalf("ReadZ64(%x): %v", tt.want, err)
		}
		if got != tt.v {
			t.Errorf("ReadZ64(%x): got %d, want %d", tt.want, got, tt.v)
		}
		if r.Remaining() != 0 {
			t.Errorf("ReadZ64(%x): %d bytes left over", tt.want, r.Remaining())
		}
	}
}

func TestNarrowVarintOverflow(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		read func(*codec.Reader) error
	}{
		{"z8 value", []byte{0x80, 0x02}, func(r *codec.Reader) error { _, err := r.ReadZ8(); return err }},
		{"z8 length", []byte{0x80, 0x80, 0x00}, func(r *codec.Reader) error { _, err := r.ReadZ8(); return err }},
		{"z16 value", []byte{0x80, 0x80, 0x04}, func(r *codec.Reader) error { _, err := r.ReadZ16(); return err }},
		{"z32 value", []byte{0xff, 0xff, 0xff, 0xff, 0x1f}, func(r *codec.Reader) error { _, err := r.ReadZ32(); return err }},
		{"z32 length", []byte{0x80, 0x80, 0x80, 0x80, 0x80, 0x00}, func(r *codec.Reader) error { _, err := r.ReadZ32(); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := codec.NewReader(tt.in)
			err := tt.read(r)
			if !errors.Is(err, codec.ErrOverflow) {
				t.Fatalf("got %v, want ErrOverflow", err)
			}
			if r.Pos() != 0 {
				t.Errorf("cursor moved to %d on failure", r.Pos())
			}
		})
	}
}

func TestNarrowVarintBounds(t *testing.T) {
	var buf [8]byte
	w := codec.NewWriter(buf[:])
	if err := w.WriteZ16(math.MaxUint16); err != nil {
		t.Fatal(err)
	}
	r := codec.NewReader(w.Bytes())
	v, err := r.ReadZ16()
	if err != nil {
		t.Fatalf("ReadZ16: %v", err)
	}
	if v != math.MaxUint16 {
		t.Errorf("ReadZ16: got %d, want %d", v, math.MaxUint16)
	}
}

func TestReadTruncated(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
		read func(*codec.Reader) error
	}{
		{"u8", nil, func(r *codec.Reader) error { _, err := r.ReadU8(); return err }},
		{"u16", []byte{1}, func(r *codec.Reader) error { _, err := r.ReadU16(); return err }},
		{"u32", []byte{1, 2, 3}, func(r *codec.Reader) error { _, err := r.ReadU32(); return err }},
		{"u64", []byte{1, 2, 3, 4, 5, 6, 7}, func(r *codec.Reader) error { _, err := r.ReadU64(); return err }},
		{"z64", []byte{0x80, 0x80}, func(r *codec.Reader) error { _, err := r.ReadZ64(); return err }},
		{"zbytes", []byte{0x04, 1, 2, 3}, func(r *codec.Reader) error { _, err := r.ReadZBytes(); return err }},
		{"u8bytes", []byte{0x02, 1}, func(r *codec.Reader) error { _, err := r.ReadU8Bytes(); return err }},
		{"bytes", []byte{1}, func(r *codec.Reader) error { _, err := r.ReadBytes(2); return err }},
		{"peek", nil, func(r *codec.Reader) error { _, err := r.Peek(); return err }},
		{"skip", []byte{1}, func(r *codec.Reader) error { return r.Skip(3) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := codec.NewReader(tt.in)
			if err := tt.read(r); !errors.Is(err, codec.ErrTruncated) {
				t.Fatalf("got %v, want ErrTruncated", err)
			}
			if r.Pos() != 0 {
				t.Errorf("cursor moved to %d on failure", r.Pos())
			}
		})
	}
}

func TestFixedLittleEndian(t *testing.T) {
	var buf [15]byte
	w := codec.NewWriter(buf[:])
	if err := w.WriteU8(0x01); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU16(0x0302); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU32(0x07060504); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteU64(0x0f0e0d0c0b0a0908); err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("got %x, want %x", w.Bytes(), want)
	}

	r := codec.NewReader(w.Bytes())
	a, _ := r.ReadU8()
	b, _ := r.ReadU16()
	c, _ := r.ReadU32()
	d, err := r.ReadU64()
	if err != nil {
		t.Fatal(err)
	}
	if a != 0x01 || b != 0x0302 || c != 0x07060504 || d != 0x0f0e0d0c0b0a0908 {
		t.Errorf("decoded %x %x %x %x", a, b, c, d)
	}
}

func TestWriterOverflowIsAtomic(t *testing.T) {
	var buf [4]byte
	w := codec.NewWriter(buf[:])
	if err := w.WriteU16(0xbeef); err != nil {
		t.Fatal(err)
	}

	if err := w.WriteU32(1); !errors.Is(err, codec.ErrOverflow) {
		t.Errorf("WriteU32: got %v, want ErrOverflow", err)
	}
	if err := w.WriteZBytes([]byte{1, 2}); !errors.Is(err, codec.ErrOverflow) {
		t.Errorf("WriteZBytes: got %v, want ErrOverflow", err)
	}
	if err := w.WriteZ64(math.MaxUint64); !errors.Is(err, codec.ErrOverflow) {
		t.Errorf("WriteZ64: got %v, want ErrOverflow", err)
	}
	if w.Len() != 2 {
		t.Fatalf("cursor moved to %d after failed writes", w.Len())
	}
	if err := w.WriteZBytes([]byte{9}); err != nil {
		t.Fatalf("WriteZBytes exact fit: %v", err)
	}
	if w.Available() != 0 {
		t.Errorf("Available: got %d, want 0", w.Available())
	}
}

func TestU8BytesTooLong(t *testing.T) {
	var buf [512]byte
	w := codec.NewWriter(buf[:])
	if err := w.WriteU8Bytes(make([]byte, 256)); !errors.Is(err, codec.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
}

func TestReaderBorrowsInput(t *testing.T) {
	in := []byte{0x03, 'a', 'b', 'c', 'x'}
	r := codec.NewReader(in)
	b, err := r.ReadZBytes()
	if err != nil {
		t.Fatal(err)
	}
	in[1] = 'z'
	if b[0] != 'z' {
		t.Error("ReadZBytes should alias the input buffer")
	}
	if got := r.ReadRemaining(); !bytes.Equal(got, []byte{'x'}) {
		t.Errorf("ReadRemaining: got %q", got)
	}
	if r.Remaining() != 0 {
		t.Errorf("Remaining after ReadRemaining: %d", r.Remaining())
	}
}

func TestTruncateRollsBack(t *testing.T) {
	var buf [8]byte
	w := codec.NewWriter(buf[:])
	_ = w.WriteU8(1)
	mark := w.Len()
	_ = w.WriteU32(2)
	w.Truncate(mark)
	if !bytes.Equal(w.Bytes(), []byte{1}) {
		t.Errorf("after Truncate: got %x", w.Bytes())
	}
}

func FuzzReadZ64(f *testing.F) {
	f.Add([]byte{0x00})
	f.Add([]byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{0x80})
	f.Fuzz(func(t *testing.T, data []byte) {
		r := codec.NewReader(data)
		v, err := r.ReadZ64()
		if err != nil {
			return
		}
		var buf [codec.MaxZLen]byte
		w := codec.NewWriter(buf[:])
		if err := w.WriteZ64(v); err != nil {
			t.Fatalf("re-encode %d: %v", v, err)
		}
		r2 := codec.NewReader(w.Bytes())
		v2, err := r2.ReadZ64()
		if err != nil || v2 != v {
			t.Fatalf("round trip %d: got %d, %v", v, v2, err)
		}
	})
}

func TestEndPrefixInsertsLength(t *testing.T) {
	var buf [200]byte
	w := codec.NewWriter(buf[:])
	_ = w.WriteU8(0xee)
	mark := w.StartPrefix()
	body := bytes.Repeat([]byte{0x5a}, 130)
	if err := w.WriteBytes(body); err != nil {
		t.Fatal(err)
	}
	if err := w.EndPrefix(mark); err != nil {
		t.Fatal(err)
	}
	r := codec.NewReader(w.Bytes())
	if b, _ := r.ReadU8(); b != 0xee {
		t.Fatalf("leading byte clobbered: %x", b)
	}
	got, err := r.ReadZBytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body mismatch after EndPrefix")
	}
}

func TestEndPrefixOverflowDiscardsBody(t *testing.T) {
	var buf [4]byte
	w := codec.NewWriter(buf[:])
	mark := w.StartPrefix()
	_ = w.WriteU32(1)
	if err := w.EndPrefix(mark); !errors.Is(err, codec.ErrOverflow) {
		t.Fatalf("got %v, want ErrOverflow", err)
	}
	if w.Len() != 0 {
		t.Errorf("cursor at %d, want 0", w.Len())
	}
}
