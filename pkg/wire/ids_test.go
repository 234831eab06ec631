package wire_test

import (
	"errors"
	"testing"
	"time"

	"zenoh/pkg/wire"
)

func TestZenohIDSizeAndString(t *testing.T) {
	tests := []struct {
		id   wire.ZenohID
		size int
		str  string
	}{
		{wire.ZenohID{0x01}, 1, "1"},
		{wire.ZenohID{0x34, 0x12}, 2, "1234"},
		{wire.ZenohID{0x00, 0x01}, 2, "100"},
		{wire.ZenohID{15: 0xab}, 16, "ab000000000000000000000000000000"},
	}
	for _, tt := range tests {
		if got := tt.id.Size(); got != tt.size {
			t.Errorf("Size(%x): got %d, want %d", tt.id, got, tt.size)
		}
		if got := tt.id.String(); got != tt.str {
			t.Errorf("String(%x): got %q, want %q", tt.id, got, tt.str)
		}
		parsed, err := wire.ParseZenohID(tt.str)
		if err != nil {
			t.Fatalf("ParseZenohID(%q): %v", tt.str, err)
		}
		if parsed != tt.id {
			t.Errorf("ParseZenohID(%q): got %x, want %x", tt.str, parsed, tt.id)
		}
	}
}

func TestZenohIDInvalid(t *testing.T) {
	if _, err := wire.ZenohIDFromBytes(nil); !errors.Is(err, wire.ErrInvalidTag) {
		t.Errorf("empty: got %v", err)
	}
	if _, err := wire.ZenohIDFromBytes(make([]byte, 17)); !errors.Is(err, wire.ErrInvalidTag) {
		t.Errorf("17 bytes: got %v", err)
	}
	if _, err := wire.ZenohIDFromBytes([]byte{0, 0}); !errors.Is(err, wire.ErrInvalidTag) {
		t.Errorf("zero: got %v", err)
	}
	if _, err := wire.ParseZenohID("xyz"); err == nil {
		t.Error("ParseZenohID should reject non-hex input")
	}
}

func TestRandomZenohID(t *testing.T) {
	a, b := wire.RandomZenohID(), wire.RandomZenohID()
	if a.IsZero() || b.IsZero() {
		t.Fatal("random zid is zero")
	}
	if a == b {
		t.Error("two random zids collided")
	}
}

func TestResolution(t *testing.T) {
	r := wire.DefaultResolution
	if r.FrameSN() != wire.U32 || r.RequestID() != wire.U32 {
		t.Fatalf("default resolution: %s", r)
	}
	narrow := wire.NewResolution(wire.U16, wire.U64)
	got := r.Narrow(narrow)
	if got.FrameSN() != wire.U16 || got.RequestID() != wire.U32 {
		t.Errorf("Narrow: got %s", got)
	}
	if !narrow.Wider(r) {
		t.Error("u64 request id should be wider than u32")
	}
	if got.Wider(r) {
		t.Error("narrowed resolution should not be wider")
	}
}

func TestBitsMask(t *testing.T) {
	tests := []struct {
		b    wire.Bits
		mask uint64
	}{
		{wire.U8, 0xff},
		{wire.U16, 0xffff},
		{wire.U32, 0xffffffff},
		{wire.U64, ^uint64(0)},
	}
	for _, tt := range tests {
		if got := tt.b.Mask(); got != tt.mask {
			t.Errorf("%s.Mask(): got %#x, want %#x", tt.b, got, tt.mask)
		}
		b, err := wire.BitsFor(tt.b.Width())
		if err != nil || b != tt.b {
			t.Errorf("BitsFor(%d): got %v, %v", tt.b.Width(), b, err)
		}
	}
	if _, err := wire.BitsFor(12); err == nil {
		t.Error("BitsFor(12) should fail")
	}
}

func TestTimestampWallClock(t *testing.T) {
	now := time.Unix(1700000000, 250_000_000)
	ts := wire.NewTimestamp(now, wire.ZenohID{1})
	got := ts.Wall()
	if d := got.Sub(now); d < -time.Microsecond || d > time.Microsecond {
		t.Errorf("Wall: got %v, want %v", got, now)
	}
	if ts.Time>>32 != 1700000000 {
		t.Errorf("seconds: got %d", ts.Time>>32)
	}
}

func TestWhatAmI(t *testing.T) {
	for _, w := range []wire.WhatAmI{wire.Router, wire.Peer, wire.Client} {
		got, err := wire.ParseWhatAmI(w.String())
		if err != nil || got != w {
			t.Errorf("ParseWhatAmI(%q): got %v, %v", w.String(), got, err)
		}
	}
	if _, err := wire.ParseWhatAmI("satellite"); err == nil {
		t.Error("ParseWhatAmI should reject unknown modes")
	}
}

func TestCloseReasonString(t *testing.T) {
	if wire.CloseConnectionToSelf.String() != "connection-to-self" {
		t.Errorf("got %q", wire.CloseConnectionToSelf.String())
	}
	if wire.CloseReason(200).String() != "reason(200)" {
		t.Errorf("got %q", wire.CloseReason(200).String())
	}
}
