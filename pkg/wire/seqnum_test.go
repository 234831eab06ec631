package wire_test

import (
	"errors"
	"testing"

	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

func TestSeqNumWraps(t *testing.T) {
	sn, err := wire.NewSeqNum(0xff, wire.U8)
	if err != nil {
		t.Fatal(err)
	}
	sn.Increment()
	if sn.Get() != 0 {
		t.Errorf("after wrap: got %d, want 0", sn.Get())
	}
	sn.Increment()
	if sn.Get() != 1 {
		t.Errorf("after increment: got %d, want 1", sn.Get())
	}
}

func TestSeqNumSetRejectsWideValue(t *testing.T) {
	sn, _ := wire.NewSeqNum(0, wire.U16)
	if err := sn.Set(0x10000); !errors.Is(err, codec.ErrOverflow) {
		t.Errorf("got %v, want ErrOverflow", err)
	}
	if _, err := wire.NewSeqNum(256, wire.U8); err == nil {
		t.Error("NewSeqNum should reject a value above the mask")
	}
}

func TestSeqNumPrecedes(t *testing.T) {
	tests := []struct {
		last uint64
		next uint64
		want bool
	}{
		{10, 11, true},
		{10, 10, false},
		{10, 9, false},
		{10, 10 + 127, true},
		{10, 10 + 128, false},
		{0xff, 0x00, true},
		{0xfe, 0x05, true},
		{0x05, 0xfe, false},
	}
	for _, tt := range tests {
		sn, err := wire.NewSeqNum(tt.last, wire.U8)
		if err != nil {
			t.Fatal(err)
		}
		if got := sn.Precedes(tt.next); got != tt.want {
			t.Errorf("%d.Precedes(%d): got %v, want %v", tt.last, tt.next, got, tt.want)
		}
	}
}

func TestSeqNumPrecedes64(t *testing.T) {
	sn, _ := wire.NewSeqNum(^uint64(0), wire.U64)
	if !sn.Precedes(0) {
		t.Error("max should precede 0 on a 64-bit ring")
	}
}

func TestCountersFor(t *testing.T) {
	c, err := wire.NewCounters(7, wire.U32)
	if err != nil {
		t.Fatal(err)
	}
	c.For(wire.Reliable).Increment()
	if c.Reliable.Get() != 8 || c.BestEffort.Get() != 7 {
		t.Errorf("got reliable=%d best-effort=%d", c.Reliable.Get(), c.BestEffort.Get())
	}
}
