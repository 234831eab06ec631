package transport

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

// bufLink is an in-memory link; every Write is kept as one message.
type bufLink struct {
	streamed bool
	stream   bytes.Buffer
	msgs     [][]byte
	writes   int
}

func (l *bufLink) Read(p []byte) (int, error) {
	if l.streamed {
		return l.stream.Read(p)
	}
	if len(l.msgs) == 0 {
		return 0, io.EOF
	}
	n := copy(p, l.msgs[0])
	l.msgs = l.msgs[1:]
	return n, nil
}

func (l *bufLink) Write(p []byte) (int, error) {
	l.writes++
	if l.streamed {
		return l.stream.Write(p)
	}
	l.msgs = append(l.msgs, append([]byte(nil), p...))
	return len(p), nil
}

func (l *bufLink) Close() error                     { return nil }
func (l *bufLink) SetReadDeadline(time.Time) error  { return nil }
func (l *bufLink) SetWriteDeadline(time.Time) error { return nil }
func (l *bufLink) Endpoint() Endpoint               { return Endpoint{ProtoTCP, "mem"} }
func (l *bufLink) RemoteAddr() net.Addr             { return nil }
func (l *bufLink) IsStreamed() bool                 { return l.streamed }
func (l *bufLink) MTU() int                         { return MaxBatch }
func (l *bufLink) PeerStatic() []byte               { return nil }

func TestWriteBatchPrefix(t *testing.T) {
	l := &bufLink{streamed: true}
	batch := []byte{0x04, 0x21, 0x00}
	if err := WriteBatch(l, batch); err != nil {
		t.Fatal(err)
	}
	if l.writes != 1 {
		t.Errorf("writes = %d, want 1", l.writes)
	}
	want := []byte{0x03, 0x00, 0x04, 0x21, 0x00}
	if !bytes.Equal(l.stream.Bytes(), want) {
		t.Errorf("wire = %x, want %x", l.stream.Bytes(), want)
	}
}

func TestBatchRoundTripStreamed(t *testing.T) {
	l := &bufLink{streamed: true}
	batches := [][]byte{{0x04}, {}, bytes.Repeat([]byte{0x5a}, MaxBatch)}
	for _, b := range batches {
		if err := WriteBatch(l, b); err != nil {
			t.Fatal(err)
		}
	}

	buf := make([]byte, MaxBatch)
	for i, want := range batches {
		got, err := ReadBatch(l, buf)
		if err != nil {
			t.Fatalf("batch %d: %v", i, err)
		}
		if !bytes.Equal(got, want) {
			t.Fatalf("batch %d: got %d bytes, want %d", i, len(got), len(want))
		}
	}
	if _, err := ReadBatch(l, buf); err == nil {
		t.Fatal("expected error at end of stream")
	}
}

func TestBatchRoundTripMessageLink(t *testing.T) {
	l := &bufLink{}
	if err := WriteBatch(l, []byte{0x04, 0x01}); err != nil {
		t.Fatal(err)
	}
	if len(l.msgs) != 1 || !bytes.Equal(l.msgs[0], []byte{0x04, 0x01}) {
		t.Fatalf("message link got %x, want unprefixed batch", l.msgs)
	}
	got, err := ReadBatch(l, make([]byte, MaxBatch))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, []byte{0x04, 0x01}) {
		t.Errorf("got %x", got)
	}
}

func TestWriteBatchTooLarge(t *testing.T) {
	l := &bufLink{streamed: true}
	if err := WriteBatch(l, make([]byte, MaxBatch+1)); err == nil {
		t.Fatal("expected error")
	}
	if l.writes != 0 {
		t.Error("oversized batch reached the link")
	}
}

func TestReadBatchExceedsBuffer(t *testing.T) {
	l := &bufLink{streamed: true}
	var hdr [PrefixSize]byte
	binary.LittleEndian.PutUint16(hdr[:], 100)
	l.stream.Write(hdr[:])
	l.stream.Write(make([]byte, 100))

	if _, err := ReadBatch(l, make([]byte, 10)); err == nil {
		t.Fatal("expected error")
	}
}

func TestReadBatchTruncated(t *testing.T) {
	l := &bufLink{streamed: true}
	l.stream.Write([]byte{0x08, 0x00, 0x01, 0x02})
	if _, err := ReadBatch(l, make([]byte, MaxBatch)); err == nil {
		t.Fatal("expected error for truncated batch")
	}
}
