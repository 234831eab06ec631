package transport

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/flynn/noise"

	"zenoh/internal/crypto"
	"zenoh/internal/logging"
	"zenoh/pkg/session"
	"zenoh/pkg/wire"
)

func testSession(id byte) session.Config {
	cfg := session.DefaultConfig()
	cfg.ZID = wire.ZenohID{id, 0x7a}
	cfg.WhatAmI = wire.Peer
	cfg.Lease = 2 * time.Second
	cfg.OpenTimeout = 2 * time.Second
	return cfg
}

func pipeLinks() (*streamLink, *streamLink) {
	a, b := net.Pipe()
	ep := Endpoint{ProtoTCP, "pipe"}
	return &streamLink{deadlineConn: a, ep: ep, remote: a.RemoteAddr()},
		&streamLink{deadlineConn: b, ep: ep, remote: b.RemoteAddr()}
}

func noiseLinks(t *testing.T, keyA, keyB noise.DHKey) (Link, Link) {
	t.Helper()
	a, b := net.Pipe()
	ep := Endpoint{ProtoTCP, "pipe"}

	type result struct {
		l   Link
		err error
	}
	rc := make(chan result, 1)
	go func() {
		l, err := newStreamLink(b, ep, false, LinkConfig{Noise: &keyB, HandshakeTimeout: time.Second})
		rc <- result{l, err}
	}()
	la, err := newStreamLink(a, ep, true, LinkConfig{Noise: &keyA, HandshakeTimeout: time.Second})
	if err != nil {
		t.Fatalf("initiator link: %v", err)
	}
	r := <-rc
	if r.err != nil {
		t.Fatalf("responder link: %v", r.err)
	}
	return la, r.l
}

type running struct {
	peer   *Peer
	opened chan struct{}
	errc   chan error
}

func startPeer(t *testing.T, l Link, role session.Role, sc session.Config, h Handler) *running {
	t.Helper()
	r := &running{opened: make(chan struct{}), errc: make(chan error, 1)}
	p, err := NewPeer(l, PeerConfig{
		Session: sc,
		Role:    role,
		Handler: h,
		OnOpen: func(*Peer) error {
			close(r.opened)
			return nil
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	r.peer = p
	go func() { r.errc <- p.Run(context.Background()) }()
	t.Cleanup(p.Close)
	return r
}

func (r *running) waitOpen(t *testing.T) {
	t.Helper()
	select {
	case <-r.opened:
	case err := <-r.errc:
		t.Fatalf("session ended before opening: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for handshake")
	}
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errc:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for session to end")
		return nil
	}
}

// collect copies every received Put payload onto a channel.
func collect() (Handler, <-chan []byte) {
	ch := make(chan []byte, 16)
	return func(_ *Peer, msg wire.NetworkMessage) {
		push, ok := msg.(wire.Push)
		if !ok {
			return
		}
		if put, ok := push.Body.(wire.Put); ok {
			ch <- bytes.Clone(put.Payload)
		}
	}, ch
}

func putMsg(payload []byte) wire.Push {
	return wire.Push{
		WireExpr: wire.WireExpr{Suffix: "demo/example"},
		QoS:      wire.DefaultQoS,
		Body:     wire.Put{Payload: payload},
	}
}

func TestPeerDelivers(t *testing.T) {
	for _, compressed := range []bool{false, true} {
		name := "plain"
		if compressed {
			name = "lz4"
		}
		t.Run(name, func(t *testing.T) {
			la, lb := pipeLinks()
			ic, rc := testSession(1), testSession(2)
			ic.Compression, rc.Compression = compressed, compressed

			h, got := collect()
			ini := startPeer(t, la, session.Initiator, ic, nil)
			resp := startPeer(t, lb, session.Responder, rc, h)
			ini.waitOpen(t)
			resp.waitOpen(t)

			if ini.peer.Remote().ZID != rc.ZID {
				t.Errorf("initiator sees %s, want %s", ini.peer.Remote().ZID, rc.ZID)
			}
			if resp.peer.Remote().Compression != compressed {
				t.Errorf("compression negotiated = %v", resp.peer.Remote().Compression)
			}

			payloads := [][]byte{[]byte("one"), []byte("two"), bytes.Repeat([]byte("x"), 4096)}
			for _, p := range payloads {
				if err := ini.peer.Send(putMsg(p), wire.Reliable); err != nil {
					t.Fatal(err)
				}
			}
			for i, want := range payloads {
				select {
				case p := <-got:
					if !bytes.Equal(p, want) {
						t.Fatalf("message %d: got %d bytes, want %d", i, len(p), len(want))
					}
				case <-time.After(3 * time.Second):
					t.Fatalf("message %d not delivered", i)
				}
			}

			ini.peer.Close()
			if err := ini.wait(t); err != nil {
				t.Errorf("initiator Run after local close: %v", err)
			}
			err := resp.wait(t)
			var ce *session.CloseError
			if !errors.As(err, &ce) || ce.Local || ce.Reason != wire.CloseGeneric {
				t.Errorf("responder Run = %v, want remote generic close", err)
			}
		})
	}
}

func TestPeerFragmentsLargeMessage(t *testing.T) {
	la, lb := pipeLinks()
	h, got := collect()
	ini := startPeer(t, la, session.Initiator, testSession(1), nil)
	startPeer(t, lb, session.Responder, testSession(2), h)
	ini.waitOpen(t)

	big := make([]byte, 200_000)
	for i := range big {
		big[i] = byte(i * 7)
	}
	if err := ini.peer.Send(putMsg(big), wire.Reliable); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if !bytes.Equal(p, big) {
			t.Fatalf("reassembled %d bytes, want %d", len(p), len(big))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("fragmented message not delivered")
	}
}

func TestPeerDropsOversizedMessage(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	la, lb := pipeLinks()
	ic := testSession(1)
	ic.MaxMessageSize = 100_000
	h, got := collect()
	ini := startPeer(t, la, session.Initiator, ic, nil)
	startPeer(t, lb, session.Responder, testSession(2), h)
	ini.waitOpen(t)

	if err := ini.peer.Send(putMsg(make([]byte, 300_000)), wire.Reliable); err != nil {
		t.Fatal(err)
	}
	if err := ini.peer.Send(putMsg([]byte("after")), wire.Reliable); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if string(p) != "after" {
			t.Fatalf("got %d bytes, want the small message", len(p))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("session did not survive the oversized message")
	}
	if !c.Has(slog.LevelWarn, "dropping oversized message") {
		t.Error("oversized message not logged")
	}
}

// silentInitiator opens a session by hand and then never sends again.
func silentInitiator(t *testing.T, l Link, cfg session.Config) {
	t.Helper()
	s, err := session.New(session.Initiator, cfg)
	if err != nil {
		t.Fatal(err)
	}
	send := func(msgs ...wire.TransportMessage) {
		w := s.NewWriter(make([]byte, s.BatchCapacity()))
		for _, m := range msgs {
			if err := w.WriteTransport(m); err != nil {
				t.Fatal(err)
			}
		}
		out, err := s.Seal(make([]byte, MaxBatch+1), w.Bytes())
		if err != nil {
			t.Fatal(err)
		}
		if err := WriteBatch(l, out); err != nil {
			t.Fatal(err)
		}
	}

	syn, err := s.Start(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	send(syn)
	buf := make([]byte, MaxBatch)
	for s.State() != session.StateEstablished {
		data, err := ReadBatch(l, buf)
		if err != nil {
			t.Fatalf("silent initiator: %v", err)
		}
		replies, err := s.Receive(time.Now(), data, func(wire.NetworkMessage) error { return nil })
		if err != nil {
			t.Fatalf("silent initiator: %v", err)
		}
		if len(replies) > 0 {
			send(replies...)
		}
	}
	// Keep reading so the peer's keepalives do not block.
	go func() { _, _ = io.Copy(io.Discard, l) }()
}

func TestPeerLeaseExpires(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	la, lb := pipeLinks()
	ic, rc := testSession(1), testSession(2)
	ic.Lease, rc.Lease = 300*time.Millisecond, 300*time.Millisecond

	resp := startPeer(t, lb, session.Responder, rc, nil)
	silentInitiator(t, la, ic)
	resp.waitOpen(t)
	t.Cleanup(func() { _ = la.Close() })

	start := time.Now()
	err := resp.wait(t)
	if !errors.Is(err, session.ErrLeaseTimeout) {
		t.Fatalf("Run = %v, want lease timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("expiry took %v", elapsed)
	}
	if !c.Has(slog.LevelWarn, "peer lease expired") {
		t.Error("lease expiry not logged")
	}
}

func TestPeerKeepAliveHoldsLease(t *testing.T) {
	la, lb := pipeLinks()
	ic, rc := testSession(1), testSession(2)
	ic.Lease, rc.Lease = 300*time.Millisecond, 300*time.Millisecond

	ini := startPeer(t, la, session.Initiator, ic, nil)
	resp := startPeer(t, lb, session.Responder, rc, nil)
	ini.waitOpen(t)
	resp.waitOpen(t)

	select {
	case err := <-resp.errc:
		t.Fatalf("idle session ended: %v", err)
	case err := <-ini.errc:
		t.Fatalf("idle session ended: %v", err)
	case <-time.After(time.Second):
	}
	if resp.peer.State() != session.StateEstablished {
		t.Errorf("state = %v", resp.peer.State())
	}
}

func TestPeerResponderOpenTimeout(t *testing.T) {
	la, lb := pipeLinks()
	defer la.Close()
	rc := testSession(2)
	rc.OpenTimeout = 200 * time.Millisecond

	resp := startPeer(t, lb, session.Responder, rc, nil)
	err := resp.wait(t)
	if !errors.Is(err, session.ErrLeaseTimeout) {
		t.Fatalf("Run = %v, want handshake timeout", err)
	}
}

func TestPeerNoiseBindsZenohID(t *testing.T) {
	keyA, keyB := noiseKey(t), noiseKey(t)
	ic, rc := testSession(1), testSession(2)
	ic.ZID = crypto.ZenohIDFromStatic(keyA.Public)
	rc.ZID = crypto.ZenohIDFromStatic(keyB.Public)

	la, lb := noiseLinks(t, keyA, keyB)
	h, got := collect()
	ini := startPeer(t, la, session.Initiator, ic, nil)
	startPeer(t, lb, session.Responder, rc, h)
	ini.waitOpen(t)

	if err := ini.peer.Send(putMsg([]byte("sealed")), wire.BestEffort); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-got:
		if string(p) != "sealed" {
			t.Errorf("got %q", p)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("message not delivered over noise link")
	}
}

func TestPeerNoiseRejectsForeignZenohID(t *testing.T) {
	keyA, keyB := noiseKey(t), noiseKey(t)
	rc := testSession(2)
	rc.ZID = crypto.ZenohIDFromStatic(keyB.Public)

	la, lb := noiseLinks(t, keyA, keyB)
	// The initiator claims a zid its key does not prove.
	ini := startPeer(t, la, session.Initiator, testSession(1), nil)
	resp := startPeer(t, lb, session.Responder, rc, nil)

	if err := resp.wait(t); !errors.Is(err, session.ErrProtocolViolation) {
		t.Errorf("responder Run = %v, want protocol violation", err)
	}
	if err := ini.wait(t); !errors.Is(err, session.ErrConnectionClosed) {
		t.Errorf("initiator Run = %v, want refused session", err)
	}
}

func TestPeerOnOpenRefuses(t *testing.T) {
	errFull := errors.New("full")
	la, lb := pipeLinks()
	ini := startPeer(t, la, session.Initiator, testSession(1), nil)

	p, err := NewPeer(lb, PeerConfig{
		Session: testSession(2),
		Role:    session.Responder,
		OnOpen:  func(*Peer) error { return errFull },
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); !errors.Is(err, errFull) {
		t.Errorf("Run = %v, want OnOpen error", err)
	}
	if err := ini.wait(t); !errors.Is(err, session.ErrConnectionClosed) {
		t.Errorf("initiator Run = %v, want closed by peer", err)
	}
}

func TestPeerSendAfterClose(t *testing.T) {
	la, lb := pipeLinks()
	ini := startPeer(t, la, session.Initiator, testSession(1), nil)
	startPeer(t, lb, session.Responder, testSession(2), nil)
	ini.waitOpen(t)

	ini.peer.Close()
	<-ini.peer.Done()
	if err := ini.peer.Send(putMsg([]byte("late")), wire.Reliable); !errors.Is(err, session.ErrConnectionClosed) {
		t.Errorf("Send after close = %v", err)
	}
}

func TestPeerRunStopsOnCancel(t *testing.T) {
	la, lb := pipeLinks()
	ctx, cancel := context.WithCancel(context.Background())
	p, err := NewPeer(la, PeerConfig{Session: testSession(1), Role: session.Initiator})
	if err != nil {
		t.Fatal(err)
	}
	startPeer(t, lb, session.Responder, testSession(2), nil)

	errc := make(chan error, 1)
	go func() { errc <- p.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run after cancel = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
