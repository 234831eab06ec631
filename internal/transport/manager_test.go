package transport

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"zenoh/internal/crypto"
	"zenoh/internal/logging"
	"zenoh/pkg/session"
	"zenoh/pkg/wire"
)

func startManager(t *testing.T, cfg ManagerConfig) *Manager {
	t.Helper()
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- m.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-errc; err != nil {
			t.Errorf("Start: %v", err)
		}
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// notify reports the first session opened; later ones are ignored.
func notify(ch chan *Peer) func(*Peer) {
	return func(p *Peer) {
		select {
		case ch <- p:
		default:
		}
	}
}

func boundEndpoint(t *testing.T, m *Manager, ep Endpoint) Endpoint {
	t.Helper()
	waitFor(t, "listener on "+ep.String(), func() bool { return m.Addr(ep) != nil })
	return Endpoint{Proto: ep.Proto, Addr: m.Addr(ep).String()}
}

func TestManagerConnects(t *testing.T) {
	for _, proto := range []string{ProtoTCP, ProtoWS} {
		t.Run(proto, func(t *testing.T) {
			listen := Endpoint{proto, "127.0.0.1:0"}
			h, got := collect()
			a := startManager(t, ManagerConfig{
				Listen:  []Endpoint{listen},
				Session: testSession(1),
				Handler: h,
			})

			opened := make(chan *Peer, 1)
			b := startManager(t, ManagerConfig{
				Connect: []Endpoint{boundEndpoint(t, a, listen)},
				Session: testSession(2),
				OnOpen:  notify(opened),
			})

			var p *Peer
			select {
			case p = <-opened:
			case <-time.After(5 * time.Second):
				t.Fatal("dialer never opened a session")
			}
			waitFor(t, "listener to register the peer", func() bool { return a.PeerCount() == 1 })
			if b.PeerCount() != 1 {
				t.Errorf("dialer PeerCount = %d", b.PeerCount())
			}
			if zid := a.Peers()[0].Remote().ZID; zid != testSession(2).ZID {
				t.Errorf("listener sees %s", zid)
			}

			if err := p.Send(putMsg([]byte("over "+proto)), wire.Reliable); err != nil {
				t.Fatal(err)
			}
			select {
			case v := <-got:
				if string(v) != "over "+proto {
					t.Errorf("got %q", v)
				}
			case <-time.After(3 * time.Second):
				t.Fatal("message not delivered")
			}
		})
	}
}

func TestManagerNoise(t *testing.T) {
	keyA, keyB := noiseKey(t), noiseKey(t)
	sa, sb := testSession(1), testSession(2)
	sa.ZID = crypto.ZenohIDFromStatic(keyA.Public)
	sb.ZID = crypto.ZenohIDFromStatic(keyB.Public)

	listen := Endpoint{ProtoTCP, "127.0.0.1:0"}
	a := startManager(t, ManagerConfig{
		Listen:  []Endpoint{listen},
		Session: sa,
		Link:    LinkConfig{Noise: &keyA},
	})
	startManager(t, ManagerConfig{
		Connect: []Endpoint{boundEndpoint(t, a, listen)},
		Session: sb,
		Link:    LinkConfig{Noise: &keyB},
	})

	waitFor(t, "noise session", func() bool { return a.PeerCount() == 1 })
	if zid := a.Peers()[0].Remote().ZID; zid != sb.ZID {
		t.Errorf("listener sees %s, want %s", zid, sb.ZID)
	}
}

func TestManagerRefusesDuplicateZenohID(t *testing.T) {
	listen := Endpoint{ProtoTCP, "127.0.0.1:0"}
	a := startManager(t, ManagerConfig{
		Listen:  []Endpoint{listen},
		Session: testSession(1),
	})
	ep := boundEndpoint(t, a, listen)

	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(2)})
	waitFor(t, "first session", func() bool { return a.PeerCount() == 1 })

	c := logging.CaptureForTest()
	defer c.Restore()
	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(2)})

	waitFor(t, "duplicate refusal", func() bool {
		return c.Has(slog.LevelWarn, "inbound session ended")
	})
	if a.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", a.PeerCount())
	}
}

func TestManagerMaxSessions(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	listen := Endpoint{ProtoTCP, "127.0.0.1:0"}
	a := startManager(t, ManagerConfig{
		Listen:      []Endpoint{listen},
		MaxSessions: 1,
		Session:     testSession(1),
	})
	ep := boundEndpoint(t, a, listen)

	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(2)})
	waitFor(t, "first session", func() bool { return a.PeerCount() == 1 })
	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(3)})

	waitFor(t, "capacity rejection", func() bool {
		return c.Has(slog.LevelInfo, "rejecting inbound: at capacity")
	})
	if a.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", a.PeerCount())
	}
}

func TestManagerAcceptRate(t *testing.T) {
	c := logging.CaptureForTest()
	defer c.Restore()

	listen := Endpoint{ProtoTCP, "127.0.0.1:0"}
	a := startManager(t, ManagerConfig{
		Listen:     []Endpoint{listen},
		AcceptRate: 0.1, // a burst of one link
		Session:    testSession(1),
	})
	ep := boundEndpoint(t, a, listen)

	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(2)})
	waitFor(t, "first session", func() bool { return a.PeerCount() == 1 })
	startManager(t, ManagerConfig{Connect: []Endpoint{ep}, Session: testSession(3)})

	waitFor(t, "rate limit", func() bool {
		return c.Has(slog.LevelDebug, "rejecting inbound: rate limited")
	})
	if a.PeerCount() != 1 {
		t.Errorf("PeerCount = %d, want 1", a.PeerCount())
	}
}

func TestManagerStopClosesPeers(t *testing.T) {
	listen := Endpoint{ProtoTCP, "127.0.0.1:0"}
	a, err := NewManager(ManagerConfig{Listen: []Endpoint{listen}, Session: testSession(1)})
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() { done <- a.Start(context.Background()) }()

	opened := make(chan *Peer, 1)
	startManager(t, ManagerConfig{
		Connect: []Endpoint{boundEndpoint(t, a, listen)},
		Session: testSession(2),
		OnOpen:  notify(opened),
	})
	var p *Peer
	select {
	case p = <-opened:
	case <-time.After(5 * time.Second):
		t.Fatal("no session")
	}

	a.Stop()
	if err := <-done; err != nil {
		t.Errorf("Start = %v", err)
	}
	if a.PeerCount() != 0 {
		t.Errorf("PeerCount after Stop = %d", a.PeerCount())
	}
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("remote side did not see the session close")
	}
	if p.State() != session.StateClosed {
		t.Errorf("remote state = %v", p.State())
	}
}

func TestManagerListenError(t *testing.T) {
	m, err := NewManager(ManagerConfig{
		Listen:  []Endpoint{{ProtoTCP, "127.0.0.1:99999"}},
		Session: testSession(1),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("expected listen error")
	}
}
