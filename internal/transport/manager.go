package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"zenoh/internal/logging"
	"zenoh/internal/metrics"
	"zenoh/pkg/session"
	"zenoh/pkg/wire"
)

var tlog = logging.For("transport")

const (
	dialTimeout       = 10 * time.Second
	initialBackoff    = time.Second
	maxBackoff        = 30 * time.Second
	defaultMaxSession = 64
)

// ManagerConfig describes the node's links.
type ManagerConfig struct {
	Listen  []Endpoint
	Connect []Endpoint
	// MaxSessions bounds inbound sessions served at once.
	MaxSessions int
	// AcceptRate limits new links per second from one remote host; zero
	// disables the limit.
	AcceptRate float64
	// Session is the template for every session; Link.HandshakeTimeout
	// defaults to its OpenTimeout.
	Session      session.Config
	Link         LinkConfig
	WriteTimeout time.Duration
	Handler      Handler
	Metrics      *metrics.Metrics
	// OnOpen, when set, is called with each newly established peer.
	OnOpen func(*Peer)
}

// Manager accepts and dials links and runs one Peer per session.
type Manager struct {
	cfg     ManagerConfig
	pool    *ants.PoolWithFunc
	limiter *acceptLimiter

	mu        sync.Mutex
	peers     map[wire.ZenohID]*Peer
	listeners []net.Listener
	addrs     map[string]net.Addr // endpoint string → bound address

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
}

type inbound struct {
	ctx  context.Context
	conn net.Conn
	ep   Endpoint
}

// NewManager creates a transport manager. Nothing is opened until Start.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSession
	}
	if cfg.Link.HandshakeTimeout <= 0 {
		cfg.Link.HandshakeTimeout = cfg.Session.OpenTimeout
	}

	m := &Manager{
		cfg:     cfg,
		peers:   make(map[wire.ZenohID]*Peer),
		addrs:   make(map[string]net.Addr),
		limiter: newAcceptLimiter(cfg.AcceptRate),
		done:    make(chan struct{}),
	}
	pool, err := ants.NewPoolWithFunc(cfg.MaxSessions, func(arg any) {
		in := arg.(inbound)
		m.handleInbound(in.ctx, in.conn, in.ep)
	}, ants.WithNonblocking(true), ants.WithPanicHandler(func(v any) {
		tlog.Error("session worker panic", "panic", v)
	}))
	if err != nil {
		return nil, fmt.Errorf("session pool: %w", err)
	}
	m.pool = pool
	return m, nil
}

// Start listens on every listen endpoint and dials every connect
// endpoint, then blocks until ctx is done.
func (m *Manager) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	for _, ep := range m.cfg.Listen {
		ln, err := net.Listen("tcp", ep.Addr)
		if err != nil {
			m.Stop()
			return fmt.Errorf("transport listen %s: %w", ep, err)
		}
		m.mu.Lock()
		m.listeners = append(m.listeners, ln)
		m.addrs[ep.String()] = ln.Addr()
		m.mu.Unlock()
		tlog.Info("listening", "endpoint", ep.String(), "addr", ln.Addr().String())
		m.wg.Add(1)
		go m.listenLoop(ctx, ln, ep)
	}

	if m.limiter != nil && len(m.cfg.Listen) > 0 {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.limiter.sweepLoop(m.done, time.Minute)
		}()
	}

	for _, ep := range m.cfg.Connect {
		m.wg.Add(1)
		go m.dialWithBackoff(ctx, ep)
	}

	select {
	case <-ctx.Done():
	case <-m.done:
	}
	m.Stop()
	return nil
}

// Stop closes the listeners and every session, and waits for them.
func (m *Manager) Stop() {
	m.closeOnce.Do(func() {
		close(m.done)
		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		for _, ln := range m.listeners {
			ln.Close()
		}
		for _, p := range m.peers {
			p.Close()
		}
		m.mu.Unlock()
		m.wg.Wait()
		m.pool.Release()
	})
}

// Addr returns the address bound for a listen endpoint, or nil.
func (m *Manager) Addr(ep Endpoint) net.Addr {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addrs[ep.String()]
}

// PeerCount returns the number of established sessions.
func (m *Manager) PeerCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

// Peers returns the established sessions.
func (m *Manager) Peers() []*Peer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) listenLoop(ctx context.Context, ln net.Listener, ep Endpoint) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			case <-m.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			tlog.Warn("accept error", "endpoint", ep.String(), "err", err)
			continue
		}
		if !m.limiter.allow(remoteHost(conn.RemoteAddr()), time.Now()) {
			tlog.Debug("rejecting inbound: rate limited", "remote", conn.RemoteAddr().String())
			conn.Close()
			continue
		}

		m.wg.Add(1)
		if err := m.pool.Invoke(inbound{ctx: ctx, conn: conn, ep: ep}); err != nil {
			m.wg.Done()
			if errors.Is(err, ants.ErrPoolOverload) {
				tlog.Info("rejecting inbound: at capacity", "remote", conn.RemoteAddr().String(), "max_sessions", m.cfg.MaxSessions)
			} else {
				tlog.Warn("rejecting inbound", "remote", conn.RemoteAddr().String(), "err", err)
			}
			conn.Close()
		}
	}
}

func remoteHost(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

func (m *Manager) handleInbound(ctx context.Context, conn net.Conn, ep Endpoint) {
	defer m.wg.Done()
	link, err := Accept(conn, ep, m.cfg.Link)
	if err != nil {
		tlog.Warn("inbound link failed", "remote", conn.RemoteAddr().String(), "err", err)
		conn.Close()
		return
	}
	if err := m.serve(ctx, link, session.Responder); err != nil {
		tlog.Warn("inbound session ended", "remote", conn.RemoteAddr().String(), "err", err)
	}
}

func (m *Manager) dialWithBackoff(ctx context.Context, ep Endpoint) {
	defer m.wg.Done()
	backoff := initialBackoff

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		default:
		}

		opened, err := m.dial(ctx, ep)
		if err != nil {
			tlog.Debug("dial failed", "endpoint", ep.String(), "err", err)
		}
		if opened {
			// Ran until disconnect; start over from the shortest delay.
			backoff = initialBackoff
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		case <-m.done:
			return
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// dial opens one session to ep and serves it until it ends. It reports
// whether the handshake completed.
func (m *Manager) dial(ctx context.Context, ep Endpoint) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, dialTimeout)
	link, err := Dial(dctx, ep, m.cfg.Link)
	cancel()
	if err != nil {
		return false, err
	}

	var opened bool
	err = m.serveWith(ctx, link, session.Initiator, func() { opened = true })
	return opened, err
}

func (m *Manager) serve(ctx context.Context, link Link, role session.Role) error {
	return m.serveWith(ctx, link, role, nil)
}

func (m *Manager) serveWith(ctx context.Context, link Link, role session.Role, opened func()) error {
	p, err := NewPeer(link, PeerConfig{
		Session:      m.cfg.Session,
		Role:         role,
		Handler:      m.cfg.Handler,
		Metrics:      m.cfg.Metrics,
		WriteTimeout: m.cfg.WriteTimeout,
		OnOpen: func(p *Peer) error {
			if opened != nil {
				opened()
			}
			return m.addPeer(p)
		},
	})
	if err != nil {
		link.Close()
		return err
	}

	err = p.Run(ctx)
	m.removePeer(p)
	return err
}

// addPeer registers an established peer; a second session with the same
// zid is refused.
func (m *Manager) addPeer(p *Peer) error {
	zid := p.Remote().ZID
	m.mu.Lock()
	select {
	case <-m.done:
		m.mu.Unlock()
		return session.ErrConnectionClosed
	default:
	}
	if _, exists := m.peers[zid]; exists {
		m.mu.Unlock()
		return fmt.Errorf("duplicate session with %s", zid)
	}
	m.peers[zid] = p
	m.mu.Unlock()

	tlog.Info("peer connected", "peer", zid.String(), "role", p.role.String(), "link", p.link.Endpoint().String())
	if m.cfg.OnOpen != nil {
		m.cfg.OnOpen(p)
	}
	return nil
}

func (m *Manager) removePeer(p *Peer) {
	zid := p.Remote().ZID
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.peers[zid] == p {
		delete(m.peers, zid)
		tlog.Info("peer disconnected", "peer", zid.String())
	}
}
