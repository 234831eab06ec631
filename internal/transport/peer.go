package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"zenoh/internal/crypto"
	"zenoh/internal/metrics"
	"zenoh/pkg/batch"
	"zenoh/pkg/codec"
	"zenoh/pkg/session"
	"zenoh/pkg/wire"
)

const (
	defaultWriteTimeout = 10 * time.Second
	sendQueueSize       = 256
	// fragmentScratch is the first buffer tried for a message that does
	// not fit in one batch. It doubles up to the session's size cap.
	fragmentScratch = 1 << 18
)

// ErrSendQueueFull is returned by Send when the peer is not draining its
// queue.
var ErrSendQueueFull = errors.New("transport: send queue full")

// Handler receives the network messages of an established session in
// arrival order. msg borrows the receive buffer and is only valid during
// the call.
type Handler func(p *Peer, msg wire.NetworkMessage)

// PeerConfig configures one session over one link.
type PeerConfig struct {
	Session      session.Config
	Role         session.Role
	Handler      Handler
	Metrics      *metrics.Metrics
	WriteTimeout time.Duration
	// OnOpen runs once the handshake completes, before any message is
	// delivered. An error closes the session.
	OnOpen func(*Peer) error
}

// Peer drives one session.Session over one Link. A receive loop feeds
// inbound batches to the session and a send loop drains the outbound
// queue and keeps the lease alive.
type Peer struct {
	link    Link
	role    session.Role
	log     *slog.Logger
	metrics *metrics.Metrics
	handler Handler
	onOpen  func(*Peer) error
	created time.Time

	writeTimeout time.Duration
	// bound is the zid proven by the link's Noise key, if any.
	bound *wire.ZenohID

	// mu serialises the session, the tx buffers and link writes.
	mu      sync.Mutex
	sess    *session.Session
	txBuf   []byte
	sealBuf []byte
	scratch []byte

	rxBuf []byte
	inbox []wire.NetworkMessage

	sendCh    chan batch.Outgoing
	done      chan struct{}
	closeOnce sync.Once
}

// NewPeer prepares a session over l. Call Run to perform the handshake
// and serve the session.
func NewPeer(l Link, cfg PeerConfig) (*Peer, error) {
	p := &Peer{
		link:         l,
		role:         cfg.Role,
		log:          tlog.With("link", l.Endpoint().String(), "remote", remoteString(l.RemoteAddr()), "role", cfg.Role.String()),
		metrics:      cfg.Metrics,
		handler:      cfg.Handler,
		onOpen:       cfg.OnOpen,
		created:      time.Now(),
		writeTimeout: cfg.WriteTimeout,
		rxBuf:        make([]byte, l.MTU()),
		sendCh:       make(chan batch.Outgoing, sendQueueSize),
		done:         make(chan struct{}),
	}
	if p.writeTimeout <= 0 {
		p.writeTimeout = defaultWriteTimeout
	}

	sc := cfg.Session
	if sc.BatchSize > uint16(l.MTU()) {
		sc.BatchSize = uint16(l.MTU())
	}
	if static := l.PeerStatic(); static != nil {
		zid := crypto.ZenohIDFromStatic(static)
		p.bound = &zid
		next := sc.Authenticate
		sc.Authenticate = func(peer wire.ZenohID, payload []byte) error {
			if err := p.checkBound(peer); err != nil {
				return err
			}
			if next != nil {
				return next(peer, payload)
			}
			return nil
		}
	}

	s, err := session.New(cfg.Role, sc)
	if err != nil {
		return nil, err
	}
	p.sess = s
	p.txBuf = make([]byte, sc.BatchSize)
	p.sealBuf = make([]byte, batch.SealBound(int(sc.BatchSize)))
	return p, nil
}

func (p *Peer) checkBound(zid wire.ZenohID) error {
	if p.bound != nil && *p.bound != zid {
		return fmt.Errorf("zid %s is not bound to the link key (want %s)", zid, *p.bound)
	}
	return nil
}

func remoteString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// Run performs the handshake and serves the session until it closes,
// the link fails or ctx is done. It returns why the session ended; a
// local Close or cancellation yields nil.
func (p *Peer) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			p.Close()
		case <-stop:
		}
	}()

	if err := p.open(); err != nil {
		p.metrics.HandshakeFailed(p.role.String())
		p.terminate()
		if p.closedLocally() {
			return nil
		}
		return fmt.Errorf("open session: %w", err)
	}
	if err := p.checkBound(p.Remote().ZID); err != nil {
		p.Close()
		p.metrics.HandshakeFailed(p.role.String())
		return fmt.Errorf("open session: %w: %w", session.ErrProtocolViolation, err)
	}
	if p.onOpen != nil {
		if err := p.onOpen(p); err != nil {
			p.Close()
			return fmt.Errorf("open session: %w", err)
		}
	}
	p.metrics.SessionOpened(p.role.String())

	errc := make(chan error, 2)
	go func() { errc <- p.sendLoop() }()
	go func() { errc <- p.recvLoop() }()

	err := <-errc
	p.terminate()
	if err2 := <-errc; err == nil {
		err = err2
	}
	p.metrics.SessionClosed(closeReason(err))
	if p.closedLocally() {
		return nil
	}
	return err
}

func (p *Peer) closedLocally() bool {
	var ce *session.CloseError
	return errors.As(p.Err(), &ce) && ce.Local
}

func closeReason(err error) string {
	var ce *session.CloseError
	switch {
	case err == nil:
		return wire.CloseGeneric.String()
	case errors.As(err, &ce):
		return ce.Reason.String()
	case errors.Is(err, session.ErrLeaseTimeout):
		return wire.CloseExpired.String()
	case errors.Is(err, session.ErrProtocolViolation):
		return wire.CloseInvalid.String()
	}
	return "link"
}

// open runs the handshake synchronously, before the loops start.
func (p *Peer) open() error {
	if p.role == session.Initiator {
		p.mu.Lock()
		syn, err := p.sess.Start(time.Now())
		if err == nil {
			err = p.writeTransportLocked(syn)
		}
		p.mu.Unlock()
		if err != nil {
			return err
		}
	}

	for {
		p.mu.Lock()
		state, deadline := p.sess.State(), p.sess.RxDeadline()
		p.mu.Unlock()
		switch state {
		case session.StateEstablished:
			return nil
		case session.StateClosed:
			return p.Err()
		}
		if deadline.IsZero() {
			// Responder waiting for InitSyn.
			deadline = p.created.Add(p.sess.Config().OpenTimeout)
		}

		data, err := p.read(deadline)
		now := time.Now()
		if err != nil {
			if !isTimeout(err) {
				return err
			}
			p.mu.Lock()
			_, perr := p.sess.Poll(now)
			uninit := p.sess.State() == session.StateUninit
			p.mu.Unlock()
			if perr != nil {
				return perr
			}
			if uninit && !now.Before(deadline) {
				return fmt.Errorf("no InitSyn within %v: %w", p.sess.Config().OpenTimeout, session.ErrLeaseTimeout)
			}
			continue
		}
		if err := p.receive(now, data); err != nil {
			return err
		}
	}
}

func (p *Peer) read(deadline time.Time) ([]byte, error) {
	if err := p.link.SetReadDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set read deadline: %w", err)
	}
	return ReadBatch(p.link, p.rxBuf)
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// receive hands one batch to the session, sends its replies and then
// delivers the batch's network messages outside the lock.
func (p *Peer) receive(now time.Time, data []byte) error {
	p.mu.Lock()
	p.inbox = p.inbox[:0]
	replies, err := p.sess.Receive(now, data, func(m wire.NetworkMessage) error {
		p.inbox = append(p.inbox, m)
		return nil
	})
	if len(replies) > 0 {
		if werr := p.writeTransportLocked(replies...); werr != nil && err == nil {
			err = werr
		}
	}
	p.mu.Unlock()

	p.metrics.Batch(metrics.Rx, len(data), len(p.inbox))
	if p.handler != nil {
		for _, m := range p.inbox {
			p.handler(p, m)
		}
	}
	return err
}

func (p *Peer) recvLoop() error {
	for {
		p.mu.Lock()
		deadline := p.sess.RxDeadline()
		p.mu.Unlock()

		data, err := p.read(deadline)
		now := time.Now()
		if err != nil {
			select {
			case <-p.done:
				return nil
			default:
			}
			if !isTimeout(err) {
				return fmt.Errorf("read batch: %w", err)
			}
			p.mu.Lock()
			_, perr := p.sess.Poll(now)
			p.mu.Unlock()
			if perr != nil {
				if errors.Is(perr, session.ErrLeaseTimeout) {
					p.log.Warn("peer lease expired", "peer", p.Remote().ZID.String())
					p.metrics.LeaseExpired()
				}
				return perr
			}
			continue
		}
		if err := p.receive(now, data); err != nil {
			return err
		}
	}
}

func (p *Peer) sendLoop() error {
	timer := time.NewTimer(p.untilKeepAlive())
	defer timer.Stop()

	pending := make([]batch.Outgoing, 0, 16)
	for {
		select {
		case o := <-p.sendCh:
			pending = append(pending[:0], o)
		drain:
			for len(pending) < cap(pending) {
				select {
				case o := <-p.sendCh:
					pending = append(pending, o)
				default:
					break drain
				}
			}
			if err := p.writeNetwork(pending); err != nil {
				return err
			}
		case <-timer.C:
			if err := p.keepAlive(); err != nil {
				return err
			}
		case <-p.done:
			return nil
		}
		timer.Reset(p.untilKeepAlive())
	}
}

func (p *Peer) untilKeepAlive() time.Duration {
	p.mu.Lock()
	next := p.sess.NextKeepAlive()
	p.mu.Unlock()
	if next.IsZero() {
		// Closed; the loop is about to be stopped.
		return time.Hour
	}
	return max(time.Until(next), 0)
}

func (p *Peer) keepAlive() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	due, err := p.sess.Poll(time.Now())
	if err != nil || !due {
		// Expiry is reported by the receive loop.
		return nil
	}
	p.log.Debug("sending keepalive")
	return p.writeTransportLocked(p.sess.KeepAlive())
}

// Send queues msg for the peer. msg must not be modified until it has
// been written.
func (p *Peer) Send(msg wire.NetworkMessage, r wire.Reliability) error {
	select {
	case <-p.done:
		return session.ErrConnectionClosed
	default:
	}
	select {
	case p.sendCh <- batch.Outgoing{Message: msg, Reliability: r}:
		return nil
	default:
		p.log.Warn("send queue full")
		return ErrSendQueueFull
	}
}

// writeNetwork packs msgs into as few batches as possible, fragmenting
// any message larger than a batch. Messages that cannot be encoded are
// dropped; only link failures are returned.
func (p *Peer) writeNetwork(msgs []batch.Outgoing) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess.State() != session.StateEstablished {
		if err := p.sess.Err(); err != nil {
			return err
		}
		return session.ErrConnectionClosed
	}

	w := p.sess.NewWriter(p.txBuf)
	for _, o := range msgs {
		err := w.WriteNetwork(o)
		if errors.Is(err, batch.ErrFull) && !w.Empty() {
			if err := p.flushLocked(w); err != nil {
				return err
			}
			w.Reset()
			err = w.WriteNetwork(o)
		}
		switch {
		case errors.Is(err, batch.ErrFull):
			if err := p.fragmentLocked(w, o); err != nil {
				return err
			}
		case err != nil:
			p.log.Warn("dropping unencodable message", "kind", fmt.Sprintf("%T", o.Message), "err", err)
		}
	}
	return p.flushLocked(w)
}

// fragmentLocked sends o as a run of fragments, one per batch. w is empty
// on entry and on return.
func (p *Peer) fragmentLocked(w *batch.Writer, o batch.Outgoing) error {
	f, err := p.fragmenter(o)
	if err != nil {
		p.log.Warn("dropping oversized message", "limit", p.sess.Config().MaxMessageSize, "err", err)
		return nil
	}
	for !f.Done() {
		if err := w.WriteFragment(f); err != nil {
			return err
		}
		if err := p.flushLocked(w); err != nil {
			return err
		}
		w.Reset()
	}
	return nil
}

func (p *Peer) fragmenter(o batch.Outgoing) (*batch.Fragmenter, error) {
	limit := p.sess.Config().MaxMessageSize
	size := max(len(p.scratch), fragmentScratch)
	for {
		if len(p.scratch) < size {
			p.scratch = make([]byte, size)
		}
		f, err := batch.NewFragmenter(o, p.scratch)
		if !errors.Is(err, codec.ErrOverflow) || size >= limit {
			return f, err
		}
		size = min(size*2, limit)
	}
}

func (p *Peer) writeTransportLocked(msgs ...wire.TransportMessage) error {
	w := p.sess.NewWriter(p.txBuf)
	for _, m := range msgs {
		err := w.WriteTransport(m)
		if errors.Is(err, batch.ErrFull) && !w.Empty() {
			if err := p.flushLocked(w); err != nil {
				return err
			}
			w.Reset()
			err = w.WriteTransport(m)
		}
		if err != nil {
			return err
		}
	}
	return p.flushLocked(w)
}

func (p *Peer) flushLocked(w *batch.Writer) error {
	if w.Empty() {
		return nil
	}
	out, err := p.sess.Seal(p.sealBuf, w.Bytes())
	if err != nil {
		return err
	}
	if err := p.link.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if err := WriteBatch(p.link, out); err != nil {
		if isTimeout(err) {
			p.log.Warn("peer write timeout")
		}
		return fmt.Errorf("write batch: %w", err)
	}
	p.sess.MarkSent(time.Now())
	p.metrics.Batch(metrics.Tx, len(out), w.Len())
	return nil
}

// Close ends the session with a Close message and shuts the link.
func (p *Peer) Close() {
	p.mu.Lock()
	started := p.sess.State() != session.StateUninit
	if c, ok := p.sess.Close(wire.CloseGeneric); ok && started {
		if err := p.writeTransportLocked(c); err != nil {
			p.log.Debug("close not delivered", "err", err)
		}
	}
	p.mu.Unlock()
	p.terminate()
}

func (p *Peer) terminate() {
	p.closeOnce.Do(func() {
		close(p.done)
		_ = p.link.Close()
	})
}

// Done is closed once the link is shut.
func (p *Peer) Done() <-chan struct{} { return p.done }

// Remote returns what the handshake negotiated.
func (p *Peer) Remote() session.Peer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess.Peer()
}

// State returns the session state.
func (p *Peer) State() session.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess.State()
}

// Err returns why the session closed, or nil.
func (p *Peer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sess.Err()
}

// Link returns the link the session runs over.
func (p *Peer) Link() Link { return p.link }
