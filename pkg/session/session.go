// Package session implements the zenoh unicast session state machine
// without doing any I/O.
//
// A Session is fed decoded transport messages (or whole batches) together
// with the current time and answers with the messages to send back. The
// caller owns the clock and the link; the only thing it must wait on is
// "bytes readable or Deadline reached", whichever comes first.
package session

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"zenoh/internal/logging"
	"zenoh/pkg/batch"
	"zenoh/pkg/wire"
)

var sesslog = logging.For("session")

// Role is the side of the handshake a session plays.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// State is the lifecycle position of a session.
type State uint8

const (
	StateUninit State = iota
	StateEstablishing
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninit:
		return "uninit"
	case StateEstablishing:
		return "establishing"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Config holds the local side of the negotiation.
type Config struct {
	ZID     wire.ZenohID
	WhatAmI wire.WhatAmI

	// Resolution and BatchSize are proposed by an initiator and act as
	// upper bounds for a responder.
	Resolution wire.Resolution
	BatchSize  uint16
	// MinSNBits is the narrowest frame sequence number width accepted.
	MinSNBits wire.Bits

	// Lease is how long the peer may stay silent.
	Lease time.Duration
	// KeepAliveFactor is how many keepalives are sent per peer lease.
	KeepAliveFactor int
	// OpenTimeout bounds the handshake.
	OpenTimeout time.Duration

	QoS         bool
	LowLatency  bool
	Compression bool

	// Auth is sent by an initiator in InitSyn.
	Auth []byte
	// Authenticate, when set, is called by a responder with the
	// initiator's identity and auth payload. A non-nil error refuses the
	// session.
	Authenticate func(peer wire.ZenohID, payload []byte) error

	// MaxMessageSize caps messages reassembled from fragments.
	MaxMessageSize int
}

// DefaultConfig returns a client configuration with a random identity.
func DefaultConfig() Config {
	return Config{
		ZID:             wire.RandomZenohID(),
		WhatAmI:         wire.Client,
		Resolution:      wire.DefaultResolution,
		BatchSize:       wire.DefaultBatchSize,
		MinSNBits:       wire.U8,
		Lease:           10 * time.Second,
		KeepAliveFactor: 3,
		OpenTimeout:     10 * time.Second,
		MaxMessageSize:  1 << 30,
	}
}

func (c *Config) validate() error {
	switch {
	case c.ZID.IsZero():
		return fmt.Errorf("session: config: zid is zero")
	case c.Lease <= 0:
		return fmt.Errorf("session: config: lease must be positive, got %v", c.Lease)
	case c.KeepAliveFactor < 1:
		return fmt.Errorf("session: config: keep_alive_factor must be at least 1, got %d", c.KeepAliveFactor)
	case c.BatchSize < minBatchSize:
		return fmt.Errorf("session: config: batch size %d below %d", c.BatchSize, minBatchSize)
	case c.Resolution.FrameSN().Width() < c.MinSNBits.Width():
		return fmt.Errorf("session: config: resolution %s narrower than minimum %s", c.Resolution, c.MinSNBits)
	case c.OpenTimeout <= 0:
		return fmt.Errorf("session: config: open timeout must be positive, got %v", c.OpenTimeout)
	}
	return nil
}

// minBatchSize leaves room for the largest handshake message.
const minBatchSize = 64

// Peer is what the handshake settled on.
type Peer struct {
	ZID        wire.ZenohID
	WhatAmI    wire.WhatAmI
	Resolution wire.Resolution
	BatchSize  uint16
	// Lease is the silence the peer tolerates from us.
	Lease time.Duration

	QoS         bool
	LowLatency  bool
	Compression bool
}

type step uint8

const (
	stepIdle step = iota
	stepAwaitInitAck
	stepAwaitOpenSyn
	stepAwaitOpenAck
)

// Session is one point-to-point zenoh session. It is not safe for
// concurrent use; the driver serialises calls.
type Session struct {
	cfg   Config
	role  Role
	state State
	step  step
	err   error

	cookie  []byte
	peer    Peer
	started time.Time
	lastRx  time.Time
	lastTx  time.Time

	tx     wire.Counters
	rx     wire.Counters
	defrag [2]*batch.Defragmenter
	unseal []byte
	// sealing is set once both sides compress; it survives Close so the
	// final messages are still framed the way the peer expects.
	sealing bool
	rawNext bool
}

// New returns a session in StateUninit.
func New(role Role, cfg Config) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Session{cfg: cfg, role: role}, nil
}

func (s *Session) Role() Role     { return s.role }
func (s *Session) State() State   { return s.state }
func (s *Session) Config() Config { return s.cfg }

// Peer returns the negotiated parameters. It is only meaningful once the
// session is established.
func (s *Session) Peer() Peer { return s.peer }

// Err returns the error that closed the session, or nil.
func (s *Session) Err() error { return s.err }

// Counters returns the outgoing sequence numbers, for batch.NewWriter.
func (s *Session) Counters() *wire.Counters { return &s.tx }

// Start begins the handshake as initiator and returns the InitSyn to send.
func (s *Session) Start(now time.Time) (wire.InitSyn, error) {
	if s.role != Initiator {
		return wire.InitSyn{}, violation("responder cannot start a handshake")
	}
	if s.state != StateUninit {
		return wire.InitSyn{}, violation("start in state %s", s.state)
	}
	s.state = StateEstablishing
	s.step = stepAwaitInitAck
	s.started = now
	s.lastRx = now
	s.lastTx = now
	return wire.InitSyn{InitParams: wire.InitParams{
		Version:     wire.Version,
		WhatAmI:     s.cfg.WhatAmI,
		ZID:         s.cfg.ZID,
		Resolution:  s.cfg.Resolution,
		BatchSize:   s.cfg.BatchSize,
		QoS:         s.cfg.QoS,
		LowLatency:  s.cfg.LowLatency,
		Compression: s.cfg.Compression,
		Auth:        s.cfg.Auth,
	}}, nil
}

// Result is the outcome of handling one transport message.
type Result struct {
	// Reply must be sent to the peer when non-nil, even alongside an error.
	Reply wire.TransportMessage
	// Accept is set for a frame or fragment whose content should be
	// delivered; a false value means the caller drops it.
	Accept bool
	// Opened is set when this message established the session.
	Opened bool
}

// Handle processes one transport message received at now.
func (s *Session) Handle(now time.Time, msg wire.TransportMessage) (Result, error) {
	if s.state == StateClosed {
		return Result{}, s.err
	}
	s.lastRx = now

	if c, ok := msg.(wire.Close); ok {
		s.shut(&CloseError{Reason: c.Reason, Behaviour: c.Behaviour})
		sesslog.Info("peer closed session", "peer", s.peer.ZID, "reason", c.Reason, "behaviour", c.Behaviour)
		return Result{}, s.err
	}

	switch s.state {
	case StateUninit:
		if syn, ok := msg.(wire.InitSyn); ok && s.role == Responder {
			s.state = StateEstablishing
			s.started = now
			return s.onInitSyn(syn)
		}
	case StateEstablishing:
		switch m := msg.(type) {
		case wire.InitAck:
			if s.step == stepAwaitInitAck {
				return s.onInitAck(m)
			}
		case wire.OpenSyn:
			if s.step == stepAwaitOpenSyn {
				return s.onOpenSyn(now, m)
			}
		case wire.OpenAck:
			if s.step == stepAwaitOpenAck {
				return s.onOpenAck(now, m)
			}
		}
	case StateEstablished:
		switch m := msg.(type) {
		case wire.KeepAlive:
			return Result{}, nil
		case wire.FrameHeader:
			return s.admit(m.Reliability, m.SN, "frame")
		case wire.Fragment:
			return s.admit(m.Reliability, m.SN, "fragment")
		}
	}
	return s.refuse(wire.CloseInvalid, violation("%T not allowed in state %s", msg, s.state))
}

// admit checks a received sequence number against the last one of its
// class. Stale and duplicate numbers are dropped without closing.
func (s *Session) admit(r wire.Reliability, sn uint64, what string) (Result, error) {
	last := s.rx.For(r)
	if sn&^last.Mask() != 0 {
		return s.refuse(wire.CloseInvalid, violation("%s sn %d exceeds %s", what, sn, s.peer.Resolution.FrameSN()))
	}
	if !last.Precedes(sn) {
		sesslog.Warn("dropping out of order "+what, "peer", s.peer.ZID, "reliability", r, "sn", sn, "last", last.Get())
		return Result{}, nil
	}
	if err := last.Set(sn); err != nil {
		return s.refuse(wire.CloseInvalid, violation("%s: %v", what, err))
	}
	return Result{Accept: true}, nil
}

func (s *Session) onInitSyn(syn wire.InitSyn) (Result, error) {
	if syn.Version != wire.Version {
		return s.refuse(wire.CloseUnsupported, violation("peer version 0x%02x, want 0x%02x", syn.Version, wire.Version))
	}
	if syn.ZID == s.cfg.ZID {
		return s.refuse(wire.CloseConnectionToSelf, violation("connection to self"))
	}
	if s.cfg.Authenticate != nil {
		if err := s.cfg.Authenticate(syn.ZID, syn.Auth); err != nil {
			return s.refuse(wire.CloseInvalid, fmt.Errorf("%w: peer %s not authenticated: %w", ErrProtocolViolation, syn.ZID, err))
		}
	}
	res := syn.Resolution.Narrow(s.cfg.Resolution)
	if res.FrameSN().Width() < s.cfg.MinSNBits.Width() {
		return s.refuse(wire.CloseUnsupported, violation("frame sn resolution %s below minimum %s", res.FrameSN(), s.cfg.MinSNBits))
	}

	batchSize := min(syn.BatchSize, s.cfg.BatchSize)
	if batchSize < minBatchSize {
		return s.refuse(wire.CloseUnsupported, violation("batch size %d below %d", batchSize, minBatchSize))
	}

	cookie, err := uuid.NewRandom()
	if err != nil {
		return s.refuse(wire.CloseGeneric, fmt.Errorf("session: cookie: %w", err))
	}
	s.cookie = cookie[:]
	s.peer = Peer{
		ZID:         syn.ZID,
		WhatAmI:     syn.WhatAmI,
		Resolution:  res,
		BatchSize:   batchSize,
		QoS:         syn.QoS && s.cfg.QoS,
		LowLatency:  syn.LowLatency && s.cfg.LowLatency,
		Compression: syn.Compression && s.cfg.Compression,
	}
	s.step = stepAwaitOpenSyn
	sesslog.Debug("init syn accepted", "peer", syn.ZID, "whatami", syn.WhatAmI, "resolution", res, "batch_size", s.peer.BatchSize)
	return Result{Reply: wire.InitAck{
		InitParams: wire.InitParams{
			Version:     wire.Version,
			WhatAmI:     s.cfg.WhatAmI,
			ZID:         s.cfg.ZID,
			Resolution:  res,
			BatchSize:   s.peer.BatchSize,
			QoS:         s.peer.QoS,
			LowLatency:  s.peer.LowLatency,
			Compression: s.peer.Compression,
		},
		Cookie: s.cookie,
	}}, nil
}

func (s *Session) onInitAck(ack wire.InitAck) (Result, error) {
	if ack.Version != wire.Version {
		return s.refuse(wire.CloseUnsupported, violation("peer version 0x%02x, want 0x%02x", ack.Version, wire.Version))
	}
	if ack.ZID == s.cfg.ZID {
		return s.refuse(wire.CloseConnectionToSelf, violation("connection to self"))
	}
	if ack.Resolution.Wider(s.cfg.Resolution) || ack.BatchSize > s.cfg.BatchSize {
		return s.refuse(wire.CloseInvalid, violation("responder widened %s/%d to %s/%d",
			s.cfg.Resolution, s.cfg.BatchSize, ack.Resolution, ack.BatchSize))
	}
	if ack.Resolution.FrameSN().Width() < s.cfg.MinSNBits.Width() {
		return s.refuse(wire.CloseUnsupported, violation("frame sn resolution %s below minimum %s", ack.Resolution.FrameSN(), s.cfg.MinSNBits))
	}
	if ack.BatchSize < minBatchSize {
		return s.refuse(wire.CloseUnsupported, violation("batch size %d below %d", ack.BatchSize, minBatchSize))
	}

	s.peer = Peer{
		ZID:         ack.ZID,
		WhatAmI:     ack.WhatAmI,
		Resolution:  ack.Resolution,
		BatchSize:   ack.BatchSize,
		QoS:         ack.QoS && s.cfg.QoS,
		LowLatency:  ack.LowLatency && s.cfg.LowLatency,
		Compression: ack.Compression && s.cfg.Compression,
	}
	sn, err := s.startTx()
	if err != nil {
		return s.refuse(wire.CloseGeneric, err)
	}
	s.step = stepAwaitOpenAck
	return Result{Reply: wire.OpenSyn{
		OpenParams: s.openParams(sn),
		Cookie:     ack.Cookie,
	}}, nil
}

func (s *Session) onOpenSyn(now time.Time, syn wire.OpenSyn) (Result, error) {
	if string(syn.Cookie) != string(s.cookie) {
		return s.refuse(wire.CloseInvalid, violation("open syn cookie mismatch"))
	}
	if err := s.startRx(syn.Lease, syn.InitialSN); err != nil {
		return s.refuse(wire.CloseInvalid, err)
	}
	sn, err := s.startTx()
	if err != nil {
		return s.refuse(wire.CloseGeneric, err)
	}
	s.establish(now)
	s.rawNext = true
	return Result{Reply: wire.OpenAck{OpenParams: s.openParams(sn)}, Opened: true}, nil
}

func (s *Session) onOpenAck(now time.Time, ack wire.OpenAck) (Result, error) {
	if err := s.startRx(ack.Lease, ack.InitialSN); err != nil {
		return s.refuse(wire.CloseInvalid, err)
	}
	s.establish(now)
	return Result{Opened: true}, nil
}

func (s *Session) openParams(sn uint64) wire.OpenParams {
	return wire.OpenParams{
		Lease:       s.cfg.Lease,
		InitialSN:   sn,
		QoS:         s.peer.QoS,
		LowLatency:  s.peer.LowLatency,
		Compression: s.peer.Compression,
	}
}

func (s *Session) startTx() (uint64, error) {
	bits := s.peer.Resolution.FrameSN()
	sn := InitialSN(s.cfg.ZID, s.peer.ZID, bits)
	tx, err := wire.NewCounters(sn, bits)
	if err != nil {
		return 0, fmt.Errorf("session: initial sn: %w", err)
	}
	s.tx = tx
	return sn, nil
}

// startRx primes the receive counters so the peer's initial sequence
// number is the first one accepted.
func (s *Session) startRx(lease time.Duration, initial uint64) error {
	if lease <= 0 {
		return violation("peer lease %v", lease)
	}
	bits := s.peer.Resolution.FrameSN()
	if initial&^bits.Mask() != 0 {
		return violation("peer initial sn %d exceeds %s", initial, bits)
	}
	rx, err := wire.NewCounters((initial-1)&bits.Mask(), bits)
	if err != nil {
		return violation("peer initial sn: %v", err)
	}
	s.rx = rx
	s.peer.Lease = lease
	for i := range s.defrag {
		s.defrag[i] = batch.NewDefragmenter(s.cfg.MaxMessageSize, bits)
	}
	return nil
}

func (s *Session) establish(now time.Time) {
	s.state = StateEstablished
	s.step = stepIdle
	s.sealing = s.peer.Compression
	s.cookie = nil
	s.lastRx = now
	s.lastTx = now
	sesslog.Info("session established",
		"role", s.role, "peer", s.peer.ZID, "whatami", s.peer.WhatAmI,
		"resolution", s.peer.Resolution, "batch_size", s.peer.BatchSize, "peer_lease", s.peer.Lease)
}

// refuse closes the session on a local decision and returns the Close
// that tells the peer why.
func (s *Session) refuse(reason wire.CloseReason, err error) (Result, error) {
	s.shut(err)
	sesslog.Warn("closing session", "role", s.role, "peer", s.peer.ZID, "reason", reason, "err", err)
	return Result{Reply: wire.Close{Reason: reason, Behaviour: wire.CloseSession}}, err
}

func (s *Session) shut(err error) {
	s.state = StateClosed
	s.step = stepIdle
	s.err = err
}

// Close ends the session locally and returns the message for the peer.
// It reports false when the session was already closed.
func (s *Session) Close(reason wire.CloseReason) (wire.Close, bool) {
	if s.state == StateClosed {
		return wire.Close{}, false
	}
	c := wire.Close{Reason: reason, Behaviour: wire.CloseSession}
	s.shut(&CloseError{Reason: reason, Behaviour: wire.CloseSession, Local: true})
	return c, true
}

// Touch records inbound traffic at now, pushing back the lease deadline.
func (s *Session) Touch(now time.Time) {
	if s.state != StateClosed {
		s.lastRx = now
	}
}

// MarkSent records that a batch went out at now.
func (s *Session) MarkSent(now time.Time) { s.lastTx = now }

// RxDeadline is the instant the session expires if nothing arrives.
func (s *Session) RxDeadline() time.Time {
	switch s.state {
	case StateEstablishing:
		return s.started.Add(s.cfg.OpenTimeout)
	case StateEstablished:
		return s.lastRx.Add(s.cfg.Lease)
	}
	return time.Time{}
}

// KeepAliveInterval is how often the local side must send something.
func (s *Session) KeepAliveInterval() time.Duration {
	return s.peer.Lease / time.Duration(s.cfg.KeepAliveFactor)
}

// NextKeepAlive is the instant a keepalive becomes due, or zero before
// the session is established.
func (s *Session) NextKeepAlive() time.Time {
	if s.state != StateEstablished {
		return time.Time{}
	}
	return s.lastTx.Add(s.KeepAliveInterval())
}

// Deadline is the next instant Poll must run, or zero if none.
func (s *Session) Deadline() time.Time {
	rx := s.RxDeadline()
	if ka := s.NextKeepAlive(); !ka.IsZero() && ka.Before(rx) {
		return ka
	}
	return rx
}

// Poll checks the timers at now. It reports whether a keepalive is due,
// and closes the session with ErrLeaseTimeout once the deadline is
// reached.
func (s *Session) Poll(now time.Time) (bool, error) {
	switch s.state {
	case StateClosed:
		return false, s.err
	case StateUninit:
		return false, nil
	case StateEstablishing:
		if !now.Before(s.RxDeadline()) {
			s.shut(fmt.Errorf("session: handshake not complete after %v: %w", s.cfg.OpenTimeout, ErrLeaseTimeout))
			sesslog.Warn("handshake timed out", "role", s.role, "timeout", s.cfg.OpenTimeout)
			return false, s.err
		}
		return false, nil
	}
	if !now.Before(s.RxDeadline()) {
		s.shut(fmt.Errorf("session: nothing from %s in %v: %w", s.peer.ZID, s.cfg.Lease, ErrLeaseTimeout))
		sesslog.Warn("lease expired", "peer", s.peer.ZID, "lease", s.cfg.Lease, slog.Time("last_rx", s.lastRx))
		return false, s.err
	}
	return !now.Before(s.NextKeepAlive()), nil
}
