package session

import (
	"zenoh/pkg/batch"
	"zenoh/pkg/wire"
)

// BatchCapacity is the room a batch.Writer may fill. Handshake messages
// use the configured size; afterwards the negotiated size applies, less
// the batch header on compressed links.
func (s *Session) BatchCapacity() int {
	switch {
	case s.sealing:
		return int(s.peer.BatchSize) - batch.HeaderSize
	case s.state == StateEstablished:
		return int(s.peer.BatchSize)
	}
	return int(s.cfg.BatchSize)
}

// NewWriter returns a batch writer over buf drawing from the session's
// outgoing sequence numbers. buf is cut to BatchCapacity.
func (s *Session) NewWriter(buf []byte) *batch.Writer {
	if n := s.BatchCapacity(); len(buf) > n {
		buf = buf[:n]
	}
	return batch.NewWriter(buf, &s.tx)
}

// Seal prepares a finished batch for the link and must see every
// outgoing batch. Once both sides are established on a compressing
// session it adds the batch header, including on the Close that ends
// it; handshake batches, including the responder's OpenAck, go out raw.
func (s *Session) Seal(dst, raw []byte) ([]byte, error) {
	if !s.sealing {
		return raw, nil
	}
	if s.rawNext {
		s.rawNext = false
		return raw, nil
	}
	return batch.Seal(dst, raw)
}

// KeepAlive returns the message to send when Poll reports one due.
func (s *Session) KeepAlive() wire.KeepAlive { return wire.KeepAlive{} }
