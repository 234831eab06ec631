package session

import (
	"fmt"
	"time"

	"zenoh/pkg/batch"
	"zenoh/pkg/codec"
	"zenoh/pkg/wire"
)

// Receive handles one batch read from the link at now. Network messages
// of accepted frames, and messages rebuilt from fragments, are passed to
// deliver in order; they borrow data and must not be retained past the
// call. The returned messages must be sent to the peer, even when an
// error is also returned. Any decode error closes the session.
func (s *Session) Receive(now time.Time, data []byte, deliver func(wire.NetworkMessage) error) ([]wire.TransportMessage, error) {
	if s.state == StateClosed {
		return nil, s.err
	}
	if s.state == StateEstablished && s.peer.Compression {
		if s.unseal == nil {
			s.unseal = make([]byte, s.peer.BatchSize)
		}
		raw, err := batch.Unseal(s.unseal, data)
		if err != nil {
			return s.corrupt(err)
		}
		data = raw
	}

	var replies []wire.TransportMessage
	r := batch.NewReader(data)
	for r.Next() {
		item := r.Item()
		if item.Network != nil {
			if err := deliver(item.Network); err != nil {
				return replies, err
			}
			continue
		}

		res, err := s.Handle(now, item.Transport)
		if res.Reply != nil {
			replies = append(replies, res.Reply)
		}
		if err != nil {
			return replies, err
		}
		switch m := item.Transport.(type) {
		case wire.FrameHeader:
			if !res.Accept {
				if err := r.SkipFrame(); err != nil {
					return s.corruptAfter(replies, err)
				}
			}
		case wire.Fragment:
			if !res.Accept {
				continue
			}
			whole, err := s.reassemble(m)
			if err != nil {
				return s.corruptAfter(replies, err)
			}
			if whole != nil {
				if err := deliver(whole); err != nil {
					return replies, err
				}
			}
		}
	}
	if err := r.Err(); err != nil {
		return s.corruptAfter(replies, err)
	}
	return replies, nil
}

// reassemble returns the rebuilt message once f completes one, or nil.
func (s *Session) reassemble(f wire.Fragment) (wire.NetworkMessage, error) {
	d := s.defrag[f.Reliability&1]
	msg, done, err := d.Push(f)
	if err != nil {
		// A lost fragment only costs that message.
		sesslog.Warn("dropping fragmented message", "peer", s.peer.ZID, "reliability", f.Reliability, "err", err)
	}
	if !done {
		return nil, nil
	}
	m, err := wire.DecodeNetwork(codec.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("reassembled message: %w", err)
	}
	return m, nil
}

func (s *Session) corrupt(err error) ([]wire.TransportMessage, error) {
	return s.corruptAfter(nil, err)
}

// corruptAfter closes the session on an undecodable batch.
func (s *Session) corruptAfter(replies []wire.TransportMessage, cause error) ([]wire.TransportMessage, error) {
	if s.state == StateClosed {
		return replies, s.err
	}
	res, err := s.refuse(wire.CloseInvalid, fmt.Errorf("%w: %w", ErrProtocolViolation, cause))
	return append(replies, res.Reply), err
}
