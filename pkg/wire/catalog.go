package wire

import (
	"fmt"

	"zenoh/pkg/codec"
)

// EncodeTransport appends msg to w. On error w is unchanged.
func EncodeTransport(w *codec.Writer, msg TransportMessage) error {
	switch m := msg.(type) {
	case InitSyn:
		return initSynLayout.encode(w, &m)
	case InitAck:
		return initAckLayout.encode(w, &m)
	case OpenSyn:
		return openSynLayout.encode(w, &m)
	case OpenAck:
		return openAckLayout.encode(w, &m)
	case Close:
		return closeLayout.encode(w, &m)
	case KeepAlive:
		return keepAliveLayout.encode(w, &m)
	case FrameHeader:
		return frameLayout.encode(w, &m)
	case Fragment:
		return fragmentLayout.encode(w, &m)
	}
	return fmt.Errorf("transport message %T: %w", msg, ErrInvalidTag)
}

// DecodeTransport reads one transport message. A FrameHeader is returned
// on its own; the network messages it covers follow in r. Slices in the
// result borrow r's buffer.
func DecodeTransport(r *codec.Reader) (TransportMessage, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch Kind(h) {
	case KindInit:
		if h&flagInitAck != 0 {
			return transportAs(r, initAckLayout)
		}
		return transportAs(r, initSynLayout)
	case KindOpen:
		if h&flagOpenAck != 0 {
			return transportAs(r, openAckLayout)
		}
		return transportAs(r, openSynLayout)
	case KindClose:
		return transportAs(r, closeLayout)
	case KindKeepAlive:
		return transportAs(r, keepAliveLayout)
	case KindFrame:
		return transportAs(r, frameLayout)
	case KindFragment:
		return transportAs(r, fragmentLayout)
	}
	return nil, fmt.Errorf("transport kind 0x%02x: %w", Kind(h), ErrInvalidTag)
}

// EncodeNetwork appends msg to w. On error w is unchanged.
func EncodeNetwork(w *codec.Writer, msg NetworkMessage) error {
	switch m := msg.(type) {
	case Push:
		return pushLayout.encode(w, &m)
	case Request:
		return requestLayout.encode(w, &m)
	case Response:
		return responseLayout.encode(w, &m)
	case ResponseFinal:
		return responseFinalLayout.encode(w, &m)
	case Declare:
		return declareLayout.encode(w, &m)
	}
	return fmt.Errorf("network message %T: %w", msg, ErrInvalidTag)
}

// DecodeNetwork reads one network message. Slices in the result borrow
// r's buffer.
func DecodeNetwork(r *codec.Reader) (NetworkMessage, error) {
	h, err := r.Peek()
	if err != nil {
		return nil, err
	}
	switch Kind(h) {
	case KindPush:
		return networkAs(r, pushLayout)
	case KindRequest:
		return networkAs(r, requestLayout)
	case KindResponse:
		return networkAs(r, responseLayout)
	case KindResponseFinal:
		return networkAs(r, responseFinalLayout)
	case KindDeclare:
		return networkAs(r, declareLayout)
	}
	return nil, fmt.Errorf("network kind 0x%02x: %w", Kind(h), ErrInvalidTag)
}

func transportAs[T TransportMessage](r *codec.Reader, l *layout[T]) (TransportMessage, error) {
	var m T
	if err := l.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func networkAs[T NetworkMessage](r *codec.Reader, l *layout[T]) (NetworkMessage, error) {
	var m T
	if err := l.decode(r, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// NetworkPriority returns the priority a message asks to travel at.
func NetworkPriority(msg NetworkMessage) Priority {
	switch m := msg.(type) {
	case Push:
		return m.QoS.Priority
	case Request:
		return m.QoS.Priority
	case Response:
		return m.QoS.Priority
	case ResponseFinal:
		return m.QoS.Priority
	case Declare:
		return m.QoS.Priority
	}
	return DefaultPriority
}
