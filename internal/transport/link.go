package transport

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/flynn/noise"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Link is one byte transport under a session. Streamed links carry a
// byte stream and need WriteBatch/ReadBatch framing; message links
// deliver each Write to the peer as one Read.
type Link interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Endpoint() Endpoint
	RemoteAddr() net.Addr
	IsStreamed() bool
	// MTU is the largest batch the link carries.
	MTU() int
	// PeerStatic is the peer's Noise static key, or nil on a plaintext link.
	PeerStatic() []byte
}

// LinkConfig controls how raw connections become links.
type LinkConfig struct {
	// Noise, when set, encrypts TCP links with this static key.
	Noise *noise.DHKey
	// HandshakeTimeout bounds the Noise handshake and the WebSocket
	// upgrade.
	HandshakeTimeout time.Duration
}

func (c LinkConfig) deadline() time.Time {
	if c.HandshakeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.HandshakeTimeout)
}

// Dial connects to ep.
func Dial(ctx context.Context, ep Endpoint, cfg LinkConfig) (Link, error) {
	if cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.HandshakeTimeout)
		defer cancel()
	}

	switch ep.Proto {
	case ProtoTCP:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", ep.Addr)
		if err != nil {
			return nil, err
		}
		return newStreamLink(conn, ep, true, cfg)
	case ProtoWS:
		conn, br, _, err := ws.Dial(ctx, "ws://"+ep.Addr+"/")
		if err != nil {
			return nil, err
		}
		return newWSLink(conn, br, ep, ws.StateClientSide), nil
	}
	return nil, fmt.Errorf("dial %s: unsupported protocol", ep)
}

// Accept turns an inbound connection on a listener for ep into a link.
func Accept(conn net.Conn, ep Endpoint, cfg LinkConfig) (Link, error) {
	switch ep.Proto {
	case ProtoTCP:
		return newStreamLink(conn, ep, false, cfg)
	case ProtoWS:
		if err := conn.SetDeadline(cfg.deadline()); err != nil {
			return nil, err
		}
		if _, err := ws.Upgrade(conn); err != nil {
			return nil, fmt.Errorf("websocket upgrade: %w", err)
		}
		if err := conn.SetDeadline(time.Time{}); err != nil {
			return nil, err
		}
		return newWSLink(conn, nil, ep, ws.StateServerSide), nil
	}
	return nil, fmt.Errorf("accept %s: unsupported protocol", ep)
}

type deadlineConn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

type streamLink struct {
	deadlineConn
	ep     Endpoint
	remote net.Addr
	static []byte
}

func newStreamLink(conn net.Conn, ep Endpoint, initiator bool, cfg LinkConfig) (*streamLink, error) {
	l := &streamLink{deadlineConn: conn, ep: ep, remote: conn.RemoteAddr()}
	if cfg.Noise == nil {
		return l, nil
	}

	if err := conn.SetDeadline(cfg.deadline()); err != nil {
		return nil, err
	}
	nc, peerStatic, err := Handshake(conn, initiator, *cfg.Noise)
	if err != nil {
		return nil, err
	}
	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, err
	}
	l.deadlineConn = nc
	l.static = peerStatic
	return l, nil
}

func (l *streamLink) Endpoint() Endpoint   { return l.ep }
func (l *streamLink) RemoteAddr() net.Addr { return l.remote }
func (l *streamLink) IsStreamed() bool     { return true }
func (l *streamLink) MTU() int             { return MaxBatch }
func (l *streamLink) PeerStatic() []byte   { return l.static }

// wsLink sends each batch as one binary WebSocket message.
type wsLink struct {
	conn  net.Conn
	rw    io.ReadWriter
	state ws.State
	ep    Endpoint
}

func newWSLink(conn net.Conn, br *bufio.Reader, ep Endpoint, state ws.State) *wsLink {
	l := &wsLink{conn: conn, rw: conn, state: state, ep: ep}
	if br != nil {
		// Frames the server sent right behind the upgrade response.
		l.rw = struct {
			io.Reader
			io.Writer
		}{br, conn}
	}
	return l
}

func (l *wsLink) Read(p []byte) (int, error) {
	data, op, err := wsutil.ReadData(l.rw, l.state)
	if err != nil {
		return 0, err
	}
	if op != ws.OpBinary {
		return 0, fmt.Errorf("websocket: unexpected opcode %d", op)
	}
	if len(data) > len(p) {
		return 0, fmt.Errorf("websocket: message of %d bytes exceeds buffer of %d", len(data), len(p))
	}
	return copy(p, data), nil
}

func (l *wsLink) Write(p []byte) (int, error) {
	if err := wsutil.WriteMessage(l.conn, l.state, ws.OpBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (l *wsLink) Close() error                       { return l.conn.Close() }
func (l *wsLink) SetReadDeadline(t time.Time) error  { return l.conn.SetReadDeadline(t) }
func (l *wsLink) SetWriteDeadline(t time.Time) error { return l.conn.SetWriteDeadline(t) }
func (l *wsLink) Endpoint() Endpoint                 { return l.ep }
func (l *wsLink) RemoteAddr() net.Addr               { return l.conn.RemoteAddr() }
func (l *wsLink) IsStreamed() bool                   { return false }
func (l *wsLink) MTU() int                           { return MaxBatch }
func (l *wsLink) PeerStatic() []byte                 { return nil }
