package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

var cipherSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashBLAKE2s)

// maxNoiseMsg bounds one transport message: a framed batch plus the
// Poly1305 tag.
const maxNoiseMsg = PrefixSize + MaxBatch + 16

// noiseConn encrypts a net.Conn. Every Write becomes one Noise transport
// message, [4B ciphertext_len][ciphertext]; Read hands the plaintext back
// in as many calls as the caller needs.
type noiseConn struct {
	conn       net.Conn
	send       *noise.CipherState
	recv       *noise.CipherState
	readBuf    []byte
	writeMu    sync.Mutex
	peerStatic []byte
}

// Handshake runs Noise XX over conn with the given static keypair and
// returns the encrypted connection and the peer's X25519 static key.
func Handshake(conn net.Conn, initiator bool, staticKey noise.DHKey) (*noiseConn, []byte, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cipherSuite,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: staticKey,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("noise handshake config: %w", err)
	}

	// -> e, <- e ee s es, -> s se
	var cs1, cs2 *noise.CipherState
	for i := range 3 {
		if (i%2 == 0) == initiator {
			var msg []byte
			msg, cs1, cs2, err = hs.WriteMessage(nil, nil)
			if err != nil {
				return nil, nil, fmt.Errorf("noise write msg%d: %w", i+1, err)
			}
			if err := writeHandshakeMsg(conn, msg); err != nil {
				return nil, nil, err
			}
			continue
		}
		msg, err := readHandshakeMsg(conn)
		if err != nil {
			return nil, nil, err
		}
		if _, cs1, cs2, err = hs.ReadMessage(nil, msg); err != nil {
			return nil, nil, fmt.Errorf("noise read msg%d: %w", i+1, err)
		}
	}

	nc := &noiseConn{conn: conn, peerStatic: hs.PeerStatic()}
	// cs1 encrypts initiator to responder.
	if initiator {
		nc.send, nc.recv = cs1, cs2
	} else {
		nc.send, nc.recv = cs2, cs1
	}
	return nc, nc.peerStatic, nil
}

// PeerStatic returns the peer's X25519 static public key.
func (nc *noiseConn) PeerStatic() []byte {
	return nc.peerStatic
}

// Write encrypts p and sends it as a single Noise transport message.
func (nc *noiseConn) Write(p []byte) (int, error) {
	nc.writeMu.Lock()
	defer nc.writeMu.Unlock()

	msg := make([]byte, 4, 4+len(p)+16)
	msg, err := nc.send.Encrypt(msg, nil, p)
	if err != nil {
		return 0, fmt.Errorf("noise encrypt: %w", err)
	}
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)-4))
	if _, err := nc.conn.Write(msg); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read decrypts the next Noise transport message when nothing is left
// over from the previous one.
func (nc *noiseConn) Read(p []byte) (int, error) {
	if len(nc.readBuf) > 0 {
		n := copy(p, nc.readBuf)
		nc.readBuf = nc.readBuf[n:]
		return n, nil
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(nc.conn, lenBuf[:]); err != nil {
		return 0, err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen > maxNoiseMsg {
		return 0, fmt.Errorf("noise message too large: %d > %d", msgLen, maxNoiseMsg)
	}

	ciphertext := make([]byte, msgLen)
	if _, err := io.ReadFull(nc.conn, ciphertext); err != nil {
		return 0, err
	}
	plaintext, err := nc.recv.Decrypt(ciphertext[:0], nil, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("noise decrypt: %w", err)
	}

	n := copy(p, plaintext)
	nc.readBuf = plaintext[n:]
	return n, nil
}

// SetReadDeadline applies to the underlying connection, so it only
// bounds a Read that has to wait for a new message.
func (nc *noiseConn) SetReadDeadline(t time.Time) error {
	return nc.conn.SetReadDeadline(t)
}

func (nc *noiseConn) SetWriteDeadline(t time.Time) error {
	return nc.conn.SetWriteDeadline(t)
}

func (nc *noiseConn) Close() error {
	return nc.conn.Close()
}

// Handshake messages travel as [2B length][message].
func writeHandshakeMsg(w io.Writer, msg []byte) error {
	if len(msg) > 0xFFFF {
		return fmt.Errorf("handshake message too large: %d > %d", len(msg), 0xFFFF)
	}
	buf := make([]byte, 2+len(msg))
	binary.BigEndian.PutUint16(buf, uint16(len(msg)))
	copy(buf[2:], msg)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("noise handshake write: %w", err)
	}
	return nil
}

func readHandshakeMsg(r io.Reader) ([]byte, error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("noise handshake read len: %w", err)
	}
	msg := make([]byte, binary.BigEndian.Uint16(lenBuf[:]))
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, fmt.Errorf("noise handshake read msg: %w", err)
	}
	return msg, nil
}
