package transport

import (
	"fmt"
	"net"
	"strings"
)

// Protocols a Link can run over.
const (
	ProtoTCP = "tcp"
	ProtoWS  = "ws"
)

// Endpoint is a locator of the form proto/host:port.
type Endpoint struct {
	Proto string
	Addr  string
}

// ParseEndpoint parses "tcp/127.0.0.1:7447" or "ws/[::1]:7448".
func ParseEndpoint(s string) (Endpoint, error) {
	proto, addr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return Endpoint{}, fmt.Errorf("endpoint %q: want proto/host:port", s)
	}
	switch proto {
	case ProtoTCP, ProtoWS:
	default:
		return Endpoint{}, fmt.Errorf("endpoint %q: unsupported protocol %q", s, proto)
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return Endpoint{}, fmt.Errorf("endpoint %q: %w", s, err)
	}
	return Endpoint{Proto: proto, Addr: addr}, nil
}

func (e Endpoint) String() string { return e.Proto + "/" + e.Addr }

// IsStreamed reports whether batches need a length prefix on this
// protocol.
func (e Endpoint) IsStreamed() bool { return e.Proto == ProtoTCP }
