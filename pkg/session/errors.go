package session

import (
	"errors"
	"fmt"

	"zenoh/pkg/wire"
)

var (
	// ErrProtocolViolation covers version mismatches, failed negotiation,
	// rejected authentication, bad cookies, undecodable batches and
	// messages that are illegal in the current state.
	ErrProtocolViolation = errors.New("session: protocol violation")
	// ErrConnectionClosed is returned once a Close has been sent or
	// received.
	ErrConnectionClosed = errors.New("session: connection closed")
	// ErrLeaseTimeout is returned when the peer stays silent for a whole
	// lease, or does not finish the handshake in time.
	ErrLeaseTimeout = errors.New("session: lease expired")
)

// CloseError records why a session was closed. It unwraps to
// ErrConnectionClosed.
type CloseError struct {
	Reason    wire.CloseReason
	Behaviour wire.Behaviour
	// Local is set when this side sent the Close.
	Local bool
}

func (e *CloseError) Error() string {
	by := "peer"
	if e.Local {
		by = "local"
	}
	return fmt.Sprintf("session: closed by %s: %s (%s)", by, e.Reason, e.Behaviour)
}

func (e *CloseError) Unwrap() error { return ErrConnectionClosed }

// violation wraps ErrProtocolViolation with detail and, optionally, a cause.
func violation(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
}
