package peer

import (
	"errors"
	"fmt"
)

var (
	ErrSessionClosed    = errors.New("session closed")
	ErrAlreadyJoined    = errors.New("already joined a space")
	ErrUnexpectedSignal = errors.New("unexpected signal type")
)

// NegotiationError records a failed negotiation step with the remote
// peer it concerned. Negotiation errors are never fatal to the room:
// callers log them and tear the session down.
type NegotiationError struct {
	Op   string
	Peer string
	Err  error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("%s (peer %s): %v", e.Op, e.Peer, e.Err)
}

func (e *NegotiationError) Unwrap() error {
	return e.Err
}

func negotiationErr(op, peer string, err error) *NegotiationError {
	return &NegotiationError{Op: op, Peer: peer, Err: err}
}
