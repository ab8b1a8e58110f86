package state

import "errors"

var (
	// ErrUnknownArea is returned when a request names an area this node
	// does not host and the default-area fallback does not apply.
	ErrUnknownArea = errors.New("unknown area")

	// ErrInvalidArgument is returned for malformed requests: empty peer
	// lists, invalid versions, non-positive ttls.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrClientConnection wraps transport-level failures to reach a
	// peer. It drives the peer back to IDLE and is surfaced through
	// counters only.
	ErrClientConnection = errors.New("client connection failure")

	// ErrStopped is returned when an operation races shutdown.
	ErrStopped = errors.New("kvstore stopped")
)
