package relay

import "errors"

var (
	// ErrBindFailure wraps the socket error when Allocate cannot obtain a
	// relay port. Nothing is registered; the caller may simply retry.
	ErrBindFailure = errors.New("relay: bind failure")

	ErrNotFound        = errors.New("relay: session not found")
	ErrTooManySessions = errors.New("relay: too many sessions")
	ErrRegistryClosed  = errors.New("relay: registry closed")
)
