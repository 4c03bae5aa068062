package state

import "errors"

// Sentinel kinds for state store errors.
var (
	// ErrSessionMismatch marks an event routed to the wrong store.
	ErrSessionMismatch = errors.New("event session mismatch")

	// ErrCorrupted marks an unrecoverable internal inconsistency; the
	// owning session must be aborted.
	ErrCorrupted = errors.New("state store corrupted")
)
