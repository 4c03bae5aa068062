package session

import (
	"errors"
	"fmt"
)

// Sentinel kinds for session manager errors.
var (
	// ErrDuplicateSession marks a create for an id that is still active.
	ErrDuplicateSession = errors.New("duplicate session")

	// ErrUnknownSession marks an event or operation for an id the manager
	// does not hold. Events are parked for a grace period before dropping.
	ErrUnknownSession = errors.New("unknown session")

	// ErrIllegalTransition marks a lifecycle move outside the table.
	ErrIllegalTransition = errors.New("illegal session transition")

	// ErrSessionClosed marks an event routed to a terminal session.
	ErrSessionClosed = errors.New("session closed")
)

func illegalTransition(from, to State) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
