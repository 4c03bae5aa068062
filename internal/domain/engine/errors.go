package engine

import "errors"

// Sentinel kinds for engine errors.
var (
	// ErrScoringTimeout marks a scoring call that blew its budget; the
	// loop recovers by reusing the last valid result flagged stale.
	ErrScoringTimeout = errors.New("scoring timeout")
)
