package broadcast

import "errors"

// Sentinel kinds for broadcaster errors.
var (
	ErrSessionEnded = errors.New("session broadcast ended")
)
