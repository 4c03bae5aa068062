package normalize

import "errors"

// Sentinel kinds for normalizer errors.
var (
	ErrMalformedEvent = errors.New("malformed event")
	ErrUnknownDialect = errors.New("unknown feed dialect")
)
