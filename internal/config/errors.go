package config

import "errors"

// Sentinel error kinds for this package, checked via errors.Is.
var (
	ErrInvalidConfig = errors.New("invalid config")
	ErrLoadConfig    = errors.New("load config failed")
)
