package session

import (
	"time"

	"github.com/pitwall/racepulse/pkg/logger"
)

// Option applies a configuration option to the Manager.
type Option func(*Manager)

// WithReorderWindow sets the per-session out-of-sequence buffer size.
func WithReorderWindow(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.reorderWindow = n
		}
	}
}

// WithReorderTimeout sets how long an out-of-sequence event is held.
func WithReorderTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.reorderTimeout = d
		}
	}
}

// WithSessionBacklog sets the per-session pipeline channel depth.
func WithSessionBacklog(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.backlog = n
		}
	}
}

// WithIdleSuspend sets the no-event period after which a live session is
// auto-suspended. Zero disables the policy.
func WithIdleSuspend(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.idleSuspend = d
		}
	}
}

// WithGraceQueue bounds the events parked for not-yet-created sessions and
// how long they wait before being dropped.
func WithGraceQueue(size int, timeout time.Duration) Option {
	return func(m *Manager) {
		if size > 0 {
			m.graceSize = size
		}
		if timeout > 0 {
			m.graceTimeout = timeout
		}
	}
}

// WithRetention sets how long terminal sessions stay in the registry.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.retention = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}
