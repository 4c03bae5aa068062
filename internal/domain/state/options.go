package state

import (
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithReorderWindow caps how many out-of-sequence events are buffered.
func WithReorderWindow(n int) Option {
	return func(s *Store) {
		if n >= 0 {
			s.window = n
		}
	}
}

// WithReorderTimeout caps how long an out-of-sequence event is held.
func WithReorderTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithDrivers pre-seeds the grid so position numbering starts from the
// entry list rather than first-event order.
func WithDrivers(ids []string) Option {
	return func(s *Store) {
		for i, id := range ids {
			s.drivers[id] = &model.DriverState{
				DriverID: id,
				Position: i + 1,
				Tire:     model.CompoundMedium,
			}
		}
	}
}

// WithClock overrides the time source. Tests only.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}
