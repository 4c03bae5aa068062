// Package normalize converts raw feed payloads into canonical race events.
//
// Each feed dialect (race, qualifying, practice) has a fixed Adapter
// implementation selected by name; there is no runtime schema sniffing.
// Adapters hold parsing configuration only, so a Normalizer is safe to use
// from multiple goroutines feeding disjoint sessions.
package normalize

import (
	"context"
	"fmt"

	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/pkg/logger"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Adapter parses one feed dialect into canonical events.
type Adapter interface {
	// Dialect returns the name this adapter is registered under.
	Dialect() string

	// Parse converts one raw payload. Implementations must validate the
	// per-variant required fields and reject anything incomplete.
	Parse(raw []byte) (model.RaceEvent, error)
}

// Normalizer routes raw payloads to the adapter for their dialect.
type Normalizer struct {
	adapters map[string]Adapter
	logger   logger.Logger
}

// Option applies a configuration option to the Normalizer.
type Option func(*Normalizer)

// WithAdapter registers an adapter, replacing any previous one for the
// same dialect.
func WithAdapter(a Adapter) Option {
	return func(n *Normalizer) {
		if a != nil {
			n.adapters[a.Dialect()] = a
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(n *Normalizer) {
		if l != nil {
			n.logger = l
		}
	}
}

// New constructs a Normalizer with the three built-in dialect adapters
// registered. Options may replace or extend them.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		adapters: make(map[string]Adapter),
		logger:   logger.Get().Named("normalizer"),
	}
	for _, a := range []Adapter{newRaceAdapter(), newQualifyingAdapter(), newPracticeAdapter()} {
		n.adapters[a.Dialect()] = a
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Dialects returns the registered dialect names.
func (n *Normalizer) Dialects() []string {
	out := make([]string, 0, len(n.adapters))
	for d := range n.adapters {
		out = append(out, d)
	}
	return out
}

// Normalize parses one raw payload from the named dialect. Malformed input
// is reported as ErrMalformedEvent with a logged diagnostic; it never fails
// the stream.
func (n *Normalizer) Normalize(ctx context.Context, dialect string, raw []byte) (model.RaceEvent, error) {
	adapter, ok := n.adapters[dialect]
	if !ok {
		return model.RaceEvent{}, fmt.Errorf("%w: %s", ErrUnknownDialect, dialect)
	}

	event, err := adapter.Parse(raw)
	if err != nil {
		metrics.RecordEventMalformed(dialect)
		n.logger.Warn(ctx, "malformed feed payload dropped",
			logger.String("dialect", dialect),
			logger.Error(err),
		)
		return model.RaceEvent{}, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	metrics.RecordEventNormalized()
	return event, nil
}

// validateEvent enforces the per-variant required fields shared by all
// dialects. The payload pointer matching the type must be set and populated.
func validateEvent(e *model.RaceEvent) error {
	if e.SessionID == "" {
		return fmt.Errorf("missing session id")
	}
	if e.Seq == 0 {
		return fmt.Errorf("missing feed sequence number")
	}
	if e.Wall.IsZero() {
		return fmt.Errorf("missing event timestamp")
	}
	if !e.TrackWide() && e.DriverID == "" {
		return fmt.Errorf("missing driver id for %s", e.Type)
	}

	switch e.Type {
	case model.TypeLapTime:
		if e.LapTime == nil || e.LapTime.LapSeconds <= 0 || e.LapTime.Lap <= 0 {
			return fmt.Errorf("lap_time requires lap and a positive lap seconds")
		}
	case model.TypeSectorTime:
		if e.Sector == nil || e.Sector.Sector < 1 || e.Sector.Sector > 3 || e.Sector.SectorSeconds <= 0 {
			return fmt.Errorf("sector_time requires sector 1..3 and a positive time")
		}
	case model.TypePitStop:
		if e.PitStop == nil || e.PitStop.Lap <= 0 {
			return fmt.Errorf("pit_stop requires a lap")
		}
	case model.TypeTireChange:
		if e.TireChange == nil || e.TireChange.Compound == "" {
			return fmt.Errorf("tire_change requires a compound")
		}
	case model.TypeTrackStatus:
		if e.TrackStatus == nil || !e.TrackStatus.Status.Valid() {
			return fmt.Errorf("track_status requires a known status")
		}
	case model.TypeWeather:
		if e.Weather == nil {
			return fmt.Errorf("weather requires a sample payload")
		}
	case model.TypeRetirement:
		if e.Retirement == nil {
			return fmt.Errorf("retirement requires a payload")
		}
	case model.TypePositionChange:
		if e.PositionChange == nil || e.PositionChange.Position <= 0 {
			return fmt.Errorf("position_change requires a positive position")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}
