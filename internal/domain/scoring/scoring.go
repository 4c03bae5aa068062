// Package scoring defines the pluggable model contract the probability
// engine depends on, plus the baseline model shipped with the service.
//
// A Model must be safely callable concurrently across sessions: it is a
// shared read-only capability and is never mutated by the engine.
package scoring

import (
	"context"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// DriverFeatures is one driver's slice of the raw feature vector.
type DriverFeatures struct {
	DriverID  string
	Position  int
	Gap       float64 // seconds to leader
	PaceDelta float64 // seconds per lap vs best pace in the field
	TireAge   int
	PitStops  int
	Retired   bool
	Uncertain bool
}

// Features is the raw feature vector extracted from one snapshot.
type Features struct {
	SessionID   string
	SnapshotSeq uint64
	Track       model.TrackStatus
	Rainfall    bool
	Drivers     []DriverFeatures
}

// Model is the injected scoring capability: feature extraction plus
// prediction, both synchronous. Implementations are versioned so results
// can be traced back to the model that produced them.
type Model interface {
	// Version identifies the model build.
	Version() string

	// Score extracts the raw feature vector from a snapshot.
	Score(ctx context.Context, snap model.SessionSnapshot) (Features, error)

	// Predict turns a feature vector into a probability result.
	Predict(ctx context.Context, f Features) (model.ProbabilityResult, error)
}
