package model

import "time"

// DriverState is the per-driver mutable record owned by the state store.
// Everything outside the store sees copies only.
type DriverState struct {
	DriverID    string
	Position    int
	GapToLeader float64 // seconds; 0 for the leader
	LastLap     float64
	BestLap     float64
	LapsDone    int
	Tire        TireCompound
	TireAge     int // laps on the current set
	PitStops    int
	Retired     bool
	Pace        float64 // exponentially weighted lap pace, seconds
	Uncertain   bool    // a late-arriving event touched this driver
}

// SessionSnapshot is an immutable copy of a session's state at a point in
// the event stream. Seq increases by exactly one per produced snapshot.
type SessionSnapshot struct {
	SessionID     string
	Seq           uint64
	Track         TrackStatus
	Clock         time.Duration
	TakenAt       time.Time
	StatusChanged bool // produced by a track-status transition
	Weather       WeatherPayload
	Drivers       []DriverState
}

// Driver returns the state for id, or nil if unknown.
func (s *SessionSnapshot) Driver(id string) *DriverState {
	for i := range s.Drivers {
		if s.Drivers[i].DriverID == id {
			return &s.Drivers[i]
		}
	}
	return nil
}

// Leader returns the non-retired driver in position 1, or nil.
func (s *SessionSnapshot) Leader() *DriverState {
	for i := range s.Drivers {
		if s.Drivers[i].Position == 1 && !s.Drivers[i].Retired {
			return &s.Drivers[i]
		}
	}
	return nil
}

// DriverProbability is one driver's slice of a ProbabilityResult, ranked by
// win probability within the result.
type DriverProbability struct {
	DriverID   string  `json:"driver_id"`
	Win        float64 `json:"win"`
	Podium     float64 `json:"podium"`
	Predicted  int     `json:"predicted_position"`
	Confidence float64 `json:"confidence"`
	Retired    bool    `json:"retired,omitempty"`
}

// ProbabilityResult is the engine output for one snapshot. Drivers are
// ordered by win probability descending, driver id ascending on ties.
type ProbabilityResult struct {
	SessionID   string              `json:"session_id"`
	SnapshotSeq uint64              `json:"snapshot_seq"`
	ComputedAt  time.Time           `json:"computed_at"`
	Stale       bool                `json:"stale,omitempty"` // reused after a scoring timeout
	Drivers     []DriverProbability `json:"drivers"`
}

// WinSum returns the total win probability mass across non-retired drivers.
func (r *ProbabilityResult) WinSum() float64 {
	var sum float64
	for i := range r.Drivers {
		if !r.Drivers[i].Retired {
			sum += r.Drivers[i].Win
		}
	}
	return sum
}
