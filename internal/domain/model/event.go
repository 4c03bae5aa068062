// Package model contains domain types passed between pipeline stages.
package model

import (
	"strconv"
	"time"
)

// TrackStatus enumerates the flag state of the circuit.
type TrackStatus string

// Track status values as carried on the canonical feed.
const (
	TrackGreen     TrackStatus = "green"
	TrackYellow    TrackStatus = "yellow"
	TrackSafetyCar TrackStatus = "safety_car"
	TrackVSC       TrackStatus = "vsc"
	TrackRedFlag   TrackStatus = "red_flag"
)

// Valid reports whether s is one of the known track statuses.
func (s TrackStatus) Valid() bool {
	switch s {
	case TrackGreen, TrackYellow, TrackSafetyCar, TrackVSC, TrackRedFlag:
		return true
	}
	return false
}

// EventType tags the variant carried by a RaceEvent.
type EventType string

// Canonical event variants.
const (
	TypeLapTime        EventType = "lap_time"
	TypeSectorTime     EventType = "sector_time"
	TypePitStop        EventType = "pit_stop"
	TypeTireChange     EventType = "tire_change"
	TypeTrackStatus    EventType = "track_status"
	TypeWeather        EventType = "weather"
	TypeRetirement     EventType = "retirement"
	TypePositionChange EventType = "position_change"
)

// TireCompound identifies the fitted tire set.
type TireCompound string

// Compounds seen on the feeds we normalize.
const (
	CompoundSoft         TireCompound = "soft"
	CompoundMedium       TireCompound = "medium"
	CompoundHard         TireCompound = "hard"
	CompoundIntermediate TireCompound = "intermediate"
	CompoundWet          TireCompound = "wet"
)

// LapTimePayload carries a completed lap.
type LapTimePayload struct {
	Lap         int     `json:"lap"`
	LapSeconds  float64 `json:"lap_seconds"`
	GapToLeader float64 `json:"gap_to_leader"` // seconds behind the leader at the line
	Position    int     `json:"position"`
}

// SectorTimePayload carries a completed sector.
type SectorTimePayload struct {
	Lap           int     `json:"lap"`
	Sector        int     `json:"sector"` // 1..3
	SectorSeconds float64 `json:"sector_seconds"`
}

// PitStopPayload carries a completed pit stop.
type PitStopPayload struct {
	Lap             int     `json:"lap"`
	StationarySecs  float64 `json:"stationary_secs"`
	PitLaneDuration float64 `json:"pit_lane_duration"`
}

// TireChangePayload carries a compound change, usually paired with a pit stop.
type TireChangePayload struct {
	Compound TireCompound `json:"compound"`
	AgeLaps  int          `json:"age_laps"` // laps already on the set when fitted (0 for new)
}

// TrackStatusPayload carries a flag-state change for the whole circuit.
type TrackStatusPayload struct {
	Status TrackStatus `json:"status"`
}

// WeatherPayload carries a periodic weather sample.
type WeatherPayload struct {
	AirTempC   float64 `json:"air_temp_c"`
	TrackTempC float64 `json:"track_temp_c"`
	Rainfall   bool    `json:"rainfall"`
	WindKPH    float64 `json:"wind_kph"`
}

// RetirementPayload marks a driver out of the session.
type RetirementPayload struct {
	Lap    int    `json:"lap"`
	Reason string `json:"reason"`
}

// PositionChangePayload carries an explicit running-order update.
type PositionChangePayload struct {
	Position    int     `json:"position"`
	GapToLeader float64 `json:"gap_to_leader"`
}

// RaceEvent is the canonical, normalized feed event. Exactly one payload
// pointer is set, matching Type. DriverID is empty for track-wide events
// (track status, weather).
type RaceEvent struct {
	SessionID string
	Seq       uint64 // monotonic feed sequence number
	Wall      time.Time
	Type      EventType
	DriverID  string

	LapTime        *LapTimePayload
	Sector         *SectorTimePayload
	PitStop        *PitStopPayload
	TireChange     *TireChangePayload
	TrackStatus    *TrackStatusPayload
	Weather        *WeatherPayload
	Retirement     *RetirementPayload
	PositionChange *PositionChangePayload
}

// TrackWide reports whether the event applies to the whole session rather
// than a single driver.
func (e *RaceEvent) TrackWide() bool {
	return e.Type == TypeTrackStatus || e.Type == TypeWeather
}

// ID returns a feed-unique identifier for idempotency tracking.
func (e *RaceEvent) ID() string {
	return e.SessionID + ":" + strconv.FormatUint(e.Seq, 10)
}
