package normalize

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// Dialect names accepted on the ingest endpoint.
const (
	DialectRace       = "race"
	DialectQualifying = "qualifying"
	DialectPractice   = "practice"
)

// raceAdapter parses the race-weekend timing feed: snake_case envelope with
// a nested per-variant data object.
type raceAdapter struct{}

func newRaceAdapter() *raceAdapter { return &raceAdapter{} }

func (a *raceAdapter) Dialect() string { return DialectRace }

type raceEnvelope struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	TS        string          `json:"ts"`
	Type      string          `json:"type"`
	DriverID  string          `json:"driver_id"`
	Data      json.RawMessage `json:"data"`
}

func (a *raceAdapter) Parse(raw []byte) (model.RaceEvent, error) {
	var env raceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.RaceEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	wall, err := parseWall(env.TS)
	if err != nil {
		return model.RaceEvent{}, err
	}
	e := model.RaceEvent{
		SessionID: env.SessionID,
		Seq:       env.Seq,
		Wall:      wall,
		Type:      model.EventType(env.Type),
		DriverID:  env.DriverID,
	}
	if err := decodePayload(&e, env.Data); err != nil {
		return model.RaceEvent{}, err
	}
	if err := validateEvent(&e); err != nil {
		return model.RaceEvent{}, err
	}
	return e, nil
}

// qualifyingAdapter parses the qualifying timing feed: camelCase keys and a
// flattened payload on the envelope itself.
type qualifyingAdapter struct{}

func newQualifyingAdapter() *qualifyingAdapter { return &qualifyingAdapter{} }

func (a *qualifyingAdapter) Dialect() string { return DialectQualifying }

type qualifyingEnvelope struct {
	SessionID string  `json:"sessionId"`
	Sequence  uint64  `json:"sequence"`
	Timestamp string  `json:"timestamp"`
	Kind      string  `json:"kind"`
	CarID     string  `json:"carId"`
	Lap       int     `json:"lap"`
	LapTime   float64 `json:"lapTime"`
	Sector    int     `json:"sector"`
	Time      float64 `json:"time"`
	Gap       float64 `json:"gap"`
	Position  int     `json:"position"`
	Compound  string  `json:"compound"`
	Status    string  `json:"status"`
	Reason    string  `json:"reason"`
}

func (a *qualifyingAdapter) Parse(raw []byte) (model.RaceEvent, error) {
	var env qualifyingEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.RaceEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	wall, err := parseWall(env.Timestamp)
	if err != nil {
		return model.RaceEvent{}, err
	}
	e := model.RaceEvent{
		SessionID: env.SessionID,
		Seq:       env.Sequence,
		Wall:      wall,
		Type:      model.EventType(env.Kind),
		DriverID:  env.CarID,
	}
	switch e.Type {
	case model.TypeLapTime:
		e.LapTime = &model.LapTimePayload{
			Lap:         env.Lap,
			LapSeconds:  env.LapTime,
			GapToLeader: env.Gap,
			Position:    env.Position,
		}
	case model.TypeSectorTime:
		e.Sector = &model.SectorTimePayload{Lap: env.Lap, Sector: env.Sector, SectorSeconds: env.Time}
	case model.TypePitStop:
		e.PitStop = &model.PitStopPayload{Lap: env.Lap, StationarySecs: env.Time}
	case model.TypeTireChange:
		e.TireChange = &model.TireChangePayload{Compound: model.TireCompound(env.Compound)}
	case model.TypeTrackStatus:
		e.TrackStatus = &model.TrackStatusPayload{Status: model.TrackStatus(env.Status)}
	case model.TypeWeather:
		// Qualifying feed does not carry weather; anything tagged so is junk.
		return model.RaceEvent{}, fmt.Errorf("qualifying feed has no weather variant")
	case model.TypeRetirement:
		e.Retirement = &model.RetirementPayload{Lap: env.Lap, Reason: env.Reason}
	case model.TypePositionChange:
		e.PositionChange = &model.PositionChangePayload{Position: env.Position, GapToLeader: env.Gap}
	}
	if err := validateEvent(&e); err != nil {
		return model.RaceEvent{}, err
	}
	return e, nil
}

// practiceAdapter parses the free-practice feed, which reuses the race
// envelope but tags timestamps as unix milliseconds.
type practiceAdapter struct{}

func newPracticeAdapter() *practiceAdapter { return &practiceAdapter{} }

func (a *practiceAdapter) Dialect() string { return DialectPractice }

type practiceEnvelope struct {
	SessionID string          `json:"session_id"`
	Seq       uint64          `json:"seq"`
	UnixMS    int64           `json:"unix_ms"`
	Type      string          `json:"type"`
	DriverID  string          `json:"driver_id"`
	Data      json.RawMessage `json:"data"`
}

func (a *practiceAdapter) Parse(raw []byte) (model.RaceEvent, error) {
	var env practiceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return model.RaceEvent{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.UnixMS <= 0 {
		return model.RaceEvent{}, fmt.Errorf("missing unix_ms timestamp")
	}
	e := model.RaceEvent{
		SessionID: env.SessionID,
		Seq:       env.Seq,
		Wall:      time.UnixMilli(env.UnixMS).UTC(),
		Type:      model.EventType(env.Type),
		DriverID:  env.DriverID,
	}
	if err := decodePayload(&e, env.Data); err != nil {
		return model.RaceEvent{}, err
	}
	if err := validateEvent(&e); err != nil {
		return model.RaceEvent{}, err
	}
	return e, nil
}

// decodePayload unmarshals the nested data object into the payload slot
// matching the event type.
func decodePayload(e *model.RaceEvent, data json.RawMessage) error {
	if len(data) == 0 {
		return fmt.Errorf("missing data payload for %s", e.Type)
	}
	var dst any
	switch e.Type {
	case model.TypeLapTime:
		e.LapTime = &model.LapTimePayload{}
		dst = e.LapTime
	case model.TypeSectorTime:
		e.Sector = &model.SectorTimePayload{}
		dst = e.Sector
	case model.TypePitStop:
		e.PitStop = &model.PitStopPayload{}
		dst = e.PitStop
	case model.TypeTireChange:
		e.TireChange = &model.TireChangePayload{}
		dst = e.TireChange
	case model.TypeTrackStatus:
		e.TrackStatus = &model.TrackStatusPayload{}
		dst = e.TrackStatus
	case model.TypeWeather:
		e.Weather = &model.WeatherPayload{}
		dst = e.Weather
	case model.TypeRetirement:
		e.Retirement = &model.RetirementPayload{}
		dst = e.Retirement
	case model.TypePositionChange:
		e.PositionChange = &model.PositionChangePayload{}
		dst = e.PositionChange
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Type, err)
	}
	return nil
}

func parseWall(ts string) (time.Time, error) {
	if ts == "" {
		return time.Time{}, fmt.Errorf("missing timestamp")
	}
	wall, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ts, err)
	}
	return wall.UTC(), nil
}
