package feedsim

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"time"
)

// frame is one race-dialect wire payload plus its sequence for shuffling.
type frame struct {
	seq  uint64
	body []byte
}

// simDriver carries the per-driver race model: a base lap pace with noise,
// a pit window, and cumulative race time for deriving positions.
type simDriver struct {
	id        string
	basePace  float64
	totalTime float64
	lastLap   float64
	pitLap    int
	compound  string
}

type racePayload struct {
	SessionID string `json:"session_id"`
	Seq       uint64 `json:"seq"`
	TS        string `json:"ts"`
	Type      string `json:"type"`
	DriverID  string `json:"driver_id,omitempty"`
	Data      any    `json:"data,omitempty"`
}

// generateRace produces a full race worth of frames in feed order: per lap,
// one lap_time per driver plus occasional pit stops and track status flips.
func generateRace(cfg *Config, rng *rand.Rand) []frame {
	drivers := make([]*simDriver, cfg.Drivers)
	for i := range drivers {
		drivers[i] = &simDriver{
			id:       fmt.Sprintf("car-%02d", i+1),
			basePace: 90.0 + rng.Float64()*2.5,
			pitLap:   cfg.Laps/3 + rng.Intn(cfg.Laps/3+1),
			compound: "medium",
		}
	}

	var (
		frames []frame
		seq    uint64
		wall   = time.Now().UTC()
		status = "green"
	)
	emit := func(typ, driverID string, data any) {
		seq++
		body, _ := json.Marshal(racePayload{
			SessionID: cfg.SessionID,
			Seq:       seq,
			TS:        wall.Format(time.RFC3339Nano),
			Type:      typ,
			DriverID:  driverID,
			Data:      data,
		})
		frames = append(frames, frame{seq: seq, body: body})
	}

	emit("track_status", "", map[string]any{"status": "green"})

	for lap := 1; lap <= cfg.Laps; lap++ {
		// Rare caution periods slow the whole field down.
		if status == "green" && rng.Intn(20) == 0 {
			status = "yellow"
			emit("track_status", "", map[string]any{"status": status})
		} else if status != "green" && rng.Intn(3) == 0 {
			status = "green"
			emit("track_status", "", map[string]any{"status": status})
		}

		for _, d := range drivers {
			lapTime := d.basePace + rng.Float64()*1.2
			if status != "green" {
				lapTime += 25 + rng.Float64()*5
			}
			if lap == d.pitLap {
				stationary := 2.2 + rng.Float64()
				lapTime += 20 + stationary
				emit("pit_stop", d.id, map[string]any{"lap": lap, "stationary_secs": stationary})
				d.compound = "hard"
				emit("tire_change", d.id, map[string]any{"compound": d.compound, "age_laps": 0})
			}
			d.lastLap = lapTime
			d.totalTime += lapTime
		}

		// Order the field by cumulative time to report position and gap.
		order := append([]*simDriver(nil), drivers...)
		sort.Slice(order, func(i, j int) bool { return order[i].totalTime < order[j].totalTime })
		leader := order[0].totalTime
		for pos, d := range order {
			emit("lap_time", d.id, map[string]any{
				"lap":           lap,
				"lap_seconds":   d.lastLap,
				"gap_to_leader": d.totalTime - leader,
				"position":      pos + 1,
			})
		}
		wall = wall.Add(time.Duration(order[0].lastLap * float64(time.Second)))
	}

	return frames
}

// shuffleFrames swaps a percentage of adjacent frame pairs so the feed
// arrives slightly out of order, the way real provider feeds do.
func shuffleFrames(frames []frame, pct int, rng *rand.Rand) {
	if pct <= 0 {
		return
	}
	for i := 0; i+1 < len(frames); i++ {
		if rng.Intn(100) < pct {
			frames[i], frames[i+1] = frames[i+1], frames[i]
		}
	}
}
