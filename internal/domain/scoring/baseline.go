package scoring

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
)

// Baseline model defaults. Temperatures are in gap-seconds: larger values
// flatten the field, which is what cautions do in practice.
const (
	defaultGreenTemperature   = 12.0
	defaultCautionTemperature = 40.0
	defaultPaceWeight         = 8.0 // seconds of effective gap per second/lap of pace deficit
	defaultTireAgePenalty     = 0.4 // effective gap seconds per lap beyond the cliff
	defaultTireCliffLaps      = 18
	podiumPlaces              = 3
)

// BaselineModel is a deterministic gap/pace model used when no external
// scoring capability is wired in. Win probabilities come from a softmax
// over driver strengths; podium probabilities from the Plackett-Luce
// top-three expansion of the same strengths.
type BaselineModel struct {
	greenTemp   float64
	cautionTemp float64
	paceWeight  float64
	agePenalty  float64
	cliffLaps   int
	version     string
}

// BaselineOption applies a configuration option to the BaselineModel.
type BaselineOption func(*BaselineModel)

// WithGreenTemperature sets the softmax temperature under green flag.
func WithGreenTemperature(t float64) BaselineOption {
	return func(m *BaselineModel) {
		if t > 0 {
			m.greenTemp = t
		}
	}
}

// WithCautionTemperature sets the softmax temperature under SC/VSC/yellow.
func WithCautionTemperature(t float64) BaselineOption {
	return func(m *BaselineModel) {
		if t > 0 {
			m.cautionTemp = t
		}
	}
}

// WithPaceWeight sets how many effective gap seconds one second/lap of
// pace deficit is worth.
func WithPaceWeight(w float64) BaselineOption {
	return func(m *BaselineModel) {
		if w >= 0 {
			m.paceWeight = w
		}
	}
}

// WithTirePenalty sets the per-lap penalty beyond the tire cliff.
func WithTirePenalty(perLap float64, cliffLaps int) BaselineOption {
	return func(m *BaselineModel) {
		if perLap >= 0 {
			m.agePenalty = perLap
		}
		if cliffLaps > 0 {
			m.cliffLaps = cliffLaps
		}
	}
}

// NewBaselineModel creates the built-in model with options applied.
func NewBaselineModel(opts ...BaselineOption) *BaselineModel {
	m := &BaselineModel{
		greenTemp:   defaultGreenTemperature,
		cautionTemp: defaultCautionTemperature,
		paceWeight:  defaultPaceWeight,
		agePenalty:  defaultTireAgePenalty,
		cliffLaps:   defaultTireCliffLaps,
		version:     "baseline-1",
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Version identifies the model build.
func (m *BaselineModel) Version() string { return m.version }

// Score extracts gap, pace and tire features from the snapshot.
func (m *BaselineModel) Score(ctx context.Context, snap model.SessionSnapshot) (Features, error) {
	select {
	case <-ctx.Done():
		return Features{}, fmt.Errorf("scoring cancelled: %w", ctx.Err())
	default:
	}

	bestPace := math.Inf(1)
	for i := range snap.Drivers {
		d := &snap.Drivers[i]
		if !d.Retired && d.Pace > 0 && d.Pace < bestPace {
			bestPace = d.Pace
		}
	}

	f := Features{
		SessionID:   snap.SessionID,
		SnapshotSeq: snap.Seq,
		Track:       snap.Track,
		Rainfall:    snap.Weather.Rainfall,
		Drivers:     make([]DriverFeatures, 0, len(snap.Drivers)),
	}
	for i := range snap.Drivers {
		d := &snap.Drivers[i]
		df := DriverFeatures{
			DriverID:  d.DriverID,
			Position:  d.Position,
			Gap:       d.GapToLeader,
			TireAge:   d.TireAge,
			PitStops:  d.PitStops,
			Retired:   d.Retired,
			Uncertain: d.Uncertain,
		}
		if !d.Retired && d.Pace > 0 && !math.IsInf(bestPace, 1) {
			df.PaceDelta = d.Pace - bestPace
		}
		f.Drivers = append(f.Drivers, df)
	}
	return f, nil
}

// Predict converts the feature vector into win/podium probabilities.
func (m *BaselineModel) Predict(ctx context.Context, f Features) (model.ProbabilityResult, error) {
	select {
	case <-ctx.Done():
		return model.ProbabilityResult{}, fmt.Errorf("prediction cancelled: %w", ctx.Err())
	default:
	}

	temp := m.greenTemp
	if f.Track != model.TrackGreen {
		temp = m.cautionTemp
	}
	if f.Rainfall {
		// Rain widens outcomes regardless of flag state.
		temp *= 1.5
	}

	// Softmax over strengths for the non-retired field.
	weights := make([]float64, len(f.Drivers))
	var sum float64
	for i := range f.Drivers {
		d := &f.Drivers[i]
		if d.Retired {
			continue
		}
		strength := -d.Gap - m.paceWeight*d.PaceDelta
		if over := d.TireAge - m.cliffLaps; over > 0 {
			strength -= m.agePenalty * float64(over)
		}
		weights[i] = math.Exp(strength / temp)
		sum += weights[i]
	}

	result := model.ProbabilityResult{
		SessionID:   f.SessionID,
		SnapshotSeq: f.SnapshotSeq,
		ComputedAt:  time.Now().UTC(),
		Drivers:     make([]model.DriverProbability, len(f.Drivers)),
	}
	if sum <= 0 {
		// Nobody left running: all-zero result.
		for i := range f.Drivers {
			result.Drivers[i] = model.DriverProbability{
				DriverID: f.Drivers[i].DriverID,
				Retired:  f.Drivers[i].Retired,
			}
		}
		return result, nil
	}
	for i := range weights {
		weights[i] /= sum
	}

	podium := plackettLuceTopK(weights, podiumPlaces)
	for i := range f.Drivers {
		result.Drivers[i] = model.DriverProbability{
			DriverID: f.Drivers[i].DriverID,
			Win:      weights[i],
			Podium:   podium[i],
			Retired:  f.Drivers[i].Retired,
		}
	}

	Rank(&result)
	return result, nil
}

// plackettLuceTopK returns, per index, the probability of finishing in the
// top k places when finishing order follows a Plackett-Luce draw over the
// (already normalized) weights. k is small, so the cubic expansion is fine
// for a race-sized field.
func plackettLuceTopK(w []float64, k int) []float64 {
	n := len(w)
	top := make([]float64, n)
	if k <= 0 {
		return top
	}

	// P(1st = i)
	for i := 0; i < n; i++ {
		top[i] = w[i]
	}
	if k == 1 {
		return top
	}

	// P(2nd = i) = sum_j w_j * w_i/(1-w_j)
	for i := 0; i < n; i++ {
		if w[i] == 0 {
			continue
		}
		var p float64
		for j := 0; j < n; j++ {
			if j == i || w[j] == 0 || w[j] >= 1 {
				continue
			}
			p += w[j] * w[i] / (1 - w[j])
		}
		top[i] += p
	}
	if k == 2 {
		return top
	}

	// P(3rd = i) = sum_{j,l} w_j * w_l/(1-w_j) * w_i/(1-w_j-w_l)
	for i := 0; i < n; i++ {
		if w[i] == 0 {
			continue
		}
		var p float64
		for j := 0; j < n; j++ {
			if j == i || w[j] == 0 {
				continue
			}
			for l := 0; l < n; l++ {
				if l == i || l == j || w[l] == 0 {
					continue
				}
				rest := 1 - w[j] - w[l]
				if rest <= 0 {
					continue
				}
				p += w[j] * (w[l] / (1 - w[j])) * (w[i] / rest)
			}
		}
		top[i] += p
	}
	return top
}

// Rank orders drivers by win probability descending (id ascending on
// ties), assigns predicted positions, and fills confidence as the chance of
// winning among the drivers not yet placed. The engine re-ranks after
// smoothing, so this lives on the package rather than the model.
func Rank(r *model.ProbabilityResult) {
	sort.Slice(r.Drivers, func(i, j int) bool {
		a, b := &r.Drivers[i], &r.Drivers[j]
		if a.Win != b.Win {
			return a.Win > b.Win
		}
		return a.DriverID < b.DriverID
	})
	remaining := 1.0
	for i := range r.Drivers {
		d := &r.Drivers[i]
		d.Predicted = i + 1
		if remaining > 1e-12 && d.Win > 0 {
			d.Confidence = d.Win / remaining
		}
		remaining -= d.Win
	}
}
