// Package engine turns session snapshots into probability results.
//
// The engine keeps one compute loop per session. Snapshots are offered to a
// latest-value slot: when scoring cannot keep up, superseded snapshots are
// discarded and only the newest is scored. Track-status snapshots bypass
// coalescing entirely; they are queued separately and always scored.
package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
	"github.com/pitwall/racepulse/internal/domain/scoring"
	"github.com/pitwall/racepulse/pkg/logger"
	"github.com/pitwall/racepulse/pkg/metrics"
)

// Defaults for the compute loop.
const (
	defaultScoringBudget = 200 * time.Millisecond
	defaultMaxDelta      = 0.15
	defaultDrainTimeout  = 2 * time.Second
	winSumEpsilon        = 1e-9
)

// Publisher receives computed results, in snapshot-sequence order per
// session. The broadcaster implements it.
type Publisher interface {
	Publish(ctx context.Context, result model.ProbabilityResult)
}

// Engine holds the shared scoring capability and per-loop configuration.
type Engine struct {
	model    scoring.Model
	budget   time.Duration
	maxDelta float64
	logger   logger.Logger
}

// Option applies a configuration option to the Engine.
type Option func(*Engine)

// WithScoringBudget bounds one scoring call; beyond it the loop reuses the
// last valid result flagged stale.
func WithScoringBudget(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.budget = d
		}
	}
}

// WithMaxDelta caps per-tick probability movement (0..1).
func WithMaxDelta(delta float64) Option {
	return func(e *Engine) {
		if delta > 0 && delta <= 1 {
			e.maxDelta = delta
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New creates an Engine around the injected model. The model must be safe
// for concurrent use across sessions; the engine never mutates it.
func New(mdl scoring.Model, opts ...Option) *Engine {
	e := &Engine{
		model:    mdl,
		budget:   defaultScoringBudget,
		maxDelta: defaultMaxDelta,
		logger:   logger.Get().Named("engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Loop is the per-session compute loop.
type Loop struct {
	engine    *Engine
	sessionID string
	publisher Publisher

	mu     sync.Mutex
	latest *model.SessionSnapshot   // newest coalescable snapshot, nil if consumed
	forced []model.SessionSnapshot  // status-change snapshots, never coalesced
	last   *model.ProbabilityResult // last valid result, for smoothing and stale reuse

	signal chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// NewLoop creates the compute loop for one session. Start must be called
// before snapshots are offered.
func (e *Engine) NewLoop(sessionID string, pub Publisher) *Loop {
	return &Loop{
		engine:    e,
		sessionID: sessionID,
		publisher: pub,
		signal:    make(chan struct{}, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start runs the loop until ctx is cancelled or Drain/Stop is called.
func (l *Loop) Start(ctx context.Context) {
	go l.run(ctx)
}

// Offer hands a snapshot to the loop. Status-change snapshots are queued
// for unconditional scoring; others replace whatever unscored snapshot is
// waiting, counting the replaced one as coalesced.
func (l *Loop) Offer(snap model.SessionSnapshot) {
	l.mu.Lock()
	if snap.StatusChanged {
		l.forced = append(l.forced, snap)
		metrics.RecordForcedRecompute()
	} else {
		if l.latest != nil {
			metrics.RecordSnapshotCoalesced()
		}
		l.latest = &snap
	}
	l.mu.Unlock()

	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Last returns the most recent valid result, or nil before the first one.
func (l *Loop) Last() *model.ProbabilityResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	cp := *l.last
	cp.Drivers = append([]model.DriverProbability(nil), l.last.Drivers...)
	return &cp
}

// Drain scores whatever is still queued, then stops the loop. Used on
// session termination so the final snapshot yields a final result.
func (l *Loop) Drain(ctx context.Context) {
	// Nudge the loop in case everything was already consumed.
	select {
	case l.signal <- struct{}{}:
	default:
	}
	close(l.stop)
	select {
	case <-l.done:
	case <-time.After(defaultDrainTimeout):
		l.engine.logger.Warn(ctx, "engine loop drain timed out",
			logger.String("session", l.sessionID))
	case <-ctx.Done():
	}
}

func (l *Loop) run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.stop:
			// Final pass over anything still queued, then exit.
			for l.scoreNext(ctx) {
			}
			return
		case <-l.signal:
			for l.scoreNext(ctx) {
				// Keep scoring while snapshots are queued; a forced
				// snapshot must not wait behind the signal channel.
			}
		}
	}
}

// scoreNext takes one queued snapshot and scores it. Returns false when
// nothing was queued.
func (l *Loop) scoreNext(ctx context.Context) bool {
	snap, ok := l.take()
	if !ok {
		return false
	}
	l.compute(ctx, snap)
	return true
}

// take pops the next snapshot: forced ones first, then the latest slot.
func (l *Loop) take() (model.SessionSnapshot, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.forced) > 0 {
		snap := l.forced[0]
		l.forced = l.forced[1:]
		return snap, true
	}
	if l.latest != nil {
		snap := *l.latest
		l.latest = nil
		return snap, true
	}
	return model.SessionSnapshot{}, false
}

// compute runs the model inside the scoring budget, smooths against the
// previous result, and publishes.
func (l *Loop) compute(ctx context.Context, snap model.SessionSnapshot) {
	start := time.Now()
	result, err := l.score(ctx, snap)
	metrics.RecordScoringLatency(float64(time.Since(start).Milliseconds()))

	if err != nil {
		if ctx.Err() != nil {
			return // session shutting down, nothing to publish
		}
		metrics.RecordScoringTimeout()
		l.engine.logger.Warn(ctx, "scoring failed; reusing last result",
			logger.String("session", l.sessionID),
			logger.Uint64("snapshot", snap.Seq),
			logger.Error(err),
		)
		stale := l.staleResult(snap)
		if stale == nil {
			return // nothing valid to reuse yet
		}
		l.publisher.Publish(ctx, *stale)
		return
	}

	smoothed := l.smooth(result, snap.StatusChanged)

	l.mu.Lock()
	l.last = &smoothed
	l.mu.Unlock()

	metrics.RecordResultComputed()
	l.publisher.Publish(ctx, smoothed)
}

// score calls the model with the budget enforced even if the model ignores
// context cancellation.
func (l *Loop) score(ctx context.Context, snap model.SessionSnapshot) (model.ProbabilityResult, error) {
	budgetCtx, cancel := context.WithTimeout(ctx, l.engine.budget)
	defer cancel()

	type outcome struct {
		result model.ProbabilityResult
		err    error
	}
	ch := make(chan outcome, 1)
	go func() {
		features, err := l.engine.model.Score(budgetCtx, snap)
		if err != nil {
			ch <- outcome{err: err}
			return
		}
		result, err := l.engine.model.Predict(budgetCtx, features)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case out := <-ch:
		if out.err != nil {
			return model.ProbabilityResult{}, out.err
		}
		return out.result, nil
	case <-budgetCtx.Done():
		return model.ProbabilityResult{}, ErrScoringTimeout
	}
}

// staleResult rebadges the last valid result for the snapshot that failed
// to score.
func (l *Loop) staleResult(snap model.SessionSnapshot) *model.ProbabilityResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	stale := *l.last
	stale.Drivers = append([]model.DriverProbability(nil), l.last.Drivers...)
	stale.SnapshotSeq = snap.Seq
	stale.ComputedAt = time.Now().UTC()
	stale.Stale = true
	return &stale
}

// smooth clamps probabilities to [0,1], caps per-tick movement against the
// previous result, and renormalizes the win category to sum to one across
// the non-retired field. The delta cap is lifted when the snapshot carries
// a track-status change; retirement zeroing bypasses it entirely.
func (l *Loop) smooth(result model.ProbabilityResult, statusChanged bool) model.ProbabilityResult {
	l.mu.Lock()
	prev := l.last
	l.mu.Unlock()

	capDelta := l.engine.maxDelta
	if statusChanged || prev == nil {
		capDelta = 1.0
	}

	prevWin := make(map[string]float64)
	prevPodium := make(map[string]float64)
	if prev != nil {
		for i := range prev.Drivers {
			d := &prev.Drivers[i]
			prevWin[d.DriverID] = d.Win
			prevPodium[d.DriverID] = d.Podium
		}
	}

	var winSum float64
	for i := range result.Drivers {
		d := &result.Drivers[i]
		if d.Retired {
			d.Win = 0
			d.Podium = 0
			continue
		}
		d.Win = clamp01(bounded(prevWin, d.DriverID, d.Win, capDelta))
		d.Podium = clamp01(bounded(prevPodium, d.DriverID, d.Podium, capDelta))
		winSum += d.Win
	}
	if winSum > winSumEpsilon && math.Abs(winSum-1) > winSumEpsilon {
		for i := range result.Drivers {
			if !result.Drivers[i].Retired {
				result.Drivers[i].Win /= winSum
			}
		}
	}

	scoring.Rank(&result)
	return result
}

// bounded moves value toward target by at most capDelta from the previous
// value for id; drivers without history pass through.
func bounded(prev map[string]float64, id string, target, capDelta float64) float64 {
	old, ok := prev[id]
	if !ok {
		return target
	}
	switch {
	case target > old+capDelta:
		return old + capDelta
	case target < old-capDelta:
		return old - capDelta
	}
	return target
}

func clamp01(x float64) float64 {
	switch {
	case x < 0:
		return 0
	case x > 1:
		return 1
	}
	return x
}
