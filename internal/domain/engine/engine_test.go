package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	model "github.com/pitwall/racepulse/internal/domain/model"
	scoring "github.com/pitwall/racepulse/internal/domain/scoring"
	"github.com/pitwall/racepulse/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	_ = logger.Init()
}

// capturePublisher records everything published, in order.
type capturePublisher struct {
	mu      sync.Mutex
	results []model.ProbabilityResult
}

func (p *capturePublisher) Publish(_ context.Context, r model.ProbabilityResult) {
	p.mu.Lock()
	p.results = append(p.results, r)
	p.mu.Unlock()
}

func (p *capturePublisher) all() []model.ProbabilityResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ProbabilityResult(nil), p.results...)
}

func (p *capturePublisher) waitFor(n int, timeout time.Duration) []model.ProbabilityResult {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := p.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	return p.all()
}

// slowModel wraps the baseline model, blocking Score until released.
type slowModel struct {
	*scoring.BaselineModel
	delay time.Duration
}

func (m *slowModel) Score(ctx context.Context, snap model.SessionSnapshot) (scoring.Features, error) {
	select {
	case <-time.After(m.delay):
	case <-ctx.Done():
		return scoring.Features{}, ctx.Err()
	}
	return m.BaselineModel.Score(ctx, snap)
}

func snapAt(seq uint64, statusChanged bool, gap float64) model.SessionSnapshot {
	return model.SessionSnapshot{
		SessionID:     "race-1",
		Seq:           seq,
		Track:         model.TrackGreen,
		StatusChanged: statusChanged,
		Drivers: []model.DriverState{
			{DriverID: "car-16", Position: 1, GapToLeader: 0, Pace: 90.0},
			{DriverID: "car-44", Position: 2, GapToLeader: gap, Pace: 90.2},
		},
	}
}

func TestLoopComputesAndPublishes(t *testing.T) {
	Convey("Given a running compute loop", t, func() {
		pub := &capturePublisher{}
		eng := New(scoring.NewBaselineModel())
		loop := eng.NewLoop("race-1", pub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop.Start(ctx)

		Convey("When a snapshot is offered", func() {
			loop.Offer(snapAt(1, false, 2.0))
			results := pub.waitFor(1, time.Second)

			Convey("Then a result is published for it", func() {
				So(results, ShouldNotBeEmpty)
				So(results[0].SnapshotSeq, ShouldEqual, 1)
				So(results[0].Stale, ShouldBeFalse)
				So(results[0].WinSum(), ShouldAlmostEqual, 1.0, 1e-9)
			})

			Convey("And Last returns a copy of it", func() {
				last := loop.Last()
				So(last, ShouldNotBeNil)
				So(last.SnapshotSeq, ShouldEqual, 1)
			})
		})

		Convey("When the loop drains on termination", func() {
			loop.Offer(snapAt(1, false, 2.0))
			loop.Drain(ctx)

			Convey("Then the final snapshot was scored", func() {
				So(pub.all(), ShouldNotBeEmpty)
			})
		})
	})
}

func TestLoopCoalescing(t *testing.T) {
	Convey("Given a loop that has not started", t, func() {
		pub := &capturePublisher{}
		eng := New(scoring.NewBaselineModel())
		loop := eng.NewLoop("race-1", pub)

		Convey("When plain snapshots pile up before the loop runs", func() {
			loop.Offer(snapAt(1, false, 2.0))
			loop.Offer(snapAt(2, false, 2.1))
			loop.Offer(snapAt(3, false, 2.2))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			loop.Start(ctx)
			results := pub.waitFor(1, time.Second)

			Convey("Then only the newest is scored", func() {
				So(results, ShouldHaveLength, 1)
				So(results[0].SnapshotSeq, ShouldEqual, 3)
			})
		})

		Convey("When a status-change snapshot is among them", func() {
			loop.Offer(snapAt(1, false, 2.0))
			loop.Offer(snapAt(2, true, 2.1))
			loop.Offer(snapAt(3, false, 2.2))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			loop.Start(ctx)
			results := pub.waitFor(2, time.Second)

			Convey("Then the status snapshot is scored despite coalescing", func() {
				So(len(results), ShouldBeGreaterThanOrEqualTo, 2)
				So(results[0].SnapshotSeq, ShouldEqual, 2)
				So(results[1].SnapshotSeq, ShouldEqual, 3)
			})
		})
	})
}

func TestLoopStaleFallback(t *testing.T) {
	Convey("Given a loop whose model blows the scoring budget", t, func() {
		pub := &capturePublisher{}
		slow := &slowModel{BaselineModel: scoring.NewBaselineModel(), delay: 200 * time.Millisecond}
		eng := New(slow, WithScoringBudget(30*time.Millisecond))
		loop := eng.NewLoop("race-1", pub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop.Start(ctx)

		Convey("When no previous result exists", func() {
			loop.Offer(snapAt(1, false, 2.0))
			results := pub.waitFor(1, 500*time.Millisecond)

			Convey("Then nothing is published", func() {
				So(results, ShouldBeEmpty)
			})
		})

		Convey("When a valid result exists from before", func() {
			fast := &capturePublisher{}
			okEng := New(scoring.NewBaselineModel())
			okLoop := okEng.NewLoop("race-1", fast)
			okLoop.Start(ctx)
			okLoop.Offer(snapAt(1, false, 2.0))
			seed := fast.waitFor(1, time.Second)
			So(seed, ShouldNotBeEmpty)

			// Transplant the seed as the slow loop's last result.
			loop.mu.Lock()
			loop.last = &seed[0]
			loop.mu.Unlock()

			loop.Offer(snapAt(2, false, 2.1))
			results := pub.waitFor(1, time.Second)

			Convey("Then the previous result is reissued flagged stale", func() {
				So(results, ShouldNotBeEmpty)
				So(results[0].Stale, ShouldBeTrue)
				So(results[0].SnapshotSeq, ShouldEqual, 2)
				So(results[0].WinSum(), ShouldAlmostEqual, seed[0].WinSum(), 1e-9)
			})
		})
	})
}

func TestSmoothing(t *testing.T) {
	Convey("Given a loop with a previous result", t, func() {
		pub := &capturePublisher{}
		eng := New(scoring.NewBaselineModel(), WithMaxDelta(0.05))
		loop := eng.NewLoop("race-1", pub)

		prev := model.ProbabilityResult{
			SessionID:   "race-1",
			SnapshotSeq: 1,
			Drivers: []model.DriverProbability{
				{DriverID: "car-16", Win: 0.50, Podium: 0.9},
				{DriverID: "car-44", Win: 0.50, Podium: 0.9},
			},
		}
		loop.mu.Lock()
		loop.last = &prev
		loop.mu.Unlock()

		next := model.ProbabilityResult{
			SessionID:   "race-1",
			SnapshotSeq: 2,
			Drivers: []model.DriverProbability{
				{DriverID: "car-16", Win: 0.95, Podium: 1.0},
				{DriverID: "car-44", Win: 0.05, Podium: 0.8},
			},
		}

		Convey("When the new result moves further than the cap", func() {
			smoothed := loop.smooth(next, false)

			Convey("Then per-driver movement is capped", func() {
				var lead, trail float64
				for _, d := range smoothed.Drivers {
					if d.DriverID == "car-16" {
						lead = d.Win
					} else {
						trail = d.Win
					}
				}
				So(lead, ShouldBeLessThan, 0.95)
				So(trail, ShouldBeGreaterThan, 0.05)
			})

			Convey("And the win column still sums to one", func() {
				So(smoothed.WinSum(), ShouldAlmostEqual, 1.0, 1e-9)
			})
		})

		Convey("When the snapshot carries a status change", func() {
			smoothed := loop.smooth(next, true)

			Convey("Then the cap is lifted and the jump lands whole", func() {
				var lead float64
				for _, d := range smoothed.Drivers {
					if d.DriverID == "car-16" {
						lead = d.Win
					}
				}
				So(lead, ShouldAlmostEqual, 0.95, 1e-9)
			})
		})

		Convey("When there is no previous result", func() {
			loop.mu.Lock()
			loop.last = nil
			loop.mu.Unlock()
			smoothed := loop.smooth(next, false)

			Convey("Then the first result passes through unclamped", func() {
				So(smoothed.Drivers[0].Win, ShouldAlmostEqual, 0.95, 1e-9)
			})
		})

		Convey("When a driver retires between ticks", func() {
			retired := model.ProbabilityResult{
				SessionID:   "race-1",
				SnapshotSeq: 2,
				Drivers: []model.DriverProbability{
					{DriverID: "car-16", Win: 1.0, Podium: 1.0},
					{DriverID: "car-44", Retired: true},
				},
			}
			smoothed := loop.smooth(retired, false)

			Convey("Then the zeroing lands immediately, cap or no cap", func() {
				var out model.DriverProbability
				for _, d := range smoothed.Drivers {
					if d.DriverID == "car-44" {
						out = d
					}
				}
				So(out.Retired, ShouldBeTrue)
				So(out.Win, ShouldEqual, 0)
				So(out.Podium, ShouldEqual, 0)
			})

			Convey("And the running field still carries all the win mass", func() {
				So(smoothed.WinSum(), ShouldAlmostEqual, 1.0, 1e-6)
			})
		})
	})
}

func TestRetirementMidStream(t *testing.T) {
	Convey("Given a running loop scoring a two-driver field", t, func() {
		pub := &capturePublisher{}
		eng := New(scoring.NewBaselineModel(), WithMaxDelta(0.05))
		loop := eng.NewLoop("race-1", pub)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		loop.Start(ctx)

		loop.Offer(snapAt(1, false, 2.0))
		So(pub.waitFor(1, time.Second), ShouldNotBeEmpty)

		Convey("When the trailing driver retires on the next snapshot", func() {
			snap := snapAt(2, false, 2.0)
			snap.Drivers[1].Retired = true
			loop.Offer(snap)
			results := pub.waitFor(2, time.Second)
			So(len(results), ShouldBeGreaterThanOrEqualTo, 2)
			final := results[len(results)-1]

			Convey("Then the retired driver holds no probability", func() {
				var out model.DriverProbability
				for _, d := range final.Drivers {
					if d.DriverID == "car-44" {
						out = d
					}
				}
				So(out.Retired, ShouldBeTrue)
				So(out.Win, ShouldEqual, 0)
				So(out.Podium, ShouldEqual, 0)
			})

			Convey("Then the non-retired win mass sums to one", func() {
				So(final.WinSum(), ShouldAlmostEqual, 1.0, 1e-6)
			})

			Convey("Then the running driver out-ranks the retired one", func() {
				So(final.Drivers[0].DriverID, ShouldEqual, "car-16")
				So(final.Drivers[0].Predicted, ShouldEqual, 1)
			})
		})
	})
}
