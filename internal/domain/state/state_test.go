package state_test

import (
	"context"
	"testing"
	"time"

	model "github.com/pitwall/racepulse/internal/domain/model"
	state "github.com/pitwall/racepulse/internal/domain/state"
	. "github.com/smartystreets/goconvey/convey"
)

func lapEvent(seq uint64, driver string, lap int, secs float64, pos int, gap float64) model.RaceEvent {
	return model.RaceEvent{
		SessionID: "race-1",
		Seq:       seq,
		Wall:      time.Now(),
		Type:      model.TypeLapTime,
		DriverID:  driver,
		LapTime:   &model.LapTimePayload{Lap: lap, LapSeconds: secs, Position: pos, GapToLeader: gap},
	}
}

func statusEvent(seq uint64, status model.TrackStatus) model.RaceEvent {
	return model.RaceEvent{
		SessionID:   "race-1",
		Seq:         seq,
		Wall:        time.Now(),
		Type:        model.TypeTrackStatus,
		TrackStatus: &model.TrackStatusPayload{Status: status},
	}
}

func posEvent(seq uint64, driver string, pos int, gap float64) model.RaceEvent {
	return model.RaceEvent{
		SessionID:      "race-1",
		Seq:            seq,
		Wall:           time.Now(),
		Type:           model.TypePositionChange,
		DriverID:       driver,
		PositionChange: &model.PositionChangePayload{Position: pos, GapToLeader: gap},
	}
}

func TestApplyInOrder(t *testing.T) {
	Convey("Given a fresh session store", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()

		Convey("When in-sequence events arrive", func() {
			snaps1, err1 := s.Apply(ctx, lapEvent(1, "car-16", 1, 90.5, 1, 0))
			snaps2, err2 := s.Apply(ctx, lapEvent(2, "car-44", 1, 91.0, 2, 0.5))

			Convey("Then each yields exactly one snapshot", func() {
				So(err1, ShouldBeNil)
				So(err2, ShouldBeNil)
				So(snaps1, ShouldHaveLength, 1)
				So(snaps2, ShouldHaveLength, 1)
			})

			Convey("Then snapshot sequences increase strictly", func() {
				So(snaps1[0].Seq, ShouldEqual, 1)
				So(snaps2[0].Seq, ShouldEqual, 2)
			})

			Convey("Then driver state reflects the laps", func() {
				d := snaps2[0].Driver("car-16")
				So(d, ShouldNotBeNil)
				So(d.LastLap, ShouldEqual, 90.5)
				So(d.BestLap, ShouldEqual, 90.5)
				So(d.LapsDone, ShouldEqual, 1)
				So(d.Position, ShouldEqual, 1)
			})

			Convey("Then the running order is sorted by position", func() {
				So(snaps2[0].Drivers[0].DriverID, ShouldEqual, "car-16")
				So(snaps2[0].Drivers[1].DriverID, ShouldEqual, "car-44")
			})
		})

		Convey("When an event carries the wrong session id", func() {
			e := lapEvent(1, "car-16", 1, 90.0, 1, 0)
			e.SessionID = "race-2"
			_, err := s.Apply(ctx, e)

			Convey("Then it should be rejected", func() {
				So(err, ShouldNotBeNil)
				So(err, ShouldWrap, state.ErrSessionMismatch)
			})
		})
	})
}

func TestApplyIdempotent(t *testing.T) {
	Convey("Given a store with applied events", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()
		_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.5, 1, 0))
		before := s.Snapshot()

		Convey("When a sequence number is replayed", func() {
			snaps, err := s.Apply(ctx, lapEvent(1, "car-16", 1, 85.0, 1, 0))

			Convey("Then nothing changes and no snapshot is produced", func() {
				So(err, ShouldBeNil)
				So(snaps, ShouldBeEmpty)
				after := s.Snapshot()
				So(after.Driver("car-16").LastLap, ShouldEqual, before.Driver("car-16").LastLap)
				So(after.Driver("car-16").BestLap, ShouldEqual, 90.5)
			})
		})
	})
}

func TestReorderBuffer(t *testing.T) {
	Convey("Given a store receiving out-of-sequence events", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()

		Convey("When seq 3 arrives before seq 2", func() {
			snaps1, _ := s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
			snaps3, _ := s.Apply(ctx, lapEvent(3, "car-16", 3, 90.4, 1, 0))

			Convey("Then seq 3 is buffered without a snapshot", func() {
				So(snaps1, ShouldHaveLength, 1)
				So(snaps3, ShouldBeEmpty)
				So(s.PendingLen(), ShouldEqual, 1)
			})

			Convey("And seq 2 releases both in order", func() {
				snaps2, err := s.Apply(ctx, lapEvent(2, "car-16", 2, 90.2, 1, 0))
				So(err, ShouldBeNil)
				So(snaps2, ShouldHaveLength, 2)
				So(snaps2[0].Driver("car-16").LapsDone, ShouldEqual, 2)
				So(snaps2[1].Driver("car-16").LapsDone, ShouldEqual, 3)
				So(s.PendingLen(), ShouldEqual, 0)
			})
		})

		Convey("When arrival order is permuted inside the window", func() {
			// 1, 4, 3, 2: the final state must match in-order delivery.
			_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
			_, _ = s.Apply(ctx, lapEvent(4, "car-16", 4, 90.6, 1, 0))
			_, _ = s.Apply(ctx, lapEvent(3, "car-16", 3, 90.4, 1, 0))
			snaps, _ := s.Apply(ctx, lapEvent(2, "car-16", 2, 90.2, 1, 0))

			ordered := state.New("race-1", time.Now())
			for seq := uint64(1); seq <= 4; seq++ {
				lap := int(seq)
				secs := 90.0 + 0.2*float64(seq-1)
				_, _ = ordered.Apply(ctx, lapEvent(seq, "car-16", lap, secs, 1, 0))
			}

			Convey("Then the drained state equals the in-order state", func() {
				got := snaps[len(snaps)-1].Driver("car-16")
				orderedSnap := ordered.Snapshot()
				want := orderedSnap.Driver("car-16")
				So(got.LapsDone, ShouldEqual, want.LapsDone)
				So(got.LastLap, ShouldEqual, want.LastLap)
				So(got.Pace, ShouldAlmostEqual, want.Pace, 1e-9)
				So(got.TireAge, ShouldEqual, want.TireAge)
			})
		})

		Convey("When the buffer exceeds the reorder window", func() {
			s := state.New("race-1", time.Now(), state.WithReorderWindow(2))
			_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
			_, _ = s.Apply(ctx, lapEvent(3, "car-16", 3, 90.3, 1, 0))
			_, _ = s.Apply(ctx, lapEvent(4, "car-16", 4, 90.4, 1, 0))
			snaps, _ := s.Apply(ctx, lapEvent(6, "car-16", 6, 90.6, 1, 0))

			Convey("Then the buffer flushes in ascending order, recording a gap", func() {
				So(snaps, ShouldHaveLength, 3)
				So(s.PendingLen(), ShouldEqual, 0)
				So(s.Gaps(), ShouldEqual, 1)
				So(snaps[len(snaps)-1].Driver("car-16").LapsDone, ShouldEqual, 6)
			})
		})

		Convey("When a buffered event outlives the reorder timeout", func() {
			now := time.Now()
			clock := func() time.Time { return now }
			s := state.New("race-1", now, state.WithReorderTimeout(100*time.Millisecond), state.WithClock(clock))

			_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
			_, _ = s.Apply(ctx, lapEvent(3, "car-16", 3, 90.3, 1, 0))
			So(s.PendingLen(), ShouldEqual, 1)

			now = now.Add(200 * time.Millisecond)
			snaps := s.Tick(ctx)

			Convey("Then the tick force-applies it as a gap", func() {
				So(snaps, ShouldHaveLength, 1)
				So(s.PendingLen(), ShouldEqual, 0)
				So(s.Gaps(), ShouldEqual, 1)
			})
		})
	})
}

func TestLateEvents(t *testing.T) {
	Convey("Given a store past a feed gap", t, func() {
		s := state.New("race-1", time.Now(), state.WithReorderWindow(1))
		ctx := context.Background()

		// 1 applied; 3,4,5 overflow a window of 1 and flush; 2 is now late.
		_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
		_, _ = s.Apply(ctx, posEvent(3, "car-16", 2, 1.5))
		_, _ = s.Apply(ctx, posEvent(4, "car-16", 1, 0))
		_, _ = s.Apply(ctx, lapEvent(5, "car-44", 2, 91.0, 2, 2.0))

		Convey("When the straggler carries non-position data", func() {
			snaps, err := s.Apply(ctx, model.RaceEvent{
				SessionID: "race-1", Seq: 2, Wall: time.Now(),
				Type: model.TypePitStop, DriverID: "car-16",
				PitStop: &model.PitStopPayload{Lap: 1, StationarySecs: 2.4},
			})

			Convey("Then it applies with the driver flagged uncertain", func() {
				So(err, ShouldBeNil)
				So(snaps, ShouldHaveLength, 1)
				d := snaps[0].Driver("car-16")
				So(d.PitStops, ShouldEqual, 1)
				So(d.Uncertain, ShouldBeTrue)
			})

			Convey("And the next in-order lap clears the uncertainty", func() {
				snaps, err := s.Apply(ctx, lapEvent(6, "car-16", 2, 90.2, 1, 0))
				So(err, ShouldBeNil)
				So(snaps[0].Driver("car-16").Uncertain, ShouldBeFalse)
			})
		})

		Convey("When the straggler carries superseded position data", func() {
			snaps, err := s.Apply(ctx, posEvent(2, "car-16", 5, 9.9))

			Convey("Then it is discarded outright", func() {
				So(err, ShouldBeNil)
				So(snaps, ShouldBeEmpty)
				snap := s.Snapshot()
				So(snap.Driver("car-16").Position, ShouldEqual, 1)
			})
		})
	})
}

func TestTrackStatusChange(t *testing.T) {
	Convey("Given a store under green flag", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()
		_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))

		Convey("When the flag changes", func() {
			snaps, err := s.Apply(ctx, statusEvent(2, model.TrackSafetyCar))

			Convey("Then the snapshot is marked as a status change", func() {
				So(err, ShouldBeNil)
				So(snaps, ShouldHaveLength, 1)
				So(snaps[0].StatusChanged, ShouldBeTrue)
				So(snaps[0].Track, ShouldEqual, model.TrackSafetyCar)
			})

			Convey("And repeating the same status is not a change", func() {
				snaps, _ := s.Apply(ctx, statusEvent(3, model.TrackSafetyCar))
				So(snaps[0].StatusChanged, ShouldBeFalse)
			})
		})
	})
}

func TestRetirementAndTires(t *testing.T) {
	Convey("Given a running field", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()
		_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
		_, _ = s.Apply(ctx, lapEvent(2, "car-44", 1, 90.5, 2, 0.5))

		Convey("When a driver changes tires", func() {
			snaps, _ := s.Apply(ctx, model.RaceEvent{
				SessionID: "race-1", Seq: 3, Wall: time.Now(),
				Type: model.TypeTireChange, DriverID: "car-16",
				TireChange: &model.TireChangePayload{Compound: model.CompoundHard},
			})

			Convey("Then compound and age reset", func() {
				d := snaps[0].Driver("car-16")
				So(d.Tire, ShouldEqual, model.CompoundHard)
				So(d.TireAge, ShouldEqual, 0)
			})
		})

		Convey("When a driver retires", func() {
			snaps, _ := s.Apply(ctx, model.RaceEvent{
				SessionID: "race-1", Seq: 3, Wall: time.Now(),
				Type: model.TypeRetirement, DriverID: "car-44",
				Retirement: &model.RetirementPayload{Lap: 1, Reason: "engine"},
			})

			Convey("Then the driver sorts to the back of the snapshot", func() {
				So(snaps[0].Driver("car-44").Retired, ShouldBeTrue)
				So(snaps[0].Drivers[len(snaps[0].Drivers)-1].DriverID, ShouldEqual, "car-44")
			})
		})
	})
}

func TestFlush(t *testing.T) {
	Convey("Given a store holding buffered events", t, func() {
		s := state.New("race-1", time.Now())
		ctx := context.Background()
		_, _ = s.Apply(ctx, lapEvent(1, "car-16", 1, 90.0, 1, 0))
		_, _ = s.Apply(ctx, lapEvent(3, "car-16", 3, 90.3, 1, 0))
		_, _ = s.Apply(ctx, lapEvent(4, "car-16", 4, 90.4, 1, 0))

		Convey("When the session terminates", func() {
			snaps := s.Flush(ctx)

			Convey("Then everything buffered is applied in order", func() {
				So(snaps, ShouldHaveLength, 2)
				So(s.PendingLen(), ShouldEqual, 0)
				So(snaps[1].Driver("car-16").LapsDone, ShouldEqual, 4)
			})
		})
	})
}
