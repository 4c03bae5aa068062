package repository

import (
	"context"
	"testing"
	"time"

	"github.com/pitwall/racepulse/internal/domain/model"
	. "github.com/smartystreets/goconvey/convey"
)

func result(session string, seq uint64) model.ProbabilityResult {
	return model.ProbabilityResult{
		SessionID:   session,
		SnapshotSeq: seq,
		ComputedAt:  time.Now(),
		Drivers: []model.DriverProbability{
			{DriverID: "car-16", Win: 0.6, Podium: 0.9, Predicted: 1, Confidence: 0.6},
			{DriverID: "car-81", Win: 0.4, Podium: 0.8, Predicted: 2, Confidence: 0.6},
		},
	}
}

func TestResultStore(t *testing.T) {
	Convey("Given an empty result store", t, func() {
		store := NewResultStore(context.Background())
		ctx := context.Background()

		Convey("Then reads for unknown sessions report not found", func() {
			_, err := store.Latest(ctx, "race-1")
			So(err, ShouldEqual, ErrNotFound)
			_, err = store.PredictedOrder(ctx, "race-1")
			So(err, ShouldEqual, ErrNotFound)
			So(store.Count(ctx), ShouldEqual, 0)
		})

		Convey("When a result is stored", func() {
			ok, err := store.Put(ctx, result("race-1", 3))
			So(err, ShouldBeNil)
			So(ok, ShouldBeTrue)

			Convey("Then Latest returns it", func() {
				got, err := store.Latest(ctx, "race-1")
				So(err, ShouldBeNil)
				So(got.SnapshotSeq, ShouldEqual, 3)
				So(got.Drivers, ShouldHaveLength, 2)
			})

			Convey("Then Latest hands out copies, not aliases", func() {
				got, err := store.Latest(ctx, "race-1")
				So(err, ShouldBeNil)
				got.Drivers[0].Win = 0

				again, err := store.Latest(ctx, "race-1")
				So(err, ShouldBeNil)
				So(again.Drivers[0].Win, ShouldAlmostEqual, 0.6)
			})

			Convey("Then a newer sequence replaces it", func() {
				ok, err := store.Put(ctx, result("race-1", 4))
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)

				got, _ := store.Latest(ctx, "race-1")
				So(got.SnapshotSeq, ShouldEqual, 4)
			})

			Convey("Then an older sequence is refused without error", func() {
				ok, err := store.Put(ctx, result("race-1", 2))
				So(err, ShouldBeNil)
				So(ok, ShouldBeFalse)

				got, _ := store.Latest(ctx, "race-1")
				So(got.SnapshotSeq, ShouldEqual, 3)
			})

			Convey("Then a stale reuse of the same sequence is accepted", func() {
				stale := result("race-1", 3)
				stale.Stale = true
				ok, err := store.Put(ctx, stale)
				So(err, ShouldBeNil)
				So(ok, ShouldBeTrue)

				got, _ := store.Latest(ctx, "race-1")
				So(got.Stale, ShouldBeTrue)
			})

			Convey("Then PredictedOrder returns the ranked drivers", func() {
				order, err := store.PredictedOrder(ctx, "race-1")
				So(err, ShouldBeNil)
				So(order, ShouldHaveLength, 2)
				So(order[0].DriverID, ShouldEqual, "car-16")
				So(order[1].DriverID, ShouldEqual, "car-81")
			})

			Convey("When the session is dropped", func() {
				store.Drop(ctx, "race-1")

				Convey("Then nothing remains", func() {
					_, err := store.Latest(ctx, "race-1")
					So(err, ShouldEqual, ErrNotFound)
					So(store.Count(ctx), ShouldEqual, 0)
				})
			})
		})

		Convey("When results for several sessions are stored", func() {
			_, _ = store.Put(ctx, result("race-1", 1))
			_, _ = store.Put(ctx, result("race-2", 1))

			Convey("Then they are counted and kept independently", func() {
				So(store.Count(ctx), ShouldEqual, 2)
				got, err := store.Latest(ctx, "race-2")
				So(err, ShouldBeNil)
				So(got.SessionID, ShouldEqual, "race-2")
			})
		})
	})
}
