package dedupe_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	dedupe "github.com/pitwall/racepulse/internal/domain/dedupe"
	. "github.com/smartystreets/goconvey/convey"
)

func TestRingDeduper(t *testing.T) {
	Convey("Given a new ring deduper", t, func() {
		Convey("When creating a deduper with default options", func() {
			d := dedupe.NewRingDeduper()

			Convey("Then it should start empty", func() {
				So(d, ShouldNotBeNil)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When recording an event ID for the first time", func() {
			d := dedupe.NewRingDeduper()
			seen := d.SeenAndRecord(context.Background(), "race-1:17")

			Convey("Then it should not be seen", func() {
				So(seen, ShouldBeFalse)
				So(d.Size(), ShouldEqual, 1)
			})

			Convey("And a replay of the same ID should be seen", func() {
				So(d.SeenAndRecord(context.Background(), "race-1:17"), ShouldBeTrue)
				So(d.Size(), ShouldEqual, 1)
			})
		})

		Convey("When unrecording after a failed enqueue", func() {
			d := dedupe.NewRingDeduper()
			d.SeenAndRecord(context.Background(), "race-1:42")
			d.Unrecord(context.Background(), "race-1:42")

			Convey("Then a retry should not be treated as duplicate", func() {
				So(d.SeenAndRecord(context.Background(), "race-1:42"), ShouldBeFalse)
			})
		})

		Convey("When unrecording an ID that was never recorded", func() {
			d := dedupe.NewRingDeduper()

			Convey("Then it should be a no-op", func() {
				So(func() { d.Unrecord(context.Background(), "missing") }, ShouldNotPanic)
				So(d.Size(), ShouldEqual, 0)
			})
		})

		Convey("When the ring wraps past its max size", func() {
			d := dedupe.NewRingDeduper(dedupe.WithMaxSize(3))
			for i := 0; i < 4; i++ {
				d.SeenAndRecord(context.Background(), fmt.Sprintf("race-1:%d", i))
			}

			Convey("Then the oldest ID should have been evicted", func() {
				So(d.Size(), ShouldEqual, 3)
				So(d.SeenAndRecord(context.Background(), "race-1:0"), ShouldBeFalse)
			})

			Convey("And recent IDs should still be seen", func() {
				So(d.SeenAndRecord(context.Background(), "race-1:3"), ShouldBeTrue)
			})
		})

		Convey("When many goroutines record the same IDs", func() {
			d := dedupe.NewRingDeduper()
			const workers = 16
			const events = 200

			var wg sync.WaitGroup
			firsts := make([]int, workers)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					for i := 0; i < events; i++ {
						if !d.SeenAndRecord(context.Background(), fmt.Sprintf("race-1:%d", i)) {
							firsts[w]++
						}
					}
				}(w)
			}
			wg.Wait()

			Convey("Then each ID should be new exactly once across workers", func() {
				total := 0
				for _, n := range firsts {
					total += n
				}
				So(total, ShouldEqual, events)
				So(d.Size(), ShouldEqual, events)
			})
		})
	})
}
