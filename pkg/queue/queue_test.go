package queue_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/spanmalloc/pkg/queue"
)

func TestMPSC(t *testing.T) {
	Convey("Given a small MPSC queue", t, func() {
		q := queue.NewMPSC[int](4)

		Convey("When pushing within capacity", func() {
			a, b := 1, 2
			okA := q.TryPush(&a)
			okB := q.TryPush(&b)

			Convey("Then both pushes succeed and pop in FIFO order", func() {
				So(okA, ShouldBeTrue)
				So(okB, ShouldBeTrue)

				v1, ok1 := q.TryPop()
				So(ok1, ShouldBeTrue)
				So(*v1, ShouldEqual, 1)

				v2, ok2 := q.TryPop()
				So(ok2, ShouldBeTrue)
				So(*v2, ShouldEqual, 2)
			})
		})

		Convey("When popping an empty queue", func() {
			v, ok := q.TryPop()

			Convey("Then it reports false without blocking", func() {
				So(ok, ShouldBeFalse)
				So(v, ShouldBeNil)
			})
		})

		Convey("When pushing past capacity", func() {
			n := 0
			pushed := 0
			for i := 0; i < 64; i++ {
				v := i
				if q.TryPush(&v) {
					pushed++
				} else {
					n++
				}
			}

			Convey("Then some pushes are rejected instead of blocking", func() {
				So(n, ShouldBeGreaterThan, 0)
				So(pushed, ShouldBeGreaterThan, 0)
			})
		})
	})
}

func TestMPMC(t *testing.T) {
	Convey("Given a small MPMC queue", t, func() {
		q := queue.NewMPMC[string](4)

		Convey("When pushing and popping one value", func() {
			s := "hello"
			ok := q.TryPush(&s)
			So(ok, ShouldBeTrue)

			v, ok := q.TryPop()

			Convey("Then the same value comes back out", func() {
				So(ok, ShouldBeTrue)
				So(*v, ShouldEqual, "hello")
			})
		})

		Convey("When draining an empty queue after Drain", func() {
			q.Drain()
			_, ok := q.TryPop()

			Convey("Then it still reports empty rather than panicking", func() {
				So(ok, ShouldBeFalse)
			})
		})
	})
}
