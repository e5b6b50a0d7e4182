package pagealloc_test

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/flier/spanmalloc/pkg/pagealloc"
)

func TestMock(t *testing.T) {
	Convey("Given a Mock page allocator", t, func() {
		m := pagealloc.NewMock(4096)

		Convey("When allocating a page-aligned range", func() {
			raw := m.RawAlloc(8192, 4096)

			Convey("Then the returned slice is the requested length and is tracked as outstanding", func() {
				So(len(raw), ShouldEqual, 8192)
				So(m.Outstanding(), ShouldEqual, 1)
			})

			Convey("Then freeing it clears the outstanding count", func() {
				m.RawFree(raw)
				So(m.Outstanding(), ShouldEqual, 0)
			})
		})

		Convey("When a huge allocation is poisoned", func() {
			raw := m.RawAlloc(4096, 4096)
			m.Poison(raw)

			Convey("Then every byte carries the poison pattern", func() {
				for _, b := range raw {
					So(b, ShouldEqual, byte(0xCC))
				}
			})
		})

		Convey("When requesting a non-positive size", func() {
			raw := m.RawAlloc(0, 4096)

			Convey("Then it returns nil without tracking an allocation", func() {
				So(raw, ShouldBeNil)
				So(m.Outstanding(), ShouldEqual, 0)
			})
		})
	})
}
