package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
	"go.uber.org/zap"

	"github.com/flier/spanmalloc/pkg/arena"
	"github.com/flier/spanmalloc/pkg/config"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()

	path := filepath.Join(dir, "spanmalloc.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	return path
}

func TestLoad(t *testing.T) {
	Convey("Given a TOML file overriding a few tunables", t, func() {
		dir := t.TempDir()
		path := writeConfig(t, dir, `
mode = "shared"
span_size = 131072
small_class_count = 64
`)

		Convey("When loading it", func() {
			cfg, err := config.Load(path)

			Convey("Then overridden fields take the file's values", func() {
				So(err, ShouldBeNil)
				So(cfg.Mode, ShouldEqual, arena.Shared)
				So(cfg.SpanSize, ShouldEqual, 131072)
				So(cfg.SmallClassCount, ShouldEqual, 64)
			})

			Convey("Then unset fields keep their defaults", func() {
				def := arena.DefaultConfig()
				So(cfg.MediumGranularity, ShouldEqual, def.MediumGranularity)
				So(cfg.LargeClassCount, ShouldEqual, def.LargeClassCount)
			})

			Convey("Then the result still validates", func() {
				So(cfg.Validate(), ShouldBeNil)
			})
		})
	})

	Convey("Given a file that does not exist", t, func() {
		Convey("When loading it", func() {
			_, err := config.Load("/nonexistent/spanmalloc.toml")

			Convey("Then it returns an error", func() {
				So(err, ShouldNotBeNil)
			})
		})
	})
}

func TestWatcherReload(t *testing.T) {
	Convey("Given a Watcher on a config file", t, func() {
		dir := t.TempDir()
		path := writeConfig(t, dir, `mode = "thread-local"`)

		w, err := config.NewWatcher(path, zap.NewNop())
		So(err, ShouldBeNil)
		defer w.Close()

		So(w.Current().Mode, ShouldEqual, arena.ThreadLocal)

		Convey("When the file is rewritten with a different mode", func() {
			writeConfig(t, dir, `mode = "shared"`)

			Convey("Then Current eventually reflects the change", func() {
				deadline := time.Now().Add(2 * time.Second)
				for time.Now().Before(deadline) {
					if w.Current().Mode == arena.Shared {
						break
					}
					time.Sleep(10 * time.Millisecond)
				}

				So(w.Current().Mode, ShouldEqual, arena.Shared)
			})
		})
	})
}
