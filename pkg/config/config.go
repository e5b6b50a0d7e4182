// Package config loads and hot-reloads allocator tunables from a TOML file,
// watched with fsnotify so a long-running process can pick up a relaxed or
// tightened cache budget without a restart.
package config

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/flier/spanmalloc/pkg/arena"
)

// File is the on-disk shape of a spanmalloc configuration file.
//
//	mode = "thread-local"
//	span_size = 65536
//	small_granularity = 16
//	small_class_count = 128
//	medium_granularity = 512
//	medium_class_count = 60
//	large_class_count = 32
//	span_alloc_count = 1
//	map_alloc_count = 1
//	cache_limit = 256
//	large_cache_limit = 32
//	global_cache_multiplier = 4
//	large_span_overhead_mul = 0.25
//	split_large_spans_to_one = true
//	split_large_spans_to_large = true
//	recycle_large_spans = true
//	shared_arena_batch_size = 16
//	report_leaks = false
//	thread_safe = true
type File struct {
	Mode              string `toml:"mode"`
	SpanSize          int    `toml:"span_size"`
	SmallGranularity  int    `toml:"small_granularity"`
	SmallClassCount   int    `toml:"small_class_count"`
	MediumGranularity int    `toml:"medium_granularity"`
	MediumClassCount  int    `toml:"medium_class_count"`
	LargeClassCount   int    `toml:"large_class_count"`

	SpanAllocCount int `toml:"span_alloc_count"`
	MapAllocCount  int `toml:"map_alloc_count"`

	CacheLimit            int     `toml:"cache_limit"`
	LargeCacheLimit       int     `toml:"large_cache_limit"`
	GlobalCacheMultiplier int     `toml:"global_cache_multiplier"`
	LargeSpanOverheadMul  float64 `toml:"large_span_overhead_mul"`

	SharedArenaBatchSize int `toml:"shared_arena_batch_size"`

	// Pointer-typed so a reload can distinguish "not set in this file" (nil,
	// keep the previous/default value) from an explicit false, which a bare
	// bool zero value cannot.
	SplitLargeSpansToOne   *bool `toml:"split_large_spans_to_one"`
	SplitLargeSpansToLarge *bool `toml:"split_large_spans_to_large"`
	RecycleLargeSpans      *bool `toml:"recycle_large_spans"`
	ReportLeaks            *bool `toml:"report_leaks"`
	ThreadSafe             *bool `toml:"thread_safe"`
}

// ToConfig converts f into an [arena.Config], filling unset fields from
// [arena.DefaultConfig].
func (f File) ToConfig() arena.Config {
	c := arena.DefaultConfig()

	if f.Mode != "" {
		c.Mode = arena.Mode(f.Mode)
	}
	if f.SpanSize != 0 {
		c.SpanSize = f.SpanSize
	}
	if f.SmallGranularity != 0 {
		c.SmallGranularity = f.SmallGranularity
	}
	if f.SmallClassCount != 0 {
		c.SmallClassCount = f.SmallClassCount
	}
	if f.MediumGranularity != 0 {
		c.MediumGranularity = f.MediumGranularity
	}
	if f.MediumClassCount != 0 {
		c.MediumClassCount = f.MediumClassCount
	}
	if f.LargeClassCount != 0 {
		c.LargeClassCount = f.LargeClassCount
	}
	if f.SpanAllocCount != 0 {
		c.SpanAllocCount = f.SpanAllocCount
	}
	if f.MapAllocCount != 0 {
		c.MapAllocCount = f.MapAllocCount
	}
	if f.CacheLimit != 0 {
		c.CacheLimit = f.CacheLimit
	}
	if f.LargeCacheLimit != 0 {
		c.LargeCacheLimit = f.LargeCacheLimit
	}
	if f.GlobalCacheMultiplier != 0 {
		c.GlobalCacheMultiplier = f.GlobalCacheMultiplier
	}
	if f.LargeSpanOverheadMul != 0 {
		c.LargeSpanOverheadMul = f.LargeSpanOverheadMul
	}
	if f.SharedArenaBatchSize != 0 {
		c.SharedArenaBatchSize = f.SharedArenaBatchSize
	}
	if f.SplitLargeSpansToOne != nil {
		c.SplitLargeSpansToOne = *f.SplitLargeSpansToOne
	}
	if f.SplitLargeSpansToLarge != nil {
		c.SplitLargeSpansToLarge = *f.SplitLargeSpansToLarge
	}
	if f.RecycleLargeSpans != nil {
		c.RecycleLargeSpans = *f.RecycleLargeSpans
	}
	if f.ReportLeaks != nil {
		c.ReportLeaks = *f.ReportLeaks
	}
	if f.ThreadSafe != nil {
		c.ThreadSafe = *f.ThreadSafe
	}

	return c
}

// Load reads and parses a TOML configuration file.
func Load(path string) (arena.Config, error) {
	var f File
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return arena.Config{}, err
	}

	return f.ToConfig(), nil
}

// Watcher reloads a configuration file whenever it changes on disk, making
// the latest valid [arena.Config] available via Current. A reload that
// fails to parse or validate is logged and ignored, leaving the previous
// configuration in effect.
type Watcher struct {
	path string
	log  *zap.Logger

	current atomic.Pointer[arena.Config]

	watcher *fsnotify.Watcher
	once    sync.Once
}

// NewWatcher loads path once, starts watching it for changes, and returns
// the Watcher. Call Close to stop watching.
func NewWatcher(path string, log *zap.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fw.Add(path); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{path: path, log: log, watcher: fw}
	w.current.Store(&cfg)

	go w.run()

	return w, nil
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}

			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}

			cfg, err := Load(w.path)
			if err != nil {
				w.log.Warn("config reload failed, keeping previous configuration",
					zap.String("path", w.path), zap.Error(err))
				continue
			}

			if err := cfg.Validate(); err != nil {
				w.log.Warn("reloaded configuration is invalid, keeping previous configuration",
					zap.String("path", w.path), zap.Error(err))
				continue
			}

			w.current.Store(&cfg)
			w.log.Info("configuration reloaded", zap.String("path", w.path))

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}

			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Current returns the most recently loaded valid configuration.
func (w *Watcher) Current() arena.Config {
	return *w.current.Load()
}

// Close stops watching the file.
func (w *Watcher) Close() error {
	var err error
	w.once.Do(func() { err = w.watcher.Close() })
	return err
}

// MustStat is a convenience used by CLI entry points to fail fast with a
// clear error when the configuration file does not exist.
func MustStat(path string) error {
	_, err := os.Stat(path)
	return err
}
