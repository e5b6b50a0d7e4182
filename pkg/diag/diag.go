// Package diag provides structured logging and leak reporting for the
// allocator, built on zap the way the rest of this module's ambient stack
// is.
package diag

import (
	"fmt"

	"go.uber.org/zap"
)

// NewLogger returns a production zap logger, or a development logger with
// caller info and stack traces on warnings when debug is true.
func NewLogger(debug bool) (*zap.Logger, error) {
	if debug {
		cfg := zap.NewDevelopmentConfig()
		return cfg.Build()
	}

	return zap.NewProduction()
}

// Leak describes one span or huge allocation still outstanding at shutdown.
type Leak struct {
	Address  uintptr
	Size     int
	ClassIdx int
}

// Report aggregates [Leak] entries found during a shutdown sweep and
// formats them for both structured logging and a returned error.
type Report struct {
	Leaks []Leak
}

// Empty reports whether no leaks were found.
func (r Report) Empty() bool {
	return len(r.Leaks) == 0
}

// Log emits one structured log line per leak, at warn level.
func (r Report) Log(log *zap.Logger) {
	for _, l := range r.Leaks {
		log.Warn("leaked allocation",
			zap.Uintptr("address", l.Address),
			zap.Int("size", l.Size),
			zap.Int("class", l.ClassIdx),
		)
	}
}

// Error renders the report as an error, or nil if Empty.
func (r Report) Error() error {
	if r.Empty() {
		return nil
	}

	return fmt.Errorf("spanmalloc: %d allocations leaked at shutdown", len(r.Leaks))
}
