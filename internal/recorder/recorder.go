// Package recorder implements the auto-fragmenting recorder loop.
//
// The loop records bounded segments: it lets the device run for a target
// interval, then watches the input level during a tolerance window for a
// natural pause to cut at, and hard-cuts when the window elapses. Each
// cut segment is handed to a sink for upload.
package recorder

import (
	"context"
	"time"
)

// Segment is one cut of recorded audio on local disk.
type Segment struct {
	Path     string
	Duration time.Duration
}

// Device abstracts the hardware recording stream. Only one recording
// stream may exist at a time; the Loop enforces stop-before-start and is
// the device's sole operator while running.
type Device interface {
	// Start begins a new recording stream.
	Start(ctx context.Context) error
	// Stop ends the stream, flushes it, and returns the finished segment.
	Stop(ctx context.Context) (Segment, error)
	// Recording reports whether a stream is currently open.
	Recording() bool
	// Level returns the recent input level in dBFS (negative; 0 is full scale).
	Level() float64
}

// Params are the fragmenting tunables, normally taken from
// config.RecorderConfig.
type Params struct {
	// Interval is the target segment length.
	Interval time.Duration
	// Tolerance is the grace window after Interval during which the loop
	// waits for a natural pause before hard-cutting.
	Tolerance time.Duration
	// MeteringPeriod is how often the input level is polled during the
	// tolerance window.
	MeteringPeriod time.Duration
	// SilenceThresholdDB is the level below which input counts as silence.
	SilenceThresholdDB float64
}

// DefaultParams mirror the production mobile client: 2-minute segments,
// 15 seconds of grace, 300ms metering, -40dBFS silence.
func DefaultParams() Params {
	return Params{
		Interval:           120 * time.Second,
		Tolerance:          15 * time.Second,
		MeteringPeriod:     300 * time.Millisecond,
		SilenceThresholdDB: -40,
	}
}
