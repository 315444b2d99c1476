package recorder

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Loop drives a Device through repeated bounded segments, handing each
// cut segment to the sink. The sink is called from the loop goroutine,
// after the stream producing the segment has fully stopped.
type Loop struct {
	dev    Device
	params Params
	sink   func(Segment)
	now    func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewLoop creates a Loop over dev. sink receives every cut segment,
// including the tail segment produced by Stop.
func NewLoop(dev Device, params Params, sink func(Segment)) *Loop {
	return &Loop{dev: dev, params: params, sink: sink, now: time.Now}
}

// Running reports whether the loop is currently recording.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

// Start begins recording. It fails if the loop is already running: the
// device is a single global resource and overlapping streams are never
// allowed.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return fmt.Errorf("recorder: already recording")
	}
	if err := l.dev.Start(ctx); err != nil {
		return fmt.Errorf("recorder: start device: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running = true
	go l.run(loopCtx, l.done)
	return nil
}

// Stop cuts the in-progress segment, delivers it to the sink, and stops
// the hardware stream. It blocks until the cut has been delivered, so a
// status update issued after Stop returns can never race an uncommitted
// tail fragment. Stopping a stopped loop is a no-op.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return nil
	}
	cancel := l.cancel
	done := l.done
	l.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("recorder: stop: %w", ctx.Err())
	}
}

// run owns the device until it returns. One iteration is one segment:
// device is already recording on entry.
func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	for {
		segStart := l.now()

		// Phase 1: flat sleep to the target interval.
		if !l.sleep(ctx, l.params.Interval) {
			l.cut(segStart)
			return
		}

		// Phase 2: tolerance window, watching for a natural pause.
		if !l.waitCutPoint(ctx) {
			l.cut(segStart)
			return
		}

		l.cut(segStart)

		if ctx.Err() != nil {
			return
		}
		if err := l.dev.Start(ctx); err != nil {
			log.Printf("recorder: restart device: %v", err)
			return
		}
	}
}

// waitCutPoint races the tolerance timer against the metering poll.
// Returns true when a cut point was reached (silence, device stopped, or
// tolerance elapsed) and false when the loop was cancelled.
func (l *Loop) waitCutPoint(ctx context.Context) bool {
	timer := time.NewTimer(l.params.Tolerance)
	defer timer.Stop()
	ticker := time.NewTicker(l.params.MeteringPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-ticker.C:
			if !l.dev.Recording() {
				return true
			}
			if l.dev.Level() < l.params.SilenceThresholdDB {
				return true
			}
		}
	}
}

// cut stops the stream and delivers the finished segment. The device
// may under-report duration after a flush hiccup; the wall-clock tracked
// duration is the defensive floor.
func (l *Loop) cut(segStart time.Time) {
	seg, err := l.dev.Stop(context.Background())
	if err != nil {
		log.Printf("recorder: stop device: %v", err)
		return
	}
	tracked := l.now().Sub(segStart)
	if seg.Duration < tracked {
		if tracked-seg.Duration > time.Second {
			log.Printf("recorder: device reported %v for a %v segment, using tracked duration", seg.Duration, tracked)
		}
		seg.Duration = tracked
	}
	if l.sink != nil {
		l.sink(seg)
	}
}

// sleep waits d or until cancellation; returns false when cancelled.
func (l *Loop) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
