package recorder

import (
	"context"
	"sync"
	"testing"
	"time"
)

// fastParams keeps loop tests quick: 40ms segments, 30ms grace, 5ms metering.
func fastParams() Params {
	return Params{
		Interval:           40 * time.Millisecond,
		Tolerance:          30 * time.Millisecond,
		MeteringPeriod:     5 * time.Millisecond,
		SilenceThresholdDB: -40,
	}
}

// collector gathers cut segments.
type collector struct {
	mu   sync.Mutex
	segs []Segment
}

func (c *collector) sink(s Segment) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.segs = append(c.segs, s)
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.segs)
}

func (c *collector) all() []Segment {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Segment(nil), c.segs...)
}

func newTestLoop(t *testing.T, params Params) (*Loop, *SimDevice, *collector) {
	t.Helper()
	dev, err := NewSimDevice(t.TempDir())
	if err != nil {
		t.Fatalf("NewSimDevice: %v", err)
	}
	col := &collector{}
	return NewLoop(dev, params, col.sink), dev, col
}

func TestLoop_CutsRepeatedlyUntilStopped(t *testing.T) {
	loop, dev, col := newTestLoop(t, fastParams())
	ctx := context.Background()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !loop.Running() {
		t.Error("Running() = false after Start")
	}

	// Loud input the whole time: each segment runs the full
	// interval + tolerance. Wait long enough for at least two cuts.
	time.Sleep(200 * time.Millisecond)

	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if loop.Running() {
		t.Error("Running() = true after Stop")
	}
	if dev.Recording() {
		t.Error("device still recording after Stop")
	}
	if col.count() < 2 {
		t.Errorf("cuts = %d, want at least 2", col.count())
	}
	for i, seg := range col.all() {
		if seg.Path == "" {
			t.Errorf("segment %d has empty path", i)
		}
		if seg.Duration <= 0 {
			t.Errorf("segment %d duration = %v", i, seg.Duration)
		}
	}
}

func TestLoop_SilenceCutsEarly(t *testing.T) {
	params := fastParams()
	params.Interval = 30 * time.Millisecond
	params.Tolerance = 500 * time.Millisecond // long grace so the early cut is observable
	loop, dev, col := newTestLoop(t, params)
	ctx := context.Background()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Go quiet right away: once the interval elapses, the metering poll
	// should cut well before the tolerance window runs out.
	dev.SetLevel(-55)

	deadline := time.Now().Add(200 * time.Millisecond)
	for col.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	segs := col.all()
	if len(segs) == 0 {
		t.Fatal("no segment cut")
	}
	if segs[0].Duration >= params.Interval+params.Tolerance {
		t.Errorf("first cut after %v, want early silence cut", segs[0].Duration)
	}
}

func TestLoop_StopCutsTailSegment(t *testing.T) {
	params := fastParams()
	params.Interval = 10 * time.Second // far longer than the test
	loop, _, col := newTestLoop(t, params)
	ctx := context.Background()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The in-progress segment must be delivered before Stop returns.
	if col.count() != 1 {
		t.Fatalf("cuts = %d, want 1 tail segment", col.count())
	}
}

func TestLoop_StartWhileRunning(t *testing.T) {
	params := fastParams()
	params.Interval = 10 * time.Second
	loop, _, _ := newTestLoop(t, params)
	ctx := context.Background()

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer loop.Stop(ctx)

	if err := loop.Start(ctx); err == nil {
		t.Error("second Start succeeded, want mutual exclusion error")
	}
}

func TestLoop_StopIdempotent(t *testing.T) {
	loop, _, _ := newTestLoop(t, fastParams())
	ctx := context.Background()

	if err := loop.Stop(ctx); err != nil {
		t.Errorf("Stop on idle loop: %v", err)
	}

	if err := loop.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := loop.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := loop.Stop(ctx); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestSimDevice_StartStop(t *testing.T) {
	dev, err := NewSimDevice(t.TempDir())
	if err != nil {
		t.Fatalf("NewSimDevice: %v", err)
	}
	ctx := context.Background()

	if err := dev.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := dev.Start(ctx); err == nil {
		t.Error("second Start succeeded")
	}
	seg, err := dev.Stop(ctx)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if seg.Path == "" {
		t.Error("segment path empty")
	}
	if _, err := dev.Stop(ctx); err == nil {
		t.Error("Stop while idle succeeded")
	}
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Interval != 120*time.Second || p.Tolerance != 15*time.Second {
		t.Errorf("params = %+v", p)
	}
	if p.MeteringPeriod != 300*time.Millisecond || p.SilenceThresholdDB != -40 {
		t.Errorf("params = %+v", p)
	}
}
