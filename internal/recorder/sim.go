package recorder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// SimDevice is a software stand-in for a hardware recorder. It produces
// placeholder segment files on disk and exposes a settable input level,
// which makes it usable both in tests and in the record CLI when no
// capture hardware is wired up.
type SimDevice struct {
	dir string

	mu        sync.Mutex
	recording bool
	started   time.Time
	level     float64
	seq       int
}

// NewSimDevice creates a SimDevice writing segment files under dir.
func NewSimDevice(dir string) (*SimDevice, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create segment dir %s: %w", dir, err)
	}
	return &SimDevice{dir: dir, level: -12}, nil
}

// Start begins a simulated stream.
func (d *SimDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.recording {
		return fmt.Errorf("recorder: device already recording")
	}
	d.recording = true
	d.started = time.Now()
	return nil
}

// Stop ends the stream and writes the segment file.
func (d *SimDevice) Stop(ctx context.Context) (Segment, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.recording {
		return Segment{}, fmt.Errorf("recorder: device not recording")
	}
	d.recording = false
	d.seq++

	path := filepath.Join(d.dir, fmt.Sprintf("segment-%04d.m4a", d.seq))
	if err := os.WriteFile(path, []byte("simulated audio segment\n"), 0o644); err != nil {
		return Segment{}, fmt.Errorf("recorder: write segment %s: %w", path, err)
	}
	return Segment{Path: path, Duration: time.Since(d.started)}, nil
}

// Recording reports whether a simulated stream is open.
func (d *SimDevice) Recording() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.recording
}

// Level returns the configured input level.
func (d *SimDevice) Level() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.level
}

// SetLevel sets the input level subsequent Level calls report. Scripts
// use it to simulate a pause in speech.
func (d *SimDevice) SetLevel(db float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.level = db
}
