package finalizer

import (
	"context"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextSweepTime returns the next scheduled sweep, or zero when sweeping
// is disabled or the expression does not parse.
func (w *Worker) nextSweepTime() time.Time {
	if w.sweepSchedule == "" {
		return time.Time{}
	}
	sched, err := cronParser.Parse(w.sweepSchedule)
	if err != nil {
		log.Printf("finalizer: bad sweep schedule %q: %v", w.sweepSchedule, err)
		return time.Time{}
	}
	return sched.Next(time.Now())
}

// Sweep deletes blobs that no session or fragment row references.
// Blobs newer than the grace window are kept: their rows may still be
// on the way.
func (w *Worker) Sweep(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}

	known, err := w.store.ListStorageKeys(ctx)
	if err != nil {
		return fmt.Errorf("finalizer: list storage keys: %w", err)
	}
	objects, err := w.blobs.List(ctx, "")
	if err != nil {
		return fmt.Errorf("finalizer: list blobs: %w", err)
	}

	cutoff := time.Now().Add(-w.sweepGrace)
	removed := 0
	for _, obj := range objects {
		if known[obj.Key] {
			continue
		}
		if obj.ModTime.After(cutoff) {
			continue
		}
		if err := w.blobs.Delete(ctx, obj.Key); err != nil {
			log.Printf("finalizer: sweep delete %s: %v", obj.Key, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		fmt.Fprintf(out, "Sweep removed %d orphan blob(s)\n", removed)
	}
	return nil
}
