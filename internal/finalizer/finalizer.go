// Package finalizer is the worker daemon that turns a submitted
// session's uploaded fragments into one continuous audio asset.
package finalizer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/notify"
	"github.com/recitalhq/recital/internal/storage"
	"github.com/recitalhq/recital/internal/store"
)

const defaultPollInterval = 5 * time.Second

// ConcatFunc joins ordered input audio files into a single output file.
type ConcatFunc func(ctx context.Context, inputs []string, output string) error

// Opts holds parameters for creating a Worker.
type Opts struct {
	Store    *store.Service
	Blobs    storage.BlobStore
	WorkerID string

	PollInterval time.Duration
	FfmpegBin    string // defaults to "ffmpeg"

	// Concat overrides the ffmpeg invocation; tests inject a stub.
	Concat ConcatFunc

	// SweepSchedule is a 5-field cron expression for the orphan-blob
	// sweep; empty disables it. SweepGrace protects recently written
	// blobs whose rows may not be committed yet.
	SweepSchedule string
	SweepGrace    time.Duration

	// Notifier, when set, is told about every terminal transition.
	Notifier notify.Notifier
}

// Worker claims finalizing sessions one at a time, concatenates their
// fragments, stores the result, and flips the session to completed.
type Worker struct {
	store         *store.Service
	blobs         storage.BlobStore
	workerID      string
	poll          time.Duration
	concat        ConcatFunc
	sweepSchedule string
	sweepGrace    time.Duration
	notifier      notify.Notifier
}

// New creates a Worker.
func New(opts Opts) (*Worker, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("finalizer: store is required")
	}
	if opts.Blobs == nil {
		return nil, fmt.Errorf("finalizer: blob store is required")
	}
	if opts.WorkerID == "" {
		return nil, fmt.Errorf("finalizer: worker ID is required")
	}

	w := &Worker{
		store:         opts.Store,
		blobs:         opts.Blobs,
		workerID:      opts.WorkerID,
		poll:          opts.PollInterval,
		concat:        opts.Concat,
		sweepSchedule: opts.SweepSchedule,
		sweepGrace:    opts.SweepGrace,
		notifier:      opts.Notifier,
	}
	if w.poll <= 0 {
		w.poll = defaultPollInterval
	}
	if w.concat == nil {
		bin := opts.FfmpegBin
		if bin == "" {
			bin = "ffmpeg"
		}
		w.concat = ffmpegConcat(bin)
	}
	return w, nil
}

// Run loops until ctx is cancelled: drain every waiting session, then
// sleep one poll interval. The orphan sweep fires on its cron schedule
// between polls.
func (w *Worker) Run(ctx context.Context, out io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintf(out, "Finalize worker %s starting (poll every %s)...\n", w.workerID, w.poll)

	nextSweep := w.nextSweepTime()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "Finalize worker stopped.\n")
			return nil
		default:
		}

		for {
			worked, err := w.ProcessOne(ctx, out)
			if err != nil {
				log.Printf("finalizer: %v", err)
				break
			}
			if !worked {
				break
			}
		}

		if !nextSweep.IsZero() && time.Now().After(nextSweep) {
			if err := w.Sweep(ctx, out); err != nil {
				log.Printf("finalizer sweep error: %v", err)
			}
			nextSweep = w.nextSweepTime()
		}

		sleepWithContext(ctx, w.poll)
	}
}

// ProcessOne claims and finalizes a single session. Returns false when
// no session is waiting. A failed concatenation marks the session
// failed and is not returned as an error: the daemon keeps going.
func (w *Worker) ProcessOne(ctx context.Context, out io.Writer) (bool, error) {
	if out == nil {
		out = io.Discard
	}
	sess, err := w.store.ClaimNextFinalizing(ctx, w.workerID)
	if err != nil {
		return false, fmt.Errorf("finalizer: claim: %w", err)
	}
	if sess == nil {
		return false, nil
	}
	fmt.Fprintf(out, "Finalizing %s (%d fragments)...\n", sess.SessionID, sess.FragmentsCount)

	logID, err := w.store.StartJobLog(ctx, sess.SessionID, w.workerID, sess.FragmentsCount)
	if err != nil {
		log.Printf("finalizer: job log: %v", err)
	}

	finalKey, procErr := w.finalize(ctx, sess)
	if procErr != nil {
		fmt.Fprintf(out, "Finalize %s failed: %v\n", sess.SessionID, procErr)
		if err := w.store.FailSession(ctx, sess.SessionID, procErr.Error()); err != nil {
			return true, fmt.Errorf("finalizer: mark failed: %w", err)
		}
		w.finishLog(ctx, logID, "failed", procErr.Error())
		w.notifyTerminal(ctx, sess, "failed", "", procErr.Error())
		return true, nil
	}

	if err := w.store.FinalizeSession(ctx, sess.SessionID, finalKey); err != nil {
		return true, fmt.Errorf("finalizer: mark completed: %w", err)
	}
	w.finishLog(ctx, logID, "completed", "")
	w.notifyTerminal(ctx, sess, "completed", finalKey, "")
	fmt.Fprintf(out, "Finalized %s -> %s\n", sess.SessionID, finalKey)
	return true, nil
}

// finalize downloads the session's fragments in index order, joins
// them, and uploads the result. Returns the final asset key.
func (w *Worker) finalize(ctx context.Context, sess *models.RecordingSession) (string, error) {
	frags, err := w.store.ListFragments(ctx, sess.SessionID)
	if err != nil {
		return "", fmt.Errorf("list fragments: %w", err)
	}
	if len(frags) == 0 {
		return "", fmt.Errorf("no fragments uploaded")
	}

	workDir, err := os.MkdirTemp("", "recital-finalize-")
	if err != nil {
		return "", fmt.Errorf("temp dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputs := make([]string, 0, len(frags))
	for _, frag := range frags {
		path := filepath.Join(workDir, fmt.Sprintf("%04d%s", frag.FragmentIndex, filepath.Ext(frag.StorageKey)))
		if err := w.download(ctx, frag.StorageKey, path); err != nil {
			return "", fmt.Errorf("fragment %d: %w", frag.FragmentIndex, err)
		}
		inputs = append(inputs, path)
	}

	finalKey := storage.FinalKey(sess.SessionID)
	outPath := filepath.Join(workDir, filepath.Base(finalKey))
	if err := w.concat(ctx, inputs, outPath); err != nil {
		return "", fmt.Errorf("concat: %w", err)
	}

	f, err := os.Open(outPath)
	if err != nil {
		return "", fmt.Errorf("open output: %w", err)
	}
	defer f.Close()
	if err := w.blobs.Put(ctx, finalKey, f); err != nil {
		return "", fmt.Errorf("store final asset: %w", err)
	}
	return finalKey, nil
}

func (w *Worker) download(ctx context.Context, key, dest string) error {
	rc, err := w.blobs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", key, err)
	}
	defer rc.Close()

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	return f.Close()
}

func (w *Worker) finishLog(ctx context.Context, logID uint, outcome, errMsg string) {
	if logID == 0 {
		return
	}
	if err := w.store.FinishJobLog(ctx, logID, outcome, errMsg); err != nil {
		log.Printf("finalizer: job log: %v", err)
	}
}

func (w *Worker) notifyTerminal(ctx context.Context, sess *models.RecordingSession, status, finalKey, reason string) {
	if w.notifier == nil {
		return
	}
	ev := notify.Event{
		SessionID:     sess.SessionID,
		LessonID:      sess.LessonID,
		Status:        status,
		FinalAudioKey: finalKey,
		Reason:        reason,
	}
	if err := w.notifier.Notify(ctx, ev); err != nil {
		log.Printf("finalizer: notify: %v", err)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
