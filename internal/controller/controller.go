// Package controller implements the recording session state machine.
//
// A Controller owns one device's session lifecycle: it starts sessions
// in the store, drives the auto-fragmenting recorder loop, hands cut
// segments to the upload queue, and reconciles its optimistic local
// state against the store's authoritative status pushed through Apply.
package controller

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"sync"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/queue"
	"github.com/recitalhq/recital/internal/recorder"
	"github.com/recitalhq/recital/internal/store"
)

// State is the client-side view of the session lifecycle, reduced from
// the store's richer status.
type State string

// Client states.
const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateSubmitting State = "submitting"
)

// StateFromStatus is the total mapping from server status to client
// state. finalizing and processing both render as submitting; terminal
// statuses render as idle (their side effects are handled in Apply).
func StateFromStatus(s models.SessionStatus) State {
	switch s {
	case models.StatusRecording:
		return StateRecording
	case models.StatusPaused:
		return StatePaused
	case models.StatusFinalizing, models.StatusProcessing:
		return StateSubmitting
	default:
		return StateIdle
	}
}

// SessionStore is the subset of store operations the controller drives.
// Both the in-process store service and the HTTP client satisfy it.
type SessionStore interface {
	CreateSession(ctx context.Context, opts store.CreateOpts) (*models.RecordingSession, error)
	UpdateSessionStatus(ctx context.Context, sessionID string, status models.SessionStatus) error
	DeleteSession(ctx context.Context, sessionID string) error
	GetSession(ctx context.Context, sessionID string) (*models.RecordingSession, error)
	GetActiveSessionForLesson(ctx context.Context, ownerID, lessonID string) (*models.RecordingSession, error)
}

// UploadQueue is the subset of queue operations the controller drives.
type UploadQueue interface {
	Enqueue(ctx context.Context, spec queue.Spec) error
	ClearSession(ctx context.Context, sessionID string) error
	Restore(ctx context.Context) error
	PendingDurationMs(ctx context.Context, sessionID string) (int64, error)
}

// Opts holds parameters for creating a Controller.
type Opts struct {
	Store   SessionStore
	Queue   UploadQueue
	OwnerID string

	// Device is the hardware recorder; nil runs the controller headless
	// (no recorder loop), which tests and recovery-only mounts use.
	Device recorder.Device
	Params recorder.Params

	// OnCompleted fires exactly once when the active session reaches
	// completed, with the final asset key.
	OnCompleted func(sessionID, finalAudioKey string)
	// OnFailed fires exactly once when the active session reaches failed.
	OnFailed func(sessionID, reason string)
}

// Controller is the recording session state machine. All exported
// methods are safe for concurrent use.
type Controller struct {
	store       SessionStore
	queue       UploadQueue
	ownerID     string
	loop        *recorder.Loop
	onCompleted func(string, string)
	onFailed    func(string, string)

	// opMu serializes lifecycle operations and Apply. stMu guards the
	// fields below and is never held across I/O, so the segment sink can
	// assign indices while an operation is cutting.
	opMu sync.Mutex
	stMu sync.Mutex

	state       State
	sessionID   string
	subject     store.SubjectMeta
	nextIndex   int
	recoverable *models.RecordingSession
}

// New creates a Controller.
func New(opts Opts) (*Controller, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("controller: store is required")
	}
	if opts.Queue == nil {
		return nil, fmt.Errorf("controller: queue is required")
	}
	if opts.OwnerID == "" {
		return nil, fmt.Errorf("controller: owner ID is required")
	}

	c := &Controller{
		store:       opts.Store,
		queue:       opts.Queue,
		ownerID:     opts.OwnerID,
		onCompleted: opts.OnCompleted,
		onFailed:    opts.OnFailed,
		state:       StateIdle,
	}
	if opts.Device != nil {
		params := opts.Params
		if params.Interval == 0 {
			params = recorder.DefaultParams()
		}
		c.loop = recorder.NewLoop(opts.Device, params, c.onSegment)
	}
	return c, nil
}

// GenerateSessionID creates a unique session ID in ses-xxxxxxxxxxxxxxxx
// format (16-char hex).
func GenerateSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("controller: generate session ID: %w", err)
	}
	return "ses-" + hex.EncodeToString(b), nil
}

// State returns the current client state.
func (c *Controller) State() State {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.state
}

// SessionID returns the active session's ID, or "" when idle.
func (c *Controller) SessionID() string {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.sessionID
}

// NextIndex returns the index the next queued fragment will receive.
func (c *Controller) NextIndex() int {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.nextIndex
}

// onSegment is the recorder loop's sink. Segments cut after the session
// went away (a discarded start, a stop during teardown) are dropped.
func (c *Controller) onSegment(seg recorder.Segment) {
	if _, err := c.QueueFragment(context.Background(), seg.Path, seg.Duration.Milliseconds()); err != nil {
		log.Printf("controller: queue segment %s: %v", seg.Path, err)
	}
}

// QueueFragment assigns the next fragment index from the local monotonic
// counter and enqueues the fragment for upload. The counter, not the
// server's lagging fragment count, is the index authority; it is only
// ever reconciled upward.
func (c *Controller) QueueFragment(ctx context.Context, localURI string, durationMs int64) (int, error) {
	c.stMu.Lock()
	if c.sessionID == "" {
		c.stMu.Unlock()
		return 0, fmt.Errorf("controller: no active session")
	}
	sessionID := c.sessionID
	index := c.nextIndex
	c.nextIndex++
	c.stMu.Unlock()

	err := c.queue.Enqueue(ctx, queue.Spec{
		SessionID:     sessionID,
		FragmentIndex: index,
		LocalURI:      localURI,
		DurationMs:    durationMs,
	})
	if err != nil {
		return 0, fmt.Errorf("controller: enqueue fragment %d: %w", index, err)
	}
	return index, nil
}

// TotalDurationMs returns the true cumulative recorded duration: the
// store's committed total plus the durations still waiting in the local
// queue.
func (c *Controller) TotalDurationMs(ctx context.Context) (int64, error) {
	c.stMu.Lock()
	sessionID := c.sessionID
	c.stMu.Unlock()
	if sessionID == "" {
		return 0, nil
	}

	var committed int64
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	if sess != nil {
		committed = sess.TotalDurationMs
	}
	pending, err := c.queue.PendingDurationMs(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return committed + pending, nil
}
