package controller

import (
	"context"
	"fmt"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/store"
)

// StartSession begins a new recording attempt for the given subject.
// The hardware stream is opened before the store record is created, so
// a permission or device failure never leaves a half-created session
// behind. A create failure tears the stream back down and the
// controller stays idle.
func (c *Controller) StartSession(ctx context.Context, subject store.SubjectMeta) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateIdle {
		return fmt.Errorf("controller: session already in progress")
	}

	sessionID, err := GenerateSessionID()
	if err != nil {
		return err
	}

	if c.loop != nil {
		if err := c.loop.Start(ctx); err != nil {
			return fmt.Errorf("controller: start recording: %w", err)
		}
	}

	if _, err := c.store.CreateSession(ctx, store.CreateOpts{
		SessionID: sessionID,
		OwnerID:   c.ownerID,
		Subject:   subject,
	}); err != nil {
		if c.loop != nil {
			// The sink drops the torn-down stream's segment: no session
			// ID is set yet.
			if stopErr := c.loop.Stop(ctx); stopErr != nil {
				return fmt.Errorf("controller: create session: %w (and stop recorder: %v)", err, stopErr)
			}
		}
		return fmt.Errorf("controller: create session: %w", err)
	}

	c.stMu.Lock()
	c.state = StateRecording
	c.sessionID = sessionID
	c.subject = subject
	c.nextIndex = 0
	c.stMu.Unlock()
	return nil
}

// PauseSession cuts the in-progress segment, stops the stream, and then
// marks the session paused in the store. The cut strictly precedes the
// status write: a reader that observes paused can never be missing an
// uncommitted tail fragment.
func (c *Controller) PauseSession(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StateRecording {
		return fmt.Errorf("controller: not recording")
	}

	if c.loop != nil {
		if err := c.loop.Stop(ctx); err != nil {
			return fmt.Errorf("controller: cut segment: %w", err)
		}
	}

	c.stMu.Lock()
	sessionID := c.sessionID
	c.state = StatePaused
	c.stMu.Unlock()

	// The local state stays paused even if the write fails: the next
	// store read is authoritative.
	if err := c.store.UpdateSessionStatus(ctx, sessionID, models.StatusPaused); err != nil {
		return fmt.Errorf("controller: pause: %w", err)
	}
	return nil
}

// ResumeSession marks the session recording again and restarts the
// recorder loop.
func (c *Controller) ResumeSession(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if c.State() != StatePaused {
		return fmt.Errorf("controller: not paused")
	}

	c.stMu.Lock()
	sessionID := c.sessionID
	c.stMu.Unlock()

	if err := c.store.UpdateSessionStatus(ctx, sessionID, models.StatusRecording); err != nil {
		return fmt.Errorf("controller: resume: %w", err)
	}

	c.stMu.Lock()
	c.state = StateRecording
	c.stMu.Unlock()

	if c.loop != nil {
		if err := c.loop.Start(ctx); err != nil {
			return fmt.Errorf("controller: restart recording: %w", err)
		}
	}
	return nil
}

// SubmitSession cuts any in-progress segment and flips the session to
// finalizing. The controller is purely the trigger: concatenation
// happens in the worker, and completion arrives through Apply, never
// from this call.
func (c *Controller) SubmitSession(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	st := c.State()
	if st != StateRecording && st != StatePaused {
		return fmt.Errorf("controller: nothing to submit")
	}

	if st == StateRecording && c.loop != nil {
		if err := c.loop.Stop(ctx); err != nil {
			return fmt.Errorf("controller: cut segment: %w", err)
		}
	}

	c.stMu.Lock()
	sessionID := c.sessionID
	c.state = StateSubmitting
	c.stMu.Unlock()

	if err := c.store.UpdateSessionStatus(ctx, sessionID, models.StatusFinalizing); err != nil {
		return fmt.Errorf("controller: submit: %w", err)
	}
	return nil
}

// DiscardSession abandons the active session: the stream is stopped,
// queued fragments are cleared, the store record is deleted, and local
// counters reset. Discarding when nothing is active, or a session whose
// record is already gone, succeeds.
func (c *Controller) DiscardSession(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stMu.Lock()
	sessionID := c.sessionID
	c.stMu.Unlock()
	if sessionID == "" {
		return nil
	}

	if c.loop != nil {
		if err := c.loop.Stop(ctx); err != nil {
			return fmt.Errorf("controller: stop recording: %w", err)
		}
	}

	// The tail segment the stop just cut lands in the queue; clearing
	// after the stop removes it along with everything else.
	if err := c.queue.ClearSession(ctx, sessionID); err != nil {
		return fmt.Errorf("controller: discard: %w", err)
	}
	if err := c.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("controller: discard: %w", err)
	}

	c.reset()
	return nil
}

// reset clears all local session state.
func (c *Controller) reset() {
	c.stMu.Lock()
	c.state = StateIdle
	c.sessionID = ""
	c.subject = store.SubjectMeta{}
	c.nextIndex = 0
	c.stMu.Unlock()
}
