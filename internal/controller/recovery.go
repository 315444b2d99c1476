package controller

import (
	"context"
	"fmt"

	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/store"
)

// Attach checks the store for an existing active session for (owner,
// lesson) and applies the recovery rules:
//
//   - recording/paused: exposed through RecoverableSession for the
//     caller to resume or dismiss — never adopted silently, a user
//     decision is pending.
//   - finalizing/processing: adopted silently, so the caller shows
//     submitting instead of a stale record button. The work is already
//     committed server-side and nothing is pending on the user.
//   - anything else: ignored.
func (c *Controller) Attach(ctx context.Context, lessonID string) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	sess, err := c.store.GetActiveSessionForLesson(ctx, c.ownerID, lessonID)
	if err != nil {
		return fmt.Errorf("controller: attach: %w", err)
	}
	if sess == nil {
		return nil
	}

	switch sess.Status {
	case models.StatusRecording, models.StatusPaused:
		c.stMu.Lock()
		c.recoverable = sess
		c.stMu.Unlock()
	case models.StatusFinalizing, models.StatusProcessing:
		c.adopt(sess)
	}
	return nil
}

// RecoverableSession returns the session Attach found in a resumable
// state, or nil.
func (c *Controller) RecoverableSession() *models.RecordingSession {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.recoverable
}

// RecoverSession adopts the recoverable session: the local fragment
// counter continues after the last acknowledged fragment and any
// locally persisted queue entries are restored for upload. A session
// the crash left in status recording comes back paused — no device is
// capturing — and the caller resumes it explicitly.
func (c *Controller) RecoverSession(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stMu.Lock()
	sess := c.recoverable
	c.stMu.Unlock()
	if sess == nil {
		return fmt.Errorf("controller: no recoverable session")
	}

	c.adopt(sess)
	c.stMu.Lock()
	c.recoverable = nil
	coerce := c.state == StateRecording
	if coerce {
		c.state = StatePaused
	}
	c.stMu.Unlock()

	if coerce {
		if err := c.store.UpdateSessionStatus(ctx, sess.SessionID, models.StatusPaused); err != nil {
			return fmt.Errorf("controller: recover: %w", err)
		}
	}
	if err := c.queue.Restore(ctx); err != nil {
		return fmt.Errorf("controller: recover: %w", err)
	}
	return nil
}

// DismissRecovery discards the recoverable session without adopting it.
// Dismissing when nothing is recoverable is a no-op.
func (c *Controller) DismissRecovery(ctx context.Context) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stMu.Lock()
	sess := c.recoverable
	c.recoverable = nil
	c.stMu.Unlock()
	if sess == nil {
		return nil
	}

	if err := c.queue.ClearSession(ctx, sess.SessionID); err != nil {
		return fmt.Errorf("controller: dismiss recovery: %w", err)
	}
	if err := c.store.DeleteSession(ctx, sess.SessionID); err != nil {
		return fmt.Errorf("controller: dismiss recovery: %w", err)
	}
	return nil
}

// adopt installs sess as the active local session.
func (c *Controller) adopt(sess *models.RecordingSession) {
	c.stMu.Lock()
	c.sessionID = sess.SessionID
	c.state = StateFromStatus(sess.Status)
	c.subject = store.SubjectMeta{
		LessonID:      sess.LessonID,
		UploadPurpose: sess.UploadPurpose,
		CounterpartID: sess.CounterpartID,
		LessonState:   sess.LessonState,
	}
	c.nextIndex = sess.FragmentsCount
	c.stMu.Unlock()
}
