package controller

import (
	"context"

	"github.com/recitalhq/recital/internal/models"
)

// Apply feeds one store-pushed session update into the state machine.
// Updates for other sessions are ignored. The local fragment counter is
// reconciled upward against the server's acknowledged count, never
// downward. A terminal status fires its callback exactly once: the
// local session is cleared in the same step, so a duplicate delivery no
// longer matches and falls through.
func (c *Controller) Apply(sess *models.RecordingSession) {
	if sess == nil {
		return
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.stMu.Lock()
	if sess.SessionID != c.sessionID {
		c.stMu.Unlock()
		return
	}
	if sess.FragmentsCount > c.nextIndex {
		c.nextIndex = sess.FragmentsCount
	}
	c.stMu.Unlock()

	if !sess.Status.Terminal() {
		c.stMu.Lock()
		c.state = StateFromStatus(sess.Status)
		c.stMu.Unlock()
		return
	}

	sessionID := sess.SessionID
	c.reset()

	switch sess.Status {
	case models.StatusCompleted:
		if c.onCompleted != nil {
			c.onCompleted(sessionID, sess.FinalAudioKey)
		}
	case models.StatusFailed:
		if c.onFailed != nil {
			c.onFailed(sessionID, sess.Error)
		}
	}
}

// Run consumes session updates until the channel closes or the context
// is cancelled. It is a convenience loop over Apply for callers holding
// a store subscription.
func (c *Controller) Run(ctx context.Context, updates <-chan models.RecordingSession) {
	for {
		select {
		case <-ctx.Done():
			return
		case sess, ok := <-updates:
			if !ok {
				return
			}
			c.Apply(&sess)
		}
	}
}
