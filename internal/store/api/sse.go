package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/recitalhq/recital/internal/models"
	"github.com/recitalhq/recital/internal/store"
)

// handleSessionEvents streams a session's state as server-sent events.
// The current state is sent immediately, then again whenever a poll
// observes a change. Terminal states are sent once and the stream ends:
// there is nothing left to watch.
func handleSessionEvents(svc *store.Service, poll time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("id")

		sess, err := svc.GetSession(c.Request.Context(), sessionID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sess == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")

		writeSSE(c.Writer, "session", viewOf(sess))
		c.Writer.Flush()
		if sess.Status.Terminal() {
			return
		}
		last := snapshotOf(sess)

		ctx := c.Request.Context()
		ticker := time.NewTicker(poll)
		heartbeat := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-heartbeat.C:
				writeSSE(c.Writer, "heartbeat", map[string]string{
					"timestamp": time.Now().UTC().Format(time.RFC3339),
				})
				c.Writer.Flush()
			case <-ticker.C:
				sess, err := svc.GetSession(ctx, sessionID)
				if err != nil {
					continue
				}
				if sess == nil {
					// Discarded while being watched.
					writeSSE(c.Writer, "deleted", map[string]string{"session_id": sessionID})
					c.Writer.Flush()
					return
				}
				snap := snapshotOf(sess)
				if snap == last {
					continue
				}
				last = snap
				writeSSE(c.Writer, "session", viewOf(sess))
				c.Writer.Flush()
				if sess.Status.Terminal() {
					return
				}
			}
		}
	}
}

// snapshot is the comparable subset of session state whose change
// triggers an event.
type snapshot struct {
	status    models.SessionStatus
	fragments int
	duration  int64
	finalKey  string
	errMsg    string
}

func snapshotOf(sess *models.RecordingSession) snapshot {
	return snapshot{
		status:    sess.Status,
		fragments: sess.FragmentsCount,
		duration:  sess.TotalDurationMs,
		finalKey:  sess.FinalAudioKey,
		errMsg:    sess.Error,
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, string(jsonData))
}
