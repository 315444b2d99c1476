package storeclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/recitalhq/recital/internal/models"
)

// Subscribe opens the server's event stream for a session and delivers
// each state snapshot on the returned channel. The channel closes when
// the session reaches a terminal state, is deleted, or ctx is
// cancelled. The server re-sends the current state on connect, so a
// consumer always observes at least one update.
func (c *Client) Subscribe(ctx context.Context, sessionID string) (<-chan models.RecordingSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/sessions/"+sessionID+"/events", nil)
	if err != nil {
		return nil, fmt.Errorf("storeclient: build subscribe: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	// The long-lived stream must not inherit the client's request
	// timeout.
	resp, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		return nil, fmt.Errorf("storeclient: subscribe %s: %w", sessionID, err)
	}
	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, fmt.Errorf("storeclient: session not found: %s", sessionID)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("storeclient: subscribe %s: status %d", sessionID, resp.StatusCode)
	}

	updates := make(chan models.RecordingSession)
	go func() {
		defer close(updates)
		defer resp.Body.Close()

		rd := bufio.NewReader(resp.Body)
		var event string
		for {
			line, err := rd.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				if event != "session" {
					continue
				}
				var view sessionView
				if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &view); err != nil {
					continue
				}
				select {
				case updates <- *view.toModel():
				case <-ctx.Done():
					return
				}
			case line == "":
				event = ""
			}
		}
	}()
	return updates, nil
}
