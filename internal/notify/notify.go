// Package notify delivers end-of-session notifications to the student.
package notify

import (
	"context"
	"log"
	"os"
	"os/exec"
	"strings"
)

// Event describes a finished recording session.
type Event struct {
	SessionID     string
	LessonID      string
	Status        string // completed or failed
	FinalAudioKey string // set when completed
	Reason        string // set when failed
}

// Subject returns a one-line human summary of the event.
func (e Event) Subject() string {
	switch e.Status {
	case "failed":
		return "Recording failed: " + e.Reason
	case "upload_failed":
		return "Fragment upload gave up: " + e.Reason
	}
	return "Recording ready"
}

// Notifier delivers an event. Implementations are best-effort and must
// not block session teardown for long.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans an event out to every notifier, logging failures instead
// of short-circuiting.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			log.Printf("notify: %v", err)
		}
	}
	return nil
}

// CommandConfig controls shell-command notification delivery.
type CommandConfig struct {
	Command string // template, e.g. "notify-send 'Recital' '{{.Subject}}'"
}

// CommandNotifier runs a shell command template for each event. When
// running inside tmux it also flashes a status-line message.
type CommandNotifier struct {
	cfg CommandConfig
}

// NewCommandNotifier creates a CommandNotifier.
func NewCommandNotifier(cfg CommandConfig) *CommandNotifier {
	return &CommandNotifier{cfg: cfg}
}

func (n *CommandNotifier) Notify(ctx context.Context, ev Event) error {
	if n.cfg.Command != "" {
		cmdStr := templateEvent(n.cfg.Command, ev)
		cmd := exec.CommandContext(ctx, "sh", "-c", cmdStr)
		if out, err := cmd.CombinedOutput(); err != nil {
			log.Printf("notify: command failed: %v: %s", err, strings.TrimSpace(string(out)))
		}
	}

	if os.Getenv("TMUX") != "" {
		cmd := exec.CommandContext(ctx, "tmux", "display-message", ev.Subject())
		if err := cmd.Run(); err != nil {
			log.Printf("notify: tmux display-message failed: %v", err)
		}
	}
	return nil
}

// templateEvent replaces placeholders in the command template with
// event values.
func templateEvent(command string, ev Event) string {
	r := strings.NewReplacer(
		"{{.Subject}}", ev.Subject(),
		"{{.SessionID}}", ev.SessionID,
		"{{.LessonID}}", ev.LessonID,
		"{{.Status}}", ev.Status,
		"{{.FinalAudioKey}}", ev.FinalAudioKey,
		"{{.Reason}}", ev.Reason,
	)
	return r.Replace(command)
}
