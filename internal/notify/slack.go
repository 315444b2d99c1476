package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	slackapi "github.com/slack-go/slack"
)

const slackMaxRetries = 3

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a SlackNotifier.
type SlackOpts struct {
	Token     string // xoxb-... bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// SlackNotifier posts a message to a Slack channel for each event.
type SlackNotifier struct {
	client    slackClient
	channelID string
}

// NewSlackNotifier creates a SlackNotifier.
func NewSlackNotifier(opts SlackOpts) (*SlackNotifier, error) {
	if opts.Client == nil && opts.Token == "" {
		return nil, fmt.Errorf("notify: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("notify: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.Token)
	}
	return &SlackNotifier{client: client, channelID: opts.ChannelID}, nil
}

func (n *SlackNotifier) Notify(ctx context.Context, ev Event) error {
	text := fmt.Sprintf("*%s*\nsession: `%s`", ev.Subject(), ev.SessionID)
	if ev.LessonID != "" {
		text += fmt.Sprintf("\nlesson: `%s`", ev.LessonID)
	}
	if ev.FinalAudioKey != "" {
		text += fmt.Sprintf("\nrecording: `%s`", ev.FinalAudioKey)
	}
	err := retryOnRateLimit(ctx, func() error {
		_, _, err := n.client.PostMessage(n.channelID,
			slackapi.MsgOptionText(text, false),
			slackapi.MsgOptionDisableLinkUnfurl(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("notify: post to slack: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with backoff on Slack rate limit errors.
// It respects context cancellation and the RetryAfter duration from Slack.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= slackMaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) {
			return err
		}

		if attempt == slackMaxRetries {
			return err
		}

		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * time.Second
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil
}
