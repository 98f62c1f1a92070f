package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	slackapi "github.com/slack-go/slack"
)

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// SlackOpts holds parameters for creating a Slack notifier.
type SlackOpts struct {
	BotToken  string // xoxb-... Slack bot token
	ChannelID string
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// Slack posts alerts to a Slack channel.
type Slack struct {
	client    slackClient
	channelID string
}

// NewSlack creates a Slack notifier.
func NewSlack(opts SlackOpts) (*Slack, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("alert: slack bot token is required")
	}
	if opts.ChannelID == "" {
		return nil, fmt.Errorf("alert: slack channel is required")
	}
	client := opts.Client
	if client == nil {
		client = slackapi.New(opts.BotToken)
	}
	return &Slack{client: client, channelID: opts.ChannelID}, nil
}

// Name implements Notifier.
func (s *Slack) Name() string { return "slack" }

// Notify implements Notifier.
func (s *Slack) Notify(ctx context.Context, a Alert) error {
	_, _, err := s.client.PostMessageContext(ctx, s.channelID,
		slackapi.MsgOptionText(a.Title, false),
		slackapi.MsgOptionAttachments(slackAttachment(a)),
	)
	if err != nil {
		return fmt.Errorf("alert: slack post: %w", err)
	}
	return nil
}

func slackAttachment(a Alert) slackapi.Attachment {
	att := slackapi.Attachment{
		Color:    a.Severity.Color(),
		Fallback: a.Title,
		Text:     a.Body,
	}
	if !a.At.IsZero() {
		att.Ts = json.Number(strconv.FormatInt(a.At.Unix(), 10))
	}
	for _, f := range a.Fields {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: f.Name,
			Value: f.Value,
			Short: true,
		})
	}
	return att
}
