package notify

import (
	"context"

	"github.com/slack-go/slack"
)

// SlackBroadcaster posts outcome lines to a Slack channel.
type SlackBroadcaster struct {
	api     *slack.Client
	channel string
}

// NewSlackBroadcaster creates a broadcaster for the given bot token and
// channel ID.
func NewSlackBroadcaster(botToken, channel string) *SlackBroadcaster {
	return &SlackBroadcaster{
		api:     slack.New(botToken),
		channel: channel,
	}
}

func (b *SlackBroadcaster) Name() string { return "slack" }

func (b *SlackBroadcaster) Broadcast(ctx context.Context, text string) error {
	_, _, err := b.api.PostMessageContext(ctx, b.channel,
		slack.MsgOptionText(text, false),
	)
	return err
}
