// Package slack connects to Slack over Socket Mode and forwards messages
// into the control plane.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/channels"
	"github.com/nextlevelbuilder/talon/internal/config"
)

// Channel is the Slack Socket Mode transport.
type Channel struct {
	*channels.BaseChannel
	api       *slack.Client
	client    *socketmode.Client
	botUserID string
	cancel    context.CancelFunc
}

// New creates the Slack channel. Both tokens come from the environment,
// never from the config file.
func New(cfg config.SlackConfig, dispatch channels.DispatchFunc) (*Channel, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: SLACK_BOT_TOKEN and SLACK_APP_TOKEN are required")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Channel{
		BaseChannel: channels.NewBaseChannel("slack", dispatch, cfg.AllowFrom),
		api:         api,
		client:      socketmode.New(api),
	}, nil
}

// Start authenticates and runs the Socket Mode event loop.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting slack bot")

	auth, err := c.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	c.botUserID = auth.UserID

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.eventLoop(runCtx)
	go func() {
		if err := c.client.RunContext(runCtx); err != nil && runCtx.Err() == nil {
			slog.Error("slack socket mode stopped", "error", err)
		}
	}()

	c.SetRunning(true)
	slog.Info("slack bot connected", "user", auth.User, "id", auth.UserID)
	return nil
}

// Stop cancels the Socket Mode loop.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping slack bot")
	c.SetRunning(false)
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *Channel) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-c.client.Events:
			if !ok {
				return
			}
			if evt.Type != socketmode.EventTypeEventsAPI {
				continue
			}
			apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
			if !ok {
				continue
			}
			if evt.Request != nil {
				c.client.Ack(*evt.Request)
			}
			c.handleEvent(apiEvent)
		}
	}
}

func (c *Channel) handleEvent(evt slackevents.EventsAPIEvent) {
	if evt.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := evt.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		// Plain messages: skip bot echoes and message edits/joins.
		if ev.BotID != "" || ev.User == c.botUserID || ev.SubType != "" {
			return
		}
		c.forwardMessage(ev.ClientMsgID, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text)
	case *slackevents.AppMentionEvent:
		if ev.User == c.botUserID {
			return
		}
		c.forwardMessage("mention-"+ev.TimeStamp, ev.Channel, ev.ThreadTimeStamp, ev.TimeStamp, ev.User, ev.Text)
	}
}

func (c *Channel) forwardMessage(id, channelID, threadTS, ts, senderID, text string) {
	if id == "" {
		id = channelID + "-" + ts
	}
	slog.Debug("slack message received",
		"sender_id", senderID,
		"channel_id", channelID,
		"preview", channels.Truncate(text, 50),
	)

	// Replies land in the same thread the message came from; top-level
	// messages get a top-level reply.
	replyTS := threadTS

	msg := bus.InboundMessage{
		ID:        "slack-" + id,
		Source:    bus.SourceSlack,
		ChannelID: channelID,
		ThreadID:  threadTS,
		SenderID:  senderID,
		Text:      text,
		Metadata: map[string]string{
			"ts":        ts,
			"thread_ts": threadTS,
		},
		ReceivedAt: time.Now(),
	}
	c.Forward(msg, func(text string) error {
		opts := []slack.MsgOption{slack.MsgOptionText(text, false)}
		if replyTS != "" {
			opts = append(opts, slack.MsgOptionTS(replyTS))
		}
		_, _, err := c.api.PostMessage(channelID, opts...)
		return err
	})
}
