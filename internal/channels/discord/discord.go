// Package discord connects to Discord via the gateway API and forwards
// messages into the control plane.
package discord

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/talon/internal/bus"
	"github.com/nextlevelbuilder/talon/internal/channels"
	"github.com/nextlevelbuilder/talon/internal/config"
)

// maxMessageLen is Discord's hard limit per message.
const maxMessageLen = 2000

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session        *discordgo.Session
	config         config.DiscordConfig
	botUserID      string // populated on start
	requireMention bool   // require @bot mention in guild channels
}

// New creates a Discord channel from config.
func New(cfg config.DiscordConfig, dispatch channels.DispatchFunc) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	requireMention := true
	if cfg.RequireMention != nil {
		requireMention = *cfg.RequireMention
	}
	return &Channel{
		BaseChannel:    channels.NewBaseChannel("discord", dispatch, cfg.AllowFrom),
		session:        session,
		config:         cfg,
		requireMention: requireMention,
	}, nil
}

// Start opens the gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")
	c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	return c.session.Close()
}

// handleMessage forwards one incoming Discord message.
func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.ID == c.botUserID || m.Author.Bot {
		return
	}

	senderID := m.Author.ID
	channelID := m.ChannelID
	isDM := m.GuildID == ""

	if !c.IsAllowed(senderID) {
		slog.Debug("discord message rejected by allowlist", "user_id", senderID)
		return
	}

	// Mention gating: in guild channels, only respond when the bot is
	// @mentioned.
	if !isDM && c.requireMention {
		mentioned := false
		for _, u := range m.Mentions {
			if u.ID == c.botUserID {
				mentioned = true
				break
			}
		}
		if !mentioned {
			return
		}
	}

	text := m.Content
	var atts []bus.Attachment
	for _, att := range m.Attachments {
		atts = append(atts, bus.Attachment{
			Name:        att.Filename,
			URL:         att.URL,
			ContentType: att.ContentType,
		})
	}

	threadID := ""
	if m.MessageReference != nil {
		threadID = m.MessageReference.MessageID
	}

	slog.Debug("discord message received",
		"sender_id", senderID,
		"channel_id", channelID,
		"is_dm", isDM,
		"preview", channels.Truncate(text, 50),
	)

	msg := bus.InboundMessage{
		ID:          "discord-" + m.ID,
		Source:      bus.SourceDiscord,
		ChannelID:   channelID,
		ThreadID:    threadID,
		SenderID:    senderID,
		Text:        text,
		Attachments: atts,
		Metadata: map[string]string{
			"message_id":   m.ID,
			"username":     m.Author.Username,
			"display_name": resolveDisplayName(m),
			"guild_id":     m.GuildID,
			"is_dm":        fmt.Sprintf("%t", isDM),
		},
		ReceivedAt: time.Now(),
	}
	c.Forward(msg, func(text string) error {
		return c.sendChunked(channelID, text)
	})
}

// sendChunked sends a message, splitting into multiple messages when over
// the Discord limit, preferring newline boundaries.
func (c *Channel) sendChunked(channelID, content string) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	for len(content) > 0 {
		chunk := content
		if len(chunk) > maxMessageLen {
			cutAt := maxMessageLen
			if idx := lastIndexByte(content[:maxMessageLen], '\n'); idx > maxMessageLen/2 {
				cutAt = idx + 1
			}
			chunk = content[:cutAt]
			content = content[cutAt:]
		} else {
			content = ""
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// resolveDisplayName returns the best available display name:
// server nickname, then global display name, then username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

func lastIndexByte(s string, c byte) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == c {
			return i
		}
	}
	return -1
}
