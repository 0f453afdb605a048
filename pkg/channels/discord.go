package channels

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/config"
	"github.com/orchidbot/orchid/pkg/logger"
)

// Discord caps messages at 2000 characters; leave room for natural splits.
const discordSplitLimit = 1800

// DiscordChannel drives a Discord bot over the gateway websocket.
type DiscordChannel struct {
	session *discordgo.Session
	cfg     config.DiscordConfig
	handler InboundHandler
}

func NewDiscordChannel(cfg config.DiscordConfig, handler InboundHandler) (*DiscordChannel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	return &DiscordChannel{
		session: session,
		cfg:     cfg,
		handler: handler,
	}, nil
}

func (c *DiscordChannel) Name() string { return "discord" }

func (c *DiscordChannel) Start(ctx context.Context) error {
	c.session.AddHandler(c.handleMessage)
	c.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop() error {
	return c.session.Close()
}

func (c *DiscordChannel) Send(ctx context.Context, chatID, content, replyTo string) error {
	for i, chunk := range splitMessage(content, discordSplitLimit) {
		var err error
		if i == 0 && replyTo != "" {
			_, err = c.session.ChannelMessageSendReply(chatID, chunk, &discordgo.MessageReference{
				MessageID: replyTo,
				ChannelID: chatID,
			})
		} else {
			_, err = c.session.ChannelMessageSend(chatID, chunk)
		}
		if err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot || m.Content == "" {
		return
	}
	if !allowed(c.cfg.AllowFrom, m.Author.ID, m.Author.Username) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	c.handler(chat.InboundMessage{
		ID:         m.ID,
		Channel:    "discord",
		ChatID:     m.ChannelID,
		SenderID:   m.Author.ID,
		Content:    m.Content,
		ReceivedAt: time.Now(),
	})
}
