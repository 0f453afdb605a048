package channels

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/orchidbot/orchid/pkg/chat"
	"github.com/orchidbot/orchid/pkg/config"
	"github.com/orchidbot/orchid/pkg/logger"
)

const telegramMaxMessageLength = 4096

// TelegramChannel drives a Telegram bot in long-polling mode.
type TelegramChannel struct {
	bot     *telego.Bot
	cfg     config.TelegramConfig
	handler InboundHandler
	cancel  context.CancelFunc
}

func NewTelegramChannel(cfg config.TelegramConfig, handler InboundHandler) (*TelegramChannel, error) {
	bot, err := telego.NewBot(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramChannel{
		bot:     bot,
		cfg:     cfg,
		handler: handler,
	}, nil
}

func (c *TelegramChannel) Name() string { return "telegram" }

func (c *TelegramChannel) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	updates, err := c.bot.UpdatesViaLongPolling(runCtx, &telego.GetUpdatesParams{
		Timeout: 30,
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}

	logger.InfoCF("telegram", "Telegram bot connected", map[string]any{
		"username": c.bot.Username(),
	})

	go func() {
		for {
			select {
			case <-runCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					logger.InfoC("telegram", "Updates channel closed")
					return
				}
				if update.Message != nil {
					c.handleMessage(update.Message)
				}
			}
		}
	}()
	return nil
}

func (c *TelegramChannel) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *TelegramChannel) Send(ctx context.Context, chatID, content, replyTo string) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", chatID, err)
	}
	for i, chunk := range splitMessage(content, telegramMaxMessageLength) {
		msg := tu.Message(tu.ID(id), chunk)
		// only the first chunk threads as a reply
		if i == 0 && replyTo != "" {
			if replyID, err := strconv.Atoi(replyTo); err == nil {
				msg.ReplyParameters = &telego.ReplyParameters{MessageID: replyID}
			}
		}
		if _, err := c.bot.SendMessage(ctx, msg); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *TelegramChannel) handleMessage(message *telego.Message) {
	user := message.From
	if user == nil || message.Text == "" {
		return
	}

	userID := strconv.FormatInt(user.ID, 10)
	if !allowed(c.cfg.AllowFrom, userID, user.Username) {
		logger.DebugCF("telegram", "Message rejected by allowlist", map[string]any{
			"user_id":  userID,
			"username": user.Username,
		})
		return
	}

	c.handler(chat.InboundMessage{
		ID:         strconv.Itoa(message.MessageID),
		Channel:    "telegram",
		ChatID:     strconv.FormatInt(message.Chat.ID, 10),
		SenderID:   userID,
		Content:    message.Text,
		ReceivedAt: time.Now(),
	})
}
