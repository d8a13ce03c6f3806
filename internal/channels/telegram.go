package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/clawtask/internal/bus"
)

const (
	ChannelTelegram = "telegram"

	// telegramMaxRunes is the Bot API limit for one message text.
	telegramMaxRunes = 4096
)

// telegramSender is the part of *tgbotapi.BotAPI used to deliver replies.
type telegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token      string
	allowedIDs map[int64]struct{}
	logger     *slog.Logger
	bot        *tgbotapi.BotAPI
	sender     telegramSender
	eventBus   *bus.Bus
	onMessage  func(channel string)
}

// NewTelegramChannel creates a new Telegram channel. An empty allowlist
// denies everyone. onMessage, when set, is called for every accepted
// message.
func NewTelegramChannel(token string, allowedIDs []int64, eventBus *bus.Bus, logger *slog.Logger, onMessage func(channel string)) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:      token,
		allowedIDs: allowed,
		logger:     logger,
		eventBus:   eventBus,
		onMessage:  onMessage,
	}
}

func (t *TelegramChannel) Name() string {
	return ChannelTelegram
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.sender = t.bot

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.deliverOutbound(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within 2x the long-poll timeout (stall detection).
// Returns nil on context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5 minutes,
	// the connection is likely dead (the library blocks rather than closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				t.handleMessage(update.Message)
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

// handleMessage publishes an allowed, non-empty text message as inbound.
func (t *TelegramChannel) handleMessage(msg *tgbotapi.Message) bool {
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return false
	}
	if _, ok := t.allowedIDs[msg.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", msg.From.ID, "user_name", msg.From.UserName)
		return false
	}
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return false
	}
	if t.onMessage != nil {
		t.onMessage(ChannelTelegram)
	}
	t.eventBus.PublishInbound(bus.InboundMessage{
		Channel:   ChannelTelegram,
		SenderID:  strconv.FormatInt(msg.From.ID, 10),
		ChatID:    strconv.FormatInt(msg.Chat.ID, 10),
		Content:   content,
		MessageID: strconv.Itoa(msg.MessageID),
	})
	return true
}

// deliverOutbound sends every message published for this channel.
func (t *TelegramChannel) deliverOutbound(ctx context.Context) {
	sub := t.eventBus.Subscribe(bus.OutboundTopic(ChannelTelegram))
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			msg, ok := ev.Payload.(bus.OutboundMessage)
			if !ok {
				continue
			}
			if err := t.send(msg); err != nil {
				t.logger.Error("failed to send telegram reply", "chat_id", msg.ChatID, "error", err)
			}
		}
	}
}

// send delivers msg, split into Bot API sized parts. Only the first part
// replies to the original message.
func (t *TelegramChannel) send(msg bus.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", msg.ChatID, err)
	}
	replyTo, _ := strconv.Atoi(msg.ReplyTo())
	for i, part := range splitMessage(msg.Content, telegramMaxRunes) {
		out := tgbotapi.NewMessage(chatID, part)
		if i == 0 && replyTo > 0 {
			out.ReplyToMessageID = replyTo
			out.AllowSendingWithoutReply = true
		}
		if _, err := t.sender.Send(out); err != nil {
			return err
		}
	}
	return nil
}

// splitMessage cuts text into parts of at most max runes, preferring to
// break after a newline.
func splitMessage(text string, max int) []string {
	if text == "" {
		return []string{" "}
	}
	r := []rune(text)
	var parts []string
	for len(r) > max {
		cut := max
		for i := max - 1; i > max/2; i-- {
			if r[i] == '\n' {
				cut = i + 1
				break
			}
		}
		parts = append(parts, string(r[:cut]))
		r = r[cut:]
	}
	if len(r) > 0 {
		parts = append(parts, string(r))
	}
	return parts
}
