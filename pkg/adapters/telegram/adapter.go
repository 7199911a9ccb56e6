// Package telegram bridges the Telegram Bot API (via mymmrac/telego) to
// the engine's bus.MessageBus: inbound updates become bus.IncomingMessage,
// outgoing bus.OutgoingAction values become Telegram API calls.
package telegram

import (
	"context"
	"fmt"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/homieagent/homie/pkg/bus"
	"github.com/homieagent/homie/pkg/logger"
)

const component = "adapters.telegram"
const channelName = "telegram"

// generalTopicID is Telegram's fixed id for a forum's default topic;
// Telegram rejects it as an explicit message_thread_id on send.
const generalTopicID = 1

// Adapter owns the long-polling connection and the chatId<->raw Telegram
// id mapping ("tg:<chatId>", negative for groups/supergroups per the Bot
// API's own convention, which section 6 reuses directly).
type Adapter struct {
	bot    *telego.Bot
	msgBus *bus.MessageBus
	cancel context.CancelFunc
	done   chan struct{}
}

// New constructs a Telegram adapter from a bot token. It does not start
// polling; call Run for that.
func New(token string, msgBus *bus.MessageBus) (*Adapter, error) {
	bot, err := telego.NewBot(token)
	if err != nil {
		return nil, fmt.Errorf("creating telegram bot: %w", err)
	}
	return &Adapter{bot: bot, msgBus: msgBus}, nil
}

// Run starts long polling and blocks until ctx is cancelled or polling
// fails to start.
func (a *Adapter) Run(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = make(chan struct{})

	updates, err := a.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        30,
		AllowedUpdates: []string{"message"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("starting telegram long polling: %w", err)
	}

	outbound := a.msgBus.SubscribeOutbound(channelName, 64)
	go a.pumpOutbound(pollCtx, outbound)

	defer close(a.done)
	for {
		select {
		case <-pollCtx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			a.handleUpdate(update)
		}
	}
}

// Stop cancels long polling and waits briefly for the receive loop to
// exit so Telegram releases the getUpdates lock before a restart.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.done != nil {
		<-a.done
	}
}

func (a *Adapter) handleUpdate(update telego.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil {
		return
	}
	if msg.Text == "" {
		return
	}

	isGroup := msg.Chat.Type == telego.ChatTypeGroup || msg.Chat.Type == telego.ChatTypeSupergroup
	botUsername := a.bot.Username()
	mentioned := !isGroup || detectMention(msg, botUsername)

	a.msgBus.PublishInbound(bus.IncomingMessage{
		Channel:           channelName,
		ChatID:            fmt.Sprintf("tg:%d", msg.Chat.ID),
		MessageID:         fmt.Sprintf("%d", msg.MessageID),
		AuthorID:          fmt.Sprintf("%d", msg.From.ID),
		AuthorDisplayName: displayName(msg.From),
		Text:              msg.Text,
		IsGroup:           isGroup,
		Mentioned:         mentioned,
		IsOperator:        false,
		TimestampMs:       int64(msg.Date) * 1000,
	})
}

// detectMention checks the message's entities for an @username mention
// of the bot, or whether it replies to one of the bot's own messages.
func detectMention(msg *telego.Message, botUsername string) bool {
	if botUsername == "" {
		return false
	}
	for _, entity := range msg.Entities {
		if entity.Type != "mention" {
			continue
		}
		if entity.Offset < 0 || entity.Offset+entity.Length > len(msg.Text) {
			continue
		}
		mentionText := msg.Text[entity.Offset : entity.Offset+entity.Length]
		if strings.EqualFold(mentionText, "@"+botUsername) {
			return true
		}
	}
	return msg.ReplyToMessage != nil && msg.ReplyToMessage.From != nil && msg.ReplyToMessage.From.Username == botUsername
}

func displayName(u *telego.User) string {
	if u.Username != "" {
		return u.Username
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	return name
}

func (a *Adapter) pumpOutbound(ctx context.Context, actions <-chan bus.OutgoingAction) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			a.send(ctx, action)
		}
	}
}

func (a *Adapter) send(ctx context.Context, action bus.OutgoingAction) {
	chatID, err := parseChatID(action.ChatID)
	if err != nil {
		logger.WarnCF(component, "dropping action with unparseable chatId", map[string]interface{}{"chatId": action.ChatID, "error": err.Error()})
		return
	}

	switch action.Kind {
	case bus.ActionSendText:
		if _, err := a.bot.SendMessage(ctx, tu.Message(tu.ID(chatID), action.Text)); err != nil {
			logger.WarnCF(component, "failed to send telegram message", map[string]interface{}{"error": err.Error()})
		}
	case bus.ActionReact:
		a.react(ctx, chatID, action)
	case bus.ActionSilence, bus.ActionSendAudio:
		// Audio synthesis and silence carry no Telegram-side effect here.
	}
}

func (a *Adapter) react(ctx context.Context, chatID int64, action bus.OutgoingAction) {
	msgID, err := parseMessageID(action.TargetTimestampMs, action.TargetAuthorID)
	if err != nil || msgID == 0 {
		return
	}
	err = a.bot.SetMessageReaction(ctx, &telego.SetMessageReactionParams{
		ChatID:    tu.ID(chatID),
		MessageID: msgID,
		Reaction:  []telego.ReactionType{&telego.ReactionTypeEmoji{Type: telego.ReactionEmoji, Emoji: action.Emoji}},
	})
	if err != nil {
		logger.WarnCF(component, "failed to set telegram reaction", map[string]interface{}{"error": err.Error()})
	}
}

// parseMessageID is a placeholder seam: OutgoingAction only carries the
// target author and timestamp, not Telegram's numeric message id, since
// that id is channel-specific. A production wiring keeps a small
// (chatId, timestampMs) -> messageId cache alongside the dedupe cache;
// without one, reactions degrade to a no-op rather than reacting to the
// wrong message.
func parseMessageID(_ int64, _ string) (int, error) {
	return 0, fmt.Errorf("message id lookup not wired")
}

func parseChatID(chatID string) (int64, error) {
	var id int64
	raw := strings.TrimPrefix(chatID, "tg:")
	if _, err := fmt.Sscanf(raw, "%d", &id); err != nil {
		return 0, fmt.Errorf("parsing telegram chatId %q: %w", chatID, err)
	}
	return id, nil
}
