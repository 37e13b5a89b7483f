// Package filters решает, какие апдейты бот обрабатывает.
package filters

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

// Sender — отправка сообщений в Telegram.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// ChatFilter пропускает только личные сообщения от пользователей.
// Ассистент и баланс персональные, в группах бот не отвечает.
type ChatFilter struct {
	bot Sender
}

func NewChatFilter(bot Sender) *ChatFilter {
	return &ChatFilter{bot: bot}
}

func (f *ChatFilter) CheckAccess(message *tgbotapi.Message) bool {
	if message == nil || message.Chat == nil {
		log.WithField("component", "ChatFilter").Warn("nil message/chat")
		return false
	}
	if message.From == nil || message.From.IsBot {
		log.WithFields(log.Fields{
			"component": "ChatFilter",
			"chat_id":   message.Chat.ID,
			"chat_type": message.Chat.Type,
		}).Debug("deny: no user (service/channel message or bot)")
		return false
	}

	logger := log.WithFields(log.Fields{
		"component": "ChatFilter",
		"chat_id":   message.Chat.ID,
		"chat_type": message.Chat.Type,
		"user_id":   message.From.ID,
	})

	if message.Chat.IsPrivate() {
		return true
	}

	// В группе отвечаем только на явные команды, чтобы не шуметь
	if message.IsCommand() && f.bot != nil {
		msg := tgbotapi.NewMessage(message.Chat.ID, "🔒 Я работаю только в личных сообщениях, напишите мне напрямую")
		msg.ReplyToMessageID = message.MessageID
		if _, err := f.bot.Send(msg); err != nil {
			logger.WithError(err).Warn("failed to send deny message")
		}
	}
	logger.Debug("deny: not a private chat")
	return false
}
