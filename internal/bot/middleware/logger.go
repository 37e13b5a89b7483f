// Package middleware содержит промежуточные обработчики для логирования,
// восстановления после паники и rate-limiting.
package middleware

import (
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"
)

const logTextRunes = 50

// LogMessage логирует входящее сообщение.
// Записывает: user_id, chat_id, username, текст (первые 50 символов).
func LogMessage(message *tgbotapi.Message) {
	if message == nil || message.Chat == nil {
		return
	}

	fields := log.Fields{
		"chat_id": message.Chat.ID,
		"text":    shorten(message.Text),
	}
	if message.From != nil {
		fields["user_id"] = message.From.ID
		fields["username"] = message.From.UserName
	}
	if message.SuccessfulPayment != nil {
		fields["payment"] = message.SuccessfulPayment.InvoicePayload
	}
	log.WithFields(fields).Debug("Входящее сообщение")
}

func shorten(text string) string {
	r := []rune(text)
	if len(r) > logTextRunes {
		return string(r[:logTextRunes]) + "..."
	}
	return text
}
