// Package bot содержит главный модуль бота — polling апдейтов и маршрутизацию.
// bot.go раздаёт апдейты обработчикам: платежи, команды, диалог с ассистентом.
package bot

import (
	"context"
	"fmt"
	"math"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/bot/filters"
	"serotonyl.ru/assistant-bot/internal/bot/middleware"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/admin"
	"serotonyl.ru/assistant-bot/internal/features/assistant"
	"serotonyl.ru/assistant-bot/internal/features/payments"
)

const helpText = `🤖 AI-ассистент — просто напишите вопрос в этот чат.

📋 Команды:
/start — главное меню
/limits — баланс и история
/plans — тарифы и оплата
/help — эта справка

Каждый вопрос списывает 1 запрос. Новым пользователям — пробные запросы бесплатно.`

// Bot — главная структура бота, объединяющая все компоненты.
type Bot struct {
	api *tgbotapi.BotAPI
	cfg *config.Config

	chatFilter  *filters.ChatFilter
	rateLimiter *middleware.RateLimiter

	assistantHandler *assistant.Handler
	adminHandler     *admin.Handler
	stars            *payments.StarsRail

	parser *CommandParser

	// ограничитель параллелизма обработки апдейтов
	inflight chan struct{}
}

// New создаёт новый экземпляр бота со всеми зависимостями.
func New(
	api *tgbotapi.BotAPI,
	cfg *config.Config,
	assistantHandler *assistant.Handler,
	adminHandler *admin.Handler,
	stars *payments.StarsRail,
	chatFilter *filters.ChatFilter,
) *Bot {
	maxInFlight := cfg.BotMaxInflight
	if maxInFlight <= 0 {
		maxInFlight = 64
	}

	return &Bot{
		api:              api,
		cfg:              cfg,
		chatFilter:       chatFilter,
		rateLimiter:      middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow),
		assistantHandler: assistantHandler,
		adminHandler:     adminHandler,
		stars:            stars,
		parser:           NewCommandParser(api.Self.UserName),
		inflight:         make(chan struct{}, maxInFlight),
	}
}

// Start запускает polling обновлений от Telegram и блокируется до отмены ctx.
// Перед возвратом дожидается обработчиков, которые уже взяли апдейт.
func (b *Bot) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.cfg.BotUpdateTimeoutSeconds
	u.AllowedUpdates = []string{"message", "callback_query", "pre_checkout_query"}

	updates := b.api.GetUpdatesChan(u)
	defer b.rateLimiter.Close()
	defer b.drain()

	log.WithFields(log.Fields{
		"max_inflight": cap(b.inflight),
		"timeout_sec":  b.cfg.BotUpdateTimeoutSeconds,
	}).Info("Бот запущен и ожидает сообщения...")

	for {
		select {
		case <-ctx.Done():
			log.Info("Бот останавливается (ctx done)...")
			b.api.StopReceivingUpdates()
			return

		case update, ok := <-updates:
			if !ok {
				log.Info("Канал updates закрыт, бот остановлен")
				return
			}

			// лимит параллелизма
			b.inflight <- struct{}{}
			go func(upd tgbotapi.Update) {
				defer func() { <-b.inflight }()
				b.handleUpdate(ctx, upd)
			}(update)
		}
	}
}

// drain ждёт, пока освободятся все слоты inflight.
func (b *Bot) drain() {
	for i := 0; i < cap(b.inflight); i++ {
		b.inflight <- struct{}{}
	}
}

// handleUpdate обрабатывает одно обновление от Telegram.
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	defer middleware.RecoverFromPanic(update.UpdateID)

	// Платёжные апдейты идут мимо фильтров и лимитов: Telegram ждёт ответ
	if update.PreCheckoutQuery != nil {
		b.stars.HandlePreCheckout(ctx, update.PreCheckoutQuery)
		return
	}
	if update.Message != nil && update.Message.SuccessfulPayment != nil {
		middleware.LogMessage(update.Message)
		if _, err := b.stars.HandleSuccessfulPayment(ctx, update.Message); err != nil {
			log.WithError(err).WithField("update_id", update.UpdateID).Error("successful_payment не обработан")
		}
		return
	}

	if update.CallbackQuery != nil {
		q := update.CallbackQuery
		if q.Message != nil && q.Message.Chat != nil && !q.Message.Chat.IsPrivate() {
			return
		}
		b.assistantHandler.HandleCallback(ctx, q)
		return
	}

	if update.Message == nil || update.Message.Text == "" {
		return
	}
	message := update.Message

	// Логируем входящее
	middleware.LogMessage(message)

	// Только личка
	if !b.chatFilter.CheckAccess(message) {
		return
	}

	chatID := message.Chat.ID
	userID := message.From.ID

	cmd, args, isCommand := b.parser.ParseCommand(message.Text)
	if isCommand {
		log.WithFields(log.Fields{
			"cmd":     cmd,
			"args":    args,
			"user_id": userID,
		}).Debug("parsed command")
		b.routeCommand(ctx, chatID, userID, cmd, args)
		return
	}

	// Rate limiting только для вопросов ассистенту
	if ok, wait := b.rateLimiter.Allow(userID); !ok {
		log.WithField("user_id", userID).Debug("rate limited")
		b.sendMessage(chatID, fmt.Sprintf("⏱ Слишком много вопросов подряд, подождите %d сек.",
			int(math.Ceil(wait.Seconds()))))
		return
	}
	b.assistantHandler.HandleMessage(ctx, chatID, userID, message.Text)
}

// routeCommand маршрутизирует команду к нужному обработчику.
func (b *Bot) routeCommand(ctx context.Context, chatID, userID int64, cmd string, args []string) {
	switch {
	case cmd == "start":
		b.assistantHandler.HandleStart(ctx, chatID, userID)

	case cmd == "help" || cmd == "помощь":
		b.sendMessage(chatID, helpText)

	case cmd == "limits" || cmd == "лимиты" || cmd == "баланс":
		b.assistantHandler.HandleLimits(ctx, chatID, userID)

	case cmd == "plans" || cmd == "upgrade" || cmd == "тарифы":
		b.assistantHandler.HandlePlans(ctx, chatID, userID)

	case admin.IsAdminCommand(cmd):
		b.adminHandler.HandleCommand(ctx, chatID, userID, cmd, args)

	default:
		b.sendMessage(chatID, "Неизвестная команда. Список команд — /help")
	}
}

// sendMessage — утилита для отправки сообщений.
func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}

// CommandParser парсит команды с префиксами /, ! и .
type CommandParser struct {
	validPrefixes []string
	botUsername   string
}

// NewCommandParser создаёт парсер команд. botUsername нужен, чтобы принять /cmd@bot.
func NewCommandParser(botUsername string) *CommandParser {
	return &CommandParser{
		validPrefixes: []string{"/", "!", "."},
		botUsername:   strings.ToLower(botUsername),
	}
}

// ParseCommand разбирает текст на команду и аргументы.
func (p *CommandParser) ParseCommand(text string) (string, []string, bool) {
	text = strings.TrimSpace(text)

	hasPrefix := false
	for _, prefix := range p.validPrefixes {
		if strings.HasPrefix(text, prefix) {
			text = strings.TrimPrefix(text, prefix)
			hasPrefix = true
			break
		}
	}

	if !hasPrefix {
		return "", nil, false
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return "", nil, false
	}

	command := strings.ToLower(parts[0])
	if name, mention, found := strings.Cut(command, "@"); found {
		// Команда адресована другому боту
		if p.botUsername != "" && mention != p.botUsername {
			return "", nil, false
		}
		command = name
	}
	if command == "" {
		return "", nil, false
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}

	return command, args, true
}
