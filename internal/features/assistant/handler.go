package assistant

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/entitlement"
	"serotonyl.ru/assistant-bot/internal/features/payments"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Данные inline-кнопок.
const (
	callbackBuyPrefix = "buy:"
	CallbackLimits    = "limits"
	CallbackPlans     = "plans"
)

// Telegram не принимает сообщения длиннее 4096 символов.
const maxMessageRunes = 4096

const historyLimit = 5

// Invoicer выставляет инвойс в Telegram Stars (*payments.StarsRail).
type Invoicer interface {
	SendInvoice(ctx context.Context, chatID, accountID int64, planCode string) error
}

// Handler — пользовательские команды и диалог с моделью.
type Handler struct {
	entitlement *entitlement.Service
	plans       *config.PlanCatalog
	invoices    Invoicer
	completer   Completer
	guard       *JobGuard
	bot         payments.TelegramAPI
	metrics     *metrics.Metrics

	checkoutURL   string
	streamTimeout time.Duration
	editInterval  time.Duration
}

// NewHandler создаёт обработчик. m может быть nil.
func NewHandler(
	ent *entitlement.Service,
	plans *config.PlanCatalog,
	invoices Invoicer,
	completer Completer,
	guard *JobGuard,
	bot payments.TelegramAPI,
	cfg *config.Config,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		entitlement:   ent,
		plans:         plans,
		invoices:      invoices,
		completer:     completer,
		guard:         guard,
		bot:           bot,
		metrics:       m,
		checkoutURL:   cfg.GatewayCheckoutURL,
		streamTimeout: cfg.AssistantStreamTimeout,
		editInterval:  cfg.AssistantEditInterval,
	}
}

func mainKeyboard() tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("📊 Лимиты", CallbackLimits),
			tgbotapi.NewInlineKeyboardButtonData("💎 Тарифы", CallbackPlans),
		),
	)
}

// HandleStart создаёт аккаунт и выдаёт пробный период при первом контакте.
func (h *Handler) HandleStart(ctx context.Context, chatID, userID int64) {
	granted, err := h.entitlement.GrantTrialIfEligible(ctx, userID)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка /start")
		h.sendMessage(chatID, "❌ Внутренняя ошибка, попробуйте позже")
		return
	}

	var text string
	if granted {
		balance, _ := h.entitlement.Balance(ctx, userID)
		text = fmt.Sprintf(`🎉 Добро пожаловать в AI-ассистента!

У вас %s бесплатно. Просто напишите вопрос в этот чат.

/limits — баланс и история
/plans — пополнить баланс`, common.FormatBalance(balance))
	} else {
		balance, err := h.entitlement.Balance(ctx, userID)
		if err != nil {
			log.WithError(err).WithField("user_id", userID).Error("Ошибка чтения баланса")
		}
		text = fmt.Sprintf("👋 С возвращением!\n\nОсталось: %s", common.FormatBalance(balance))
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyMarkup = mainKeyboard()
	h.send(msg)
}

// HandleLimits показывает баланс и последние движения по счёту.
func (h *Handler) HandleLimits(ctx context.Context, chatID, userID int64) {
	acc, err := h.entitlement.Account(ctx, userID)
	if errors.Is(err, common.ErrAccountNotFound) {
		h.sendMessage(chatID, "У вас ещё нет баланса. Нажмите /start, чтобы получить пробные запросы.")
		return
	}
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка чтения аккаунта")
		h.sendMessage(chatID, "❌ Внутренняя ошибка, попробуйте позже")
		return
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Осталось: %s\n", common.FormatBalance(acc.Balance))
	if acc.Banned {
		sb.WriteString("🚫 Аккаунт заблокирован\n")
	}

	history, err := h.entitlement.History(ctx, userID, historyLimit)
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Warn("Ошибка чтения истории")
	}
	if len(history) > 0 {
		sb.WriteString("\nПоследние операции:\n")
		for _, tx := range history {
			fmt.Fprintf(&sb, "%s  %s  %s\n",
				common.FormatDateTime(tx.CreatedAt), common.FormatDelta(tx.Delta), tx.Description)
		}
	}
	h.sendMessage(chatID, strings.TrimRight(sb.String(), "\n"))
}

// HandlePlans показывает каталог тарифов с кнопками оплаты.
func (h *Handler) HandlePlans(_ context.Context, chatID, userID int64) {
	var (
		sb   strings.Builder
		rows [][]tgbotapi.InlineKeyboardButton
	)
	sb.WriteString("💎 Тарифы:\n\n")
	for _, p := range h.plans.All() {
		fmt.Fprintf(&sb, "• %s — %s", p.Title, common.FormatBalance(p.Requests))
		var prices []string
		if p.Stars > 0 {
			prices = append(prices, fmt.Sprintf("%s %s", common.FormatNumber(p.Stars), common.PluralizeStars(p.Stars)))
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(
					fmt.Sprintf("⭐ %s за %d", p.Title, p.Stars), callbackBuyPrefix+p.Code),
			))
		}
		if p.PriceRUB.IsPositive() {
			prices = append(prices, p.PriceRUB.StringFixed(2)+" ₽")
		}
		if len(prices) > 0 {
			sb.WriteString(": " + strings.Join(prices, " / "))
		}
		sb.WriteString("\n")
	}

	if link := h.checkoutLink(userID); link != "" {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonURL("💳 Оплатить картой", link),
		))
	}

	msg := tgbotapi.NewMessage(chatID, strings.TrimRight(sb.String(), "\n"))
	if len(rows) > 0 {
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	h.send(msg)
}

// checkoutLink добавляет user_id к ссылке на оплату, чтобы шлюз вернул его в metadata.
func (h *Handler) checkoutLink(userID int64) string {
	if h.checkoutURL == "" {
		return ""
	}
	u, err := url.Parse(h.checkoutURL)
	if err != nil {
		log.WithError(err).Warn("Некорректный GATEWAY_CHECKOUT_URL")
		return ""
	}
	q := u.Query()
	q.Set("user_id", strconv.FormatInt(userID, 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// HandleCallback обрабатывает нажатия inline-кнопок.
func (h *Handler) HandleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q == nil || q.From == nil {
		return
	}
	if _, err := h.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		log.WithError(err).WithField("query_id", q.ID).Debug("Не удалось ответить на callback")
	}

	chatID := q.From.ID
	if q.Message != nil && q.Message.Chat != nil {
		chatID = q.Message.Chat.ID
	}

	switch {
	case q.Data == CallbackLimits:
		h.HandleLimits(ctx, chatID, q.From.ID)
	case q.Data == CallbackPlans:
		h.HandlePlans(ctx, chatID, q.From.ID)
	case strings.HasPrefix(q.Data, callbackBuyPrefix):
		code := strings.TrimPrefix(q.Data, callbackBuyPrefix)
		if err := h.invoices.SendInvoice(ctx, chatID, q.From.ID, code); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"user_id": q.From.ID,
				"plan":    code,
			}).Warn("Не удалось выставить инвойс")
			if errors.Is(err, common.ErrUnknownPlan) {
				h.sendMessage(chatID, "❌ Такого тарифа больше нет, откройте /plans заново")
			} else {
				h.sendMessage(chatID, "❌ Не удалось выставить счёт, попробуйте позже")
			}
		}
	}
}

// HandleMessage отвечает на вопрос пользователя.
// Запрос списывается до обращения к модели и не возвращается при ошибке генерации.
func (h *Handler) HandleMessage(ctx context.Context, chatID, userID int64, text string) {
	release, err := h.guard.Acquire(ctx, userID)
	if errors.Is(err, common.ErrJobInProgress) {
		h.sendMessage(chatID, "⏳ Дождитесь ответа на предыдущий вопрос")
		return
	}
	if err != nil {
		log.WithError(err).WithField("user_id", userID).Error("Ошибка блокировки генерации")
		h.sendMessage(chatID, "❌ Внутренняя ошибка, попробуйте позже")
		return
	}
	defer release()

	balance, err := h.debit(ctx, userID)
	if err != nil {
		h.sendDebitError(chatID, userID, err)
		return
	}

	h.answer(ctx, chatID, userID, text, balance)
}

// debit списывает запрос. Кто пишет сразу, минуя /start, тоже получает пробный период.
func (h *Handler) debit(ctx context.Context, userID int64) (int64, error) {
	balance, err := h.entitlement.TryDebit(ctx, userID)
	if !errors.Is(err, common.ErrAccountNotFound) {
		return balance, err
	}
	if _, err := h.entitlement.GrantTrialIfEligible(ctx, userID); err != nil {
		return 0, err
	}
	return h.entitlement.TryDebit(ctx, userID)
}

func (h *Handler) sendDebitError(chatID, userID int64, err error) {
	switch {
	case errors.Is(err, common.ErrAccountBanned):
		h.sendMessage(chatID, "🚫 Ваш аккаунт заблокирован")
	case common.IsQuotaError(err):
		msg := tgbotapi.NewMessage(chatID, "😔 Запросы закончились. Пополните баланс, чтобы продолжить.")
		msg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("💎 Тарифы", CallbackPlans),
		))
		h.send(msg)
	default:
		log.WithError(err).WithField("user_id", userID).Error("Ошибка списания запроса")
		h.sendMessage(chatID, "❌ Внутренняя ошибка, попробуйте позже")
	}
}

func (h *Handler) answer(ctx context.Context, chatID, userID int64, prompt string, balance int64) {
	placeholder, err := h.bot.Send(tgbotapi.NewMessage(chatID, "⏳ Думаю..."))
	if err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
		return
	}

	streamCtx, cancel := context.WithTimeout(ctx, h.streamTimeout)
	defer cancel()

	ed := &streamEditor{
		handler:   h,
		chatID:    chatID,
		messageID: placeholder.MessageID,
		interval:  h.editInterval,
		now:       time.Now,
	}
	started := time.Now()
	full, err := h.completer.Complete(streamCtx, prompt, ed.add)

	result := "ok"
	switch {
	case err != nil && strings.TrimSpace(full) == "":
		result = "error"
		full = "⚠️ Не удалось получить ответ. Запрос списан, попробуйте переформулировать вопрос."
	case err != nil:
		result = "partial"
		full += "\n\n⚠️ Ответ оборван"
	case strings.TrimSpace(full) == "":
		result = "empty"
		full = "🤷 Модель вернула пустой ответ"
	}
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":  userID,
			"received": len(full),
		}).Error("Ошибка генерации ответа")
	}
	h.metrics.ObserveCompletion(result, time.Since(started))

	footer := "\n\n💬 Осталось: " + common.FormatBalance(balance)
	ed.flush(truncateRunes(full, maxMessageRunes-len([]rune(footer))) + footer)
}

// streamEditor дописывает ответ в одно сообщение не чаще interval.
type streamEditor struct {
	handler   *Handler
	chatID    int64
	messageID int
	interval  time.Duration
	now       func() time.Time

	buf      strings.Builder
	lastEdit time.Time
	lastText string
}

func (e *streamEditor) add(chunk string) {
	e.buf.WriteString(chunk)
	if now := e.now(); now.Sub(e.lastEdit) >= e.interval {
		e.lastEdit = now
		e.edit(truncateRunes(e.buf.String(), maxMessageRunes-2) + " ▌")
	}
}

func (e *streamEditor) flush(text string) {
	e.edit(text)
}

func (e *streamEditor) edit(text string) {
	// Telegram отвечает ошибкой на правку без изменений
	if text == e.lastText {
		return
	}
	e.lastText = text
	if _, err := e.handler.bot.Send(tgbotapi.NewEditMessageText(e.chatID, e.messageID, text)); err != nil {
		log.WithError(err).WithField("chat_id", e.chatID).Debug("Не удалось обновить сообщение")
	}
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func (h *Handler) send(c tgbotapi.Chattable) {
	if _, err := h.bot.Send(c); err != nil {
		log.WithError(err).Error("Ошибка отправки сообщения")
	}
}

func (h *Handler) sendMessage(chatID int64, text string) {
	if _, err := h.bot.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
