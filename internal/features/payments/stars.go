package payments

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
)

// TelegramAPI — часть *tgbotapi.BotAPI, нужная платёжному модулю.
type TelegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Повторы при временных сбоях: Telegram не присылает successful_payment второй раз.
var inChatRetryDelays = []time.Duration{500 * time.Millisecond, 2 * time.Second}

// Платёж, уже полученный от Telegram, доводим до конца даже при остановке бота.
const inChatProcessTimeout = 30 * time.Second

// InvoicePayload кодирует тариф и получателя в payload инвойса: "<plan>:<user_id>".
func InvoicePayload(planCode string, accountID int64) string {
	return planCode + ":" + strconv.FormatInt(accountID, 10)
}

// ParseInvoicePayload разбирает payload, созданный InvoicePayload.
func ParseInvoicePayload(payload string) (planCode string, accountID int64, err error) {
	i := strings.LastIndexByte(payload, ':')
	if i <= 0 || i == len(payload)-1 {
		return "", 0, fmt.Errorf("некорректный payload инвойса %q", payload)
	}
	accountID, err = strconv.ParseInt(payload[i+1:], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("некорректный payload инвойса %q: %w", payload, err)
	}
	return payload[:i], accountID, nil
}

// StarsRail — оплата Telegram Stars внутри чата.
type StarsRail struct {
	reconciler *Reconciler
	api        TelegramAPI
}

// NewStarsRail создаёт обработчик оплаты звёздами.
func NewStarsRail(reconciler *Reconciler, api TelegramAPI) *StarsRail {
	return &StarsRail{reconciler: reconciler, api: api}
}

// SendInvoice выставляет инвойс на тариф в Telegram Stars.
func (s *StarsRail) SendInvoice(ctx context.Context, chatID, accountID int64, planCode string) error {
	plan, ok := s.reconciler.plans.Get(planCode)
	if !ok || plan.Stars <= 0 {
		return fmt.Errorf("%w: %s", common.ErrUnknownPlan, planCode)
	}

	invoice := tgbotapi.NewInvoice(
		chatID,
		plan.Title,
		fmt.Sprintf("%s к вашему балансу", common.FormatDelta(plan.Requests)),
		InvoicePayload(plan.Code, accountID),
		"", // для Stars токен провайдера не нужен
		"",
		config.CurrencyStars,
		[]tgbotapi.LabeledPrice{{Label: plan.Title, Amount: int(plan.Stars)}},
	)
	invoice.SuggestedTipAmounts = []int{}

	if _, err := s.api.Send(invoice); err != nil {
		return fmt.Errorf("ошибка отправки инвойса: %w", err)
	}
	log.WithFields(log.Fields{
		"user_id": accountID,
		"plan":    plan.Code,
		"stars":   plan.Stars,
	}).Info("Инвойс отправлен")
	return nil
}

// checkPreCheckout решает, можно ли принять оплату. Пустая строка означает «можно».
func (s *StarsRail) checkPreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) string {
	planCode, accountID, err := ParseInvoicePayload(q.InvoicePayload)
	if err != nil {
		return "Инвойс повреждён, запросите новый через /plans"
	}
	if q.From == nil || q.From.ID != accountID {
		return "Этот инвойс выставлен другому пользователю"
	}
	if !strings.EqualFold(q.Currency, config.CurrencyStars) {
		return "Оплата принимается только в Telegram Stars"
	}
	if _, err := s.reconciler.plans.Resolve(planCode, decimal.NewFromInt(int64(q.TotalAmount)), config.CurrencyStars); err != nil {
		return "Тариф изменился, запросите новый инвойс через /plans"
	}

	acc, err := s.reconciler.ledger.GetAccount(ctx, accountID)
	if err != nil && !errors.Is(err, common.ErrAccountNotFound) {
		log.WithError(err).WithField("user_id", accountID).Error("pre-checkout: ошибка чтения аккаунта")
		return "Временная ошибка, попробуйте ещё раз"
	}
	if acc != nil && acc.Banned {
		return "Аккаунт заблокирован"
	}
	return ""
}

// HandlePreCheckout отвечает на pre_checkout_query. Telegram ждёт ответ в течение 10 секунд.
func (s *StarsRail) HandlePreCheckout(ctx context.Context, q *tgbotapi.PreCheckoutQuery) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	reason := s.checkPreCheckout(ctx, q)
	answer := tgbotapi.PreCheckoutConfig{
		PreCheckoutQueryID: q.ID,
		OK:                 reason == "",
		ErrorMessage:       reason,
	}
	if _, err := s.api.Request(answer); err != nil {
		log.WithError(err).WithField("query_id", q.ID).Error("Не удалось ответить на pre-checkout")
		return
	}
	if reason != "" {
		log.WithFields(log.Fields{
			"query_id": q.ID,
			"payload":  q.InvoicePayload,
			"reason":   reason,
		}).Warn("Pre-checkout отклонён")
	}
}

// eventFromMessage приводит successful_payment к PaymentEvent.
func eventFromMessage(msg *tgbotapi.Message) *PaymentEvent {
	p := msg.SuccessfulPayment
	planCode, accountID, err := ParseInvoicePayload(p.InvoicePayload)
	if err != nil {
		// Проверка отклонит событие: плательщик не совпадёт с нулевым аккаунтом
		planCode, accountID = p.InvoicePayload, 0
	}
	return &PaymentEvent{
		Source:     SourceInChat,
		ExternalID: p.TelegramPaymentChargeID,
		AccountID:  accountID,
		Amount:     decimal.NewFromInt(int64(p.TotalAmount)),
		Currency:   strings.ToUpper(p.Currency),
		PlanCode:   planCode,
		Signature:  p.ProviderPaymentChargeID,
	}
}

// HandleSuccessfulPayment проводит оплату через конвейер и сообщает результат в чат.
func (s *StarsRail) HandleSuccessfulPayment(ctx context.Context, msg *tgbotapi.Message) (*Result, error) {
	if msg == nil || msg.SuccessfulPayment == nil || msg.From == nil {
		return nil, fmt.Errorf("сообщение без successful_payment")
	}
	verifier := InChatVerifier{PayerID: msg.From.ID}

	// Telegram не пришлёт этот апдейт повторно, поэтому отмена ctx сюда не доходит
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inChatProcessTimeout)
	defer cancel()

	var (
		res *Result
		err error
	)
	for attempt := 0; ; attempt++ {
		res, err = s.reconciler.Process(ctx, eventFromMessage(msg), verifier)
		if err == nil || attempt >= len(inChatRetryDelays) {
			break
		}
		log.WithError(err).WithFields(log.Fields{
			"charge_id": msg.SuccessfulPayment.TelegramPaymentChargeID,
			"attempt":   attempt + 1,
		}).Warn("Временная ошибка обработки оплаты, повторяем")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(inChatRetryDelays[attempt]):
		}
	}

	chatID := msg.Chat.ID
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"user_id":   msg.From.ID,
			"charge_id": msg.SuccessfulPayment.TelegramPaymentChargeID,
		}).Error("Оплата получена, но не обработана")
		s.send(chatID, "⚠️ Оплата получена, но начисление задерживается. Мы уже разбираемся, запросы не потеряются.")
		return nil, err
	}

	switch res.Event.Status {
	case StatusApplied:
		s.send(chatID, fmt.Sprintf("✅ Оплата прошла! %s\nБаланс: %s",
			common.FormatDelta(res.Transaction.Delta), common.FormatBalance(res.Transaction.BalanceAfter)))
	case StatusDuplicate:
		s.send(chatID, "ℹ️ Этот платёж уже был зачислен.")
	case StatusRejected:
		s.send(chatID, "❌ Платёж не удалось сопоставить с тарифом. Напишите администратору, указав время оплаты.")
	}
	return res, nil
}

func (s *StarsRail) send(chatID int64, text string) {
	if _, err := s.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		log.WithError(err).WithField("chat_id", chatID).Error("Ошибка отправки сообщения")
	}
}
