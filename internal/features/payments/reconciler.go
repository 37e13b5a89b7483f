package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Result — итог обработки одного уведомления.
type Result struct {
	Event       *PaymentEvent
	Transaction *ledger.Transaction
	// Rejection — причина отказа для статуса REJECTED (ErrInvalidSignature, ErrUnknownPlan, ...).
	Rejection error
}

// Credited — начислены ли запросы этой доставкой.
func (r *Result) Credited() bool {
	return r.Event.Status == StatusApplied
}

// Reconciler — общий конвейер обработки оплаты для обоих источников.
type Reconciler struct {
	events  EventStore
	ledger  ledger.Store
	plans   *config.PlanCatalog
	metrics *metrics.Metrics
}

// NewReconciler создаёт конвейер. m может быть nil.
func NewReconciler(events EventStore, store ledger.Store, plans *config.PlanCatalog, m *metrics.Metrics) *Reconciler {
	return &Reconciler{
		events:  events,
		ledger:  store,
		plans:   plans,
		metrics: m,
	}
}

// Plans возвращает каталог тарифов.
func (r *Reconciler) Plans() *config.PlanCatalog {
	return r.plans
}

// Process проводит уведомление через конвейер:
//
//	PENDING → (проверка не прошла) REJECTED
//	PENDING → (платёж уже принят) DUPLICATE
//	PENDING → VERIFIED → (нет тарифа) REJECTED
//	VERIFIED → (леджер: DuplicateReference) DUPLICATE
//	VERIFIED → APPLIED
//
// Ошибка возвращается только для временных сбоев хранилища: отправитель должен повторить.
// Конечные статусы, включая REJECTED, ошибкой не считаются.
func (r *Reconciler) Process(ctx context.Context, ev *PaymentEvent, verifier Verifier) (*Result, error) {
	now := time.Now()
	ev.ID = uuid.New()
	ev.Status = StatusPending
	ev.Reason = ""
	ev.TransactionID = nil
	ev.ReceivedAt = now
	ev.UpdatedAt = now

	logger := log.WithFields(log.Fields{
		"component":   "reconciler",
		"event_id":    ev.ID,
		"source":      ev.Source,
		"external_id": ev.ExternalID,
		"user_id":     ev.AccountID,
	})

	if err := r.events.Create(ctx, ev); err != nil {
		return nil, err
	}
	res := &Result{Event: ev}

	if err := verifier.Verify(ctx, ev); err != nil {
		logger.WithError(err).Warn("Платёж не прошёл проверку")
		return r.reject(ctx, res, err)
	}

	seen, err := r.events.Seen(ctx, ev.Source, ev.ExternalID)
	if err != nil {
		return nil, err
	}
	if seen {
		logger.Info("Повторная доставка уже принятого платежа")
		return r.finish(ctx, res, StatusDuplicate, "платёж уже принят", nil)
	}

	if err := r.move(ctx, ev, StatusVerified, "", nil); err != nil {
		return nil, err
	}

	plan, err := r.plans.Resolve(ev.PlanCode, ev.Amount, ev.Currency)
	if err != nil {
		logger.WithError(err).Warn("Платёж не сопоставлен с тарифом")
		return r.reject(ctx, res, err)
	}

	if _, err := r.ledger.EnsureAccount(ctx, ev.AccountID); err != nil {
		return nil, err
	}
	tx, err := r.ledger.AppendTransaction(ctx, ledger.Entry{
		AccountID:   ev.AccountID,
		Delta:       plan.Requests,
		Reason:      ledger.ReasonCreditPayment,
		ExternalRef: ev.ExternalRef(),
		Description: fmt.Sprintf("Оплата тарифа %s (%s %s)", plan.Title, ev.Amount.String(), ev.Currency),
	})
	if errors.Is(err, common.ErrDuplicateReference) {
		logger.Info("Платёж уже начислен параллельной доставкой")
		return r.finish(ctx, res, StatusDuplicate, "платёж уже начислен", nil)
	}
	if errors.Is(err, common.ErrInvalidAmount) {
		logger.WithError(err).Error("Начисление не помещается в баланс")
		return r.reject(ctx, res, err)
	}
	if err != nil {
		return nil, err
	}
	res.Transaction = tx

	if _, err := r.finish(ctx, res, StatusApplied, "", &tx.ID); err != nil {
		// Начисление уже в леджере; повтор доставки упрётся в DuplicateReference
		logger.WithError(err).Error("Запросы начислены, но статус события не обновлён")
		return nil, err
	}
	logger.WithFields(log.Fields{
		"plan":     plan.Code,
		"requests": plan.Requests,
		"balance":  tx.BalanceAfter,
	}).Info("Платёж применён")
	return res, nil
}

func (r *Reconciler) reject(ctx context.Context, res *Result, cause error) (*Result, error) {
	res.Rejection = cause
	return r.finish(ctx, res, StatusRejected, cause.Error(), nil)
}

func (r *Reconciler) finish(ctx context.Context, res *Result, to Status, reason string, txID *int64) (*Result, error) {
	if err := r.move(ctx, res.Event, to, reason, txID); err != nil {
		return nil, err
	}
	r.metrics.Payment(string(res.Event.Source), string(to))
	return res, nil
}

// move сохраняет переход и повторяет его на копии в памяти.
func (r *Reconciler) move(ctx context.Context, ev *PaymentEvent, to Status, reason string, txID *int64) error {
	if err := r.events.Transition(ctx, ev.ID, ev.Status, to, reason, txID); err != nil {
		return err
	}
	return ev.transition(to, reason, txID)
}

// List возвращает события для админки.
func (r *Reconciler) List(ctx context.Context, f Filter) ([]*PaymentEvent, error) {
	return r.events.List(ctx, f)
}

// Event возвращает одно событие по id.
func (r *Reconciler) Event(ctx context.Context, id uuid.UUID) (*PaymentEvent, error) {
	return r.events.Get(ctx, id)
}

// Stuck возвращает события, застрявшие в PENDING/VERIFIED дольше age.
func (r *Reconciler) Stuck(ctx context.Context, age time.Duration) ([]*PaymentEvent, error) {
	return r.events.ListStuck(ctx, time.Now().Add(-age))
}
