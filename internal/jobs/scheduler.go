// Package jobs управляет фоновыми задачами (cron).
// scheduler.go настраивает расписание: ежечасная сверка леджера
// и проверка зависших платежей каждые 5 минут.
package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
	"serotonyl.ru/assistant-bot/internal/features/payments"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Auditor сверяет кэшированные балансы с журналом (ledger.Store).
type Auditor interface {
	Audit(ctx context.Context) ([]ledger.Drift, error)
}

// StuckFinder ищет платежи, застрявшие в PENDING/VERIFIED (*payments.Reconciler).
type StuckFinder interface {
	Stuck(ctx context.Context, age time.Duration) ([]*payments.PaymentEvent, error)
}

// Scheduler управляет фоновыми задачами.
type Scheduler struct {
	cron       *cron.Cron
	auditor    Auditor
	payments   StuckFinder
	metrics    *metrics.Metrics
	stuckAfter time.Duration
}

// NewScheduler создаёт планировщик задач с московским часовым поясом.
func NewScheduler(auditor Auditor, finder StuckFinder, stuckAfter time.Duration, m *metrics.Metrics) *Scheduler {
	return &Scheduler{
		cron:       cron.New(cron.WithLocation(common.MoscowLocation())),
		auditor:    auditor,
		payments:   finder,
		metrics:    m,
		stuckAfter: stuckAfter,
	}
}

// Start запускает все фоновые задачи.
func (s *Scheduler) Start(ctx context.Context) error {
	// Сверка в начале каждого часа
	if _, err := s.cron.AddFunc("0 * * * *", func() {
		log.Debug("[CRON] Сверка леджера")
		if _, err := s.RunAudit(ctx); err != nil {
			log.WithError(err).Error("[CRON] Ошибка сверки леджера")
		}
	}); err != nil {
		return err
	}

	if _, err := s.cron.AddFunc("*/5 * * * *", func() {
		log.Debug("[CRON] Проверка зависших платежей")
		if _, err := s.CheckStuck(ctx); err != nil {
			log.WithError(err).Error("[CRON] Ошибка проверки платежей")
		}
	}); err != nil {
		return err
	}

	s.cron.Start()
	log.Info("Планировщик задач запущен (Europe/Moscow)")
	return nil
}

// Stop останавливает планировщик и ждёт завершения текущих задач.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info("Планировщик задач остановлен")
}

// RunAudit ищет аккаунты, у которых баланс разошёлся с суммой журнала.
// Расхождение не исправляем автоматически, только сообщаем.
func (s *Scheduler) RunAudit(ctx context.Context) ([]ledger.Drift, error) {
	drift, err := s.auditor.Audit(ctx)
	if err != nil {
		return nil, err
	}
	s.metrics.SetLedgerDrift(len(drift))
	for _, d := range drift {
		log.WithFields(log.Fields{
			"user_id":  d.AccountID,
			"cached":   d.Cached,
			"computed": d.Computed,
		}).Error("Баланс расходится с журналом")
	}
	return drift, nil
}

// CheckStuck сообщает о платежах, которые начали обрабатываться и не дошли до конечного статуса.
func (s *Scheduler) CheckStuck(ctx context.Context) ([]*payments.PaymentEvent, error) {
	stuck, err := s.payments.Stuck(ctx, s.stuckAfter)
	if err != nil {
		return nil, err
	}
	s.metrics.SetStuckPayments(len(stuck))
	for _, ev := range stuck {
		log.WithFields(log.Fields{
			"event_id":    ev.ID,
			"source":      ev.Source,
			"external_id": ev.ExternalID,
			"user_id":     ev.AccountID,
			"status":      ev.Status,
			"received_at": ev.ReceivedAt,
		}).Warn("Платёж завис")
	}
	return stuck, nil
}
