// Package entitlement решает, может ли пользователь сделать запрос к ассистенту.
// Пробный период выдаётся один раз, каждый запрос списывается до вызова модели.
// Списание окончательное: при отмене или ошибке генерации запрос не возвращается.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
	"serotonyl.ru/assistant-bot/internal/metrics"
)

// Service — движок доступа поверх леджера.
type Service struct {
	store       ledger.Store
	metrics     *metrics.Metrics
	trialAmount int64
	requestCost int64
}

// NewService создаёт движок доступа. m может быть nil.
func NewService(store ledger.Store, cfg *config.Config, m *metrics.Metrics) *Service {
	return &Service{
		store:       store,
		metrics:     m,
		trialAmount: cfg.TrialRequests,
		requestCost: cfg.RequestCost,
	}
}

// GrantTrialIfEligible выдаёт пробные запросы при первом контакте.
// Повторные и параллельные вызовы ничего не делают и возвращают false.
func (s *Service) GrantTrialIfEligible(ctx context.Context, accountID int64) (bool, error) {
	_, granted, err := s.store.GrantTrial(ctx, accountID, s.trialAmount)
	if err != nil {
		return false, fmt.Errorf("ошибка выдачи пробного периода: %w", err)
	}
	if granted {
		s.metrics.TrialGranted()
		log.WithFields(log.Fields{
			"user_id": accountID,
			"amount":  s.trialAmount,
		}).Info("Выдан пробный период")
	}
	return granted, nil
}

// TryDebit списывает стоимость одного запроса и возвращает новый баланс.
func (s *Service) TryDebit(ctx context.Context, accountID int64) (int64, error) {
	return s.TryDebitCost(ctx, accountID, s.requestCost)
}

// TryDebitCost списывает cost запросов одной транзакцией.
// Нехватка баланса, блокировка или отсутствие аккаунта — common.ErrQuotaExhausted,
// исходная причина доступна через errors.Is.
func (s *Service) TryDebitCost(ctx context.Context, accountID, cost int64) (int64, error) {
	if cost <= 0 {
		return 0, common.ErrInvalidAmount
	}

	tx, err := s.store.AppendTransaction(ctx, ledger.Entry{
		AccountID:   accountID,
		Delta:       -cost,
		Reason:      ledger.ReasonDebitUsage,
		Description: "Запрос к ассистенту",
	})
	switch {
	case err == nil:
		s.metrics.Debit("ok")
		return tx.BalanceAfter, nil
	case errors.Is(err, common.ErrInsufficientBalance),
		errors.Is(err, common.ErrAccountBanned),
		errors.Is(err, common.ErrAccountNotFound):
		s.metrics.Debit("exhausted")
		return 0, fmt.Errorf("%w: %w", common.ErrQuotaExhausted, err)
	default:
		s.metrics.Debit("error")
		return 0, fmt.Errorf("ошибка списания запроса: %w", err)
	}
}

// Ban блокирует аккаунт. Баланс не меняется, новые списания запрещены.
func (s *Service) Ban(ctx context.Context, accountID int64) error {
	return s.setBanned(ctx, accountID, true)
}

// Unban снимает блокировку.
func (s *Service) Unban(ctx context.Context, accountID int64) error {
	return s.setBanned(ctx, accountID, false)
}

func (s *Service) setBanned(ctx context.Context, accountID int64, banned bool) error {
	// Забанить можно и того, кто ещё не писал боту
	if _, err := s.store.EnsureAccount(ctx, accountID); err != nil {
		return err
	}
	if err := s.store.SetBanned(ctx, accountID, banned); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"user_id": accountID,
		"banned":  banned,
	}).Info("Изменена блокировка аккаунта")
	return nil
}

// Balance возвращает текущий баланс. Для неизвестного аккаунта ноль.
func (s *Service) Balance(ctx context.Context, accountID int64) (int64, error) {
	balance, err := s.store.GetBalance(ctx, accountID)
	if errors.Is(err, common.ErrAccountNotFound) {
		return 0, nil
	}
	return balance, err
}

// Account возвращает аккаунт целиком.
func (s *Service) Account(ctx context.Context, accountID int64) (*ledger.Account, error) {
	return s.store.GetAccount(ctx, accountID)
}

// History возвращает последние движения по счёту.
func (s *Service) History(ctx context.Context, accountID int64, limit int) ([]*ledger.Transaction, error) {
	return s.store.ListTransactions(ctx, accountID, limit)
}
