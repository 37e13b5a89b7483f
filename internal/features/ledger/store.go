package ledger

import (
	"context"
	"fmt"
	"math"

	"serotonyl.ru/assistant-bot/internal/common"
)

// Store — хранилище леджера. Реализации: Repository (PostgreSQL) и MemoryStore.
//
// Каждая изменяющая операция атомарна в пределах одного аккаунта:
// проверка и запись выполняются под одной блокировкой, поэтому
// параллельные списания не уводят баланс в минус.
type Store interface {
	// EnsureAccount создаёт аккаунт с нулевым балансом, если его ещё нет.
	EnsureAccount(ctx context.Context, accountID int64) (*Account, error)
	// GetAccount возвращает аккаунт или common.ErrAccountNotFound.
	GetAccount(ctx context.Context, accountID int64) (*Account, error)
	// GetBalance возвращает текущий баланс; видит все подтверждённые записи.
	GetBalance(ctx context.Context, accountID int64) (int64, error)
	// AppendTransaction добавляет транзакцию.
	// Ошибки: ErrInsufficientBalance, ErrDuplicateReference, ErrAccountBanned (только DEBIT_USAGE),
	// ErrAccountNotFound, ErrInvalidAmount.
	AppendTransaction(ctx context.Context, e Entry) (*Transaction, error)
	// GrantTrial один раз выставляет флаг пробного периода и начисляет amount.
	// granted=false, если флаг уже стоял. Аккаунт создаётся при необходимости.
	GrantTrial(ctx context.Context, accountID, amount int64) (tx *Transaction, granted bool, err error)
	// Drain списывает весь текущий баланс одной транзакцией. При нулевом балансе возвращает nil.
	Drain(ctx context.Context, accountID int64, reason Reason, description string) (*Transaction, error)
	// SetBanned меняет флаг блокировки, баланс не трогает.
	SetBanned(ctx context.Context, accountID int64, banned bool) error
	// ListTransactions возвращает последние limit транзакций, новые первыми.
	ListTransactions(ctx context.Context, accountID int64, limit int) ([]*Transaction, error)
	// Audit находит аккаунты, у которых баланс не равен сумме журнала.
	Audit(ctx context.Context) ([]Drift, error)
}

// Пределы выборки истории транзакций.
const (
	DefaultListLimit = 10
	MaxListLimit     = 100
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// validateEntry проверяет запрос до захвата блокировок.
func validateEntry(e Entry) error {
	if e.Delta == 0 {
		return fmt.Errorf("%w: delta = 0", common.ErrInvalidAmount)
	}
	if !e.Reason.Valid() {
		return fmt.Errorf("неизвестная причина транзакции %q", e.Reason)
	}
	return nil
}

// checkEntry — общие проверки под блокировкой аккаунта.
func checkEntry(acc *Account, e Entry) (int64, error) {
	if acc.Banned && e.Reason == ReasonDebitUsage {
		return 0, fmt.Errorf("аккаунт %d: %w", acc.ID, common.ErrAccountBanned)
	}
	if e.Delta > 0 && acc.Balance > math.MaxInt64-e.Delta {
		return 0, fmt.Errorf("%w: баланс %d не вместит %+d", common.ErrInvalidAmount, acc.Balance, e.Delta)
	}
	newBalance := acc.Balance + e.Delta
	if newBalance < 0 {
		return 0, fmt.Errorf("%w: нужно %d, есть %d", common.ErrInsufficientBalance, -e.Delta, acc.Balance)
	}
	return newBalance, nil
}
