package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/db/postgres"
)

const externalRefConstraint = "ledger_transactions_external_ref_key"

// Repository — леджер в PostgreSQL.
// Сериализация по аккаунту через SELECT ... FOR UPDATE на строке accounts.
type Repository struct {
	db postgres.DB
}

// NewRepository создаёт репозиторий леджера.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

const accountColumns = `id, balance, trial_granted, is_banned, created_at, updated_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Balance, &a.TrialGranted, &a.Banned, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, common.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// EnsureAccount создаёт аккаунт, если его нет, и возвращает актуальное состояние.
func (r *Repository) EnsureAccount(ctx context.Context, accountID int64) (*Account, error) {
	_, err := r.db.Exec(ctx, `
		INSERT INTO accounts (id) VALUES ($1)
		ON CONFLICT (id) DO NOTHING
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания аккаунта: %w", err)
	}
	return r.GetAccount(ctx, accountID)
}

// GetAccount возвращает аккаунт по id.
func (r *Repository) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	acc, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil && !errors.Is(err, common.ErrAccountNotFound) {
		return nil, fmt.Errorf("ошибка получения аккаунта: %w", err)
	}
	return acc, err
}

// GetBalance возвращает баланс аккаунта.
func (r *Repository) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, accountID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, common.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("ошибка получения баланса: %w", err)
	}
	return balance, nil
}

// lockAccount блокирует строку аккаунта до конца транзакции.
func lockAccount(ctx context.Context, tx pgx.Tx, accountID int64) (*Account, error) {
	acc, err := scanAccount(tx.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, accountID))
	if err != nil && !errors.Is(err, common.ErrAccountNotFound) {
		return nil, fmt.Errorf("ошибка блокировки аккаунта: %w", err)
	}
	return acc, err
}

// insertTransaction пишет строку журнала и переносит баланс в кэш accounts.
func insertTransaction(ctx context.Context, tx pgx.Tx, e Entry, balanceAfter int64) (*Transaction, error) {
	t := &Transaction{
		AccountID:    e.AccountID,
		Delta:        e.Delta,
		Reason:       e.Reason,
		ExternalRef:  e.ExternalRef,
		BalanceAfter: balanceAfter,
		Description:  e.Description,
	}
	err := tx.QueryRow(ctx, `
		INSERT INTO ledger_transactions (account_id, delta, reason, external_ref, balance_after, description)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6)
		RETURNING id, created_at
	`, e.AccountID, e.Delta, string(e.Reason), e.ExternalRef, balanceAfter, e.Description).Scan(&t.ID, &t.CreatedAt)
	if postgres.IsUniqueViolation(err, externalRefConstraint) {
		return nil, fmt.Errorf("%w: %s", common.ErrDuplicateReference, e.ExternalRef)
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка записи транзакции: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE accounts SET balance = $2, updated_at = NOW() WHERE id = $1
	`, e.AccountID, balanceAfter); err != nil {
		if postgres.IsCheckViolation(err) {
			return nil, common.ErrInsufficientBalance
		}
		return nil, fmt.Errorf("ошибка обновления баланса: %w", err)
	}
	return t, nil
}

// AppendTransaction добавляет транзакцию под блокировкой строки аккаунта.
func (r *Repository) AppendTransaction(ctx context.Context, e Entry) (*Transaction, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}

	var result *Transaction
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		acc, err := lockAccount(ctx, tx, e.AccountID)
		if err != nil {
			return err
		}
		newBalance, err := checkEntry(acc, e)
		if err != nil {
			return err
		}
		result, err = insertTransaction(ctx, tx, e, newBalance)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GrantTrial выставляет флаг пробного периода и начисляет запросы в одной транзакции.
func (r *Repository) GrantTrial(ctx context.Context, accountID, amount int64) (*Transaction, bool, error) {
	var (
		result  *Transaction
		granted bool
	)
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
		`, accountID); err != nil {
			return fmt.Errorf("ошибка создания аккаунта: %w", err)
		}

		acc, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if acc.TrialGranted {
			return nil
		}

		if _, err := tx.Exec(ctx, `
			UPDATE accounts SET trial_granted = TRUE, updated_at = NOW() WHERE id = $1
		`, accountID); err != nil {
			return fmt.Errorf("ошибка установки флага пробного периода: %w", err)
		}
		granted = true

		if amount <= 0 {
			return nil
		}
		result, err = insertTransaction(ctx, tx, Entry{
			AccountID:   accountID,
			Delta:       amount,
			Reason:      ReasonTrialGrant,
			Description: "Пробный период",
		}, acc.Balance+amount)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return result, granted, nil
}

// Drain списывает весь баланс. Баланс читается под блокировкой, поэтому результат всегда ноль.
func (r *Repository) Drain(ctx context.Context, accountID int64, reason Reason, description string) (*Transaction, error) {
	var result *Transaction
	err := postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		acc, err := lockAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if acc.Balance == 0 {
			return nil
		}
		result, err = insertTransaction(ctx, tx, Entry{
			AccountID:   accountID,
			Delta:       -acc.Balance,
			Reason:      reason,
			Description: description,
		}, 0)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SetBanned меняет флаг блокировки.
func (r *Repository) SetBanned(ctx context.Context, accountID int64, banned bool) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE accounts SET is_banned = $2, updated_at = NOW() WHERE id = $1
	`, accountID, banned)
	if err != nil {
		return fmt.Errorf("ошибка изменения блокировки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return common.ErrAccountNotFound
	}
	return nil
}

// ListTransactions возвращает последние транзакции аккаунта.
func (r *Repository) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*Transaction, error) {
	limit = normalizeLimit(limit)
	rows, err := r.db.Query(ctx, `
		SELECT id, account_id, delta, reason, COALESCE(external_ref, ''), balance_after, description, created_at
		FROM ledger_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения транзакций: %w", err)
	}
	defer rows.Close()

	var out []*Transaction
	for rows.Next() {
		var t Transaction
		var reason string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Delta, &reason, &t.ExternalRef,
			&t.BalanceAfter, &t.Description, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка чтения транзакции: %w", err)
		}
		t.Reason = Reason(reason)
		out = append(out, &t)
	}
	return out, rows.Err()
}

// Audit сверяет кэш balance с суммой журнала.
func (r *Repository) Audit(ctx context.Context) ([]Drift, error) {
	rows, err := r.db.Query(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(t.delta), 0) AS computed
		FROM accounts a
		LEFT JOIN ledger_transactions t ON t.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance <> COALESCE(SUM(t.delta), 0)
	`)
	if err != nil {
		return nil, fmt.Errorf("ошибка сверки леджера: %w", err)
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.AccountID, &d.Cached, &d.Computed); err != nil {
			return nil, fmt.Errorf("ошибка чтения сверки: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
