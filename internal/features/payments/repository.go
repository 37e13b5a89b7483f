package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/db/postgres"
)

// EventStore хранит платёжные события.
type EventStore interface {
	// Create сохраняет новое событие (обычно в статусе PENDING).
	Create(ctx context.Context, ev *PaymentEvent) error
	// Transition меняет статус, только если текущий равен from.
	// Иначе common.ErrInvalidTransition.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, reason string, txID *int64) error
	// Seen сообщает, был ли платёж (source, externalID) уже принят: APPLIED или DUPLICATE.
	Seen(ctx context.Context, source Source, externalID string) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*PaymentEvent, error)
	List(ctx context.Context, f Filter) ([]*PaymentEvent, error)
	// ListStuck возвращает события в PENDING/VERIFIED, полученные раньше before.
	ListStuck(ctx context.Context, before time.Time) ([]*PaymentEvent, error)
}

// ErrEventNotFound — событие с таким id не найдено.
var ErrEventNotFound = errors.New("платёжное событие не найдено")

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// Repository — платёжные события в PostgreSQL.
type Repository struct {
	db postgres.DB
}

// NewRepository создаёт репозиторий платёжных событий.
func NewRepository(db postgres.DB) *Repository {
	return &Repository{db: db}
}

var _ EventStore = (*Repository)(nil)

// amount читаем текстом: decimal.Decimal разбирает строку без потери точности.
const eventColumns = `id, source, external_id, account_id, amount::text, currency, plan_code,
	signature, status, reason, transaction_id, received_at, updated_at`

func scanEvent(row pgx.Row) (*PaymentEvent, error) {
	var (
		ev                     PaymentEvent
		source, status, amount string
	)
	err := row.Scan(&ev.ID, &source, &ev.ExternalID, &ev.AccountID, &amount, &ev.Currency,
		&ev.PlanCode, &ev.Signature, &status, &ev.Reason, &ev.TransactionID, &ev.ReceivedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ev.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("некорректная сумма %q: %w", amount, err)
	}
	ev.Source = Source(source)
	ev.Status = Status(status)
	return &ev, nil
}

// Create сохраняет событие.
func (r *Repository) Create(ctx context.Context, ev *PaymentEvent) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO payment_events (id, source, external_id, account_id, amount, currency,
			plan_code, signature, status, reason, received_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $11)
	`, ev.ID, string(ev.Source), ev.ExternalID, ev.AccountID, ev.Amount.String(), ev.Currency,
		ev.PlanCode, ev.Signature, string(ev.Status), ev.Reason, ev.ReceivedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения платёжного события: %w", err)
	}
	return nil
}

// Transition — условный UPDATE: статус меняется, только если никто не успел раньше.
func (r *Repository) Transition(ctx context.Context, id uuid.UUID, from, to Status, reason string, txID *int64) error {
	if !CanTransition(from, to) {
		return common.ErrInvalidTransition
	}
	tag, err := r.db.Exec(ctx, `
		UPDATE payment_events
		SET status = $3,
		    reason = CASE WHEN $4::text = '' THEN reason ELSE $4::text END,
		    transaction_id = COALESCE($5, transaction_id),
		    updated_at = NOW()
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), reason, txID)
	if err != nil {
		return fmt.Errorf("ошибка смены статуса платежа: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s → %s", common.ErrInvalidTransition, from, to)
	}
	return nil
}

// Seen проверяет, принят ли уже этот платёж.
func (r *Repository) Seen(ctx context.Context, source Source, externalID string) (bool, error) {
	var seen bool
	err := r.db.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM payment_events
			WHERE source = $1 AND external_id = $2 AND status IN ('APPLIED', 'DUPLICATE')
		)
	`, string(source), externalID).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки повторного платежа: %w", err)
	}
	return seen, nil
}

// Get возвращает событие по id.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (*PaymentEvent, error) {
	ev, err := scanEvent(r.db.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM payment_events WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка получения платёжного события: %w", err)
	}
	return ev, nil
}

// List возвращает события по фильтру, новые первыми.
func (r *Repository) List(ctx context.Context, f Filter) ([]*PaymentEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE ($1::text = '' OR status = $1::text) AND ($2::bigint = 0 OR account_id = $2::bigint)
		ORDER BY received_at DESC
		LIMIT $3
	`, string(f.Status), f.AccountID, normalizeLimit(f.Limit))
	if err != nil {
		return nil, fmt.Errorf("ошибка получения платёжных событий: %w", err)
	}
	return collectEvents(rows)
}

// ListStuck возвращает незавершённые события старше before.
func (r *Repository) ListStuck(ctx context.Context, before time.Time) ([]*PaymentEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM payment_events
		WHERE status IN ('PENDING', 'VERIFIED') AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`, before, maxListLimit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска зависших платежей: %w", err)
	}
	return collectEvents(rows)
}

func collectEvents(rows pgx.Rows) ([]*PaymentEvent, error) {
	defer rows.Close()

	var out []*PaymentEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка чтения платёжного события: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
