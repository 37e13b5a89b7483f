package payments

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/assistant-bot/internal/common"
)

const bigAccountID int64 = 7_000_000_000

func newMockRepository(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

var eventColumnNames = []string{"id", "source", "external_id", "account_id", "amount", "currency", "plan_code",
	"signature", "status", "reason", "transaction_id", "received_at", "updated_at"}

func TestRepositoryCreate(t *testing.T) {
	repo, mock := newMockRepository(t)
	ev := gatewayEvent("pay-1", bigAccountID, "99.00")
	ev.ID = uuid.New()
	ev.Status = StatusPending
	ev.ReceivedAt = time.Now()

	mock.ExpectExec(`INSERT INTO payment_events`).
		WithArgs(ev.ID, "GATEWAY", "pay-1", bigAccountID, ev.Amount.String(), "RUB", "", "", "PENDING", "", ev.ReceivedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, repo.Create(context.Background(), ev))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryListFiltersByBigAccountID(t *testing.T) {
	repo, mock := newMockRepository(t)
	id := uuid.New()
	txID := int64(42)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta("($2::bigint = 0 OR account_id = $2::bigint)")).
		WithArgs("REJECTED", bigAccountID, defaultListLimit).
		WillReturnRows(pgxmock.NewRows(eventColumnNames).
			AddRow(id, "GATEWAY", "pay-9", bigAccountID, "99.00", "RUB", "pack100", "sig",
				"REJECTED", "подпись не совпала", &txID, now, now))

	events, err := repo.List(context.Background(), Filter{Status: StatusRejected, AccountID: bigAccountID})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, id, ev.ID)
	assert.Equal(t, SourceGateway, ev.Source)
	assert.Equal(t, StatusRejected, ev.Status)
	assert.Equal(t, bigAccountID, ev.AccountID)
	assert.True(t, decimal.RequireFromString("99").Equal(ev.Amount))
	require.NotNil(t, ev.TransactionID)
	assert.EqualValues(t, 42, *ev.TransactionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryTransitionLostRace(t *testing.T) {
	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = $2")).
		WithArgs(id, "PENDING", "VERIFIED", "", (*int64)(nil)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.Transition(context.Background(), id, StatusPending, StatusVerified, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryTransitionFromTerminalSkipsQuery(t *testing.T) {
	repo, mock := newMockRepository(t)

	err := repo.Transition(context.Background(), uuid.New(), StatusApplied, StatusPending, "", nil)
	assert.ErrorIs(t, err, common.ErrInvalidTransition)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryGetNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM payment_events WHERE id = \$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, ErrEventNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySeen(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(`status IN \('APPLIED', 'DUPLICATE'\)`).WithArgs("IN_CHAT", "charge-1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := repo.Seen(context.Background(), SourceInChat, "charge-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
