package ledger

import (
	"context"
	"time"
)

// timeoutStore ограничивает каждую операцию с леджером по времени (LEDGER_TX_TIMEOUT).
type timeoutStore struct {
	store   Store
	timeout time.Duration
}

// WithTimeout оборачивает store. При timeout <= 0 ограничения нет.
func WithTimeout(store Store, timeout time.Duration) Store {
	if timeout <= 0 {
		return store
	}
	return &timeoutStore{store: store, timeout: timeout}
}

func (s *timeoutStore) ctx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.timeout)
}

func (s *timeoutStore) EnsureAccount(ctx context.Context, accountID int64) (*Account, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.EnsureAccount(ctx, accountID)
}

func (s *timeoutStore) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.GetAccount(ctx, accountID)
}

func (s *timeoutStore) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.GetBalance(ctx, accountID)
}

func (s *timeoutStore) AppendTransaction(ctx context.Context, e Entry) (*Transaction, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.AppendTransaction(ctx, e)
}

func (s *timeoutStore) GrantTrial(ctx context.Context, accountID, amount int64) (*Transaction, bool, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.GrantTrial(ctx, accountID, amount)
}

func (s *timeoutStore) Drain(ctx context.Context, accountID int64, reason Reason, description string) (*Transaction, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.Drain(ctx, accountID, reason, description)
}

func (s *timeoutStore) SetBanned(ctx context.Context, accountID int64, banned bool) error {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.SetBanned(ctx, accountID, banned)
}

func (s *timeoutStore) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*Transaction, error) {
	ctx, cancel := s.ctx(ctx)
	defer cancel()
	return s.store.ListTransactions(ctx, accountID, limit)
}

// Audit сканирует весь журнал и не укладывается в таймаут одной транзакции.
func (s *timeoutStore) Audit(ctx context.Context) ([]Drift, error) {
	return s.store.Audit(ctx)
}
