package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"serotonyl.ru/assistant-bot/internal/common"
)

// MemoryStore — леджер в памяти процесса. Используется в тестах и локальной отладке.
//
// У каждого аккаунта свой мьютекс. Реестр внешних ссылок общий,
// его берут только под мьютексом аккаунта (порядок: аккаунт → refs).
type MemoryStore struct {
	mu       sync.Mutex
	accounts map[int64]*memAccount

	refsMu sync.Mutex
	refs   map[string]int64

	seqMu sync.Mutex
	seq   int64
}

type memAccount struct {
	mu  sync.Mutex
	acc Account
	txs []*Transaction
}

// NewMemoryStore создаёт пустой леджер в памяти.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[int64]*memAccount),
		refs:     make(map[string]int64),
	}
}

var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) lookup(accountID int64, create bool) *memAccount {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[accountID]
	if !ok && create {
		now := time.Now()
		a = &memAccount{acc: Account{ID: accountID, CreatedAt: now, UpdatedAt: now}}
		s.accounts[accountID] = a
	}
	return a
}

func (s *MemoryStore) nextID() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()
	s.seq++
	return s.seq
}

// append пишет транзакцию. Вызывается под a.mu.
func (s *MemoryStore) append(a *memAccount, e Entry, balanceAfter int64) (*Transaction, error) {
	if e.ExternalRef != "" {
		s.refsMu.Lock()
		if _, exists := s.refs[e.ExternalRef]; exists {
			s.refsMu.Unlock()
			return nil, fmt.Errorf("%w: %s", common.ErrDuplicateReference, e.ExternalRef)
		}
		s.refs[e.ExternalRef] = e.AccountID
		s.refsMu.Unlock()
	}

	now := time.Now()
	t := &Transaction{
		ID:           s.nextID(),
		AccountID:    e.AccountID,
		Delta:        e.Delta,
		Reason:       e.Reason,
		ExternalRef:  e.ExternalRef,
		BalanceAfter: balanceAfter,
		Description:  e.Description,
		CreatedAt:    now,
	}
	a.txs = append(a.txs, t)
	a.acc.Balance = balanceAfter
	a.acc.UpdatedAt = now

	cp := *t
	return &cp, nil
}

func (s *MemoryStore) EnsureAccount(ctx context.Context, accountID int64) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.lookup(accountID, true)
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.acc
	return &acc, nil
}

func (s *MemoryStore) GetAccount(ctx context.Context, accountID int64) (*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.lookup(accountID, false)
	if a == nil {
		return nil, common.ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	acc := a.acc
	return &acc, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, accountID int64) (int64, error) {
	acc, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, e Entry) (*Transaction, error) {
	if err := validateEntry(e); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.lookup(e.AccountID, false)
	if a == nil {
		return nil, common.ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	newBalance, err := checkEntry(&a.acc, e)
	if err != nil {
		return nil, err
	}
	return s.append(a, e, newBalance)
}

func (s *MemoryStore) GrantTrial(ctx context.Context, accountID, amount int64) (*Transaction, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	a := s.lookup(accountID, true)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.acc.TrialGranted {
		return nil, false, nil
	}
	a.acc.TrialGranted = true
	if amount <= 0 {
		return nil, true, nil
	}
	t, err := s.append(a, Entry{
		AccountID:   accountID,
		Delta:       amount,
		Reason:      ReasonTrialGrant,
		Description: "Пробный период",
	}, a.acc.Balance+amount)
	if err != nil {
		a.acc.TrialGranted = false
		return nil, false, err
	}
	return t, true, nil
}

func (s *MemoryStore) Drain(ctx context.Context, accountID int64, reason Reason, description string) (*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.lookup(accountID, false)
	if a == nil {
		return nil, common.ErrAccountNotFound
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.acc.Balance == 0 {
		return nil, nil
	}
	return s.append(a, Entry{
		AccountID:   accountID,
		Delta:       -a.acc.Balance,
		Reason:      reason,
		Description: description,
	}, 0)
}

func (s *MemoryStore) SetBanned(ctx context.Context, accountID int64, banned bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a := s.lookup(accountID, false)
	if a == nil {
		return common.ErrAccountNotFound
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acc.Banned = banned
	a.acc.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) ListTransactions(ctx context.Context, accountID int64, limit int) ([]*Transaction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a := s.lookup(accountID, false)
	if a == nil {
		return nil, nil
	}
	limit = normalizeLimit(limit)

	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*Transaction, 0, limit)
	for i := len(a.txs) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *a.txs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) Audit(ctx context.Context) ([]Drift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	accounts := make([]*memAccount, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, a)
	}
	s.mu.Unlock()

	var out []Drift
	for _, a := range accounts {
		a.mu.Lock()
		var sum int64
		for _, t := range a.txs {
			sum += t.Delta
		}
		if sum != a.acc.Balance {
			out = append(out, Drift{AccountID: a.acc.ID, Cached: a.acc.Balance, Computed: sum})
		}
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out, nil
}
