package ledger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/assistant-bot/internal/common"
)

func sumDeltas(t *testing.T, s Store, accountID int64) int64 {
	t.Helper()
	txs, err := s.ListTransactions(context.Background(), accountID, MaxListLimit)
	require.NoError(t, err)
	var sum int64
	for _, tx := range txs {
		sum += tx.Delta
	}
	return sum
}

func TestAppendTransactionUpdatesBalance(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, err := s.EnsureAccount(ctx, 1)
	require.NoError(t, err)

	tx, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 10, Reason: ReasonAdminGrant})
	require.NoError(t, err)
	assert.EqualValues(t, 10, tx.BalanceAfter)

	tx, err = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -3, Reason: ReasonDebitUsage})
	require.NoError(t, err)
	assert.EqualValues(t, 7, tx.BalanceAfter)

	balance, err := s.GetBalance(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 7, balance)
	assert.Equal(t, balance, sumDeltas(t, s, 1))
}

func TestAppendTransactionRejectsOverdraft(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)

	_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -1, Reason: ReasonDebitUsage})
	assert.ErrorIs(t, err, common.ErrInsufficientBalance)

	txs, _ := s.ListTransactions(ctx, 1, 10)
	assert.Empty(t, txs)
}

func TestAppendTransactionRejectsOverflow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)

	_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: math.MaxInt64 - 50, Reason: ReasonAdminGrant})
	require.NoError(t, err)

	_, err = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: "gateway:big"})
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
	assert.NotErrorIs(t, err, common.ErrInsufficientBalance)

	balance, _ := s.GetBalance(ctx, 1)
	assert.EqualValues(t, math.MaxInt64-50, balance)
}

func TestAppendTransactionValidation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 5, Reason: ReasonAdminGrant})
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	_, _ = s.EnsureAccount(ctx, 1)
	_, err = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 0, Reason: ReasonAdminGrant})
	assert.ErrorIs(t, err, common.ErrInvalidAmount)

	_, err = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 5, Reason: "BONUS"})
	assert.Error(t, err)
}

func TestDuplicateReferenceAcrossAccounts(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)
	_, _ = s.EnsureAccount(ctx, 2)

	_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: "gateway:p1"})
	require.NoError(t, err)

	_, err = s.AppendTransaction(ctx, Entry{AccountID: 2, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: "gateway:p1"})
	assert.ErrorIs(t, err, common.ErrDuplicateReference)

	b2, _ := s.GetBalance(ctx, 2)
	assert.Zero(t, b2)
}

func TestBannedAccountCannotDebitButCanBeCredited(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)
	_, _ = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 5, Reason: ReasonAdminGrant})
	require.NoError(t, s.SetBanned(ctx, 1, true))

	_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -1, Reason: ReasonDebitUsage})
	assert.ErrorIs(t, err, common.ErrAccountBanned)

	_, err = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: "in_chat:c1"})
	assert.NoError(t, err)

	acc, err := s.GetAccount(ctx, 1)
	require.NoError(t, err)
	assert.True(t, acc.Banned)
	assert.EqualValues(t, 105, acc.Balance)
}

func TestGrantTrialOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	tx, granted, err := s.GrantTrial(ctx, 7, 30)
	require.NoError(t, err)
	assert.True(t, granted)
	assert.Equal(t, ReasonTrialGrant, tx.Reason)

	tx, granted, err = s.GrantTrial(ctx, 7, 30)
	require.NoError(t, err)
	assert.False(t, granted)
	assert.Nil(t, tx)

	balance, _ := s.GetBalance(ctx, 7)
	assert.EqualValues(t, 30, balance)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)
	_, _ = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 1, Reason: ReasonAdminGrant})

	var ok, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -1, Reason: ReasonDebitUsage})
			if err == nil {
				ok.Add(1)
			} else if assert.ErrorIs(t, err, common.ErrInsufficientBalance) {
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	assert.EqualValues(t, 49, rejected.Load())
	balance, _ := s.GetBalance(ctx, 1)
	assert.Zero(t, balance)
}

func TestConcurrentSameReferenceCreditsOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: "gateway:same"})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, ok.Load())
	balance, _ := s.GetBalance(ctx, 1)
	assert.EqualValues(t, 100, balance)
}

func TestDrainUnderConcurrentDebits(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _ = s.EnsureAccount(ctx, 1)
	_, _ = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: 42, Reason: ReasonAdminGrant})

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -1, Reason: ReasonDebitUsage})
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := s.Drain(ctx, 1, ReasonAdminRevoke, "revoke")
		assert.NoError(t, err)
	}()
	wg.Wait()

	balance, _ := s.GetBalance(ctx, 1)
	assert.Zero(t, balance)
	assert.Equal(t, balance, sumDeltas(t, s, 1))

	tx, err := s.Drain(ctx, 1, ReasonAdminRevoke, "revoke")
	require.NoError(t, err)
	assert.Nil(t, tx)
}

func TestAuditDetectsNoDriftAfterMixedOperations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for id := int64(1); id <= 5; id++ {
		_, _, err := s.GrantTrial(ctx, id, 30)
		require.NoError(t, err)
		_, err = s.AppendTransaction(ctx, Entry{AccountID: id, Delta: -1, Reason: ReasonDebitUsage})
		require.NoError(t, err)
		_, err = s.AppendTransaction(ctx, Entry{
			AccountID: id, Delta: 100, Reason: ReasonCreditPayment, ExternalRef: fmt.Sprintf("gateway:%d", id),
		})
		require.NoError(t, err)
	}

	drift, err := s.Audit(ctx)
	require.NoError(t, err)
	assert.Empty(t, drift)

	// искусственно ломаем кэш
	s.accounts[3].acc.Balance = 1
	drift, err = s.Audit(ctx)
	require.NoError(t, err)
	require.Len(t, drift, 1)
	assert.Equal(t, Drift{AccountID: 3, Cached: 1, Computed: 129}, drift[0])
}

func TestListTransactionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_, _, _ = s.GrantTrial(ctx, 1, 30)
	for i := 0; i < 3; i++ {
		_, err := s.AppendTransaction(ctx, Entry{AccountID: 1, Delta: -1, Reason: ReasonDebitUsage})
		require.NoError(t, err)
	}

	txs, err := s.ListTransactions(ctx, 1, 2)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.EqualValues(t, 27, txs[0].BalanceAfter)
	assert.EqualValues(t, 28, txs[1].BalanceAfter)

	txs, err = s.ListTransactions(ctx, 404, 0)
	require.NoError(t, err)
	assert.Empty(t, txs)
}
