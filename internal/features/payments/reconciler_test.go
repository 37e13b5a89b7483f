package payments

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"serotonyl.ru/assistant-bot/internal/common"
	"serotonyl.ru/assistant-bot/internal/config"
	"serotonyl.ru/assistant-bot/internal/features/ledger"
)

var testSecret = []byte("whsec_test")

func testCatalog(t *testing.T) *config.PlanCatalog {
	t.Helper()
	catalog, err := config.NewPlanCatalog([]config.Plan{
		{Code: "pack100", Title: "+100", Requests: 100, Stars: 300, PriceRUB: decimal.RequireFromString("99.00")},
		{Code: "start", Title: "Start", Requests: 300, Stars: 1000, PriceRUB: decimal.RequireFromString("299.00")},
	})
	require.NoError(t, err)
	return catalog
}

type fixture struct {
	reconciler *Reconciler
	events     *MemoryStore
	ledger     *ledger.MemoryStore
}

func newFixture(t *testing.T) *fixture {
	events := NewMemoryStore()
	store := ledger.NewMemoryStore()
	return &fixture{
		reconciler: NewReconciler(events, store, testCatalog(t), nil),
		events:     events,
		ledger:     store,
	}
}

func gatewayEvent(externalID string, accountID int64, amount string) *PaymentEvent {
	return &PaymentEvent{
		Source:     SourceGateway,
		ExternalID: externalID,
		AccountID:  accountID,
		Amount:     decimal.RequireFromString(amount),
		Currency:   config.CurrencyRUB,
	}
}

var acceptAll = VerifierFunc(func(context.Context, *PaymentEvent) error { return nil })

func (f *fixture) creditCount(t *testing.T, accountID int64) int {
	t.Helper()
	txs, err := f.ledger.ListTransactions(context.Background(), accountID, ledger.MaxListLimit)
	require.NoError(t, err)
	n := 0
	for _, tx := range txs {
		if tx.Reason == ledger.ReasonCreditPayment {
			n++
		}
	}
	return n
}

func TestProcessAppliesPayment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.reconciler.Process(ctx, gatewayEvent("pay-1", 10, "99.00"), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Event.Status)
	assert.True(t, res.Credited())
	require.NotNil(t, res.Transaction)
	assert.EqualValues(t, 100, res.Transaction.Delta)
	assert.Equal(t, "gateway:pay-1", res.Transaction.ExternalRef)

	stored, err := f.events.Get(ctx, res.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, stored.Status)
	require.NotNil(t, stored.TransactionID)
	assert.Equal(t, res.Transaction.ID, *stored.TransactionID)

	balance, _ := f.ledger.GetBalance(ctx, 10)
	assert.EqualValues(t, 100, balance)
}

func TestDuplicateDeliveryCreditsOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.reconciler.Process(ctx, gatewayEvent("pay-dup", 10, "99.00"), acceptAll)
	require.NoError(t, err)
	second, err := f.reconciler.Process(ctx, gatewayEvent("pay-dup", 10, "99.00"), acceptAll)
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, first.Event.Status)
	assert.Equal(t, StatusDuplicate, second.Event.Status)
	assert.Nil(t, second.Transaction)

	balance, _ := f.ledger.GetBalance(ctx, 10)
	assert.EqualValues(t, 100, balance)
	assert.Equal(t, 1, f.creditCount(t, 10))

	applied, _ := f.events.List(ctx, Filter{Status: StatusApplied})
	assert.Len(t, applied, 1)
}

func TestConcurrentDeliveriesOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const n = 20
	results := make([]*Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.reconciler.Process(ctx, gatewayEvent("pay-race", 10, "299.00"), acceptAll)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, res := range results {
		require.NotNil(t, res)
		switch res.Event.Status {
		case StatusApplied:
			applied++
		case StatusDuplicate:
		default:
			t.Fatalf("неожиданный статус %s", res.Event.Status)
		}
	}
	assert.Equal(t, 1, applied)

	balance, _ := f.ledger.GetBalance(ctx, 10)
	assert.EqualValues(t, 300, balance)
	assert.Equal(t, 1, f.creditCount(t, 10))
}

func TestInvalidSignatureRejectedWithoutLedgerWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	body := []byte(`{"object":{"id":"pay-x"}}`)
	ev := gatewayEvent("pay-x", 10, "99.00")
	ev.Signature = Sign([]byte("wrong-secret"), body)

	res, err := f.reconciler.Process(ctx, ev, HMACVerifier{Secret: testSecret, Body: body})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Event.Status)
	assert.ErrorIs(t, res.Rejection, common.ErrInvalidSignature)

	_, err = f.ledger.GetAccount(ctx, 10)
	assert.ErrorIs(t, err, common.ErrAccountNotFound)

	rejected, _ := f.events.List(ctx, Filter{Status: StatusRejected})
	require.Len(t, rejected, 1)
	assert.NotEmpty(t, rejected[0].Reason)
}

func TestRejectedDeliveryDoesNotBlockGenuineOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	body := []byte(`payload`)

	forged := gatewayEvent("pay-7", 10, "99.00")
	forged.Signature = "deadbeef"
	res, err := f.reconciler.Process(ctx, forged, HMACVerifier{Secret: testSecret, Body: body})
	require.NoError(t, err)
	require.Equal(t, StatusRejected, res.Event.Status)

	genuine := gatewayEvent("pay-7", 10, "99.00")
	genuine.Signature = Sign(testSecret, body)
	res, err = f.reconciler.Process(ctx, genuine, HMACVerifier{Secret: testSecret, Body: body})
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Event.Status)
}

func TestUnknownAmountRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	res, err := f.reconciler.Process(ctx, gatewayEvent("pay-odd", 10, "12.34"), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Event.Status)
	assert.ErrorIs(t, res.Rejection, common.ErrUnknownPlan)
	assert.Equal(t, 0, f.creditCount(t, 10))
}

func TestCreditThatOverflowsBalanceRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, _ = f.ledger.EnsureAccount(ctx, 10)
	_, err := f.ledger.AppendTransaction(ctx, ledger.Entry{AccountID: 10, Delta: math.MaxInt64, Reason: ledger.ReasonAdminGrant})
	require.NoError(t, err)

	res, err := f.reconciler.Process(ctx, gatewayEvent("pay-huge", 10, "99.00"), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Event.Status)
	assert.ErrorIs(t, res.Rejection, common.ErrInvalidAmount)
	assert.Equal(t, 0, f.creditCount(t, 10))
}

func TestPlanCodeMustMatchAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ev := gatewayEvent("pay-cheap", 10, "99.00")
	ev.PlanCode = "start"
	res, err := f.reconciler.Process(ctx, ev, acceptAll)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, res.Event.Status)
	assert.ErrorIs(t, res.Rejection, common.ErrPaymentMismatch)
}

type failingEvents struct {
	*MemoryStore
	failCreate int
}

var errStorageDown = errors.New("storage down")

func (s *failingEvents) Create(ctx context.Context, ev *PaymentEvent) error {
	if s.failCreate > 0 {
		s.failCreate--
		return errStorageDown
	}
	return s.MemoryStore.Create(ctx, ev)
}

func TestTransientErrorIsReturned(t *testing.T) {
	ctx := context.Background()
	events := &failingEvents{MemoryStore: NewMemoryStore(), failCreate: 1}
	store := ledger.NewMemoryStore()
	r := NewReconciler(events, store, testCatalog(t), nil)

	_, err := r.Process(ctx, gatewayEvent("pay-t", 10, "99.00"), acceptAll)
	assert.ErrorIs(t, err, errStorageDown)

	res, err := r.Process(ctx, gatewayEvent("pay-t", 10, "99.00"), acceptAll)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, res.Event.Status)
}

func TestStuckEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.reconciler.Process(ctx, gatewayEvent("pay-ok", 10, "99.00"), acceptAll)
	require.NoError(t, err)

	stuck := gatewayEvent("pay-stuck", 10, "99.00")
	stuck.Status = StatusPending
	require.NoError(t, f.events.Create(ctx, stuck))

	list, err := f.reconciler.Stuck(ctx, -1)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "pay-stuck", list[0].ExternalID)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(StatusPending, StatusVerified))
	assert.True(t, CanTransition(StatusPending, StatusRejected))
	assert.True(t, CanTransition(StatusPending, StatusDuplicate))
	assert.True(t, CanTransition(StatusVerified, StatusApplied))
	assert.True(t, CanTransition(StatusVerified, StatusDuplicate))
	assert.False(t, CanTransition(StatusPending, StatusApplied))
	for _, terminal := range []Status{StatusApplied, StatusRejected, StatusDuplicate} {
		for _, to := range []Status{StatusPending, StatusVerified, StatusApplied, StatusRejected, StatusDuplicate} {
			assert.False(t, CanTransition(terminal, to), "%s → %s", terminal, to)
		}
	}
}
