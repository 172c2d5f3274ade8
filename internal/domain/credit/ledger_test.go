package credit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/coopvida/poscore/internal/domain/txn"
)

// --- Mock store ---

type memStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	invoices map[string]Invoice
	txs      []Transaction
}

func newMemStore(accounts ...Account) *memStore {
	s := &memStore{
		accounts: make(map[string]Account, len(accounts)),
		invoices: make(map[string]Invoice),
	}
	for _, a := range accounts {
		s.accounts[a.ID] = a
	}
	return s
}

func (s *memStore) Get(_ context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return &a, nil
}

func (s *memStore) Apply(_ context.Context, id string, fn ApplyFunc) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrAccountNotFound
	}
	tx, updated, err := fn(a)
	if err != nil {
		return nil, err
	}
	s.txs = append(s.txs, tx)
	s.accounts[id] = updated
	return &tx, nil
}

func (s *memStore) Transactions(_ context.Context, id string) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, tx := range s.txs {
		if tx.AccountID == id {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *memStore) OutstandingDebit(_ context.Context, accountID, orderID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := decimal.Zero
	for _, tx := range s.txs {
		if tx.AccountID == accountID && tx.OrderID == orderID {
			sum = sum.Add(tx.Amount)
		}
	}
	if sum.IsNegative() {
		sum = decimal.Zero
	}
	return sum, nil
}

func (s *memStore) Invoice(_ context.Context, id string) (*Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	return &inv, nil
}

func (s *memStore) MarkInvoicePaid(_ context.Context, id string, paidAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.PaidAt != nil {
		return ErrInvoicePaid
	}
	inv.PaidAt = &paidAt
	s.invoices[id] = inv
	return nil
}

// --- Helpers ---

func activeAccount(id string, limit, used string) Account {
	return Account{
		ID:          id,
		Name:        "Test Holder",
		Status:      StatusActive,
		CreditLimit: decimal.RequireFromString(limit),
		UsedCredit:  decimal.RequireFromString(used),
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// --- Tests ---

func TestCanPurchase_InsufficientCredit(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "450"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())

	err := l.CanPurchase(context.Background(), "a1", dec("100"))

	var icErr *InsufficientCreditError
	require.ErrorAs(t, err, &icErr)
	assert.True(t, dec("50").Equal(icErr.Available))

	a, _ := l.Account(context.Background(), "a1")
	assert.True(t, dec("450").Equal(a.UsedCredit), "guard must not mutate")
}

func TestCanPurchase_Denials(t *testing.T) {
	suspended := activeAccount("a1", "500", "0")
	suspended.Status = StatusSuspended
	blocked := activeAccount("a2", "500", "0")
	blocked.BlockedByDebt = true
	overdue := activeAccount("a3", "500", "0")
	overdue.OverdueInvoices = 3

	l := NewLedger(newMemStore(suspended, blocked, overdue), txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	require.ErrorIs(t, l.CanPurchase(ctx, "a1", dec("10")), ErrAccountNotActive)
	require.ErrorIs(t, l.CanPurchase(ctx, "a2", dec("10")), ErrBlockedByDebt)
	require.ErrorIs(t, l.CanPurchase(ctx, "a3", dec("10")), ErrBlockedByDebt)

	// Crossing the threshold marks the block persistently.
	a, _ := l.Account(ctx, "a3")
	assert.True(t, a.BlockedByDebt)
}

func TestDebit_RevalidatesLimit(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "450"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	// Even without a preceding guard call the debit must hold the invariant.
	_, err := l.Debit(ctx, "a1", dec("100"), "o1")
	var icErr *InsufficientCreditError
	require.ErrorAs(t, err, &icErr)

	txs, _ := l.Transactions(ctx, "a1")
	assert.Empty(t, txs, "rejected debit appends nothing")

	_, err = l.Debit(ctx, "a1", dec("50"), "o2")
	require.NoError(t, err)

	a, _ := l.Account(ctx, "a1")
	assert.True(t, dec("500").Equal(a.UsedCredit))
}

func TestDebit_RejectsNonPositiveAmount(t *testing.T) {
	l := NewLedger(newMemStore(activeAccount("a1", "500", "0")), txn.Nop{}, 2, zap.NewNop())

	_, err := l.Debit(context.Background(), "a1", decimal.Zero, "o1")
	require.ErrorIs(t, err, ErrInvalidAmount)
}

func TestRestore_AfterCancelledOrder(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "0"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	_, err := l.Debit(ctx, "a1", dec("120"), "o1")
	require.NoError(t, err)
	_, err = l.Restore(ctx, "a1", dec("120"), "o1", "", "order o1 cancelled")
	require.NoError(t, err)

	a, _ := l.Account(ctx, "a1")
	assert.True(t, a.UsedCredit.IsZero())
}

func TestUsedCredit_EqualsReplay(t *testing.T) {
	store := newMemStore(activeAccount("a1", "1000", "0"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	_, err := l.Debit(ctx, "a1", dec("100"), "o1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "a1", dec("250.50"), "o2")
	require.NoError(t, err)
	_, err = l.Restore(ctx, "a1", dec("100"), "o1", "", "order o1 cancelled")
	require.NoError(t, err)
	_, err = l.AdjustLimit(ctx, "a1", dec("2000"), "admin")
	require.NoError(t, err)

	txs, err := l.Transactions(ctx, "a1")
	require.NoError(t, err)

	a, _ := l.Account(ctx, "a1")
	assert.True(t, a.UsedCredit.Equal(Replay(txs)), "projection must equal replay")
	assert.True(t, dec("250.50").Equal(a.UsedCredit))
	assert.True(t, dec("2000").Equal(a.CreditLimit))
}

func TestAdjustLimit_ZeroBalanceImpact(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "200"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	tx, err := l.AdjustLimit(ctx, "a1", dec("800"), "admin")
	require.NoError(t, err)
	assert.Equal(t, TxLimitChange, tx.Type)
	assert.True(t, tx.Amount.IsZero())

	a, _ := l.Account(ctx, "a1")
	assert.True(t, dec("200").Equal(a.UsedCredit))
	assert.True(t, dec("800").Equal(a.CreditLimit))
}

func TestBlock_DeniesPurchases(t *testing.T) {
	l := NewLedger(newMemStore(activeAccount("a1", "500", "0")), txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	_, err := l.Block(ctx, "a1", "admin")
	require.NoError(t, err)

	require.ErrorIs(t, l.CanPurchase(ctx, "a1", dec("10")), ErrBlockedByDebt)
}

func TestReactivate_ClearsBlock(t *testing.T) {
	blocked := activeAccount("a1", "500", "0")
	blocked.BlockedByDebt = true
	l := NewLedger(newMemStore(blocked), txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	_, err := l.Reactivate(ctx, "a1", "admin")
	require.NoError(t, err)

	require.NoError(t, l.CanPurchase(ctx, "a1", dec("10")))
}

func TestMarkInvoicePaid_RestoresCredit(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "300"))
	due := time.Now().Add(-48 * time.Hour)
	store.invoices["inv1"] = Invoice{ID: "inv1", AccountID: "a1", Amount: dec("300"), DueDate: due}
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	tx, err := l.MarkInvoicePaid(ctx, "inv1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, TxRestoration, tx.Type)

	a, _ := l.Account(ctx, "a1")
	assert.True(t, a.UsedCredit.IsZero())

	// Idempotence at the invoice level: a second payment is refused.
	_, err = l.MarkInvoicePaid(ctx, "inv1", time.Now())
	require.ErrorIs(t, err, ErrInvoicePaid)
}

// countingTxn records how many units of work were opened.
type countingTxn struct {
	calls int
}

func (c *countingTxn) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	c.calls++
	return fn(ctx)
}

func TestMarkInvoicePaid_SingleUnitOfWork(t *testing.T) {
	store := newMemStore(activeAccount("a1", "500", "300"))
	store.invoices["inv1"] = Invoice{ID: "inv1", AccountID: "a1", Amount: dec("300"), DueDate: time.Now()}
	tm := &countingTxn{}
	l := NewLedger(store, tm, 2, zap.NewNop())

	_, err := l.MarkInvoicePaid(context.Background(), "inv1", time.Now())
	require.NoError(t, err)

	// Stamp and restoration share one transaction boundary.
	assert.Equal(t, 1, tm.calls)
	require.NotNil(t, store.invoices["inv1"].PaidAt)
	txs, _ := store.Transactions(context.Background(), "a1")
	require.Len(t, txs, 1)
	assert.Equal(t, TxRestoration, txs[0].Type)
}

// staleInvoiceStore reports an invoice as unpaid even after it was stamped,
// the way a racing payer's snapshot would.
type staleInvoiceStore struct {
	*memStore
}

func (s *staleInvoiceStore) Invoice(ctx context.Context, id string) (*Invoice, error) {
	inv, err := s.memStore.Invoice(ctx, id)
	if err != nil {
		return nil, err
	}
	inv.PaidAt = nil
	return inv, nil
}

func TestMarkInvoicePaid_RacingPayRestoresOnce(t *testing.T) {
	mem := newMemStore(activeAccount("a1", "500", "300"))
	mem.invoices["inv1"] = Invoice{ID: "inv1", AccountID: "a1", Amount: dec("300"), DueDate: time.Now()}
	l := NewLedger(&staleInvoiceStore{memStore: mem}, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	_, err := l.MarkInvoicePaid(ctx, "inv1", time.Now())
	require.NoError(t, err)

	// The second settlement sees a stale unpaid snapshot; the conditional
	// stamp refuses it and no second restoration lands.
	_, err = l.MarkInvoicePaid(ctx, "inv1", time.Now())
	require.ErrorIs(t, err, ErrInvoicePaid)
	txs, _ := mem.Transactions(ctx, "a1")
	assert.Len(t, txs, 1)
}

// failingApplyStore rejects every mutation.
type failingApplyStore struct {
	*memStore
}

func (s *failingApplyStore) Apply(context.Context, string, ApplyFunc) (*Transaction, error) {
	return nil, errors.New("connection reset")
}

func TestCanPurchase_OverdueDenialSurvivesBlockFailure(t *testing.T) {
	a := activeAccount("a1", "500", "0")
	a.OverdueInvoices = 3
	core, logs := observer.New(zap.WarnLevel)
	l := NewLedger(&failingApplyStore{memStore: newMemStore(a)}, txn.Nop{}, 2, zap.New(core))

	err := l.CanPurchase(context.Background(), "a1", dec("10"))
	require.ErrorIs(t, err, ErrBlockedByDebt)
	assert.Equal(t, 1, logs.FilterMessage("persisting debt block failed").Len())
}

func TestConcurrentDebits_NeverExceedLimit(t *testing.T) {
	store := newMemStore(activeAccount("a1", "100", "0"))
	l := NewLedger(store, txn.Nop{}, 2, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = l.Debit(ctx, "a1", dec("10"), "o")
		}()
	}
	wg.Wait()

	a, _ := l.Account(ctx, "a1")
	assert.True(t, a.UsedCredit.LessThanOrEqual(a.CreditLimit))
	txs, _ := l.Transactions(ctx, "a1")
	assert.True(t, a.UsedCredit.Equal(Replay(txs)))
}
