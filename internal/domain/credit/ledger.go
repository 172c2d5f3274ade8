package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/txn"
)

// Ledger enforces the purchase guard and applies credit mutations. Every
// mutation appends exactly one transaction.
type Ledger struct {
	store      Store
	tx         txn.Manager
	maxOverdue int
	lg         *zap.Logger
}

// NewLedger creates a credit Ledger. maxOverdue is the overdue-invoice count
// at which an account becomes blocked by debt.
func NewLedger(store Store, tx txn.Manager, maxOverdue int, lg *zap.Logger) *Ledger {
	return &Ledger{store: store, tx: tx, maxOverdue: maxOverdue, lg: lg.Named("credit")}
}

// CanPurchase is the guard evaluated before an order commits. It returns nil
// when the account may spend amount, or a typed denial. Crossing the overdue
// threshold marks the account blocked by debt as a side effect; unblocking is
// only done through Reactivate.
func (l *Ledger) CanPurchase(ctx context.Context, accountID string, amount decimal.Decimal) error {
	a, err := l.store.Get(ctx, accountID)
	if err != nil {
		return err
	}
	if a.Status != StatusActive {
		return ErrAccountNotActive
	}
	if a.BlockedByDebt {
		return ErrBlockedByDebt
	}
	if a.OverdueInvoices >= l.maxOverdue {
		// Mark the block so later checks fail fast even if the overdue
		// count changes. Best effort: the denial stands regardless.
		_, err := l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
			a.BlockedByDebt = true
			return newTransaction(accountID, TxLimitChange, decimal.Zero, "", "",
				fmt.Sprintf("blocked by debt: %d overdue invoices", a.OverdueInvoices)), a, nil
		})
		if err != nil {
			l.lg.Warn("persisting debt block failed",
				zap.String("account_id", accountID), zap.Error(err))
		}
		return ErrBlockedByDebt
	}
	if amount.GreaterThan(a.Available()) {
		return &InsufficientCreditError{
			AccountID: accountID,
			Requested: amount,
			Available: a.Available(),
		}
	}
	return nil
}

func newTransaction(accountID string, typ TxType, amount decimal.Decimal, orderID, invoiceID, description string) Transaction {
	return Transaction{
		ID:          uuid.New().String(),
		AccountID:   accountID,
		Type:        typ,
		Amount:      amount,
		OrderID:     orderID,
		InvoiceID:   invoiceID,
		Description: description,
	}
}

// Debit consumes credit for an order. Callers run CanPurchase first; the
// limit is re-validated here inside the same atomic unit as the append, so a
// racing debit cannot push used credit past the limit.
func (l *Ledger) Debit(ctx context.Context, accountID string, amount decimal.Decimal, orderID string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
		if a.Status != StatusActive {
			return Transaction{}, a, ErrAccountNotActive
		}
		if a.BlockedByDebt {
			return Transaction{}, a, ErrBlockedByDebt
		}
		if amount.GreaterThan(a.Available()) {
			return Transaction{}, a, &InsufficientCreditError{
				AccountID: accountID,
				Requested: amount,
				Available: a.Available(),
			}
		}
		a.UsedCredit = a.UsedCredit.Add(amount)
		return newTransaction(accountID, TxDebit, amount, orderID, "",
			fmt.Sprintf("purchase on order %s", orderID)), a, nil
	})
}

// Restore gives credit back after a cancelled pre-debited order or a paid
// invoice covering earlier debits.
func (l *Ledger) Restore(ctx context.Context, accountID string, amount decimal.Decimal, orderID, invoiceID, reason string) (*Transaction, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
		a.UsedCredit = a.UsedCredit.Sub(amount)
		return newTransaction(accountID, TxRestoration, amount.Neg(), orderID, invoiceID, reason), a, nil
	})
}

// AdjustLimit is the administrative limit override. The transaction carries a
// zero balance impact; the new limit lands on the account row.
func (l *Ledger) AdjustLimit(ctx context.Context, accountID string, newLimit decimal.Decimal, actor string) (*Transaction, error) {
	if newLimit.IsNegative() {
		return nil, ErrInvalidAmount
	}
	return l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
		old := a.CreditLimit
		a.CreditLimit = newLimit
		return newTransaction(accountID, TxLimitChange, decimal.Zero, "", "",
			fmt.Sprintf("limit changed from %s to %s by %s", old, newLimit, actor)), a, nil
	})
}

// Block sets the blocked-by-debt mark by hand, ahead of the automatic
// overdue threshold.
func (l *Ledger) Block(ctx context.Context, accountID, actor string) (*Transaction, error) {
	return l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
		a.BlockedByDebt = true
		return newTransaction(accountID, TxLimitChange, decimal.Zero, "", "",
			fmt.Sprintf("blocked by %s", actor)), a, nil
	})
}

// Reactivate clears the blocked-by-debt mark. It is an explicit operation;
// paying invoices alone never unblocks an account.
func (l *Ledger) Reactivate(ctx context.Context, accountID, actor string) (*Transaction, error) {
	return l.store.Apply(ctx, accountID, func(a Account) (Transaction, Account, error) {
		a.BlockedByDebt = false
		return newTransaction(accountID, TxLimitChange, decimal.Zero, "", "",
			fmt.Sprintf("reactivated by %s", actor)), a, nil
	})
}

// MarkInvoicePaid settles an invoice and restores the credit it covered, in
// one unit of work.
func (l *Ledger) MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time) (*Transaction, error) {
	var result *Transaction
	err := l.tx.Do(ctx, func(ctx context.Context) error {
		inv, err := l.store.Invoice(ctx, invoiceID)
		if err != nil {
			return err
		}
		if inv.PaidAt != nil {
			return ErrInvoicePaid
		}
		if err := l.store.MarkInvoicePaid(ctx, invoiceID, paidAt); err != nil {
			return err
		}
		result, err = l.Restore(ctx, inv.AccountID, inv.Amount, "", invoiceID,
			fmt.Sprintf("invoice %s paid", invoiceID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// OutstandingDebit is the net amount still debited against an order: debits
// minus restorations. Cancellation restores exactly this, so replayed or
// repeated cancellations cannot restore twice.
func (l *Ledger) OutstandingDebit(ctx context.Context, accountID, orderID string) (decimal.Decimal, error) {
	return l.store.OutstandingDebit(ctx, accountID, orderID)
}

// Account returns the projected credit state.
func (l *Ledger) Account(ctx context.Context, accountID string) (*Account, error) {
	return l.store.Get(ctx, accountID)
}

// Transactions returns the full ledger for an account in append order.
func (l *Ledger) Transactions(ctx context.Context, accountID string) ([]Transaction, error) {
	return l.store.Transactions(ctx, accountID)
}
