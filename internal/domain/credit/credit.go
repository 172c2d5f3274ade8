package credit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for the purchase guard and ledger operations.
var (
	ErrAccountNotFound  = errors.New("account holder not found")
	ErrAccountNotActive = errors.New("account holder is not active")
	ErrBlockedByDebt    = errors.New("account holder is blocked by debt")
	ErrInvalidAmount    = errors.New("amount must be greater than 0")
	ErrInvoiceNotFound  = errors.New("invoice not found")
	ErrInvoicePaid      = errors.New("invoice already paid")
)

// InsufficientCreditError indicates a debit would push used credit past the
// account's limit.
type InsufficientCreditError struct {
	AccountID string
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditError) Error() string {
	return fmt.Sprintf("insufficient credit for account %s: requested %s, available %s",
		e.AccountID, e.Requested, e.Available)
}

// Status is the administrative state of an account holder.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusInactive  Status = "inactive"
)

// TxType classifies a credit transaction. The set is closed.
type TxType string

const (
	TxDebit       TxType = "debit"
	TxCredit      TxType = "credit"
	TxRestoration TxType = "restoration"
	TxLimitChange TxType = "limit_change"
)

// Transaction is one append-only ledger entry for an account holder.
// limit_change rows carry a zero amount; the new limit is recorded in the
// description and applied to the account row.
type Transaction struct {
	ID          string
	AccountID   string
	Type        TxType
	Amount      decimal.Decimal // signed effect on used credit
	OrderID     string          // empty when not caused by an order
	InvoiceID   string          // empty when not caused by an invoice
	Description string
	CreatedAt   time.Time
}

// Account is the projected credit state of an account holder.
type Account struct {
	ID              string
	Name            string
	Status          Status
	BlockedByDebt   bool
	CreditLimit     decimal.Decimal
	UsedCredit      decimal.Decimal
	OverdueInvoices int
}

// Available is the credit still open for purchases.
func (a Account) Available() decimal.Decimal {
	return a.CreditLimit.Sub(a.UsedCredit)
}

// Invoice is the minimal billing view the engine needs: enough to restore
// credit on payment and to count overdue documents for the purchase guard.
type Invoice struct {
	ID        string
	AccountID string
	Amount    decimal.Decimal
	DueDate   time.Time
	PaidAt    *time.Time
}

// Overdue reports whether the invoice is unpaid past its due date.
func (i Invoice) Overdue(now time.Time) bool {
	return i.PaidAt == nil && now.After(i.DueDate)
}

// ApplyFunc inspects the locked account and returns the transaction to
// append plus the account mutation, or an error to abort with no effect.
type ApplyFunc func(a Account) (Transaction, Account, error)

// Store persists credit transactions and the account projection.
//
// Apply must lock the account row, call fn, then append the returned
// transaction and save the mutated account inside one atomic unit of work.
type Store interface {
	Get(ctx context.Context, accountID string) (*Account, error)
	Apply(ctx context.Context, accountID string, fn ApplyFunc) (*Transaction, error)
	Transactions(ctx context.Context, accountID string) ([]Transaction, error)
	OutstandingDebit(ctx context.Context, accountID, orderID string) (decimal.Decimal, error)
	Invoice(ctx context.Context, invoiceID string) (*Invoice, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time) error
}

// Replay folds an account's transactions into the used credit figure. The
// result must equal the stored projection.
func Replay(txs []Transaction) decimal.Decimal {
	used := decimal.Zero
	for _, tx := range txs {
		used = used.Add(tx.Amount)
	}
	return used
}
