package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coopvida/poscore/internal/domain/credit"
)

const (
	accountSQL = `SELECT a.id, a.name, a.status, a.blocked_by_debt, a.credit_limit, a.used_credit,
	 (SELECT COUNT(*) FROM invoices i
	  WHERE i.account_id = a.id AND i.paid_at IS NULL AND i.due_date < now())
	FROM account_holders a WHERE a.id = $1`

	lockAccountSQL = accountSQL + ` FOR UPDATE OF a NOWAIT`

	insertCreditTxSQL = `INSERT INTO credit_transactions
	(id, account_id, type, amount, order_id, invoice_id, description, created_at)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)`

	updateAccountProjectionSQL = `UPDATE account_holders
	SET blocked_by_debt = $2, credit_limit = $3, used_credit = $4 WHERE id = $1`

	listCreditTxSQL = `SELECT id, account_id, type, amount, COALESCE(order_id, ''),
	 COALESCE(invoice_id, ''), description, created_at
	FROM credit_transactions WHERE account_id = $1 ORDER BY created_at, id`

	// Debits are positive and restorations negative, so the sum is what the
	// order still owes the credit line.
	outstandingDebitSQL = `SELECT GREATEST(COALESCE(SUM(amount), 0), 0)
	FROM credit_transactions WHERE account_id = $1 AND order_id = $2`

	invoiceSQL = `SELECT id, account_id, amount, due_date, paid_at FROM invoices WHERE id = $1`

	// Conditional on paid_at so two concurrent settlements cannot both stamp
	// the invoice and restore credit twice.
	markInvoicePaidSQL = `UPDATE invoices SET paid_at = $2 WHERE id = $1 AND paid_at IS NULL`

	invoicePaidAtSQL = `SELECT paid_at FROM invoices WHERE id = $1`
)

var _ credit.Store = (*CreditStore)(nil)

// CreditStore implements credit.Store backed by PostgreSQL: an append-only
// credit_transactions table plus the projected account_holders row.
type CreditStore struct {
	pool *pgxpool.Pool
	txm  *TxManager
}

// NewCreditStore returns a CreditStore that uses the given pool.
func NewCreditStore(pool *pgxpool.Pool, txm *TxManager) *CreditStore {
	return &CreditStore{pool: pool, txm: txm}
}

func scanAccount(row pgx.Row) (*credit.Account, error) {
	var a credit.Account
	err := row.Scan(&a.ID, &a.Name, &a.Status, &a.BlockedByDebt,
		&a.CreditLimit, &a.UsedCredit, &a.OverdueInvoices)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning account holder: %w", err)
	}
	return &a, nil
}

// Get returns the projected account state.
func (s *CreditStore) Get(ctx context.Context, accountID string) (*credit.Account, error) {
	return scanAccount(queryEngine(ctx, s.pool).QueryRow(ctx, accountSQL, accountID))
}

// Apply locks the account row, runs fn, then appends the returned transaction
// and saves the mutated projection in the same unit of work.
func (s *CreditStore) Apply(ctx context.Context, accountID string, fn credit.ApplyFunc) (*credit.Transaction, error) {
	var applied *credit.Transaction
	err := s.txm.Do(ctx, func(ctx context.Context) error {
		q := queryEngine(ctx, s.pool)

		a, err := scanAccount(q.QueryRow(ctx, lockAccountSQL, accountID))
		if err != nil {
			if errors.Is(err, credit.ErrAccountNotFound) {
				return err
			}
			return fmt.Errorf("locking account %q: %w", accountID, mapLockErr(err))
		}

		tx, mutated, err := fn(*a)
		if err != nil {
			return err
		}
		tx.CreatedAt = time.Now()

		_, err = q.Exec(ctx, insertCreditTxSQL,
			tx.ID, tx.AccountID, tx.Type, tx.Amount,
			tx.OrderID, tx.InvoiceID, tx.Description, tx.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("appending credit transaction: %w", err)
		}

		_, err = q.Exec(ctx, updateAccountProjectionSQL,
			mutated.ID, mutated.BlockedByDebt, mutated.CreditLimit, mutated.UsedCredit,
		)
		if err != nil {
			return fmt.Errorf("updating account projection: %w", err)
		}

		applied = &tx
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Transactions returns the account's ledger in append order.
func (s *CreditStore) Transactions(ctx context.Context, accountID string) ([]credit.Transaction, error) {
	rows, err := queryEngine(ctx, s.pool).Query(ctx, listCreditTxSQL, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing credit transactions: %w", err)
	}
	defer rows.Close()

	var txs []credit.Transaction
	for rows.Next() {
		var tx credit.Transaction
		err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Type, &tx.Amount,
			&tx.OrderID, &tx.InvoiceID, &tx.Description, &tx.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning credit transaction: %w", err)
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// OutstandingDebit reports how much of the order's debit is still unreturned.
func (s *CreditStore) OutstandingDebit(ctx context.Context, accountID, orderID string) (decimal.Decimal, error) {
	var amount decimal.Decimal
	err := queryEngine(ctx, s.pool).QueryRow(ctx, outstandingDebitSQL, accountID, orderID).Scan(&amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("summing outstanding debit: %w", err)
	}
	return amount, nil
}

// Invoice returns the billing document.
func (s *CreditStore) Invoice(ctx context.Context, invoiceID string) (*credit.Invoice, error) {
	var inv credit.Invoice
	err := queryEngine(ctx, s.pool).QueryRow(ctx, invoiceSQL, invoiceID).
		Scan(&inv.ID, &inv.AccountID, &inv.Amount, &inv.DueDate, &inv.PaidAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, credit.ErrInvoiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading invoice %q: %w", invoiceID, err)
	}
	return &inv, nil
}

// MarkInvoicePaid stamps the invoice's payment time.
func (s *CreditStore) MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time) error {
	tag, err := queryEngine(ctx, s.pool).Exec(ctx, markInvoicePaidSQL, invoiceID, paidAt)
	if err != nil {
		return fmt.Errorf("marking invoice %q paid: %w", invoiceID, err)
	}
	if tag.RowsAffected() == 0 {
		var existing *time.Time
		err := queryEngine(ctx, s.pool).QueryRow(ctx, invoicePaidAtSQL, invoiceID).Scan(&existing)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return credit.ErrInvoiceNotFound
		case err != nil:
			return fmt.Errorf("checking invoice %q: %w", invoiceID, err)
		}
		return credit.ErrInvoicePaid
	}
	return nil
}
