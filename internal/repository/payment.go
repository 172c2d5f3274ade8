package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coopvida/poscore/internal/domain/payment"
)

const (
	createIntentSQL = `INSERT INTO payment_intents
	(id, order_id, gateway, method, amount, external_id, status, reason, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9, $10)`

	intentColumns = `id, order_id, gateway, method, amount, COALESCE(external_id, ''),
	 status, COALESCE(reason, ''), created_at, updated_at, approved_at, rejected_at`

	getIntentSQL = `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`

	lockIntentSQL = getIntentSQL + ` FOR UPDATE NOWAIT`

	findIntentByExternalSQL = `SELECT ` + intentColumns + ` FROM payment_intents
	WHERE gateway = $1 AND external_id = $2
	ORDER BY created_at DESC LIMIT 1`

	updateIntentStatusSQL = `UPDATE payment_intents
	SET status = $2, reason = NULLIF($3, ''), updated_at = $4, approved_at = $5, rejected_at = $6
	WHERE id = $1`

	setIntentExternalIDSQL = `UPDATE payment_intents SET external_id = $2, updated_at = now() WHERE id = $1`

	hasOpenIntentSQL = `SELECT EXISTS (
	SELECT 1 FROM payment_intents
	WHERE order_id = $1 AND status NOT IN ('approved', 'rejected', 'cancelled'))`

	listIntentsByOrderSQL = `SELECT ` + intentColumns + ` FROM payment_intents
	WHERE order_id = $1 ORDER BY created_at, id`

	listStaleIntentsSQL = `SELECT ` + intentColumns + ` FROM payment_intents
	WHERE status NOT IN ('approved', 'rejected', 'cancelled') AND created_at < $1
	ORDER BY created_at LIMIT $2`
)

var _ payment.Repository = (*IntentRepository)(nil)

// IntentRepository implements payment.Repository backed by PostgreSQL. A
// partial unique index on open intents backs the one-open-intent-per-order
// rule even under concurrent creates.
type IntentRepository struct {
	pool *pgxpool.Pool
}

// NewIntentRepository returns an IntentRepository that uses the given pool.
func NewIntentRepository(pool *pgxpool.Pool) *IntentRepository {
	return &IntentRepository{pool: pool}
}

// Create persists a new intent. A concurrent open intent on the same order
// surfaces as payment.ErrIntentOpen.
func (r *IntentRepository) Create(ctx context.Context, i *payment.Intent) error {
	_, err := queryEngine(ctx, r.pool).Exec(ctx, createIntentSQL,
		i.ID, i.OrderID, i.Gateway, i.Method, i.Amount, i.ExternalID,
		i.Status, i.Reason, i.CreatedAt, i.UpdatedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgCodeUniqueViolation {
			return payment.ErrIntentOpen
		}
		return fmt.Errorf("creating payment intent %q: %w", i.ID, err)
	}
	return nil
}

func scanIntent(row pgx.Row) (*payment.Intent, error) {
	var i payment.Intent
	err := row.Scan(&i.ID, &i.OrderID, &i.Gateway, &i.Method, &i.Amount, &i.ExternalID,
		&i.Status, &i.Reason, &i.CreatedAt, &i.UpdatedAt, &i.ApprovedAt, &i.RejectedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, payment.ErrIntentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payment intent: %w", err)
	}
	return &i, nil
}

// Get returns the intent.
func (r *IntentRepository) Get(ctx context.Context, id string) (*payment.Intent, error) {
	return scanIntent(queryEngine(ctx, r.pool).QueryRow(ctx, getIntentSQL, id))
}

// GetForUpdate returns the intent with its row locked for the remainder of
// the ambient transaction.
func (r *IntentRepository) GetForUpdate(ctx context.Context, id string) (*payment.Intent, error) {
	i, err := scanIntent(queryEngine(ctx, r.pool).QueryRow(ctx, lockIntentSQL, id))
	if err != nil && !errors.Is(err, payment.ErrIntentNotFound) {
		return nil, mapLockErr(err)
	}
	return i, err
}

// FindByExternalID resolves an intent from a provider-side payment id.
func (r *IntentRepository) FindByExternalID(ctx context.Context, gatewayName, externalID string) (*payment.Intent, error) {
	return scanIntent(queryEngine(ctx, r.pool).QueryRow(ctx, findIntentByExternalSQL, gatewayName, externalID))
}

// UpdateStatus persists the intent's status, reason and timestamps.
func (r *IntentRepository) UpdateStatus(ctx context.Context, i *payment.Intent) error {
	_, err := queryEngine(ctx, r.pool).Exec(ctx, updateIntentStatusSQL,
		i.ID, i.Status, i.Reason, i.UpdatedAt, i.ApprovedAt, i.RejectedAt,
	)
	if err != nil {
		return fmt.Errorf("updating payment intent %q: %w", i.ID, err)
	}
	return nil
}

// SetExternalID records the provider-side payment id.
func (r *IntentRepository) SetExternalID(ctx context.Context, id, externalID string) error {
	tag, err := queryEngine(ctx, r.pool).Exec(ctx, setIntentExternalIDSQL, id, externalID)
	if err != nil {
		return fmt.Errorf("setting external id on intent %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrIntentNotFound
	}
	return nil
}

// HasOpen reports whether the order has a non-terminal intent.
func (r *IntentRepository) HasOpen(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := queryEngine(ctx, r.pool).QueryRow(ctx, hasOpenIntentSQL, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking open intent for order %q: %w", orderID, err)
	}
	return exists, nil
}

// ListByOrder returns the order's payment attempts in creation order.
func (r *IntentRepository) ListByOrder(ctx context.Context, orderID string) ([]payment.Intent, error) {
	return r.list(ctx, listIntentsByOrderSQL, orderID)
}

// ListStale returns non-terminal intents created before the cutoff.
func (r *IntentRepository) ListStale(ctx context.Context, before time.Time, limit int) ([]payment.Intent, error) {
	return r.list(ctx, listStaleIntentsSQL, before, limit)
}

func (r *IntentRepository) list(ctx context.Context, sql string, args ...any) ([]payment.Intent, error) {
	rows, err := queryEngine(ctx, r.pool).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing payment intents: %w", err)
	}
	defer rows.Close()

	var intents []payment.Intent
	for rows.Next() {
		i, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *i)
	}
	return intents, rows.Err()
}
