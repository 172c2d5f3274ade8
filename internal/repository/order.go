package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coopvida/poscore/internal/domain/order"
)

const (
	createOrderSQL = `INSERT INTO orders
	(id, customer_kind, account_holder_id, guest_name, guest_contact,
	 status, items, total, awaiting_payment, created_at)
	VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10)`

	orderColumns = `id, customer_kind, COALESCE(account_holder_id, ''), guest_name, guest_contact,
	 status, items, total, awaiting_payment, COALESCE(cancel_reason, ''),
	 created_at, confirmed_at, completed_at, cancelled_at`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderSQL = getOrderSQL + ` FOR UPDATE NOWAIT`

	updateOrderStatusSQL = `UPDATE orders SET status = $2, awaiting_payment = $3,
	 cancel_reason = NULLIF($4, ''), confirmed_at = $5, completed_at = $6, cancelled_at = $7
	WHERE id = $1`

	setAwaitingPaymentSQL = `UPDATE orders SET awaiting_payment = $2 WHERE id = $1`

	listStalePendingSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE status = 'pending' AND awaiting_payment = FALSE AND created_at < $1
	ORDER BY created_at LIMIT $2`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

// Create persists a new order. The item snapshots are serialized to JSON for
// storage in the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = queryEngine(ctx, r.pool).Exec(ctx, createOrderSQL,
		o.ID, o.CustomerKind, o.AccountHolderID, o.GuestName, o.GuestContact,
		o.Status, itemsJSON, o.Total, o.AwaitingPayment, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}

	return nil
}

func scanOrder(row pgx.Row) (*order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	err := row.Scan(&o.ID, &o.CustomerKind, &o.AccountHolderID, &o.GuestName, &o.GuestContact,
		&o.Status, &itemsJSON, &o.Total, &o.AwaitingPayment, &o.CancelReason,
		&o.CreatedAt, &o.ConfirmedAt, &o.CompletedAt, &o.CancelledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning order: %w", err)
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshaling order items: %w", err)
	}
	return &o, nil
}

// Get returns the order.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return scanOrder(queryEngine(ctx, r.pool).QueryRow(ctx, getOrderSQL, id))
}

// GetForUpdate returns the order with its row locked for the remainder of
// the ambient transaction.
func (r *OrderRepository) GetForUpdate(ctx context.Context, id string) (*order.Order, error) {
	o, err := scanOrder(queryEngine(ctx, r.pool).QueryRow(ctx, lockOrderSQL, id))
	if err != nil && !errors.Is(err, order.ErrNotFound) {
		return nil, mapLockErr(err)
	}
	return o, err
}

// UpdateStatus persists the order's status, reason and milestone timestamps.
func (r *OrderRepository) UpdateStatus(ctx context.Context, o *order.Order) error {
	_, err := queryEngine(ctx, r.pool).Exec(ctx, updateOrderStatusSQL,
		o.ID, o.Status, o.AwaitingPayment, o.CancelReason,
		o.ConfirmedAt, o.CompletedAt, o.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("updating order %q status: %w", o.ID, err)
	}
	return nil
}

// SetAwaitingPayment flips the awaiting-external-payment flag.
func (r *OrderRepository) SetAwaitingPayment(ctx context.Context, id string, awaiting bool) error {
	tag, err := queryEngine(ctx, r.pool).Exec(ctx, setAwaitingPaymentSQL, id, awaiting)
	if err != nil {
		return fmt.Errorf("setting awaiting payment on order %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

// ListStalePending returns orders idling in pending since before the cutoff.
// Orders mid-payment are skipped; the payment timeout sweep owns those.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]order.Order, error) {
	rows, err := queryEngine(ctx, r.pool).Query(ctx, listStalePendingSQL, before, limit)
	if err != nil {
		return nil, fmt.Errorf("listing stale pending orders: %w", err)
	}
	defer rows.Close()

	var orders []order.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
