package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coopvida/poscore/internal/domain/stock"
)

const (
	lockStockSQL = `SELECT on_hand, reserved FROM products WHERE id = $1 FOR UPDATE NOWAIT`

	stockBalanceSQL = `SELECT on_hand, reserved FROM products WHERE id = $1`

	insertMovementSQL = `INSERT INTO stock_movements
	(id, product_id, kind, delta, on_hand_before, on_hand_after,
	 reserved_before, reserved_after, order_id, actor, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11)`

	updateStockProjectionSQL = `UPDATE products SET on_hand = $2, reserved = $3 WHERE id = $1`

	listMovementsSQL = `SELECT id, product_id, kind, delta, on_hand_before, on_hand_after,
	 reserved_before, reserved_after, COALESCE(order_id, ''), actor, created_at
	FROM stock_movements WHERE product_id = $1 ORDER BY created_at, id`

	// Reservation and release deltas cancel out; a sale_exit consumes the
	// remainder. Clamped at zero for orders that only ever exited directly.
	openReservationSQL = `SELECT GREATEST(COALESCE(SUM(delta), 0), 0)
	FROM stock_movements
	WHERE product_id = $1 AND order_id = $2
	  AND kind IN ('reservation', 'reservation_release', 'sale_exit')`

	hasConfirmedExitSQL = `SELECT EXISTS (
	SELECT 1 FROM stock_movements WHERE order_id = $1 AND kind = 'sale_exit')`
)

var _ stock.Store = (*StockStore)(nil)

// StockStore implements stock.Store backed by PostgreSQL: an append-only
// stock_movements table plus projected quantities on the products row.
type StockStore struct {
	pool *pgxpool.Pool
	txm  *TxManager
}

// NewStockStore returns a StockStore that uses the given pool.
func NewStockStore(pool *pgxpool.Pool, txm *TxManager) *StockStore {
	return &StockStore{pool: pool, txm: txm}
}

// Apply locks the product row, runs fn against the current view, then
// appends the returned movement and updates the projection. The whole
// sequence joins the ambient transaction or runs in its own.
func (s *StockStore) Apply(ctx context.Context, productID, orderID string, fn stock.ApplyFunc) (*stock.Movement, error) {
	var applied *stock.Movement
	err := s.txm.Do(ctx, func(ctx context.Context) error {
		q := queryEngine(ctx, s.pool)

		var v stock.View
		err := q.QueryRow(ctx, lockStockSQL, productID).Scan(&v.OnHand, &v.Reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return stock.ErrProductNotFound
		}
		if err != nil {
			return fmt.Errorf("locking stock for product %q: %w", productID, mapLockErr(err))
		}

		if orderID != "" {
			err = q.QueryRow(ctx, openReservationSQL, productID, orderID).Scan(&v.OpenReservation)
			if err != nil {
				return fmt.Errorf("summing open reservation: %w", err)
			}
		}

		m, err := fn(v)
		if err != nil {
			return err
		}
		m.CreatedAt = time.Now()

		_, err = q.Exec(ctx, insertMovementSQL,
			m.ID, m.ProductID, m.Kind, m.Delta,
			m.OnHandBefore, m.OnHandAfter, m.ReservedBefore, m.ReservedAfter,
			m.OrderID, m.Actor, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("appending stock movement: %w", err)
		}

		_, err = q.Exec(ctx, updateStockProjectionSQL, m.ProductID, m.OnHandAfter, m.ReservedAfter)
		if err != nil {
			return fmt.Errorf("updating stock projection: %w", err)
		}

		applied = &m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return applied, nil
}

// Balance returns the projected quantities for a product.
func (s *StockStore) Balance(ctx context.Context, productID string) (stock.Balance, error) {
	var b stock.Balance
	err := queryEngine(ctx, s.pool).QueryRow(ctx, stockBalanceSQL, productID).Scan(&b.OnHand, &b.Reserved)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, stock.ErrProductNotFound
	}
	if err != nil {
		return b, fmt.Errorf("reading stock balance for product %q: %w", productID, err)
	}
	return b, nil
}

// Movements returns the product's ledger in append order.
func (s *StockStore) Movements(ctx context.Context, productID string) ([]stock.Movement, error) {
	rows, err := queryEngine(ctx, s.pool).Query(ctx, listMovementsSQL, productID)
	if err != nil {
		return nil, fmt.Errorf("listing stock movements: %w", err)
	}
	defer rows.Close()

	var movements []stock.Movement
	for rows.Next() {
		var m stock.Movement
		err := rows.Scan(&m.ID, &m.ProductID, &m.Kind, &m.Delta,
			&m.OnHandBefore, &m.OnHandAfter, &m.ReservedBefore, &m.ReservedAfter,
			&m.OrderID, &m.Actor, &m.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("scanning stock movement: %w", err)
		}
		movements = append(movements, m)
	}
	return movements, rows.Err()
}

// OpenReservation reports the outstanding hold the order has on the product.
func (s *StockStore) OpenReservation(ctx context.Context, productID, orderID string) (int, error) {
	var open int
	err := queryEngine(ctx, s.pool).QueryRow(ctx, openReservationSQL, productID, orderID).Scan(&open)
	if err != nil {
		return 0, fmt.Errorf("summing open reservation: %w", err)
	}
	return open, nil
}

// HasConfirmedExit reports whether any sale exit was recorded for the order.
func (s *StockStore) HasConfirmedExit(ctx context.Context, orderID string) (bool, error) {
	var exists bool
	err := queryEngine(ctx, s.pool).QueryRow(ctx, hasConfirmedExitSQL, orderID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking confirmed exit for order %q: %w", orderID, err)
	}
	return exists, nil
}
