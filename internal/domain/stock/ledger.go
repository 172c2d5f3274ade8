package stock

import (
	"context"

	"github.com/google/uuid"
)

// Ledger exposes the stock operations. Every operation appends exactly one
// movement and either fully applies or leaves no trace.
type Ledger struct {
	store Store
}

// NewLedger creates a Ledger backed by the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

func newMovement(productID string, kind Kind, delta int, before, after Balance, orderID, actor string) Movement {
	return Movement{
		ID:             uuid.New().String(),
		ProductID:      productID,
		Kind:           kind,
		Delta:          delta,
		OnHandBefore:   before.OnHand,
		OnHandAfter:    after.OnHand,
		ReservedBefore: before.Reserved,
		ReservedAfter:  after.Reserved,
		OrderID:        orderID,
		Actor:          actor,
	}
}

// Reserve places a soft hold of qty units for the order. On hand is not
// touched; availability is checked against on hand minus existing holds.
func (l *Ledger) Reserve(ctx context.Context, productID string, qty int, orderID, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, orderID, func(v View) (Movement, error) {
		if v.Available() < qty {
			return Movement{}, &InsufficientStockError{
				ProductID: productID,
				Requested: qty,
				Available: v.Available(),
			}
		}
		after := Balance{OnHand: v.OnHand, Reserved: v.Reserved + qty}
		return newMovement(productID, KindReservation, qty, v.Balance, after, orderID, actor), nil
	})
}

// Confirm converts an open reservation into an irreversible exit: on hand
// drops by qty and the hold is cleared. It requires an open reservation of at
// least qty for the order.
func (l *Ledger) Confirm(ctx context.Context, productID string, qty int, orderID, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, orderID, func(v View) (Movement, error) {
		if v.OpenReservation < qty {
			return Movement{}, &NoReservationError{
				ProductID: productID,
				OrderID:   orderID,
				Requested: qty,
				Open:      v.OpenReservation,
			}
		}
		after := Balance{OnHand: v.OnHand - qty, Reserved: v.Reserved - qty}
		return newMovement(productID, KindSaleExit, -qty, v.Balance, after, orderID, actor), nil
	})
}

// Release clears an open reservation without touching on hand, as if the
// hold had never been placed.
func (l *Ledger) Release(ctx context.Context, productID string, qty int, orderID, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, orderID, func(v View) (Movement, error) {
		if v.OpenReservation < qty {
			return Movement{}, &NoReservationError{
				ProductID: productID,
				OrderID:   orderID,
				Requested: qty,
				Open:      v.OpenReservation,
			}
		}
		after := Balance{OnHand: v.OnHand, Reserved: v.Reserved - qty}
		return newMovement(productID, KindReservationRelease, -qty, v.Balance, after, orderID, actor), nil
	})
}

// ReturnToStock puts physical goods back after a confirmed exit, for example
// when an order is cancelled after its stock already left the shelf.
func (l *Ledger) ReturnToStock(ctx context.Context, productID string, qty int, orderID, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, orderID, func(v View) (Movement, error) {
		after := Balance{OnHand: v.OnHand + qty, Reserved: v.Reserved}
		return newMovement(productID, KindReturnToStock, qty, v.Balance, after, orderID, actor), nil
	})
}

// Decrement exits qty units directly, bypassing reservation bookkeeping. Used
// by the pre-paid account holder path where no hold precedes the sale.
func (l *Ledger) Decrement(ctx context.Context, productID string, qty int, orderID, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, "", func(v View) (Movement, error) {
		if v.Available() < qty {
			return Movement{}, &InsufficientStockError{
				ProductID: productID,
				Requested: qty,
				Available: v.Available(),
			}
		}
		after := Balance{OnHand: v.OnHand - qty, Reserved: v.Reserved}
		return newMovement(productID, KindSaleExit, -qty, v.Balance, after, orderID, actor), nil
	})
}

// Increment records new goods arriving.
func (l *Ledger) Increment(ctx context.Context, productID string, qty int, actor string) (*Movement, error) {
	if qty <= 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, "", func(v View) (Movement, error) {
		after := Balance{OnHand: v.OnHand + qty, Reserved: v.Reserved}
		return newMovement(productID, KindEntry, qty, v.Balance, after, "", actor), nil
	})
}

// Adjust applies a signed manual correction to on hand. The resulting on hand
// may not go below the outstanding reservations.
func (l *Ledger) Adjust(ctx context.Context, productID string, delta int, actor string) (*Movement, error) {
	if delta == 0 {
		return nil, ErrInvalidQuantity
	}
	return l.store.Apply(ctx, productID, "", func(v View) (Movement, error) {
		if v.OnHand+delta < v.Reserved {
			return Movement{}, &InsufficientStockError{
				ProductID: productID,
				Requested: -delta,
				Available: v.Available(),
			}
		}
		after := Balance{OnHand: v.OnHand + delta, Reserved: v.Reserved}
		return newMovement(productID, KindAdjustment, delta, v.Balance, after, "", actor), nil
	})
}

// Balance returns the projected quantities for a product.
func (l *Ledger) Balance(ctx context.Context, productID string) (Balance, error) {
	return l.store.Balance(ctx, productID)
}

// Movements returns the full ledger for a product in append order.
func (l *Ledger) Movements(ctx context.Context, productID string) ([]Movement, error) {
	return l.store.Movements(ctx, productID)
}

// OpenReservation reports the outstanding reserved quantity the order holds
// on the product.
func (l *Ledger) OpenReservation(ctx context.Context, productID, orderID string) (int, error) {
	return l.store.OpenReservation(ctx, productID, orderID)
}

// HasConfirmedExit reports whether any physical stock left the shelf for the
// order. Cancellation uses this, not the order status, to decide between a
// release and a return to stock.
func (l *Ledger) HasConfirmedExit(ctx context.Context, orderID string) (bool, error) {
	return l.store.HasConfirmedExit(ctx, orderID)
}
