package stock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
)

// Sentinel errors for stock operations.
var (
	ErrInvalidQuantity = errors.New("quantity must be greater than 0")
	ErrProductNotFound = errors.New("product not found")
)

// InsufficientStockError indicates a reservation or exit would exceed the
// available quantity (on hand minus outstanding reservations).
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %s: requested %d, available %d",
		e.ProductID, e.Requested, e.Available)
}

// NoReservationError indicates an operation required an open reservation for
// the order that does not exist (or is smaller than requested).
type NoReservationError struct {
	ProductID string
	OrderID   string
	Requested int
	Open      int
}

func (e *NoReservationError) Error() string {
	return fmt.Sprintf("no open reservation of %d for product %s on order %s (open %d)",
		e.Requested, e.ProductID, e.OrderID, e.Open)
}

// Kind classifies a stock movement. The set is closed; replay depends on it.
type Kind string

const (
	KindEntry              Kind = "entry"
	KindSaleExit           Kind = "sale_exit"
	KindReservation        Kind = "reservation"
	KindReservationRelease Kind = "reservation_release"
	KindAdjustment         Kind = "adjustment"
	KindReturnToStock      Kind = "return_to_stock"
)

// Movement is one append-only ledger entry. Movements are never mutated or
// deleted; the product's cached quantities are a projection of them.
type Movement struct {
	ID             string
	ProductID      string
	Kind           Kind
	Delta          int // signed; sign convention is fixed per Kind
	OnHandBefore   int
	OnHandAfter    int
	ReservedBefore int
	ReservedAfter  int
	OrderID        string // empty when not caused by an order
	Actor          string
	CreatedAt      time.Time
}

// Balance is the projected stock state of a product.
type Balance struct {
	OnHand   int
	Reserved int
}

// Available is the quantity that can still be reserved or sold.
func (b Balance) Available() int { return b.OnHand - b.Reserved }

// View is the locked state handed to an apply callback: the current balance
// plus the open reservation for the order in question (zero when the
// operation is not order-scoped).
type View struct {
	Balance
	OpenReservation int
}

// ApplyFunc inspects the locked view and returns the single movement to
// append, or an error to abort with no effect.
type ApplyFunc func(v View) (Movement, error)

// Store persists movements and the product projection.
//
// Apply must lock the product row, call fn with the current view, then append
// the returned movement and update the projection, all inside one atomic unit
// of work. Two concurrent Apply calls on the same product serialize.
type Store interface {
	Apply(ctx context.Context, productID, orderID string, fn ApplyFunc) (*Movement, error)
	Balance(ctx context.Context, productID string) (Balance, error)
	Movements(ctx context.Context, productID string) ([]Movement, error)
	OpenReservation(ctx context.Context, productID, orderID string) (int, error)
	HasConfirmedExit(ctx context.Context, orderID string) (bool, error)
}

// Replay folds a product's movements, in order, into a Balance. The result
// must equal the stored projection; a mismatch means the projection drifted.
//
// A sale_exit that references an order with an open reservation consumes that
// reservation (a confirmed exit); a sale_exit without one is a direct sale.
func Replay(movements []Movement) Balance {
	var b Balance
	open := make(map[string]int)
	for _, m := range movements {
		switch m.Kind {
		case KindEntry, KindReturnToStock, KindAdjustment:
			b.OnHand += m.Delta
		case KindReservation:
			b.Reserved += m.Delta
			if m.OrderID != "" {
				open[m.OrderID] += m.Delta
			}
		case KindReservationRelease:
			b.Reserved += m.Delta // Delta is negative
			if m.OrderID != "" {
				open[m.OrderID] += m.Delta
			}
		case KindSaleExit:
			b.OnHand += m.Delta // Delta is negative
			if m.OrderID != "" && open[m.OrderID] > 0 {
				consumed := min(open[m.OrderID], -m.Delta)
				b.Reserved -= consumed
				open[m.OrderID] -= consumed
			}
		}
	}
	return b
}
