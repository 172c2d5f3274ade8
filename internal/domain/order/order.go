package order

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for order validation.
var (
	ErrNotFound         = errors.New("order not found")
	ErrEmptyItems       = errors.New("items required")
	ErrCustomerRequired = errors.New("order requires exactly one of account holder or guest")
)

// InvalidTransitionError indicates a status change outside the transition
// table. It is raised before any mutation.
type InvalidTransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID string
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %s", e.ProductID)
}

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID string
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %s not found", e.ProductID)
}

// Status is the order lifecycle state. The set and the transition table are
// closed; every change goes through Service.Transition.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusConfirmed  Status = "confirmed"
	StatusPreparing  Status = "preparing"
	StatusReady      Status = "ready"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// transitions is the fixed table. Cancellation is reachable from every
// active status; completed and cancelled are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusPreparing, StatusCancelled},
	StatusPreparing:  {StatusReady, StatusCancelled},
	StatusReady:      {StatusCompleted, StatusCancelled},
	StatusCompleted:  {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition leaves s.
func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

// CanTransitionTo checks the transition table.
func (s Status) CanTransitionTo(target Status) bool {
	for _, t := range transitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// CustomerKind distinguishes the two purchase models.
type CustomerKind string

const (
	CustomerAccountHolder CustomerKind = "account_holder"
	CustomerGuest         CustomerKind = "guest"
)

// Item is an immutable line snapshot: product, quantity and the unit price
// captured at order time. Items are created with the order and never change.
type Item struct {
	ProductID string          `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// Subtotal is quantity times the captured unit price.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Order is one purchase transaction. Orders are mutated only through the
// state machine and are soft-retained for audit, never deleted.
type Order struct {
	ID              string
	CustomerKind    CustomerKind
	AccountHolderID string // set iff CustomerKind == CustomerAccountHolder
	GuestName       string // set iff CustomerKind == CustomerGuest
	GuestContact    string
	Status          Status
	Items           []Item
	Total           decimal.Decimal
	AwaitingPayment bool
	CancelReason    string
	CreatedAt       time.Time
	ConfirmedAt     *time.Time
	CompletedAt     *time.Time
	CancelledAt     *time.Time
}

// Repository defines persistence operations for orders. GetForUpdate must
// lock the order row for the remainder of the surrounding unit of work.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetForUpdate(ctx context.Context, id string) (*Order, error)
	UpdateStatus(ctx context.Context, o *Order) error
	SetAwaitingPayment(ctx context.Context, id string, awaiting bool) error
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]Order, error)
}
