package payment

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Sentinel errors for the intent lifecycle.
var (
	ErrIntentNotFound = errors.New("payment intent not found")
	ErrIntentOpen     = errors.New("order already has an open payment intent")
	ErrNoChange       = errors.New("intent already in the resulting status")
	ErrInvalidAmount  = errors.New("amount must be greater than 0")
)

// InvalidTransitionError indicates an intent status change outside the table.
type InvalidTransitionError struct {
	IntentID string
	From     Status
	To       Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for intent %s: %s -> %s", e.IntentID, e.From, e.To)
}

// Status is the intent lifecycle state. Approved, rejected and cancelled are
// terminal; error is recoverable.
type Status string

const (
	StatusCreated    Status = "created"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusError      Status = "error"
)

var transitions = map[Status][]Status{
	StatusCreated:    {StatusPending, StatusProcessing, StatusApproved, StatusRejected, StatusCancelled, StatusError},
	StatusPending:    {StatusProcessing, StatusApproved, StatusRejected, StatusCancelled, StatusError},
	StatusProcessing: {StatusApproved, StatusRejected, StatusCancelled, StatusError},
	StatusError:      {StatusPending, StatusProcessing, StatusApproved, StatusRejected, StatusCancelled},
	StatusApproved:   {},
	StatusRejected:   {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether s ends the intent's lifecycle.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
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

// Method is how the customer pays at the gateway.
type Method string

const (
	MethodPix    Method = "pix"
	MethodCredit Method = "credit"
	MethodDebit  Method = "debit"
)

// Valid reports whether m is a known method.
func (m Method) Valid() bool {
	switch m {
	case MethodPix, MethodCredit, MethodDebit:
		return true
	}
	return false
}

// Intent is one attempt to collect an order's payment via a gateway. An
// order may accumulate intents only as earlier ones reach a terminal
// non-approved state; at most one is ever non-terminal.
type Intent struct {
	ID         string
	OrderID    string
	Gateway    string
	Method     Method
	Amount     decimal.Decimal
	ExternalID string // provider-side payment id, set once the charge exists
	Status     Status
	Reason     string // approval/rejection metadata
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ApprovedAt *time.Time
	RejectedAt *time.Time
}

// Repository defines persistence for intents. GetForUpdate locks the intent
// row: webhook processing and the timeout sweep serialize on it.
type Repository interface {
	Create(ctx context.Context, i *Intent) error
	Get(ctx context.Context, id string) (*Intent, error)
	GetForUpdate(ctx context.Context, id string) (*Intent, error)
	FindByExternalID(ctx context.Context, gatewayName, externalID string) (*Intent, error)
	UpdateStatus(ctx context.Context, i *Intent) error
	SetExternalID(ctx context.Context, id, externalID string) error
	HasOpen(ctx context.Context, orderID string) (bool, error)
	ListByOrder(ctx context.Context, orderID string) ([]Intent, error)
	ListStale(ctx context.Context, before time.Time, limit int) ([]Intent, error)
}
