package webhook

import (
	"context"
	"time"

	"github.com/go-faster/errors"
)

var (
	ErrReceiptNotFound = errors.New("webhook receipt not found")
	ErrDuplicateEvent  = errors.New("webhook event already recorded")
)

// ReceiptStatus tracks what happened to a delivery after it was stored.
type ReceiptStatus string

const (
	// StatusReceived means the delivery is durably stored but not yet acted on.
	StatusReceived ReceiptStatus = "received"
	// StatusProcessing marks a delivery currently being applied.
	StatusProcessing ReceiptStatus = "processing"
	// StatusProcessed means the gateway's answer was folded into the intent.
	StatusProcessed ReceiptStatus = "processed"
	// StatusIgnored means the delivery was deliberately not applied:
	// bad signature, unknown payment, or a conflicting terminal state.
	StatusIgnored ReceiptStatus = "ignored"
	// StatusFailedRetry means a transient failure; the sweep retries it.
	StatusFailedRetry ReceiptStatus = "failed_retry"
)

// Receipt is the durable record of one webhook delivery. It is written
// before any processing so a crash can never lose a notification.
type Receipt struct {
	ID          string
	Gateway     string
	EventID     string
	PaymentID   string
	Payload     []byte
	Status      ReceiptStatus
	Reason      string
	Attempts    int
	NextRetryAt *time.Time
	ProcessedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Repository persists receipts. Create enforces uniqueness on
// (gateway, event id) and reports ErrDuplicateEvent for redeliveries.
type Repository interface {
	Create(ctx context.Context, r *Receipt) error
	Get(ctx context.Context, id string) (*Receipt, error)
	FindByEvent(ctx context.Context, gatewayName, eventID string) (*Receipt, error)
	Update(ctx context.Context, r *Receipt) error
	ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]Receipt, error)
}
