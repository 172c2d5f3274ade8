package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coopvida/poscore/internal/domain/webhook"
)

const (
	createReceiptSQL = `INSERT INTO webhook_receipts
	(id, gateway, event_id, payment_id, payload, status, reason, attempts,
	 next_retry_at, processed_at, created_at, updated_at)
	VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, $9, $10, $11, $12)`

	receiptColumns = `id, gateway, event_id, COALESCE(payment_id, ''), payload,
	 status, COALESCE(reason, ''), attempts, next_retry_at, processed_at, created_at, updated_at`

	getReceiptSQL = `SELECT ` + receiptColumns + ` FROM webhook_receipts WHERE id = $1`

	findReceiptByEventSQL = `SELECT ` + receiptColumns + ` FROM webhook_receipts
	WHERE gateway = $1 AND event_id = $2`

	updateReceiptSQL = `UPDATE webhook_receipts
	SET status = $2, reason = NULLIF($3, ''), attempts = $4,
	 next_retry_at = $5, processed_at = $6, updated_at = $7
	WHERE id = $1`

	listDueReceiptsSQL = `SELECT ` + receiptColumns + ` FROM webhook_receipts
	WHERE status = 'failed_retry' AND next_retry_at <= $1
	ORDER BY next_retry_at LIMIT $2`
)

var _ webhook.Repository = (*ReceiptRepository)(nil)

// ReceiptRepository implements webhook.Repository backed by PostgreSQL. A
// unique index on (gateway, event_id) makes redeliveries collide on insert.
type ReceiptRepository struct {
	pool *pgxpool.Pool
}

// NewReceiptRepository returns a ReceiptRepository that uses the given pool.
func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// Create persists the delivery. A redelivered event surfaces as
// webhook.ErrDuplicateEvent.
func (r *ReceiptRepository) Create(ctx context.Context, rec *webhook.Receipt) error {
	_, err := queryEngine(ctx, r.pool).Exec(ctx, createReceiptSQL,
		rec.ID, rec.Gateway, rec.EventID, rec.PaymentID, rec.Payload,
		rec.Status, rec.Reason, rec.Attempts,
		rec.NextRetryAt, rec.ProcessedAt, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		if pgErrCode(err) == pgCodeUniqueViolation {
			return webhook.ErrDuplicateEvent
		}
		return fmt.Errorf("storing webhook receipt %q: %w", rec.ID, err)
	}
	return nil
}

func scanReceipt(row pgx.Row) (*webhook.Receipt, error) {
	var rec webhook.Receipt
	err := row.Scan(&rec.ID, &rec.Gateway, &rec.EventID, &rec.PaymentID, &rec.Payload,
		&rec.Status, &rec.Reason, &rec.Attempts,
		&rec.NextRetryAt, &rec.ProcessedAt, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, webhook.ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning webhook receipt: %w", err)
	}
	return &rec, nil
}

// Get returns the receipt.
func (r *ReceiptRepository) Get(ctx context.Context, id string) (*webhook.Receipt, error) {
	return scanReceipt(queryEngine(ctx, r.pool).QueryRow(ctx, getReceiptSQL, id))
}

// FindByEvent returns the receipt recorded for the gateway's event id.
func (r *ReceiptRepository) FindByEvent(ctx context.Context, gatewayName, eventID string) (*webhook.Receipt, error) {
	return scanReceipt(queryEngine(ctx, r.pool).QueryRow(ctx, findReceiptByEventSQL, gatewayName, eventID))
}

// Update persists the receipt's processing outcome.
func (r *ReceiptRepository) Update(ctx context.Context, rec *webhook.Receipt) error {
	_, err := queryEngine(ctx, r.pool).Exec(ctx, updateReceiptSQL,
		rec.ID, rec.Status, rec.Reason, rec.Attempts,
		rec.NextRetryAt, rec.ProcessedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating webhook receipt %q: %w", rec.ID, err)
	}
	return nil
}

// ListDueForRetry returns failed receipts whose backoff has elapsed.
func (r *ReceiptRepository) ListDueForRetry(ctx context.Context, now time.Time, limit int) ([]webhook.Receipt, error) {
	rows, err := queryEngine(ctx, r.pool).Query(ctx, listDueReceiptsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing receipts due for retry: %w", err)
	}
	defer rows.Close()

	var receipts []webhook.Receipt
	for rows.Next() {
		rec, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, *rec)
	}
	return receipts, rows.Err()
}
