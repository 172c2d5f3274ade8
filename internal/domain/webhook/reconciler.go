package webhook

import (
	"context"
	"net/http"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/gateway"
)

// IntentEngine is the slice of the payment service the reconciler drives.
type IntentEngine interface {
	FindByExternalID(ctx context.Context, gatewayName, externalID string) (*payment.Intent, error)
	ApplyGatewayStatus(ctx context.Context, intentID string, status gateway.Status, reason string) (*payment.Intent, error)
}

// GatewayRegistry resolves gateway clients by name.
type GatewayRegistry interface {
	Get(name string) (gateway.Client, error)
}

// Reconciler turns gateway webhook deliveries into intent state. Deliveries
// are stored before anything else; the payload is treated as a hint and the
// gateway's query API as the truth. Transient failures park the receipt in
// failed_retry with exponential backoff.
type Reconciler struct {
	receipts    Repository
	intents     IntentEngine
	gateways    GatewayRegistry
	seen        *bloom.BloomFilter
	maxAttempts int
	baseBackoff time.Duration
	lg          *zap.Logger
}

func NewReconciler(receipts Repository, intents IntentEngine, gateways GatewayRegistry, maxAttempts int, baseBackoff time.Duration, lg *zap.Logger) *Reconciler {
	return &Reconciler{
		receipts: receipts,
		intents:  intents,
		gateways: gateways,
		// Sized for a day of deliveries; only ever used as a definite-no
		// fast path, a false positive just costs one lookup.
		seen:        bloom.NewWithEstimates(1_000_000, 0.01),
		maxAttempts: maxAttempts,
		baseBackoff: baseBackoff,
		lg:          lg.Named("webhook"),
	}
}

// Ingest stores and processes one delivery. It only errors for an unknown
// gateway name; every other outcome, including invalid signatures and
// processing failures, is absorbed into the receipt so the caller can
// acknowledge the delivery outward.
func (r *Reconciler) Ingest(ctx context.Context, gatewayName string, payload []byte, header http.Header) (*Receipt, error) {
	ctx, span := otel.Tracer("poscore/webhook").Start(ctx, "Reconciler.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("gateway", gatewayName))

	gw, err := r.gateways.Get(gatewayName)
	if err != nil {
		return nil, err
	}

	note, parseErr := gw.ParseNotification(payload)
	eventID := uuid.NewString()
	paymentID := ""
	if note != nil {
		if note.EventID != "" {
			eventID = note.EventID
		}
		paymentID = note.PaymentID
	}

	if existing := r.lookupExisting(ctx, gatewayName, eventID); existing != nil {
		r.lg.Debug("duplicate webhook delivery",
			zap.String("gateway", gatewayName),
			zap.String("event_id", eventID),
			zap.String("status", string(existing.Status)),
		)
		return existing, nil
	}

	now := time.Now()
	rec := &Receipt{
		ID:        uuid.NewString(),
		Gateway:   gatewayName,
		EventID:   eventID,
		PaymentID: paymentID,
		Payload:   payload,
		Status:    StatusReceived,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.receipts.Create(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateEvent) {
			if existing, ferr := r.receipts.FindByEvent(ctx, gatewayName, eventID); ferr == nil {
				return existing, nil
			}
		}
		return nil, errors.Wrap(err, "store webhook receipt")
	}
	r.seen.AddString(dedupKey(gatewayName, eventID))

	// Signature failures are verdicts, not transient errors: the stored
	// payload would fail verification forever, so retrying is pointless.
	if err := gw.VerifySignature(payload, header); err != nil {
		r.ignore(ctx, rec, "invalid signature")
		return rec, nil
	}
	if parseErr != nil {
		r.ignore(ctx, rec, "malformed payload: "+parseErr.Error())
		return rec, nil
	}

	r.process(ctx, rec)
	return rec, nil
}

// lookupExisting consults the bloom filter first: a definite-no skips the
// query, anything else is confirmed against storage.
func (r *Reconciler) lookupExisting(ctx context.Context, gatewayName, eventID string) *Receipt {
	if !r.seen.TestString(dedupKey(gatewayName, eventID)) {
		return nil
	}
	existing, err := r.receipts.FindByEvent(ctx, gatewayName, eventID)
	if err != nil {
		return nil
	}
	return existing
}

// process applies one receipt: resolve the intent, ask the gateway for the
// authoritative status, fold it in. Outcomes split three ways: processed,
// ignored (a verdict), or failed_retry (transient, backed off).
func (r *Reconciler) process(ctx context.Context, rec *Receipt) {
	rec.Status = StatusProcessing
	rec.Attempts++
	rec.UpdatedAt = time.Now()
	if err := r.receipts.Update(ctx, rec); err != nil {
		r.lg.Warn("mark receipt processing failed", zap.String("receipt_id", rec.ID), zap.Error(err))
	}

	if rec.PaymentID == "" {
		r.ignore(ctx, rec, "notification has no payment id")
		return
	}

	intent, err := r.intents.FindByExternalID(ctx, rec.Gateway, rec.PaymentID)
	if err != nil {
		if errors.Is(err, payment.ErrIntentNotFound) {
			r.ignore(ctx, rec, "no intent for payment "+rec.PaymentID)
			return
		}
		r.scheduleRetry(ctx, rec, err)
		return
	}

	gw, err := r.gateways.Get(rec.Gateway)
	if err != nil {
		r.ignore(ctx, rec, err.Error())
		return
	}
	status, err := gw.PaymentStatus(ctx, rec.PaymentID)
	if err != nil {
		if errors.Is(err, gateway.ErrPaymentNotFound) {
			r.ignore(ctx, rec, "payment unknown at gateway")
			return
		}
		r.scheduleRetry(ctx, rec, err)
		return
	}

	_, err = r.intents.ApplyGatewayStatus(ctx, intent.ID, status, "gateway webhook "+rec.EventID)
	switch {
	case err == nil, errors.Is(err, payment.ErrNoChange):
		r.markProcessed(ctx, rec)
	default:
		var transErr *payment.InvalidTransitionError
		if errors.As(err, &transErr) {
			r.ignore(ctx, rec, "conflicting intent state: "+transErr.Error())
			return
		}
		r.scheduleRetry(ctx, rec, err)
	}
}

// Receipt returns one stored delivery for operational inspection.
func (r *Reconciler) Receipt(ctx context.Context, id string) (*Receipt, error) {
	return r.receipts.Get(ctx, id)
}

// ProcessDue re-runs receipts whose backoff has elapsed. One receipt's
// failure never aborts the sweep.
func (r *Reconciler) ProcessDue(ctx context.Context, limit int) (int, error) {
	due, err := r.receipts.ListDueForRetry(ctx, time.Now(), limit)
	if err != nil {
		return 0, errors.Wrap(err, "list receipts due for retry")
	}

	processed := 0
	for i := range due {
		rec := due[i]
		r.process(ctx, &rec)
		if rec.Status == StatusProcessed {
			processed++
		}
	}
	return processed, nil
}

func (r *Reconciler) markProcessed(ctx context.Context, rec *Receipt) {
	now := time.Now()
	rec.Status = StatusProcessed
	rec.Reason = ""
	rec.NextRetryAt = nil
	rec.ProcessedAt = &now
	rec.UpdatedAt = now
	if err := r.receipts.Update(ctx, rec); err != nil {
		r.lg.Error("persist processed receipt failed", zap.String("receipt_id", rec.ID), zap.Error(err))
		return
	}
	r.lg.Info("webhook processed",
		zap.String("gateway", rec.Gateway),
		zap.String("event_id", rec.EventID),
		zap.String("payment_id", rec.PaymentID),
	)
}

func (r *Reconciler) ignore(ctx context.Context, rec *Receipt, reason string) {
	rec.Status = StatusIgnored
	rec.Reason = reason
	rec.NextRetryAt = nil
	rec.UpdatedAt = time.Now()
	if err := r.receipts.Update(ctx, rec); err != nil {
		r.lg.Error("persist ignored receipt failed", zap.String("receipt_id", rec.ID), zap.Error(err))
		return
	}
	r.lg.Info("webhook ignored",
		zap.String("gateway", rec.Gateway),
		zap.String("event_id", rec.EventID),
		zap.String("reason", reason),
	)
}

func (r *Reconciler) scheduleRetry(ctx context.Context, rec *Receipt, cause error) {
	if rec.Attempts >= r.maxAttempts {
		r.ignore(ctx, rec, "retry attempts exhausted: "+cause.Error())
		return
	}
	backoff := r.baseBackoff << (rec.Attempts - 1)
	next := time.Now().Add(backoff)
	rec.Status = StatusFailedRetry
	rec.Reason = cause.Error()
	rec.NextRetryAt = &next
	rec.UpdatedAt = time.Now()
	if err := r.receipts.Update(ctx, rec); err != nil {
		r.lg.Error("persist retry schedule failed", zap.String("receipt_id", rec.ID), zap.Error(err))
		return
	}
	r.lg.Warn("webhook processing failed, scheduled retry",
		zap.String("gateway", rec.Gateway),
		zap.String("event_id", rec.EventID),
		zap.Int("attempt", rec.Attempts),
		zap.Duration("backoff", backoff),
		zap.Error(cause),
	)
}

func dedupKey(gatewayName, eventID string) string {
	return gatewayName + ":" + eventID
}
