package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/order"
	"github.com/coopvida/poscore/internal/domain/txn"
	"github.com/coopvida/poscore/internal/gateway"
)

// OrderEngine is the slice of the order service the payment engine drives.
type OrderEngine interface {
	Get(ctx context.Context, orderID string) (*order.Order, error)
	Transition(ctx context.Context, orderID string, target order.Status, actor string) (*order.Order, error)
	SetAwaitingPayment(ctx context.Context, orderID string, awaiting bool) error
	AbandonPayment(ctx context.Context, orderID, actor string) error
	SettleExternalPayment(ctx context.Context, orderID, reason string) error
}

// GatewayRegistry resolves gateway clients by name.
type GatewayRegistry interface {
	Get(name string) (gateway.Client, error)
}

// Service owns the payment intent lifecycle and its cascades into the order
// engine. Approval advances the order to confirmed; rejection, cancellation
// and timeout abandon the payment attempt without cancelling the order.
type Service struct {
	intents  Repository
	orders   OrderEngine
	gateways GatewayRegistry
	tx       txn.Manager
	timeout  time.Duration
	lg       *zap.Logger
}

func NewService(intents Repository, orders OrderEngine, gateways GatewayRegistry, tx txn.Manager, timeout time.Duration, lg *zap.Logger) *Service {
	return &Service{
		intents:  intents,
		orders:   orders,
		gateways: gateways,
		tx:       tx,
		timeout:  timeout,
		lg:       lg.Named("payment"),
	}
}

// CreateRequest carries the fields for opening a payment intent.
type CreateRequest struct {
	OrderID    string
	Gateway    string
	Method     Method
	Amount     decimal.Decimal // zero means charge the full order total
	ExternalID string          // set when the provider charge already exists
}

// Create opens an intent for the order and flags the order as awaiting
// payment. At most one non-terminal intent may exist per order.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Intent, error) {
	if !req.Method.Valid() {
		return nil, errors.Errorf("unknown payment method %q", req.Method)
	}
	if _, err := s.gateways.Get(req.Gateway); err != nil {
		return nil, err
	}
	if req.Amount.IsNegative() {
		return nil, ErrInvalidAmount
	}

	var intent *Intent
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		o, err := s.orders.Get(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if o.Status.Terminal() {
			return &order.InvalidTransitionError{OrderID: o.ID, From: o.Status, To: o.Status}
		}

		open, err := s.intents.HasOpen(ctx, o.ID)
		if err != nil {
			return err
		}
		if open {
			return ErrIntentOpen
		}

		amount := req.Amount
		if amount.IsZero() {
			amount = o.Total
		}

		now := time.Now()
		intent = &Intent{
			ID:         uuid.NewString(),
			OrderID:    o.ID,
			Gateway:    req.Gateway,
			Method:     req.Method,
			Amount:     amount,
			ExternalID: req.ExternalID,
			Status:     StatusCreated,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if intent.ExternalID != "" {
			intent.Status = StatusPending
		}
		if err := s.intents.Create(ctx, intent); err != nil {
			return errors.Wrap(err, "create payment intent")
		}
		return s.orders.SetAwaitingPayment(ctx, o.ID, true)
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("payment intent created",
		zap.String("intent_id", intent.ID),
		zap.String("order_id", intent.OrderID),
		zap.String("gateway", intent.Gateway),
		zap.String("amount", intent.Amount.String()),
	)
	return intent, nil
}

// AttachExternal records the provider-side payment id once the charge exists
// and moves a created intent to pending.
func (s *Service) AttachExternal(ctx context.Context, intentID, externalID string) (*Intent, error) {
	var result *Intent
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		i, err := s.intents.GetForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if err := s.intents.SetExternalID(ctx, i.ID, externalID); err != nil {
			return err
		}
		i.ExternalID = externalID
		if i.Status == StatusCreated {
			if err := s.move(ctx, i, StatusPending, ""); err != nil {
				return err
			}
		}
		result = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Approve settles the intent and advances its order to confirmed in the same
// unit of work. An account holder's outstanding debit for the order is
// restored: the gateway collected the money, so the credit line frees up.
func (s *Service) Approve(ctx context.Context, intentID, reason string) (*Intent, error) {
	var result *Intent
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		i, err := s.intents.GetForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if err := s.move(ctx, i, StatusApproved, reason); err != nil {
			return err
		}

		o, err := s.orders.Get(ctx, i.OrderID)
		if err != nil {
			return err
		}
		// Walk the order up to confirmed through the table; a cancelled or
		// completed order leaves the intent approved but cascades nothing.
		for _, step := range []order.Status{order.StatusProcessing, order.StatusConfirmed} {
			if o.Status.Terminal() || o.Status == order.StatusConfirmed ||
				o.Status == order.StatusPreparing || o.Status == order.StatusReady {
				break
			}
			if !o.Status.CanTransitionTo(step) {
				continue
			}
			if o, err = s.orders.Transition(ctx, o.ID, step, "gateway:"+i.Gateway); err != nil {
				return err
			}
		}
		if err := s.orders.SettleExternalPayment(ctx, i.OrderID, "paid via "+i.Gateway); err != nil {
			return err
		}
		if err := s.orders.SetAwaitingPayment(ctx, i.OrderID, false); err != nil {
			return err
		}
		result = i
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("payment intent approved",
		zap.String("intent_id", result.ID),
		zap.String("order_id", result.OrderID),
	)
	return result, nil
}

// Reject marks the intent rejected and abandons the payment attempt: open
// reservations are released and the order returns to a payable pending state.
func (s *Service) Reject(ctx context.Context, intentID, reason string) (*Intent, error) {
	return s.fail(ctx, intentID, StatusRejected, reason)
}

// Cancel marks the intent cancelled, releasing the order the same way a
// rejection does.
func (s *Service) Cancel(ctx context.Context, intentID, reason string) (*Intent, error) {
	return s.fail(ctx, intentID, StatusCancelled, reason)
}

// MarkAsError parks the intent in the recoverable error state without
// touching the order; a later gateway answer or sweep resolves it.
func (s *Service) MarkAsError(ctx context.Context, intentID, reason string) (*Intent, error) {
	var result *Intent
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		i, err := s.intents.GetForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if err := s.move(ctx, i, StatusError, reason); err != nil {
			return err
		}
		result = i
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkAsTimeout forces a non-terminal intent to rejected with the timeout
// reason. The caller decides the intent is stale; this only re-checks the
// status under lock.
func (s *Service) MarkAsTimeout(ctx context.Context, intentID string) (*Intent, error) {
	return s.fail(ctx, intentID, StatusRejected, "timeout exceeded")
}

func (s *Service) fail(ctx context.Context, intentID string, target Status, reason string) (*Intent, error) {
	var result *Intent
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		i, err := s.intents.GetForUpdate(ctx, intentID)
		if err != nil {
			return err
		}
		if err := s.move(ctx, i, target, reason); err != nil {
			return err
		}
		if err := s.orders.AbandonPayment(ctx, i.OrderID, "gateway:"+i.Gateway); err != nil {
			return err
		}
		result = i
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("payment intent closed",
		zap.String("intent_id", result.ID),
		zap.String("order_id", result.OrderID),
		zap.String("status", string(target)),
		zap.String("reason", reason),
	)
	return result, nil
}

// move applies one table-checked status change and persists it. Reaching the
// current status again reports ErrNoChange so replays stay idempotent.
func (s *Service) move(ctx context.Context, i *Intent, target Status, reason string) error {
	if i.Status == target {
		return ErrNoChange
	}
	if !i.Status.CanTransitionTo(target) {
		return &InvalidTransitionError{IntentID: i.ID, From: i.Status, To: target}
	}
	i.Status = target
	if reason != "" {
		i.Reason = reason
	}
	now := time.Now()
	i.UpdatedAt = now
	switch target {
	case StatusApproved:
		i.ApprovedAt = &now
	case StatusRejected:
		i.RejectedAt = &now
	}
	return s.intents.UpdateStatus(ctx, i)
}

// ApplyGatewayStatus folds an authoritative gateway answer into the intent.
// Non-terminal answers only nudge the intent's state; terminal ones cascade
// into the order engine.
func (s *Service) ApplyGatewayStatus(ctx context.Context, intentID string, status gateway.Status, reason string) (*Intent, error) {
	switch status {
	case gateway.StatusApproved:
		return s.Approve(ctx, intentID, reason)
	case gateway.StatusRejected:
		if reason == "" {
			reason = "rejected by gateway"
		}
		return s.Reject(ctx, intentID, reason)
	case gateway.StatusCancelled:
		if reason == "" {
			reason = "cancelled at gateway"
		}
		return s.Cancel(ctx, intentID, reason)
	case gateway.StatusPending, gateway.StatusProcessing:
		target := StatusPending
		if status == gateway.StatusProcessing {
			target = StatusProcessing
		}
		var result *Intent
		err := s.tx.Do(ctx, func(ctx context.Context) error {
			i, err := s.intents.GetForUpdate(ctx, intentID)
			if err != nil {
				return err
			}
			if err := s.move(ctx, i, target, reason); err != nil {
				return err
			}
			result = i
			return nil
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	default:
		return nil, errors.Errorf("unmapped gateway status %q", status)
	}
}

// Get returns the intent.
func (s *Service) Get(ctx context.Context, intentID string) (*Intent, error) {
	return s.intents.Get(ctx, intentID)
}

// FindByExternalID resolves an intent from a gateway notification.
func (s *Service) FindByExternalID(ctx context.Context, gatewayName, externalID string) (*Intent, error) {
	return s.intents.FindByExternalID(ctx, gatewayName, externalID)
}

// ListByOrder returns the order's payment attempts, newest last.
func (s *Service) ListByOrder(ctx context.Context, orderID string) ([]Intent, error) {
	return s.intents.ListByOrder(ctx, orderID)
}

// SweepTimeouts resolves intents left non-terminal beyond the configured
// timeout. Intents with a provider id get one authoritative status check
// first; an answer the gateway considers settled wins over the timeout.
// Failures are logged per intent and do not abort the sweep.
func (s *Service) SweepTimeouts(ctx context.Context, limit int) (int, error) {
	before := time.Now().Add(-s.timeout)
	stale, err := s.intents.ListStale(ctx, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale intents")
	}

	resolved := 0
	for _, i := range stale {
		if err := s.resolveStale(ctx, i); err != nil {
			if errors.Is(err, ErrNoChange) {
				continue
			}
			s.lg.Warn("timeout sweep failed for intent",
				zap.String("intent_id", i.ID),
				zap.Error(err),
			)
			continue
		}
		resolved++
	}
	return resolved, nil
}

func (s *Service) resolveStale(ctx context.Context, i Intent) error {
	if i.ExternalID != "" {
		if gw, err := s.gateways.Get(i.Gateway); err == nil {
			status, err := gw.PaymentStatus(ctx, i.ExternalID)
			if err == nil && status.Terminal() {
				_, err = s.ApplyGatewayStatus(ctx, i.ID, status, "resolved by timeout sweep")
				return err
			}
			if err != nil {
				s.lg.Debug("gateway status check failed, falling back to timeout",
					zap.String("intent_id", i.ID),
					zap.Error(err),
				)
			}
		}
	}
	_, err := s.MarkAsTimeout(ctx, i.ID)
	return err
}
