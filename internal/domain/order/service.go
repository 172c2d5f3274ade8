package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/credit"
	"github.com/coopvida/poscore/internal/domain/product"
	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/domain/txn"
)

// StockLedger is the slice of the stock ledger the order machine drives.
type StockLedger interface {
	Reserve(ctx context.Context, productID string, qty int, orderID, actor string) (*stock.Movement, error)
	Confirm(ctx context.Context, productID string, qty int, orderID, actor string) (*stock.Movement, error)
	Release(ctx context.Context, productID string, qty int, orderID, actor string) (*stock.Movement, error)
	ReturnToStock(ctx context.Context, productID string, qty int, orderID, actor string) (*stock.Movement, error)
	Decrement(ctx context.Context, productID string, qty int, orderID, actor string) (*stock.Movement, error)
	OpenReservation(ctx context.Context, productID, orderID string) (int, error)
	HasConfirmedExit(ctx context.Context, orderID string) (bool, error)
}

// CreditLedger is the slice of the credit ledger the order machine drives.
type CreditLedger interface {
	CanPurchase(ctx context.Context, accountID string, amount decimal.Decimal) error
	Debit(ctx context.Context, accountID string, amount decimal.Decimal, orderID string) (*credit.Transaction, error)
	Restore(ctx context.Context, accountID string, amount decimal.Decimal, orderID, invoiceID, reason string) (*credit.Transaction, error)
	OutstandingDebit(ctx context.Context, accountID, orderID string) (decimal.Decimal, error)
}

// EffectKind names one ledger mutation a transition requires.
type EffectKind string

const (
	EffectConfirmReservation EffectKind = "confirm_reservation"
	EffectReleaseReservation EffectKind = "release_reservation"
	EffectReturnToStock      EffectKind = "return_to_stock"
	EffectRestoreCredit      EffectKind = "restore_credit"
	EffectClearAwaiting      EffectKind = "clear_awaiting_payment"
)

// Effect is one planned ledger mutation. Transitions first plan their
// effects from ledger state, then apply them, keeping causality explicit.
type Effect struct {
	Kind      EffectKind
	ProductID string
	Qty       int
	Amount    decimal.Decimal
}

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	ProductID string
	Quantity  int
}

// CreateRequest holds the input for checkout.
type CreateRequest struct {
	AccountHolderID string
	GuestName       string
	GuestContact    string
	Items           []ItemRequest
	Actor           string
}

// Service is the order state machine. All status changes and their ledger
// effects go through it.
type Service struct {
	orders   Repository
	products product.Repository
	stock    StockLedger
	credit   CreditLedger
	tx       txn.Manager
	lg       *zap.Logger
}

// NewService creates the order Service with its ledger collaborators.
func NewService(
	orders Repository,
	products product.Repository,
	stockLedger StockLedger,
	creditLedger CreditLedger,
	tx txn.Manager,
	lg *zap.Logger,
) *Service {
	return &Service{
		orders:   orders,
		products: products,
		stock:    stockLedger,
		credit:   creditLedger,
		tx:       tx,
		lg:       lg.Named("order"),
	}
}

// Create validates the customer and items, snapshots prices, and commits the
// order together with its ledger effects in one unit of work.
//
// Account holders are pre-paid: credit is debited and stock exits
// immediately. Guests get a stock reservation and the order waits for an
// external payment.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Order, error) {
	isHolder := req.AccountHolderID != ""
	isGuest := req.GuestName != ""
	if isHolder == isGuest {
		return nil, ErrCustomerRequired
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}

	ids := make([]string, len(req.Items))
	for i, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
		ids[i] = item.ProductID
	}

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[string]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	items := make([]Item, len(req.Items))
	total := decimal.Zero
	for i, item := range req.Items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		items[i] = Item{
			ProductID: p.ID,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		}
		total = total.Add(items[i].Subtotal())
	}
	total = total.Round(2)

	o := &Order{
		ID:           uuid.New().String(),
		Status:       StatusPending,
		Items:        items,
		Total:        total,
		CustomerKind: CustomerGuest,
		GuestName:    req.GuestName,
		GuestContact: req.GuestContact,
		CreatedAt:    time.Now(),
	}
	if isHolder {
		o.CustomerKind = CustomerAccountHolder
		o.AccountHolderID = req.AccountHolderID
		o.GuestName, o.GuestContact = "", ""

		// Guard before the unit of work; the debit re-validates inside it.
		if err := s.credit.CanPurchase(ctx, req.AccountHolderID, total); err != nil {
			return nil, err
		}
	} else {
		o.AwaitingPayment = true
	}

	err = s.tx.Do(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		if isHolder {
			if _, err := s.credit.Debit(ctx, o.AccountHolderID, total, o.ID); err != nil {
				return err
			}
			for _, item := range o.Items {
				if _, err := s.stock.Decrement(ctx, item.ProductID, item.Quantity, o.ID, req.Actor); err != nil {
					return err
				}
			}
			return nil
		}
		for _, item := range o.Items {
			if _, err := s.stock.Reserve(ctx, item.ProductID, item.Quantity, o.ID, req.Actor); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.lg.Info("order created",
		zap.String("order_id", o.ID),
		zap.String("customer_kind", string(o.CustomerKind)),
		zap.String("total", total.String()),
	)
	return o, nil
}

// Transition moves the order to target if the table allows it, applying the
// planned ledger effects in the same unit of work. An out-of-table request
// fails with InvalidTransitionError and mutates nothing.
func (s *Service) Transition(ctx context.Context, orderID string, target Status, actor string) (*Order, error) {
	return s.transition(ctx, orderID, target, actor, "")
}

// Cancel cancels the order through the same transition path, recording the
// reason. Before any confirmed exit this releases holds only; after one it
// issues a physical return to stock.
func (s *Service) Cancel(ctx context.Context, orderID, reason, actor string) (*Order, error) {
	return s.transition(ctx, orderID, StatusCancelled, actor, reason)
}

func (s *Service) transition(ctx context.Context, orderID string, target Status, actor, reason string) (*Order, error) {
	if !target.Valid() {
		return nil, &InvalidTransitionError{OrderID: orderID, To: target}
	}

	var result *Order
	err := s.tx.Do(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(target) {
			return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: target}
		}

		effects, err := s.plan(ctx, o, target)
		if err != nil {
			return err
		}
		if err := s.apply(ctx, o, effects, actor); err != nil {
			return err
		}

		from := o.Status
		o.Status = target
		now := time.Now()
		switch target {
		case StatusConfirmed:
			o.ConfirmedAt = &now
		case StatusCompleted:
			o.CompletedAt = &now
		case StatusCancelled:
			o.CancelledAt = &now
			o.CancelReason = reason
		}
		if err := s.orders.UpdateStatus(ctx, o); err != nil {
			return errors.Wrap(err, "update order status")
		}

		s.lg.Info("order transitioned",
			zap.String("order_id", o.ID),
			zap.String("from", string(from)),
			zap.String("to", string(target)),
			zap.String("actor", actor),
			zap.Int("effects", len(effects)),
		)
		result = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// linesByProduct collapses the items into one line per product. Planning
// reads the whole open reservation for a product, so repeated lines for the
// same product must not each plan it again.
func linesByProduct(items []Item) []Item {
	idx := make(map[string]int, len(items))
	merged := make([]Item, 0, len(items))
	for _, item := range items {
		if i, ok := idx[item.ProductID]; ok {
			merged[i].Quantity += item.Quantity
			continue
		}
		idx[item.ProductID] = len(merged)
		merged = append(merged, item)
	}
	return merged
}

// plan decides the ledger effects of entering target. Decisions key off
// ledger state (open reservations, recorded exits, outstanding debits), not
// the order's current status, so a drifted status cannot double-apply.
func (s *Service) plan(ctx context.Context, o *Order, target Status) ([]Effect, error) {
	var effects []Effect

	switch target {
	case StatusConfirmed:
		for _, item := range linesByProduct(o.Items) {
			open, err := s.stock.OpenReservation(ctx, item.ProductID, o.ID)
			if err != nil {
				return nil, err
			}
			if open > 0 {
				effects = append(effects, Effect{
					Kind:      EffectConfirmReservation,
					ProductID: item.ProductID,
					Qty:       open,
				})
			}
		}

	case StatusCancelled:
		exited, err := s.stock.HasConfirmedExit(ctx, o.ID)
		if err != nil {
			return nil, err
		}
		for _, item := range linesByProduct(o.Items) {
			open, err := s.stock.OpenReservation(ctx, item.ProductID, o.ID)
			if err != nil {
				return nil, err
			}
			switch {
			case open > 0:
				// The goods never left the shelf; the hold just evaporates.
				effects = append(effects, Effect{
					Kind:      EffectReleaseReservation,
					ProductID: item.ProductID,
					Qty:       open,
				})
			case exited:
				effects = append(effects, Effect{
					Kind:      EffectReturnToStock,
					ProductID: item.ProductID,
					Qty:       item.Quantity,
				})
			}
		}
		if o.AccountHolderID != "" {
			debit, err := s.credit.OutstandingDebit(ctx, o.AccountHolderID, o.ID)
			if err != nil {
				return nil, err
			}
			if debit.IsPositive() {
				effects = append(effects, Effect{Kind: EffectRestoreCredit, Amount: debit})
			}
		}
		if o.AwaitingPayment {
			effects = append(effects, Effect{Kind: EffectClearAwaiting})
		}
	}

	return effects, nil
}

func (s *Service) apply(ctx context.Context, o *Order, effects []Effect, actor string) error {
	for _, e := range effects {
		var err error
		switch e.Kind {
		case EffectConfirmReservation:
			_, err = s.stock.Confirm(ctx, e.ProductID, e.Qty, o.ID, actor)
		case EffectReleaseReservation:
			_, err = s.stock.Release(ctx, e.ProductID, e.Qty, o.ID, actor)
		case EffectReturnToStock:
			_, err = s.stock.ReturnToStock(ctx, e.ProductID, e.Qty, o.ID, actor)
		case EffectRestoreCredit:
			_, err = s.credit.Restore(ctx, o.AccountHolderID, e.Amount, o.ID, "",
				"order "+o.ID+" cancelled")
		case EffectClearAwaiting:
			o.AwaitingPayment = false
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Get returns the order read model.
func (s *Service) Get(ctx context.Context, orderID string) (*Order, error) {
	return s.orders.Get(ctx, orderID)
}

// SetAwaitingPayment flips the awaiting-external-payment flag. Used by the
// payment engine when an intent opens or resolves.
func (s *Service) SetAwaitingPayment(ctx context.Context, orderID string, awaiting bool) error {
	return s.orders.SetAwaitingPayment(ctx, orderID, awaiting)
}

// SettleExternalPayment restores an account holder's outstanding debit for
// the order once a gateway collected the money. Guest orders carry no debit,
// so this is a no-op for them.
func (s *Service) SettleExternalPayment(ctx context.Context, orderID, reason string) error {
	o, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if o.AccountHolderID == "" {
		return nil
	}
	debit, err := s.credit.OutstandingDebit(ctx, o.AccountHolderID, o.ID)
	if err != nil {
		return err
	}
	if !debit.IsPositive() {
		return nil
	}
	_, err = s.credit.Restore(ctx, o.AccountHolderID, debit, o.ID, "", reason)
	return err
}

// AbandonPayment releases the order's open reservations and clears the
// awaiting-payment flag without cancelling the order. Used when a payment
// intent fails so the operator can start a new attempt.
func (s *Service) AbandonPayment(ctx context.Context, orderID, actor string) error {
	return s.tx.Do(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		for _, item := range linesByProduct(o.Items) {
			open, err := s.stock.OpenReservation(ctx, item.ProductID, o.ID)
			if err != nil {
				return err
			}
			if open > 0 {
				if _, err := s.stock.Release(ctx, item.ProductID, open, o.ID, actor); err != nil {
					return err
				}
			}
		}
		return s.orders.SetAwaitingPayment(ctx, o.ID, false)
	})
}

// ExpireStale cancels orders left pending beyond the idle window. Failures
// are logged per order; one order cannot abort the sweep.
func (s *Service) ExpireStale(ctx context.Context, window time.Duration, limit int) (int, error) {
	before := time.Now().Add(-window)
	stale, err := s.orders.ListStalePending(ctx, before, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list stale pending orders")
	}

	expired := 0
	for _, o := range stale {
		if _, err := s.Cancel(ctx, o.ID, "pending timeout exceeded", "system"); err != nil {
			s.lg.Warn("expire stale order failed",
				zap.String("order_id", o.ID),
				zap.Error(err),
			)
			continue
		}
		expired++
	}
	return expired, nil
}
