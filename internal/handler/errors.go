package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"github.com/coopvida/poscore/internal/domain/credit"
	"github.com/coopvida/poscore/internal/domain/order"
	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/domain/product"
	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/domain/webhook"
	"github.com/coopvida/poscore/internal/gateway"
	"github.com/coopvida/poscore/internal/repository"
)

// writeError maps a domain error onto an HTTP status and JSON body. Unknown
// errors become an opaque 500; their details stay in the logs.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func statusFor(err error) int {
	var (
		orderTrans   *order.InvalidTransitionError
		intentTrans  *payment.InvalidTransitionError
		noStock      *stock.InsufficientStockError
		noCredit     *credit.InsufficientCreditError
		noHold       *stock.NoReservationError
		badQty       *order.InvalidQuantityError
		missingItems *order.ProductNotFoundError
	)

	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, product.ErrNotFound),
		errors.Is(err, stock.ErrProductNotFound),
		errors.Is(err, credit.ErrAccountNotFound),
		errors.Is(err, credit.ErrInvoiceNotFound),
		errors.Is(err, payment.ErrIntentNotFound),
		errors.Is(err, webhook.ErrReceiptNotFound),
		errors.Is(err, gateway.ErrUnknownGateway):
		return http.StatusNotFound

	case errors.As(err, &orderTrans),
		errors.As(err, &intentTrans),
		errors.Is(err, payment.ErrIntentOpen),
		errors.Is(err, credit.ErrInvoicePaid),
		errors.Is(err, repository.ErrConflict):
		return http.StatusConflict

	case errors.As(err, &noStock),
		errors.As(err, &noCredit),
		errors.As(err, &noHold),
		errors.As(err, &missingItems),
		errors.Is(err, credit.ErrBlockedByDebt),
		errors.Is(err, credit.ErrAccountNotActive):
		return http.StatusUnprocessableEntity

	case errors.As(err, &badQty),
		errors.Is(err, order.ErrEmptyItems),
		errors.Is(err, order.ErrCustomerRequired),
		errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, credit.ErrInvalidAmount),
		errors.Is(err, payment.ErrInvalidAmount):
		return http.StatusBadRequest

	case errors.Is(err, gateway.ErrUnavailable):
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
