// Package handler exposes the platform's HTTP API on gin.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/coopvida/poscore/internal/domain/credit"
	"github.com/coopvida/poscore/internal/domain/order"
	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/domain/stock"
	"github.com/coopvida/poscore/internal/domain/webhook"
)

// OrderService is the slice of the order engine the API exposes.
type OrderService interface {
	Create(ctx context.Context, req order.CreateRequest) (*order.Order, error)
	Get(ctx context.Context, orderID string) (*order.Order, error)
	Transition(ctx context.Context, orderID string, target order.Status, actor string) (*order.Order, error)
	Cancel(ctx context.Context, orderID, reason, actor string) (*order.Order, error)
}

// PaymentService is the slice of the payment engine the API exposes.
type PaymentService interface {
	Create(ctx context.Context, req payment.CreateRequest) (*payment.Intent, error)
	ListByOrder(ctx context.Context, orderID string) ([]payment.Intent, error)
	SweepTimeouts(ctx context.Context, limit int) (int, error)
}

// WebhookIngestor accepts gateway deliveries.
type WebhookIngestor interface {
	Ingest(ctx context.Context, gatewayName string, payload []byte, header http.Header) (*webhook.Receipt, error)
	Receipt(ctx context.Context, id string) (*webhook.Receipt, error)
	ProcessDue(ctx context.Context, limit int) (int, error)
}

// StockLedger is the slice of the stock ledger the API exposes.
type StockLedger interface {
	Balance(ctx context.Context, productID string) (stock.Balance, error)
	Movements(ctx context.Context, productID string) ([]stock.Movement, error)
	Adjust(ctx context.Context, productID string, delta int, actor string) (*stock.Movement, error)
}

// CreditLedger is the slice of the credit engine the API exposes.
type CreditLedger interface {
	Account(ctx context.Context, accountID string) (*credit.Account, error)
	Transactions(ctx context.Context, accountID string) ([]credit.Transaction, error)
	MarkInvoicePaid(ctx context.Context, invoiceID string, paidAt time.Time) (*credit.Transaction, error)
}

// Handler wires the domain services into HTTP routes.
type Handler struct {
	orders   OrderService
	payments PaymentService
	webhooks WebhookIngestor
	stock    StockLedger
	credit   CreditLedger

	sweepLimit int
}

// NewHandler constructs a Handler with the required domain dependencies.
// sweepLimit caps how many items a manually triggered sweep touches.
func NewHandler(orders OrderService, payments PaymentService, webhooks WebhookIngestor, stockLedger StockLedger, creditLedger CreditLedger, sweepLimit int) *Handler {
	return &Handler{
		orders:     orders,
		payments:   payments,
		webhooks:   webhooks,
		stock:      stockLedger,
		credit:     creditLedger,
		sweepLimit: sweepLimit,
	}
}

// Register attaches all API routes to the router group.
func (h *Handler) Register(api *gin.RouterGroup) {
	api.POST("/orders", h.createOrder)
	api.GET("/orders/:id", h.getOrder)
	api.POST("/orders/:id/transition", h.transitionOrder)
	api.POST("/orders/:id/cancel", h.cancelOrder)
	api.POST("/orders/:id/payment-intents", h.createPaymentIntent)
	api.GET("/orders/:id/payment-intents", h.listPaymentIntents)

	api.POST("/webhooks/:gateway", h.ingestWebhook)

	api.GET("/stock/:productId", h.getStock)
	api.POST("/stock/:productId/adjust", h.adjustStock)

	api.GET("/accounts/:id/credit", h.getAccountCredit)
	api.POST("/invoices/:id/pay", h.payInvoice)

	api.GET("/admin/receipts/:id", h.getReceipt)
	api.POST("/admin/sweeps/payment-timeouts", h.sweepPaymentTimeouts)
	api.POST("/admin/sweeps/webhook-retries", h.sweepWebhookRetries)
}

func money(d decimal.Decimal) string {
	return d.StringFixed(2)
}
