package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/coopvida/poscore/internal/domain/order"
)

type orderItemRequest struct {
	ProductID string `json:"productId" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required"`
}

type createOrderRequest struct {
	AccountHolderID string             `json:"accountHolderId"`
	GuestName       string             `json:"guestName"`
	GuestContact    string             `json:"guestContact"`
	Items           []orderItemRequest `json:"items" binding:"required"`
	Actor           string             `json:"actor"`
}

type orderItemResponse struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unitPrice"`
	Subtotal  string `json:"subtotal"`
}

type orderResponse struct {
	ID              string              `json:"id"`
	CustomerKind    string              `json:"customerKind"`
	AccountHolderID string              `json:"accountHolderId,omitempty"`
	GuestName       string              `json:"guestName,omitempty"`
	GuestContact    string              `json:"guestContact,omitempty"`
	Status          string              `json:"status"`
	Items           []orderItemResponse `json:"items"`
	Total           string              `json:"total"`
	AwaitingPayment bool                `json:"awaitingPayment"`
	CancelReason    string              `json:"cancelReason,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	ConfirmedAt     *time.Time          `json:"confirmedAt,omitempty"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	CancelledAt     *time.Time          `json:"cancelledAt,omitempty"`
}

func toOrderResponse(o *order.Order) orderResponse {
	items := make([]orderItemResponse, len(o.Items))
	for i, item := range o.Items {
		items[i] = orderItemResponse{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: money(item.UnitPrice),
			Subtotal:  money(item.Subtotal()),
		}
	}
	return orderResponse{
		ID:              o.ID,
		CustomerKind:    string(o.CustomerKind),
		AccountHolderID: o.AccountHolderID,
		GuestName:       o.GuestName,
		GuestContact:    o.GuestContact,
		Status:          string(o.Status),
		Items:           items,
		Total:           money(o.Total),
		AwaitingPayment: o.AwaitingPayment,
		CancelReason:    o.CancelReason,
		CreatedAt:       o.CreatedAt,
		ConfirmedAt:     o.ConfirmedAt,
		CompletedAt:     o.CompletedAt,
		CancelledAt:     o.CancelledAt,
	}
}

func (h *Handler) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items := make([]order.ItemRequest, len(req.Items))
	for i, item := range req.Items {
		items[i] = order.ItemRequest{ProductID: item.ProductID, Quantity: item.Quantity}
	}

	o, err := h.orders.Create(c.Request.Context(), order.CreateRequest{
		AccountHolderID: req.AccountHolderID,
		GuestName:       req.GuestName,
		GuestContact:    req.GuestContact,
		Items:           items,
		Actor:           req.Actor,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toOrderResponse(o))
}

func (h *Handler) getOrder(c *gin.Context) {
	o, err := h.orders.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Actor  string `json:"actor"`
}

func (h *Handler) transitionOrder(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := h.orders.Transition(c.Request.Context(), c.Param("id"), order.Status(req.Status), req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}

type cancelRequest struct {
	Reason string `json:"reason" binding:"required"`
	Actor  string `json:"actor"`
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	o, err := h.orders.Cancel(c.Request.Context(), c.Param("id"), req.Reason, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOrderResponse(o))
}
