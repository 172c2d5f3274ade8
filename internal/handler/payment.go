package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/coopvida/poscore/internal/domain/payment"
)

type createIntentRequest struct {
	Gateway    string `json:"gateway" binding:"required"`
	Method     string `json:"method" binding:"required"`
	Amount     string `json:"amount"`
	ExternalID string `json:"externalId"`
}

type intentResponse struct {
	ID         string     `json:"id"`
	OrderID    string     `json:"orderId"`
	Gateway    string     `json:"gateway"`
	Method     string     `json:"method"`
	Amount     string     `json:"amount"`
	ExternalID string     `json:"externalId,omitempty"`
	Status     string     `json:"status"`
	Reason     string     `json:"reason,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	ApprovedAt *time.Time `json:"approvedAt,omitempty"`
	RejectedAt *time.Time `json:"rejectedAt,omitempty"`
}

func toIntentResponse(i *payment.Intent) intentResponse {
	return intentResponse{
		ID:         i.ID,
		OrderID:    i.OrderID,
		Gateway:    i.Gateway,
		Method:     string(i.Method),
		Amount:     money(i.Amount),
		ExternalID: i.ExternalID,
		Status:     string(i.Status),
		Reason:     i.Reason,
		CreatedAt:  i.CreatedAt,
		ApprovedAt: i.ApprovedAt,
		RejectedAt: i.RejectedAt,
	}
}

func (h *Handler) createPaymentIntent(c *gin.Context) {
	var req createIntentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	amount := decimal.Zero
	if req.Amount != "" {
		var err error
		amount, err = decimal.NewFromString(req.Amount)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid amount"})
			return
		}
	}

	i, err := h.payments.Create(c.Request.Context(), payment.CreateRequest{
		OrderID:    c.Param("id"),
		Gateway:    req.Gateway,
		Method:     payment.Method(req.Method),
		Amount:     amount,
		ExternalID: req.ExternalID,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toIntentResponse(i))
}

func (h *Handler) listPaymentIntents(c *gin.Context) {
	intents, err := h.payments.ListByOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	out := make([]intentResponse, len(intents))
	for i := range intents {
		out[i] = toIntentResponse(&intents[i])
	}
	c.JSON(http.StatusOK, gin.H{"intents": out})
}
