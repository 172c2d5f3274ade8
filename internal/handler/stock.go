package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coopvida/poscore/internal/domain/stock"
)

type stockResponse struct {
	ProductID string `json:"productId"`
	OnHand    int    `json:"onHand"`
	Reserved  int    `json:"reserved"`
	Available int    `json:"available"`
	// LedgerConsistent is the replay check: the movements folded in order
	// must reproduce the projected quantities.
	LedgerConsistent bool `json:"ledgerConsistent"`
}

func (h *Handler) getStock(c *gin.Context) {
	ctx := c.Request.Context()
	productID := c.Param("productId")

	balance, err := h.stock.Balance(ctx, productID)
	if err != nil {
		writeError(c, err)
		return
	}
	movements, err := h.stock.Movements(ctx, productID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stockResponse{
		ProductID:        productID,
		OnHand:           balance.OnHand,
		Reserved:         balance.Reserved,
		Available:        balance.Available(),
		LedgerConsistent: stock.Replay(movements) == balance,
	})
}

type adjustStockRequest struct {
	Delta int    `json:"delta" binding:"required"`
	Actor string `json:"actor" binding:"required"`
}

func (h *Handler) adjustStock(c *gin.Context) {
	var req adjustStockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.stock.Adjust(c.Request.Context(), c.Param("productId"), req.Delta, req.Actor)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"movementId": m.ID,
		"onHand":     m.OnHandAfter,
		"reserved":   m.ReservedAfter,
	})
}
