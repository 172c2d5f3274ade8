package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type creditResponse struct {
	AccountID       string `json:"accountId"`
	Name            string `json:"name"`
	Status          string `json:"status"`
	BlockedByDebt   bool   `json:"blockedByDebt"`
	CreditLimit     string `json:"creditLimit"`
	UsedCredit      string `json:"usedCredit"`
	Available       string `json:"available"`
	OverdueInvoices int    `json:"overdueInvoices"`
}

func (h *Handler) getAccountCredit(c *gin.Context) {
	a, err := h.credit.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditResponse{
		AccountID:       a.ID,
		Name:            a.Name,
		Status:          string(a.Status),
		BlockedByDebt:   a.BlockedByDebt,
		CreditLimit:     money(a.CreditLimit),
		UsedCredit:      money(a.UsedCredit),
		Available:       money(a.Available()),
		OverdueInvoices: a.OverdueInvoices,
	})
}

func (h *Handler) payInvoice(c *gin.Context) {
	tx, err := h.credit.MarkInvoicePaid(c.Request.Context(), c.Param("id"), time.Now())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"transactionId": tx.ID,
		"accountId":     tx.AccountID,
		"restored":      money(tx.Amount.Neg()),
	})
}
