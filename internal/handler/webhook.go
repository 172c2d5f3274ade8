package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-faster/errors"

	"github.com/coopvida/poscore/internal/domain/webhook"
	"github.com/coopvida/poscore/internal/gateway"
)

type receiptResponse struct {
	ID          string          `json:"id"`
	Gateway     string          `json:"gateway"`
	EventID     string          `json:"eventId"`
	PaymentID   string          `json:"paymentId,omitempty"`
	Status      string          `json:"status"`
	Reason      string          `json:"reason,omitempty"`
	Attempts    int             `json:"attempts"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	ProcessedAt *time.Time      `json:"processedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

func toReceiptResponse(r *webhook.Receipt) receiptResponse {
	resp := receiptResponse{
		ID:          r.ID,
		Gateway:     r.Gateway,
		EventID:     r.EventID,
		PaymentID:   r.PaymentID,
		Status:      string(r.Status),
		Reason:      r.Reason,
		Attempts:    r.Attempts,
		NextRetryAt: r.NextRetryAt,
		ProcessedAt: r.ProcessedAt,
		CreatedAt:   r.CreatedAt,
	}
	if json.Valid(r.Payload) {
		resp.Payload = json.RawMessage(r.Payload)
	}
	return resp
}

// ingestWebhook accepts a gateway delivery. Once the receipt is durably
// stored the answer is always 200: signature and processing failures are the
// platform's problem, not the gateway's, and a non-200 would only trigger
// pointless redelivery.
func (h *Handler) ingestWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false})
		return
	}

	_, err = h.webhooks.Ingest(c.Request.Context(), c.Param("gateway"), payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownGateway) {
			// Nothing to redeliver to; acknowledge and drop.
			c.JSON(http.StatusOK, gin.H{"success": false})
			return
		}
		// Storage failed; ask the gateway to redeliver.
		c.JSON(http.StatusInternalServerError, gin.H{"success": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// getReceipt exposes a stored delivery for operational debugging.
func (h *Handler) getReceipt(c *gin.Context) {
	r, err := h.webhooks.Receipt(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toReceiptResponse(r))
}

func (h *Handler) sweepPaymentTimeouts(c *gin.Context) {
	n, err := h.payments.SweepTimeouts(c.Request.Context(), h.sweepLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolved": n})
}

func (h *Handler) sweepWebhookRetries(c *gin.Context) {
	n, err := h.webhooks.ProcessDue(c.Request.Context(), h.sweepLimit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"processed": n})
}
