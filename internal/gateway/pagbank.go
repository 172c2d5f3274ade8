package gateway

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-resty/resty/v2"
)

// PagBank authenticates webhooks with a static token carried in the
// X-Webhook-Token header, compared in constant time.
type PagBank struct {
	webhookToken []byte
	http         *resty.Client
}

// NewPagBank creates the client.
func NewPagBank(baseURL, webhookToken, apiToken string) *PagBank {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(apiToken).
		SetTimeout(10 * time.Second)
	return &PagBank{
		webhookToken: []byte(webhookToken),
		http:         client,
	}
}

func (g *PagBank) Name() string { return "pagbank" }

// VerifySignature compares the header token against the configured one.
func (g *PagBank) VerifySignature(_ []byte, header http.Header) error {
	token := header.Get("X-Webhook-Token")
	if token == "" {
		return errors.Wrap(ErrInvalidSignature, "missing X-Webhook-Token header")
	}
	if subtle.ConstantTimeCompare([]byte(token), g.webhookToken) != 1 {
		return ErrInvalidSignature
	}
	return nil
}

// ParseNotification reads {"notification_id": ..., "charge": {"id": ...,
// "status": ...}}.
func (g *PagBank) ParseNotification(payload []byte) (*Notification, error) {
	var n Notification
	d := jx.DecodeBytes(payload)
	if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		switch string(k) {
		case "notification_id":
			return decodeStringOrNumber(d, &n.EventID)
		case "charge":
			return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
				switch string(k) {
				case "id":
					return decodeStringOrNumber(d, &n.PaymentID)
				case "status":
					s, err := d.Str()
					if err != nil {
						return err
					}
					n.StatusHint = mapPagBankStatus(s)
					return nil
				default:
					return d.Skip()
				}
			})
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "parse notification")
	}
	if n.PaymentID == "" {
		return nil, errors.New("notification has no charge id")
	}
	return &n, nil
}

// PaymentStatus queries GET /charges/{id}.
func (g *PagBank) PaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		Get("/charges/{id}")
	if err != nil {
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return "", ErrPaymentNotFound
	case resp.StatusCode() >= 500:
		return "", errors.Wrapf(ErrUnavailable, "status %d", resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return "", errors.Errorf("unexpected status %d from charge query", resp.StatusCode())
	}

	status, err := extractStringField(resp.Body(), "status")
	if err != nil {
		return "", errors.Wrap(err, "parse charge response")
	}
	return mapPagBankStatus(status), nil
}

func mapPagBankStatus(s string) Status {
	switch s {
	case "PAID", "AUTHORIZED":
		return StatusApproved
	case "DECLINED":
		return StatusRejected
	case "CANCELED", "EXPIRED":
		return StatusCancelled
	case "IN_ANALYSIS":
		return StatusProcessing
	default:
		return StatusPending
	}
}
