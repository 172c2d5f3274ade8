package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-resty/resty/v2"
)

// MercadoPago authenticates webhooks with an HMAC-SHA256 of the raw payload
// carried in the X-Signature header (hex encoded).
type MercadoPago struct {
	secret []byte
	http   *resty.Client
}

// NewMercadoPago creates the client. baseURL points at the provider API,
// secret is the shared webhook signing secret, accessToken authorizes query
// API calls.
func NewMercadoPago(baseURL, secret, accessToken string) *MercadoPago {
	client := resty.New().
		SetBaseURL(baseURL).
		SetAuthToken(accessToken).
		SetTimeout(10 * time.Second)
	return &MercadoPago{
		secret: []byte(secret),
		http:   client,
	}
}

func (g *MercadoPago) Name() string { return "mercadopago" }

// VerifySignature recomputes the payload HMAC and compares it to the
// X-Signature header. hmac.Equal is constant time.
func (g *MercadoPago) VerifySignature(payload []byte, header http.Header) error {
	sig := header.Get("X-Signature")
	if sig == "" {
		return errors.Wrap(ErrInvalidSignature, "missing X-Signature header")
	}
	provided, err := hex.DecodeString(sig)
	if err != nil {
		return errors.Wrap(ErrInvalidSignature, "malformed X-Signature header")
	}

	mac := hmac.New(sha256.New, g.secret)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), provided) {
		return ErrInvalidSignature
	}
	return nil
}

// ParseNotification pulls the event id and payment id out of the payload.
// The notification body is {"id": ..., "action": ..., "data": {"id": ...}}.
func (g *MercadoPago) ParseNotification(payload []byte) (*Notification, error) {
	var n Notification
	d := jx.DecodeBytes(payload)
	if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		switch string(k) {
		case "id":
			return decodeStringOrNumber(d, &n.EventID)
		case "data":
			return d.ObjBytes(func(d *jx.Decoder, k []byte) error {
				if string(k) == "id" {
					return decodeStringOrNumber(d, &n.PaymentID)
				}
				return d.Skip()
			})
		case "action":
			action, err := d.Str()
			if err != nil {
				return err
			}
			n.StatusHint = mapMercadoPagoStatus(action)
			return nil
		default:
			return d.Skip()
		}
	}); err != nil {
		return nil, errors.Wrap(err, "parse notification")
	}
	if n.PaymentID == "" {
		return nil, errors.New("notification has no payment id")
	}
	return &n, nil
}

// PaymentStatus queries GET /v1/payments/{id}.
func (g *MercadoPago) PaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	resp, err := g.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		Get("/v1/payments/{id}")
	if err != nil {
		return "", errors.Wrap(ErrUnavailable, err.Error())
	}
	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return "", ErrPaymentNotFound
	case resp.StatusCode() >= 500:
		return "", errors.Wrapf(ErrUnavailable, "status %d", resp.StatusCode())
	case resp.StatusCode() != http.StatusOK:
		return "", errors.Errorf("unexpected status %d from payment query", resp.StatusCode())
	}

	status, err := extractStringField(resp.Body(), "status")
	if err != nil {
		return "", errors.Wrap(err, "parse payment response")
	}
	return mapMercadoPagoStatus(status), nil
}

func mapMercadoPagoStatus(s string) Status {
	switch s {
	case "approved", "payment.approved", "accredited":
		return StatusApproved
	case "rejected", "payment.rejected":
		return StatusRejected
	case "cancelled", "payment.cancelled", "expired":
		return StatusCancelled
	case "in_process", "in_mediation", "payment.updated":
		return StatusProcessing
	default:
		return StatusPending
	}
}

// decodeStringOrNumber accepts ids delivered either as JSON strings or
// numbers, which this provider mixes freely.
func decodeStringOrNumber(d *jx.Decoder, dst *string) error {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return err
		}
		*dst = s
		return nil
	case jx.Number:
		num, err := d.Num()
		if err != nil {
			return err
		}
		*dst = num.String()
		return nil
	default:
		return d.Skip()
	}
}

// extractStringField returns the top-level string field named key.
func extractStringField(body []byte, key string) (string, error) {
	var out string
	d := jx.DecodeBytes(body)
	if err := d.ObjBytes(func(d *jx.Decoder, k []byte) error {
		if string(k) == key {
			s, err := d.Str()
			if err != nil {
				return err
			}
			out = s
			return nil
		}
		return d.Skip()
	}); err != nil {
		return "", err
	}
	if out == "" {
		return "", errors.Errorf("field %q missing in response", key)
	}
	return out, nil
}
