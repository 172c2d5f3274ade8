package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signMP(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestMercadoPago_VerifySignature(t *testing.T) {
	g := NewMercadoPago("https://api.example.test", "topsecret", "token")
	payload := []byte(`{"id":123,"data":{"id":"pay_1"}}`)

	h := http.Header{}
	h.Set("X-Signature", signMP("topsecret", payload))
	require.NoError(t, g.VerifySignature(payload, h))

	h.Set("X-Signature", signMP("wrong", payload))
	require.ErrorIs(t, g.VerifySignature(payload, h), ErrInvalidSignature)

	require.ErrorIs(t, g.VerifySignature(payload, http.Header{}), ErrInvalidSignature)

	h.Set("X-Signature", "not-hex!!")
	require.ErrorIs(t, g.VerifySignature(payload, h), ErrInvalidSignature)
}

func TestMercadoPago_ParseNotification(t *testing.T) {
	g := NewMercadoPago("https://api.example.test", "s", "t")

	n, err := g.ParseNotification([]byte(`{"id":987654,"action":"payment.approved","data":{"id":"12345"}}`))
	require.NoError(t, err)
	assert.Equal(t, "987654", n.EventID)
	assert.Equal(t, "12345", n.PaymentID)
	assert.Equal(t, StatusApproved, n.StatusHint)

	// Numeric payment id.
	n, err = g.ParseNotification([]byte(`{"id":"evt-1","data":{"id":555}}`))
	require.NoError(t, err)
	assert.Equal(t, "555", n.PaymentID)

	_, err = g.ParseNotification([]byte(`{"id":"evt-2","data":{}}`))
	require.Error(t, err)

	_, err = g.ParseNotification([]byte(`not json`))
	require.Error(t, err)
}

func TestPagBank_VerifySignature(t *testing.T) {
	g := NewPagBank("https://api.example.test", "hook-token", "api-token")

	h := http.Header{}
	h.Set("X-Webhook-Token", "hook-token")
	require.NoError(t, g.VerifySignature(nil, h))

	h.Set("X-Webhook-Token", "guess")
	require.ErrorIs(t, g.VerifySignature(nil, h), ErrInvalidSignature)

	require.ErrorIs(t, g.VerifySignature(nil, http.Header{}), ErrInvalidSignature)
}

func TestPagBank_ParseNotification(t *testing.T) {
	g := NewPagBank("https://api.example.test", "h", "a")

	n, err := g.ParseNotification([]byte(`{"notification_id":"n1","charge":{"id":"ch_9","status":"PAID"}}`))
	require.NoError(t, err)
	assert.Equal(t, "n1", n.EventID)
	assert.Equal(t, "ch_9", n.PaymentID)
	assert.Equal(t, StatusApproved, n.StatusHint)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		raw  string
		mp   bool
		want Status
	}{
		{"approved", true, StatusApproved},
		{"rejected", true, StatusRejected},
		{"cancelled", true, StatusCancelled},
		{"in_process", true, StatusProcessing},
		{"something_new", true, StatusPending},
		{"PAID", false, StatusApproved},
		{"DECLINED", false, StatusRejected},
		{"CANCELED", false, StatusCancelled},
		{"WAITING", false, StatusPending},
	}
	for _, tt := range tests {
		if tt.mp {
			assert.Equal(t, tt.want, mapMercadoPagoStatus(tt.raw), tt.raw)
		} else {
			assert.Equal(t, tt.want, mapPagBankStatus(tt.raw), tt.raw)
		}
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(
		NewMercadoPago("https://mp.test", "s", "t"),
		NewPagBank("https://pb.test", "h", "a"),
	)

	c, err := r.Get("mercadopago")
	require.NoError(t, err)
	assert.Equal(t, "mercadopago", c.Name())

	_, err = r.Get("stripe")
	require.ErrorIs(t, err, ErrUnknownGateway)

	assert.Len(t, r.Names(), 2)
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusApproved.Terminal())
	assert.True(t, StatusRejected.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusProcessing.Terminal())
}
