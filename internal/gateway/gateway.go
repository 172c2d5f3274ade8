// Package gateway integrates the external payment providers. Each client
// verifies its provider's webhook signature scheme and exposes the provider's
// payment query API, which is the authority on payment state — webhook
// payloads are treated as hints only.
package gateway

import (
	"context"
	"net/http"

	"github.com/go-faster/errors"
)

// Sentinel errors shared by all clients.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrUnknownGateway   = errors.New("unknown gateway")
	ErrPaymentNotFound  = errors.New("payment not found at gateway")
	ErrUnavailable      = errors.New("gateway unavailable")
)

// Status is the provider-side payment state, normalized across gateways.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the provider will not change this state again.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Notification is the parsed hint from a webhook payload: just enough to
// locate the payment. The status hint is never acted on directly.
type Notification struct {
	EventID    string
	PaymentID  string
	StatusHint Status
}

// Client is one payment provider integration.
type Client interface {
	// Name is the stable identifier used in webhook routes and intent rows.
	Name() string

	// VerifySignature checks the provider's webhook authentication scheme
	// against the raw payload and request headers.
	VerifySignature(payload []byte, header http.Header) error

	// ParseNotification extracts the event and payment identifiers from a
	// raw webhook payload.
	ParseNotification(payload []byte) (*Notification, error)

	// PaymentStatus fetches the authoritative state from the provider's
	// query API. Transient failures return ErrUnavailable.
	PaymentStatus(ctx context.Context, paymentID string) (Status, error)
}

// Registry holds the configured clients keyed by name.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds a registry from the given clients.
func NewRegistry(clients ...Client) *Registry {
	m := make(map[string]Client, len(clients))
	for _, c := range clients {
		m[c.Name()] = c
	}
	return &Registry{clients: m}
}

// Get returns the client for name or ErrUnknownGateway.
func (r *Registry) Get(name string) (Client, error) {
	c, ok := r.clients[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownGateway, "%q", name)
	}
	return c, nil
}

// Names lists the registered gateway names.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	return names
}
