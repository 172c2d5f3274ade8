package worker

import (
	"context"
	"time"

	"github.com/coopvida/poscore/internal/domain/order"
	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/domain/webhook"
)

// PaymentTimeouts resolves payment intents stuck past their timeout.
func PaymentTimeouts(svc *payment.Service, every time.Duration, limit int) Sweep {
	return Sweep{
		Name:  "payment-timeouts",
		Every: every,
		Run: func(ctx context.Context) (int, error) {
			return svc.SweepTimeouts(ctx, limit)
		},
	}
}

// WebhookRetries re-runs webhook receipts whose backoff has elapsed.
func WebhookRetries(rc *webhook.Reconciler, every time.Duration, limit int) Sweep {
	return Sweep{
		Name:  "webhook-retries",
		Every: every,
		Run: func(ctx context.Context) (int, error) {
			return rc.ProcessDue(ctx, limit)
		},
	}
}

// OrderExpiry cancels orders idling in pending beyond the window.
func OrderExpiry(svc *order.Service, window, every time.Duration, limit int) Sweep {
	return Sweep{
		Name:  "order-expiry",
		Every: every,
		Run: func(ctx context.Context) (int, error) {
			return svc.ExpireStale(ctx, window, limit)
		},
	}
}
