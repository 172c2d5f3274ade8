package webhook

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coopvida/poscore/internal/domain/payment"
	"github.com/coopvida/poscore/internal/gateway"
)

type memReceiptRepo struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
}

func newMemReceiptRepo() *memReceiptRepo {
	return &memReceiptRepo{receipts: make(map[string]*Receipt)}
}

func (r *memReceiptRepo) Create(_ context.Context, rec *Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.receipts {
		if existing.Gateway == rec.Gateway && existing.EventID == rec.EventID {
			return ErrDuplicateEvent
		}
	}
	cp := *rec
	r.receipts[rec.ID] = &cp
	return nil
}

func (r *memReceiptRepo) Get(_ context.Context, id string) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.receipts[id]
	if !ok {
		return nil, ErrReceiptNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *memReceiptRepo) FindByEvent(_ context.Context, gatewayName, eventID string) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.receipts {
		if rec.Gateway == gatewayName && rec.EventID == eventID {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, ErrReceiptNotFound
}

func (r *memReceiptRepo) Update(_ context.Context, rec *Receipt) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *rec
	r.receipts[rec.ID] = &cp
	return nil
}

func (r *memReceiptRepo) ListDueForRetry(_ context.Context, now time.Time, limit int) ([]Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Receipt
	for _, rec := range r.receipts {
		if rec.Status == StatusFailedRetry && rec.NextRetryAt != nil && !rec.NextRetryAt.After(now) {
			out = append(out, *rec)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

type mockIntentEngine struct {
	mu       sync.Mutex
	intents  map[string]*payment.Intent // keyed by external id
	applied  []gateway.Status
	applyErr error
}

func newMockIntentEngine(intents ...*payment.Intent) *mockIntentEngine {
	m := &mockIntentEngine{intents: make(map[string]*payment.Intent)}
	for _, i := range intents {
		m.intents[i.ExternalID] = i
	}
	return m
}

func (m *mockIntentEngine) FindByExternalID(_ context.Context, gatewayName, externalID string) (*payment.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.intents[externalID]
	if !ok || i.Gateway != gatewayName {
		return nil, payment.ErrIntentNotFound
	}
	cp := *i
	return &cp, nil
}

func (m *mockIntentEngine) ApplyGatewayStatus(_ context.Context, intentID string, status gateway.Status, _ string) (*payment.Intent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.applyErr != nil {
		return nil, m.applyErr
	}
	m.applied = append(m.applied, status)
	for _, i := range m.intents {
		if i.ID == intentID {
			cp := *i
			return &cp, nil
		}
	}
	return nil, payment.ErrIntentNotFound
}

type fakeGateway struct {
	name      string
	sigErr    error
	parseErr  error
	note      *gateway.Notification
	status    gateway.Status
	statusErr error
}

func (g *fakeGateway) Name() string { return g.name }

func (g *fakeGateway) VerifySignature([]byte, http.Header) error { return g.sigErr }

func (g *fakeGateway) ParseNotification([]byte) (*gateway.Notification, error) {
	if g.parseErr != nil {
		return nil, g.parseErr
	}
	return g.note, nil
}

func (g *fakeGateway) PaymentStatus(context.Context, string) (gateway.Status, error) {
	if g.statusErr != nil {
		return "", g.statusErr
	}
	return g.status, nil
}

func testIntent(externalID string) *payment.Intent {
	return &payment.Intent{
		ID:         "intent-" + externalID,
		OrderID:    "ord-1",
		Gateway:    "pagbank",
		ExternalID: externalID,
		Status:     payment.StatusPending,
	}
}

func newTestReconciler(repo Repository, intents IntentEngine, gw gateway.Client) *Reconciler {
	return NewReconciler(repo, intents, gateway.NewRegistry(gw), 3, time.Minute, zap.NewNop())
}

func TestIngestProcessesDelivery(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:   "pagbank",
		note:   &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1", StatusHint: gateway.StatusApproved},
		status: gateway.StatusApproved,
	}
	rec, err := newTestReconciler(repo, eng, gw).Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, "evt-1", rec.EventID)
	assert.Equal(t, []gateway.Status{gateway.StatusApproved}, eng.applied)
}

func TestIngestQueryBeatsPayloadHint(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name: "pagbank",
		// The payload claims approved but the query API says rejected.
		note:   &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1", StatusHint: gateway.StatusApproved},
		status: gateway.StatusRejected,
	}
	rec, err := newTestReconciler(repo, eng, gw).Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, rec.Status)
	assert.Equal(t, []gateway.Status{gateway.StatusRejected}, eng.applied)
}

func TestIngestInvalidSignature(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:   "pagbank",
		sigErr: gateway.ErrInvalidSignature,
		note:   &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
	}
	rec, err := newTestReconciler(repo, eng, gw).Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err, "bad signatures are absorbed, not surfaced")

	assert.Equal(t, StatusIgnored, rec.Status)
	assert.Equal(t, "invalid signature", rec.Reason)
	assert.Empty(t, eng.applied)

	stored, err := repo.FindByEvent(ctx, "pagbank", "evt-1")
	require.NoError(t, err, "the delivery is still stored")
	assert.Equal(t, StatusIgnored, stored.Status)
}

func TestIngestUnknownGateway(t *testing.T) {
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine()
	gw := &fakeGateway{name: "pagbank"}
	_, err := newTestReconciler(repo, eng, gw).Ingest(context.Background(), "stripe", []byte(`{}`), http.Header{})
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
}

func TestIngestDeduplicatesRedelivery(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:   "pagbank",
		note:   &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
		status: gateway.StatusApproved,
	}
	rc := newTestReconciler(repo, eng, gw)

	first, err := rc.Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	second, err := rc.Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, eng.applied, 1, "redelivery is not applied twice")
}

func TestIngestIntentNotFoundIgnored(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine()
	gw := &fakeGateway{
		name: "pagbank",
		note: &gateway.Notification{EventID: "evt-9", PaymentID: "pb-unknown"},
	}
	rec, err := newTestReconciler(repo, eng, gw).Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, StatusIgnored, rec.Status)
	assert.Contains(t, rec.Reason, "no intent for payment")
}

func TestIngestReplayOfTerminalIntentIsProcessed(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	eng.applyErr = payment.ErrNoChange
	gw := &fakeGateway{
		name:   "pagbank",
		note:   &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
		status: gateway.StatusApproved,
	}
	rec, err := newTestReconciler(repo, eng, gw).Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	assert.Equal(t, StatusProcessed, rec.Status)
}

func TestIngestGatewayDownSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:      "pagbank",
		note:      &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
		statusErr: gateway.ErrUnavailable,
	}
	rc := newTestReconciler(repo, eng, gw)

	rec, err := rc.Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	assert.Equal(t, StatusFailedRetry, rec.Status)
	assert.Equal(t, 1, rec.Attempts)
	require.NotNil(t, rec.NextRetryAt)
	assert.Empty(t, eng.applied)
}

func TestProcessDueRecoversAfterOutage(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:      "pagbank",
		note:      &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
		statusErr: gateway.ErrUnavailable,
	}
	rc := newTestReconciler(repo, eng, gw)

	rec, err := rc.Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)
	require.Equal(t, StatusFailedRetry, rec.Status)

	// Not due yet.
	processed, err := rc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Zero(t, processed)

	// Gateway comes back; force the backoff to elapse.
	gw.statusErr = nil
	gw.status = gateway.StatusApproved
	past := time.Now().Add(-time.Second)
	rec.NextRetryAt = &past
	require.NoError(t, repo.Update(ctx, rec))

	processed, err = rc.ProcessDue(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	stored, err := repo.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessed, stored.Status)
	assert.Equal(t, []gateway.Status{gateway.StatusApproved}, eng.applied)
}

func TestRetriesExhaustedIgnores(t *testing.T) {
	ctx := context.Background()
	repo := newMemReceiptRepo()
	eng := newMockIntentEngine(testIntent("pb-1"))
	gw := &fakeGateway{
		name:      "pagbank",
		note:      &gateway.Notification{EventID: "evt-1", PaymentID: "pb-1"},
		statusErr: errors.New("connection reset"),
	}
	rc := newTestReconciler(repo, eng, gw)

	rec, err := rc.Ingest(ctx, "pagbank", []byte(`{}`), http.Header{})
	require.NoError(t, err)

	for rec.Status == StatusFailedRetry {
		past := time.Now().Add(-time.Second)
		rec.NextRetryAt = &past
		require.NoError(t, repo.Update(ctx, rec))
		_, err = rc.ProcessDue(ctx, 10)
		require.NoError(t, err)
		rec, err = repo.Get(ctx, rec.ID)
		require.NoError(t, err)
	}

	assert.Equal(t, StatusIgnored, rec.Status)
	assert.Contains(t, rec.Reason, "retry attempts exhausted")
	assert.Equal(t, 3, rec.Attempts)
}
