package stock

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Mock store ---

// memStore is an in-memory Store with the same serialization guarantee the
// postgres store provides (one Apply at a time per product).
type memStore struct {
	mu        sync.Mutex
	balances  map[string]Balance
	movements []Movement
}

func newMemStore(initial map[string]int) *memStore {
	balances := make(map[string]Balance, len(initial))
	for id, onHand := range initial {
		balances[id] = Balance{OnHand: onHand}
	}
	return &memStore{balances: balances}
}

func (s *memStore) Apply(_ context.Context, productID, orderID string, fn ApplyFunc) (*Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.balances[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	v := View{Balance: b, OpenReservation: s.openLocked(productID, orderID)}
	m, err := fn(v)
	if err != nil {
		return nil, err
	}
	s.movements = append(s.movements, m)
	s.balances[productID] = Balance{OnHand: m.OnHandAfter, Reserved: m.ReservedAfter}
	return &m, nil
}

func (s *memStore) openLocked(productID, orderID string) int {
	if orderID == "" {
		return 0
	}
	open := 0
	for _, m := range s.movements {
		if m.ProductID != productID || m.OrderID != orderID {
			continue
		}
		switch m.Kind {
		case KindReservation, KindReservationRelease:
			open += m.Delta
		case KindSaleExit:
			open += m.Delta
		}
	}
	if open < 0 {
		open = 0
	}
	return open
}

func (s *memStore) Balance(_ context.Context, productID string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.balances[productID]
	if !ok {
		return Balance{}, ErrProductNotFound
	}
	return b, nil
}

func (s *memStore) Movements(_ context.Context, productID string) ([]Movement, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Movement
	for _, m := range s.movements {
		if m.ProductID == productID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *memStore) OpenReservation(_ context.Context, productID, orderID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(productID, orderID), nil
}

func (s *memStore) HasConfirmedExit(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.movements {
		if m.Kind == KindSaleExit && m.OrderID == orderID {
			return true, nil
		}
	}
	return false, nil
}

// --- Tests ---

func TestReserve_InsufficientStock(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 3})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "p1", 3, "o1", "pos")
	require.NoError(t, err)

	// A second order cannot reserve while the first hold is outstanding.
	_, err = l.Reserve(ctx, "p1", 1, "o2", "pos")
	var insErr *InsufficientStockError
	require.ErrorAs(t, err, &insErr)
	assert.Equal(t, 0, insErr.Available)

	b, err := l.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, b.OnHand, "reservation never touches on hand")
	assert.Equal(t, 3, b.Reserved)
}

func TestReserve_RejectsNonPositiveQty(t *testing.T) {
	l := NewLedger(newMemStore(map[string]int{"p1": 5}))

	for _, qty := range []int{0, -2} {
		_, err := l.Reserve(context.Background(), "p1", qty, "o1", "pos")
		require.ErrorIs(t, err, ErrInvalidQuantity)
	}
}

func TestReserveThenRelease_RestoresAvailability(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 10})
	l := NewLedger(store)
	ctx := context.Background()

	before, _ := l.Balance(ctx, "p1")

	_, err := l.Reserve(ctx, "p1", 4, "o1", "pos")
	require.NoError(t, err)
	_, err = l.Release(ctx, "p1", 4, "o1", "pos")
	require.NoError(t, err)

	after, err := l.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, before.Available(), after.Available())
	assert.Equal(t, before.OnHand, after.OnHand)
	assert.Equal(t, 0, after.Reserved)
}

func TestReserveThenConfirm_DecrementsOnHand(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 10})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "p1", 4, "o1", "pos")
	require.NoError(t, err)
	_, err = l.Confirm(ctx, "p1", 4, "o1", "pos")
	require.NoError(t, err)

	b, err := l.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 6, b.OnHand)
	assert.Equal(t, 0, b.Reserved)

	exited, err := l.HasConfirmedExit(ctx, "o1")
	require.NoError(t, err)
	assert.True(t, exited)
}

func TestConfirm_WithoutReservation(t *testing.T) {
	l := NewLedger(newMemStore(map[string]int{"p1": 10}))

	_, err := l.Confirm(context.Background(), "p1", 2, "o1", "pos")
	var nrErr *NoReservationError
	require.ErrorAs(t, err, &nrErr)
	assert.Equal(t, "o1", nrErr.OrderID)
}

func TestRelease_MoreThanOpen(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 10})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "p1", 2, "o1", "pos")
	require.NoError(t, err)

	_, err = l.Release(ctx, "p1", 3, "o1", "pos")
	var nrErr *NoReservationError
	require.ErrorAs(t, err, &nrErr)
	assert.Equal(t, 2, nrErr.Open)
}

func TestDecrement_DirectSale(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 5})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Decrement(ctx, "p1", 2, "o1", "pos")
	require.NoError(t, err)

	b, _ := l.Balance(ctx, "p1")
	assert.Equal(t, 3, b.OnHand)
	assert.Equal(t, 0, b.Reserved)

	// Direct exits respect outstanding reservations.
	_, err = l.Reserve(ctx, "p1", 3, "o2", "pos")
	require.NoError(t, err)
	_, err = l.Decrement(ctx, "p1", 1, "o3", "pos")
	var insErr *InsufficientStockError
	require.ErrorAs(t, err, &insErr)
}

func TestReturnToStock(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 5})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Decrement(ctx, "p1", 2, "o1", "pos")
	require.NoError(t, err)
	_, err = l.ReturnToStock(ctx, "p1", 2, "o1", "pos")
	require.NoError(t, err)

	b, _ := l.Balance(ctx, "p1")
	assert.Equal(t, 5, b.OnHand)
}

func TestAdjust_CannotDropBelowReserved(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 5})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Reserve(ctx, "p1", 4, "o1", "pos")
	require.NoError(t, err)

	_, err = l.Adjust(ctx, "p1", -2, "admin")
	var insErr *InsufficientStockError
	require.ErrorAs(t, err, &insErr)

	_, err = l.Adjust(ctx, "p1", -1, "admin")
	require.NoError(t, err)

	b, _ := l.Balance(ctx, "p1")
	assert.Equal(t, 4, b.OnHand)
}

func TestReplay_MatchesProjection(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 0})
	l := NewLedger(store)
	ctx := context.Background()

	_, err := l.Increment(ctx, "p1", 10, "admin")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "p1", 3, "o1", "pos")
	require.NoError(t, err)
	_, err = l.Confirm(ctx, "p1", 3, "o1", "pos")
	require.NoError(t, err)
	_, err = l.Reserve(ctx, "p1", 2, "o2", "pos")
	require.NoError(t, err)
	_, err = l.Release(ctx, "p1", 2, "o2", "pos")
	require.NoError(t, err)
	_, err = l.Decrement(ctx, "p1", 1, "o3", "pos")
	require.NoError(t, err)
	_, err = l.ReturnToStock(ctx, "p1", 1, "o3", "pos")
	require.NoError(t, err)
	_, err = l.Adjust(ctx, "p1", -2, "admin")
	require.NoError(t, err)

	movements, err := l.Movements(ctx, "p1")
	require.NoError(t, err)

	replayed := Replay(movements)
	projected, err := l.Balance(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, projected, replayed, "ledger replay must reproduce the projection")

	// Snapshots chain: each movement's before equals the previous after.
	for i := 1; i < len(movements); i++ {
		assert.Equal(t, movements[i-1].OnHandAfter, movements[i].OnHandBefore)
		assert.Equal(t, movements[i-1].ReservedAfter, movements[i].ReservedBefore)
	}
}

func TestConcurrentReserves_NoLostUpdate(t *testing.T) {
	store := newMemStore(map[string]int{"p1": 50})
	l := NewLedger(store)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 100)
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.Reserve(ctx, "p1", 1, "order", "pos")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	ok := 0
	for err := range errs {
		if err == nil {
			ok++
		} else {
			var insErr *InsufficientStockError
			require.ErrorAs(t, err, &insErr)
		}
	}
	assert.Equal(t, 50, ok, "exactly on-hand many reservations may succeed")

	b, _ := l.Balance(ctx, "p1")
	assert.Equal(t, 50, b.Reserved)
	assert.Equal(t, 0, b.Available())
}
