// Package txn defines the unit-of-work boundary the domain services use to
// group ledger mutations atomically.
package txn

import "context"

// Manager runs fn inside a single atomic unit of work: every store operation
// performed through the returned context joins the same transaction, and all
// effects commit or roll back together. Nested Do calls join the surrounding
// unit instead of opening a new one.
type Manager interface {
	Do(ctx context.Context, fn func(ctx context.Context) error) error
}

// Nop is a Manager that runs fn directly. Useful for tests with in-memory
// stores that are atomic on their own.
type Nop struct{}

func (Nop) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
